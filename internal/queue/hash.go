package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Hash field names used when a job is flattened into a string map.
const (
	FieldID          = "id"
	FieldName        = "name"
	FieldData        = "data"
	FieldOptions     = "options"
	FieldStatus      = "status"
	FieldProgress    = "progress"
	FieldAttempts    = "attempts"
	FieldMaxAttempts = "maxAttempts"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
	FieldProcessedAt = "processedAt"
	FieldCompletedAt = "completedAt"
	FieldFailedAt    = "failedAt"
	FieldResult      = "result"
	FieldError       = "error"
	FieldQueue       = "queue"
	FieldSeq         = "seq"
)

// EncodeHash flattens j into string-valued fields. Nested structures are
// JSON-encoded; timestamps use RFC 3339 with nanoseconds; absent optional
// timestamps are encoded as the empty string.
func EncodeHash(j *Job) (map[string]string, error) {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding job data: %w", err)
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return nil, fmt.Errorf("encoding job options: %w", err)
	}
	return map[string]string{
		FieldID:          j.ID,
		FieldName:        j.Name,
		FieldData:        string(data),
		FieldOptions:     string(opts),
		FieldStatus:      string(j.Status),
		FieldProgress:    strconv.Itoa(j.Progress),
		FieldAttempts:    strconv.Itoa(j.Attempts),
		FieldMaxAttempts: strconv.Itoa(j.MaxAttempts),
		FieldCreatedAt:   formatTime(&j.CreatedAt),
		FieldUpdatedAt:   formatTime(&j.UpdatedAt),
		FieldProcessedAt: formatTime(j.ProcessedAt),
		FieldCompletedAt: formatTime(j.CompletedAt),
		FieldFailedAt:    formatTime(j.FailedAt),
		FieldResult:      string(j.Result),
		FieldError:       j.Error,
		FieldQueue:       j.Queue,
		FieldSeq:         strconv.FormatInt(j.Seq, 10),
	}, nil
}

// DecodeHash rebuilds a job from fields produced by EncodeHash.
func DecodeHash(h map[string]string) (*Job, error) {
	j := &Job{
		ID:     h[FieldID],
		Name:   h[FieldName],
		Status: Status(h[FieldStatus]),
		Error:  h[FieldError],
		Queue:  h[FieldQueue],
	}
	if j.ID == "" {
		return nil, fmt.Errorf("job hash has no id")
	}
	if v := h[FieldData]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &j.Data); err != nil {
			return nil, fmt.Errorf("decoding job %s data: %w", j.ID, err)
		}
	}
	if v := h[FieldOptions]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Options); err != nil {
			return nil, fmt.Errorf("decoding job %s options: %w", j.ID, err)
		}
	}
	if v := h[FieldResult]; v != "" {
		j.Result = json.RawMessage(v)
	}
	var err error
	if j.Progress, err = atoiField(h, FieldProgress); err != nil {
		return nil, err
	}
	if j.Attempts, err = atoiField(h, FieldAttempts); err != nil {
		return nil, err
	}
	if j.MaxAttempts, err = atoiField(h, FieldMaxAttempts); err != nil {
		return nil, err
	}
	if v := h[FieldSeq]; v != "" {
		if j.Seq, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("decoding job %s seq: %w", j.ID, err)
		}
	}
	for _, tf := range []struct {
		field string
		dst   **time.Time
	}{
		{FieldProcessedAt, &j.ProcessedAt},
		{FieldCompletedAt, &j.CompletedAt},
		{FieldFailedAt, &j.FailedAt},
	} {
		t, err := parseTime(h[tf.field])
		if err != nil {
			return nil, fmt.Errorf("decoding job %s %s: %w", j.ID, tf.field, err)
		}
		*tf.dst = t
	}
	created, err := parseTime(h[FieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("decoding job %s createdAt: %w", j.ID, err)
	}
	if created != nil {
		j.CreatedAt = *created
	}
	updated, err := parseTime(h[FieldUpdatedAt])
	if err != nil {
		return nil, fmt.Errorf("decoding job %s updatedAt: %w", j.ID, err)
	}
	if updated != nil {
		j.UpdatedAt = *updated
	}
	return j, nil
}

func atoiField(h map[string]string, field string) (int, error) {
	v := h[field]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("decoding %s: %w", field, err)
	}
	return n, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
