package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusStuck     Status = "stuck"
)

// AllStatuses lists every status in enumeration order.
var AllStatuses = []Status{
	StatusWaiting, StatusDelayed, StatusActive, StatusCompleted,
	StatusFailed, StatusPaused, StatusStuck,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// ParseStatus parses a status filter. The empty string is accepted and means "any".
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if s == "" || st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Priority is a job priority label.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var priorityRanks = map[Priority]int{
	PriorityCritical: 1,
	PriorityUrgent:   2,
	PriorityHigh:     3,
	PriorityNormal:   4,
	PriorityLow:      5,
}

// Rank returns the claim rank of p; lower ranks are served first.
// Unknown or empty priorities rank as normal.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityNormal]
}

// Valid reports whether p is empty or a known label.
func (p Priority) Valid() bool {
	if p == "" {
		return true
	}
	_, ok := priorityRanks[p]
	return ok
}

// RemovalPolicy controls whether a terminal job is swept by Clean.
// On the wire it is either a boolean or a max age in milliseconds.
type RemovalPolicy struct {
	Always   bool
	MaxAgeMs int64
}

// RemoveAfter returns a policy that removes a job once it is older than d.
func RemoveAfter(d time.Duration) RemovalPolicy {
	return RemovalPolicy{MaxAgeMs: d.Milliseconds()}
}

// IsZero reports whether the policy never removes anything.
func (p RemovalPolicy) IsZero() bool {
	return !p.Always && p.MaxAgeMs <= 0
}

// ShouldRemove reports whether a job that finished at finishedAt is due for removal.
func (p RemovalPolicy) ShouldRemove(finishedAt *time.Time, now time.Time) bool {
	if p.Always {
		return true
	}
	if p.MaxAgeMs <= 0 || finishedAt == nil {
		return false
	}
	return now.Sub(*finishedAt) > time.Duration(p.MaxAgeMs)*time.Millisecond
}

func (p RemovalPolicy) MarshalJSON() ([]byte, error) {
	if p.Always {
		return []byte("true"), nil
	}
	if p.MaxAgeMs > 0 {
		return []byte(strconv.FormatInt(p.MaxAgeMs, 10)), nil
	}
	return []byte("false"), nil
}

func (p *RemovalPolicy) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "null", "false":
		*p = RemovalPolicy{}
		return nil
	case "true":
		*p = RemovalPolicy{Always: true}
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("removal policy must be a boolean or a number of milliseconds: %w", err)
	}
	*p = RemovalPolicy{MaxAgeMs: int64(ms)}
	return nil
}

// JobOptions are enqueue-time directives.
type JobOptions struct {
	Delay            int64         `json:"delay,omitempty"` // milliseconds before the job is eligible
	Attempts         int           `json:"attempts,omitempty"`
	MaxAttempts      int           `json:"maxAttempts,omitempty"`
	Priority         Priority      `json:"priority,omitempty"`
	Tags             []string      `json:"tags,omitempty"`
	JobID            string        `json:"jobId,omitempty"`
	RemoveOnComplete RemovalPolicy `json:"removeOnComplete"`
	RemoveOnFail     RemovalPolicy `json:"removeOnFail"`
}

// DelayDuration returns the enqueue delay as a time.Duration.
func (o JobOptions) DelayDuration() time.Duration {
	return time.Duration(o.Delay) * time.Millisecond
}

// JobData is what callers submit to enqueue; they never build a Job directly.
type JobData struct {
	Name    string         `json:"name"`
	Data    map[string]any `json:"data,omitempty"`
	Options JobOptions     `json:"options"`
}

// Job is one unit of deferred work.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        map[string]any  `json:"data,omitempty"`
	Options     JobOptions      `json:"options"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Queue       string          `json:"queue"`
	Seq         int64           `json:"seq"`
}

// EligibleAt returns the earliest time the job may be claimed.
func (j *Job) EligibleAt() time.Time {
	return j.CreatedAt.Add(j.Options.DelayDuration())
}

// Clone returns a deep copy so adapters never hand out their internal records.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Data != nil {
		c.Data = cloneMap(j.Data)
	}
	if j.Options.Tags != nil {
		c.Options.Tags = append([]string(nil), j.Options.Tags...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	c.ProcessedAt = cloneTime(j.ProcessedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(vv)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// JobUpdate is a partial update. Nil fields are left unchanged.
type JobUpdate struct {
	ID          *string         `json:"id,omitempty"`
	Status      *Status         `json:"status,omitempty"`
	Progress    *int            `json:"progress,omitempty"`
	Attempts    *int            `json:"attempts,omitempty"`
	Data        map[string]any  `json:"data,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
}

// Stats holds aggregate counts for one queue.
type Stats struct {
	Queue           string  `json:"queue"`
	Waiting         int     `json:"waiting"`
	Delayed         int     `json:"delayed"`
	Active          int     `json:"active"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Paused          int     `json:"paused"`
	Stuck           int     `json:"stuck"`
	Total           int     `json:"total"`
	Added           int64   `json:"added"`
	Removed         int64   `json:"removed"`
	Processed       int64   `json:"processed"`
	FailedTotal     int64   `json:"failedTotal"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`
	IsPaused        bool    `json:"isPaused"`
}

// Count adds one job with status st to the per-status counts.
func (s *Stats) Count(st Status) { s.Add(st, 1) }

// Add adds n jobs with status st to the per-status counts and the total.
func (s *Stats) Add(st Status, n int) {
	switch st {
	case StatusWaiting:
		s.Waiting += n
	case StatusDelayed:
		s.Delayed += n
	case StatusActive:
		s.Active += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusPaused:
		s.Paused += n
	case StatusStuck:
		s.Stuck += n
	default:
		return
	}
	s.Total += n
}

// Counters are the monotonic throughput counters kept by every adapter.
type Counters struct {
	Added     int64 `json:"added"`
	Removed   int64 `json:"removed"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}
