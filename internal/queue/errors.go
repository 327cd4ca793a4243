package queue

import (
	"errors"
	"fmt"
)

// Code identifies a queue failure so callers can branch without string matching.
type Code string

const (
	CodeQueueFull         Code = "QUEUE_FULL"
	CodeNotInitialized    Code = "ADAPTER_NOT_INITIALIZED"
	CodeRedisInitFailed   Code = "REDIS_INIT_FAILED"
	CodeBackendInitFailed Code = "BACKEND_INIT_FAILED"
	CodeImmutableField    Code = "IMMUTABLE_FIELD"
	CodeInvalidJob        Code = "INVALID_JOB"
)

// Error is the typed error returned by every adapter.
type Error struct {
	Code  Code
	Queue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	msg := "queue"
	if e.Queue != "" {
		msg += " " + e.Queue
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	msg += ": " + string(e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, ErrQueueFull) works
// regardless of queue name or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrQueueFull         = &Error{Code: CodeQueueFull}
	ErrNotInitialized    = &Error{Code: CodeNotInitialized}
	ErrRedisInitFailed   = &Error{Code: CodeRedisInitFailed}
	ErrBackendInitFailed = &Error{Code: CodeBackendInitFailed}
	ErrImmutableField    = &Error{Code: CodeImmutableField}
	ErrInvalidJob        = &Error{Code: CodeInvalidJob}
)

// NewError builds a queue error.
func NewError(code Code, queueName, op string, err error) *Error {
	return &Error{Code: code, Queue: queueName, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

// ValidateJobData checks the fields every adapter requires before enqueueing.
func ValidateJobData(queueName string, data JobData) error {
	if data.Name == "" {
		return NewError(CodeInvalidJob, queueName, "add", errors.New("job name must not be empty"))
	}
	if data.Options.Delay < 0 {
		return NewError(CodeInvalidJob, queueName, "add", errors.New("delay must not be negative"))
	}
	if !data.Options.Priority.Valid() {
		return NewError(CodeInvalidJob, queueName, "add", fmt.Errorf("unknown priority %q", data.Options.Priority))
	}
	return nil
}

// ValidateUpdate rejects updates that would change a job's identity or carry
// out-of-range values.
func ValidateUpdate(queueName, id string, u JobUpdate) error {
	if u.ID != nil && *u.ID != id {
		return NewError(CodeImmutableField, queueName, "update", fmt.Errorf("job id %q cannot be changed", id))
	}
	if u.Status != nil && !u.Status.Valid() {
		return NewError(CodeInvalidJob, queueName, "update", fmt.Errorf("unknown status %q", *u.Status))
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return NewError(CodeInvalidJob, queueName, "update", fmt.Errorf("progress %d out of range 0-100", *u.Progress))
	}
	return nil
}
