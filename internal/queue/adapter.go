// Package queue defines the job record and the backend-agnostic adapter
// contract shared by the in-process, Redis and Postgres queue backends.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Adapter is the contract every queue backend satisfies. Initialize must
// succeed before any other method is called; after Shutdown only Initialize
// is valid again.
type Adapter interface {
	// Name returns the queue name this adapter owns.
	Name() string

	Initialize(ctx context.Context) error

	// Add enqueues one job. It fails with ErrQueueFull when the queue is at capacity.
	Add(ctx context.Context, data JobData) (*Job, error)

	// AddBulk enqueues all jobs or none; aggregate capacity is checked first.
	AddBulk(ctx context.Context, data []JobData) ([]*Job, error)

	// GetNext claims the highest-priority, earliest-created eligible job.
	// Returns nil, nil when nothing is eligible or the queue is paused.
	GetNext(ctx context.Context) (*Job, error)

	GetJob(ctx context.Context, id string) (*Job, error)

	// GetJobs lists jobs newest first. An empty status means every status.
	// limit <= 0 means no limit.
	GetJobs(ctx context.Context, status Status, limit int) ([]*Job, error)

	RemoveJob(ctx context.Context, id string) (bool, error)

	// UpdateJob merges u into the job. Returns nil, nil when the job does not exist.
	UpdateJob(ctx context.Context, id string, u JobUpdate) (*Job, error)

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)

	// Empty removes every job and resets counters.
	Empty(ctx context.Context) error

	// Clean sweeps terminal jobs according to their removal policies and
	// returns how many were removed.
	Clean(ctx context.Context) (int, error)

	GetStats(ctx context.Context) (*Stats, error)

	Shutdown(ctx context.Context) error
}

// StuckReaper is implemented by backends whose claim is not a single atomic step.
type StuckReaper interface {
	// ReapStuck flags claimed-but-unmarked jobs as stuck. It never requeues them.
	ReapStuck(ctx context.Context) (int, error)
}

// Reconciler is implemented by backends whose indices can drift from job bodies.
type Reconciler interface {
	// Reconcile drops index entries whose job body no longer exists.
	Reconcile(ctx context.Context) (int, error)
}

// NewID returns a fresh job id.
func NewID() string {
	return uuid.New().String()
}

// NewJob builds the stored record for data. seq is the queue's arrival sequence.
func NewJob(queueName string, data JobData, seq int64, now time.Time) *Job {
	id := data.Options.JobID
	if id == "" {
		id = NewID()
	}
	status := StatusWaiting
	if data.Options.Delay > 0 {
		status = StatusDelayed
	}
	maxAttempts := data.Options.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = data.Options.Attempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	opts := data.Options
	opts.JobID = id
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	j := &Job{
		ID:          id,
		Name:        data.Name,
		Data:        data.Data,
		Options:     opts,
		Status:      status,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		Queue:       queueName,
		Seq:         seq,
	}
	return j.Clone()
}

// ApplyUpdate merges u into j, stamping timestamps implied by a status change.
// It returns the status j had before the update.
func ApplyUpdate(j *Job, u JobUpdate, now time.Time) Status {
	prev := j.Status
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	if u.Data != nil {
		j.Data = cloneMap(u.Data)
	}
	if u.Result != nil {
		j.Result = append(json.RawMessage(nil), u.Result...)
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.ProcessedAt != nil {
		j.ProcessedAt = cloneTime(u.ProcessedAt)
	}
	if u.CompletedAt != nil {
		j.CompletedAt = cloneTime(u.CompletedAt)
	}
	if u.FailedAt != nil {
		j.FailedAt = cloneTime(u.FailedAt)
	}
	if u.Status != nil && *u.Status != prev {
		j.Status = *u.Status
		switch j.Status {
		case StatusActive:
			if j.ProcessedAt == nil {
				j.ProcessedAt = &now
			}
		case StatusCompleted:
			if j.CompletedAt == nil {
				j.CompletedAt = &now
			}
			j.Progress = 100
		case StatusFailed:
			if j.FailedAt == nil {
				j.FailedAt = &now
			}
		}
	}
	j.UpdatedAt = now
	return prev
}

// ClaimLess orders jobs for claiming: priority rank ascending, then creation
// time ascending, then arrival sequence.
func ClaimLess(a, b *Job) bool {
	ra, rb := a.Options.Priority.Rank(), b.Options.Priority.Rank()
	if ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// SortNewestFirst orders jobs by creation time descending and truncates to limit.
func SortNewestFirst(jobs []*Job, limit int) []*Job {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].Seq > jobs[k].Seq
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// AverageProcessingMs averages completedAt - processedAt over completed jobs
// that carry both timestamps.
func AverageProcessingMs(jobs []*Job) float64 {
	var total time.Duration
	var n int
	for _, j := range jobs {
		if j.Status != StatusCompleted || j.ProcessedAt == nil || j.CompletedAt == nil {
			continue
		}
		total += j.CompletedAt.Sub(*j.ProcessedAt)
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(total) / float64(time.Millisecond) / float64(n)
}

// ShouldSweep reports whether a terminal job is due for removal at now.
func ShouldSweep(j *Job, now time.Time) bool {
	switch j.Status {
	case StatusCompleted:
		return j.Options.RemoveOnComplete.ShouldRemove(j.CompletedAt, now)
	case StatusFailed:
		return j.Options.RemoveOnFail.ShouldRemove(j.FailedAt, now)
	}
	return false
}
