package jobs

import (
	"context"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
)

// ProgressFunc reports handler progress as a percentage in [0, 100].
type ProgressFunc func(pct int)

// Handler processes one claimed job. The returned value is stored as the job's
// result; a non-nil error fails the attempt.
type Handler func(ctx context.Context, job *queue.Job, progress ProgressFunc) (any, error)

// Schedule enqueues JobName on Queue whenever CronExpr fires.
type Schedule struct {
	Name        string         `json:"name"`
	Queue       string         `json:"queue"`
	JobName     string         `json:"jobName"`
	Data        map[string]any `json:"data,omitempty"`
	CronExpr    string         `json:"cronExpr"`
	Timezone    string         `json:"timezone"`
	Priority    queue.Priority `json:"priority,omitempty"`
	MaxAttempts int            `json:"maxAttempts"`
	Enabled     bool           `json:"enabled"`

	// RemoveOnComplete drops each run's job once it completes.
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`

	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
}
