package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/allyourbase/jobq/internal/queue"
)

// Factory builds the adapter backing a named queue. The adapter is returned
// uninitialized.
type Factory func(name string) (queue.Adapter, error)

// ErrNotRetryable is returned by Retry for jobs that have not failed.
var ErrNotRetryable = errors.New("only failed or stuck jobs can be retried")

// ErrJobNotFound is returned by Retry when the job does not exist.
var ErrJobNotFound = errors.New("job not found")

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// DefaultQueue is used when a caller passes an empty queue name.
	DefaultQueue string
	// Known lists configured queue names reported by Names before first use.
	Known []string
}

// Manager maps queue names to adapters, creating and initializing each on first use.
type Manager struct {
	factory Factory
	cfg     ManagerConfig
	logger  *slog.Logger

	mu     sync.Mutex
	queues map[string]queue.Adapter
}

func NewManager(factory Factory, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = "default"
	}
	return &Manager{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		queues:  make(map[string]queue.Adapter),
	}
}

// DefaultQueue returns the queue name used for empty names.
func (m *Manager) DefaultQueue() string { return m.cfg.DefaultQueue }

// Queue returns the initialized adapter for name.
func (m *Manager) Queue(ctx context.Context, name string) (queue.Adapter, error) {
	if name == "" {
		name = m.cfg.DefaultQueue
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := m.factory(name)
	if err != nil {
		return nil, fmt.Errorf("creating queue %q: %w", name, err)
	}
	if err := q.Initialize(ctx); err != nil {
		return nil, err
	}
	m.queues[name] = q
	m.logger.Info("queue initialized", "queue", name)
	return q, nil
}

// Names returns configured and instantiated queue names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(m.cfg.Known)+len(m.queues)+1)
	set[m.cfg.DefaultQueue] = true
	for _, n := range m.cfg.Known {
		set[n] = true
	}
	for n := range m.queues {
		set[n] = true
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Enqueue adds one job to queueName.
func (m *Manager) Enqueue(ctx context.Context, queueName string, data queue.JobData) (*queue.Job, error) {
	q, err := m.Queue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.Add(ctx, data)
}

// EnqueueBulk adds jobs to queueName, all or nothing with respect to capacity.
func (m *Manager) EnqueueBulk(ctx context.Context, queueName string, data []queue.JobData) ([]*queue.Job, error) {
	q, err := m.Queue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.AddBulk(ctx, data)
}

// GetJob returns a job or nil when absent.
func (m *Manager) GetJob(ctx context.Context, queueName, id string) (*queue.Job, error) {
	q, err := m.Queue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.GetJob(ctx, id)
}

// GetStats returns queue statistics.
func (m *Manager) GetStats(ctx context.Context, queueName string) (*queue.Stats, error) {
	q, err := m.Queue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	st, err := q.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	st.Queue = q.Name()
	return st, nil
}

// Retry re-enqueues a failed or stuck job as a fresh job and removes the original.
func (m *Manager) Retry(ctx context.Context, queueName, id string) (*queue.Job, error) {
	q, err := m.Queue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	j, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	if j.Status != queue.StatusFailed && j.Status != queue.StatusStuck {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, j.Status)
	}
	opts := j.Options
	opts.JobID = ""
	opts.Delay = 0
	fresh, err := q.Add(ctx, queue.JobData{Name: j.Name, Data: j.Data, Options: opts})
	if err != nil {
		return nil, err
	}
	if _, err := q.RemoveJob(ctx, id); err != nil {
		return nil, fmt.Errorf("removing retried job: %w", err)
	}
	m.logger.Info("job retried", "queue", q.Name(), "job_id", id, "new_job_id", fresh.ID)
	return fresh, nil
}

// Shutdown shuts down every instantiated adapter.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, q := range m.queues {
		if err := q.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down queue %q: %w", name, err))
		}
		delete(m.queues, name)
	}
	return errors.Join(errs...)
}
