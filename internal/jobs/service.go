package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
)

// ServiceConfig holds runtime parameters for the job service.
type ServiceConfig struct {
	WorkerConcurrency int
	PollInterval      time.Duration
	SchedulerEnabled  bool
	SchedulerTick     time.Duration
	ShutdownTimeout   time.Duration
	// Queues are polled by every worker in order. Empty means the default queue.
	Queues   []string
	WorkerID string // unique identifier for this instance
	// Backoff returns the delay before a failed attempt is retried.
	Backoff func(attempt int) time.Duration
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		WorkerConcurrency: 4,
		PollInterval:      1 * time.Second,
		SchedulerEnabled:  true,
		SchedulerTick:     15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		WorkerID:          fmt.Sprintf("worker-%d", time.Now().UnixNano()),
		Backoff:           ComputeBackoff,
	}
}

// Service runs workers and the scheduler against a Manager.
type Service struct {
	manager  *Manager
	logger   *slog.Logger
	cfg      ServiceConfig
	handlers map[string]Handler
	mu       sync.RWMutex // protects handlers

	schedMu   sync.Mutex
	schedules map[string]*Schedule
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new job Service.
func NewService(manager *Manager, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.Backoff == nil {
		cfg.Backoff = ComputeBackoff
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{manager.DefaultQueue()}
	}
	return &Service{
		manager:   manager,
		logger:    logger,
		cfg:       cfg,
		handlers:  make(map[string]Handler),
		schedules: make(map[string]*Schedule),
		now:       time.Now,
	}
}

// Manager returns the queue manager the service works against.
func (s *Service) Manager() *Manager { return s.manager }

// RegisterHandler registers a handler for a job name.
func (s *Service) RegisterHandler(jobName string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobName] = handler
}

// Start launches worker goroutines and the scheduler loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.cfg.WorkerConcurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}

	if s.cfg.SchedulerEnabled {
		s.wg.Add(1)
		go s.schedulerLoop(ctx)
	}

	s.logger.Info("job service started",
		"workers", s.cfg.WorkerConcurrency,
		"queues", s.cfg.Queues,
		"poll_interval", s.cfg.PollInterval,
		"scheduler_enabled", s.cfg.SchedulerEnabled,
	)
}

// Stop signals all goroutines to stop and waits for in-progress jobs to finish.
// In-flight handlers get at most ShutdownTimeout.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("job service stopped")
}

func (s *Service) workerLoop(ctx context.Context, workerNum int) {
	defer s.wg.Done()
	workerID := fmt.Sprintf("%s-%d", s.cfg.WorkerID, workerNum)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain while work is available so a backlog doesn't wait a tick per job.
			for ctx.Err() == nil && s.pollAndProcess(ctx, workerID) {
			}
		}
	}
}

// pollAndProcess claims and runs at most one job. It reports whether a job was found.
func (s *Service) pollAndProcess(ctx context.Context, workerID string) bool {
	for _, name := range s.cfg.Queues {
		q, err := s.manager.Queue(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("failed to open queue", "queue", name, "error", err)
			}
			continue
		}
		job, err := q.GetNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false // shutting down
			}
			s.logger.Error("failed to claim job", "queue", name, "error", err, "worker", workerID)
			continue
		}
		if job == nil {
			continue
		}
		s.process(q, job, workerID)
		return true
	}
	return false
}

func (s *Service) process(q queue.Adapter, job *queue.Job, workerID string) {
	s.logger.Info("claimed job", "queue", q.Name(), "job_id", job.ID, "name", job.Name,
		"attempt", job.Attempts, "worker", workerID)

	s.mu.RLock()
	handler, ok := s.handlers[job.Name]
	s.mu.RUnlock()

	// The poll ctx may already be cancelled during shutdown; the handler and the
	// final status write run on their own context bounded by ShutdownTimeout.
	handlerCtx, handlerCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer handlerCancel()

	progress := func(pct int) {
		if pct < 0 {
			pct = 0
		} else if pct > 100 {
			pct = 100
		}
		if _, err := q.UpdateJob(handlerCtx, job.ID, queue.JobUpdate{Progress: &pct}); err != nil {
			s.logger.Warn("failed to record progress", "job_id", job.ID, "error", err)
		}
	}

	var (
		result any
		jobErr error
	)
	if !ok {
		jobErr = fmt.Errorf("no handler registered for job name %q", job.Name)
	} else {
		result, jobErr = runHandler(handlerCtx, handler, job.Clone(), progress)
	}

	if jobErr != nil {
		s.fail(handlerCtx, q, job, jobErr)
		return
	}
	s.complete(handlerCtx, q, job, result)
}

func runHandler(ctx context.Context, h Handler, job *queue.Job, progress ProgressFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job, progress)
}

func (s *Service) complete(ctx context.Context, q queue.Adapter, job *queue.Job, result any) {
	completed := queue.StatusCompleted
	u := queue.JobUpdate{Status: &completed}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			s.fail(ctx, q, job, fmt.Errorf("encoding result: %w", err))
			return
		}
		u.Result = raw
	}
	if _, err := q.UpdateJob(ctx, job.ID, u); err != nil {
		s.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	s.logger.Info("job completed", "queue", q.Name(), "job_id", job.ID, "name", job.Name)
}

// fail records the failure and, while attempts remain, enqueues a delayed copy
// carrying the attempt count forward.
func (s *Service) fail(ctx context.Context, q queue.Adapter, job *queue.Job, jobErr error) {
	failed := queue.StatusFailed
	msg := jobErr.Error()
	if _, err := q.UpdateJob(ctx, job.ID, queue.JobUpdate{Status: &failed, Error: &msg}); err != nil {
		s.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
		return
	}
	s.logger.Warn("job failed", "queue", q.Name(), "job_id", job.ID, "name", job.Name,
		"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", msg)

	if job.Attempts >= job.MaxAttempts {
		return
	}
	opts := job.Options
	opts.JobID = ""
	opts.MaxAttempts = job.MaxAttempts
	opts.Delay = s.cfg.Backoff(job.Attempts).Milliseconds()
	retry, err := q.Add(ctx, queue.JobData{Name: job.Name, Data: job.Data, Options: opts})
	if err != nil {
		s.logger.Error("failed to enqueue retry", "job_id", job.ID, "error", err)
		return
	}
	attempts := job.Attempts
	if _, err := q.UpdateJob(ctx, retry.ID, queue.JobUpdate{Attempts: &attempts}); err != nil {
		s.logger.Error("failed to carry attempt count", "job_id", retry.ID, "error", err)
		return
	}
	s.logger.Info("job retry scheduled", "job_id", job.ID, "retry_job_id", retry.ID,
		"delay_ms", opts.Delay)
}
