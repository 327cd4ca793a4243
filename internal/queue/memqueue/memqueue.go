// Package memqueue is the in-process queue backend: a job map plus a pending
// index guarded by one mutex, with optional debounced snapshots.
package memqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
)

// Config configures an in-process queue.
type Config struct {
	// MaxJobs caps the number of stored jobs. Zero means unlimited.
	MaxJobs int
	// Store receives snapshots. Nil disables persistence.
	Store SnapshotStore
	// SnapshotInterval debounces snapshot writes. Zero writes on every mutation.
	SnapshotInterval time.Duration
	Logger           *slog.Logger
}

// Queue implements queue.Adapter in memory.
type Queue struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	initialized bool
	paused      bool
	jobs        map[string]*queue.Job
	waiting     []string
	timers      map[string]*time.Timer
	counters    queue.Counters
	seq         int64
	flushTimer  *time.Timer
}

var _ queue.Adapter = (*Queue)(nil)

// New creates an uninitialized in-process queue.
func New(name string, cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		name:   name,
		cfg:    cfg,
		logger: logger.With("queue", name, "backend", "memory"),
		now:    time.Now,
		jobs:   make(map[string]*queue.Job),
		timers: make(map[string]*time.Timer),
	}
}

func (q *Queue) Name() string { return q.name }

// Initialize loads the last snapshot, if any. A missing or unreadable
// snapshot starts the queue empty.
func (q *Queue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.initialized {
		return nil
	}
	q.resetLocked()
	if q.cfg.Store != nil {
		q.loadLocked(ctx)
	}
	q.initialized = true
	q.logger.Debug("queue initialized", "jobs", len(q.jobs))
	return nil
}

func (q *Queue) loadLocked(ctx context.Context) {
	data, err := q.cfg.Store.Load(ctx)
	if err != nil {
		q.logger.Warn("snapshot unreadable, starting empty", "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		q.logger.Warn("snapshot corrupt, starting empty", "error", err)
		return
	}

	now := q.now()
	for _, e := range snap.Jobs {
		if e.Job == nil || e.ID == "" {
			continue
		}
		q.jobs[e.ID] = e.Job
	}
	seen := make(map[string]bool, len(snap.WaitingJobs))
	for _, id := range snap.WaitingJobs {
		if j, ok := q.jobs[id]; ok && j.Status == queue.StatusWaiting && !seen[id] {
			q.waiting = append(q.waiting, id)
			seen[id] = true
		}
	}
	for id, j := range q.jobs {
		switch j.Status {
		case queue.StatusWaiting:
			if !seen[id] {
				q.waiting = append(q.waiting, id)
			}
		case queue.StatusDelayed:
			q.scheduleLocked(j, now)
		}
	}
	q.counters = snap.Stats
	q.seq = snap.JobCounter
	q.paused = snap.Paused
	q.logger.Info("snapshot loaded", "jobs", len(q.jobs), "waiting", len(q.waiting))
}

func (q *Queue) resetLocked() {
	for _, t := range q.timers {
		t.Stop()
	}
	q.jobs = make(map[string]*queue.Job)
	q.timers = make(map[string]*time.Timer)
	q.waiting = nil
	q.counters = queue.Counters{}
	q.seq = 0
	q.paused = false
}

func (q *Queue) checkInit(op string) error {
	if !q.initialized {
		return queue.NewError(queue.CodeNotInitialized, q.name, op, nil)
	}
	return nil
}

func (q *Queue) Add(ctx context.Context, data queue.JobData) (*queue.Job, error) {
	if err := queue.ValidateJobData(q.name, data); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("add"); err != nil {
		return nil, err
	}
	if id := data.Options.JobID; id != "" {
		if existing, ok := q.jobs[id]; ok {
			return existing.Clone(), nil
		}
	}
	if q.cfg.MaxJobs > 0 && len(q.jobs)+1 > q.cfg.MaxJobs {
		return nil, queue.NewError(queue.CodeQueueFull, q.name, "add",
			fmt.Errorf("capacity %d reached", q.cfg.MaxJobs))
	}
	j := q.insertLocked(data, q.now())
	q.markDirtyLocked(ctx)
	return j.Clone(), nil
}

// AddBulk checks aggregate capacity before inserting anything.
func (q *Queue) AddBulk(ctx context.Context, data []queue.JobData) ([]*queue.Job, error) {
	for _, d := range data {
		if err := queue.ValidateJobData(q.name, d); err != nil {
			return nil, err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("addBulk"); err != nil {
		return nil, err
	}

	fresh := 0
	pending := make(map[string]bool)
	for _, d := range data {
		id := d.Options.JobID
		if id == "" {
			fresh++
			continue
		}
		if _, ok := q.jobs[id]; ok || pending[id] {
			continue
		}
		pending[id] = true
		fresh++
	}
	if q.cfg.MaxJobs > 0 && len(q.jobs)+fresh > q.cfg.MaxJobs {
		return nil, queue.NewError(queue.CodeQueueFull, q.name, "addBulk",
			fmt.Errorf("adding %d jobs would exceed capacity %d", fresh, q.cfg.MaxJobs))
	}

	now := q.now()
	out := make([]*queue.Job, 0, len(data))
	for _, d := range data {
		if id := d.Options.JobID; id != "" {
			if existing, ok := q.jobs[id]; ok {
				out = append(out, existing.Clone())
				continue
			}
		}
		out = append(out, q.insertLocked(d, now).Clone())
	}
	q.markDirtyLocked(ctx)
	return out, nil
}

func (q *Queue) insertLocked(data queue.JobData, now time.Time) *queue.Job {
	q.seq++
	j := queue.NewJob(q.name, data, q.seq, now)
	q.jobs[j.ID] = j
	q.counters.Added++
	if j.Status == queue.StatusDelayed {
		q.scheduleLocked(j, now)
	} else {
		q.waiting = append(q.waiting, j.ID)
	}
	q.logger.Debug("job added", "job_id", j.ID, "name", j.Name, "status", j.Status)
	return j
}

// scheduleLocked arms the one-shot promotion timer for a delayed job.
// A job already past its eligibility time is promoted immediately.
func (q *Queue) scheduleLocked(j *queue.Job, now time.Time) {
	if t, ok := q.timers[j.ID]; ok {
		t.Stop()
		delete(q.timers, j.ID)
	}
	remaining := j.EligibleAt().Sub(now)
	if remaining <= 0 {
		j.Status = queue.StatusWaiting
		j.UpdatedAt = now
		q.waiting = append(q.waiting, j.ID)
		return
	}
	id := j.ID
	var t *time.Timer
	t = time.AfterFunc(remaining, func() { q.promote(id, &t) })
	q.timers[id] = t
}

// promote runs on the timer goroutine. The job may have been removed,
// updated or rescheduled since the timer was armed.
func (q *Queue) promote(id string, t **time.Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timers[id] != *t {
		return
	}
	delete(q.timers, id)
	j, ok := q.jobs[id]
	if !ok || j.Status != queue.StatusDelayed {
		return
	}
	j.Status = queue.StatusWaiting
	j.UpdatedAt = q.now()
	q.waiting = append(q.waiting, id)
	q.markDirtyLocked(context.Background())
}

// GetNext claims the best waiting job. Index entries whose job is gone or no
// longer waiting are dropped along the way.
func (q *Queue) GetNext(ctx context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("getNext"); err != nil {
		return nil, err
	}
	if q.paused {
		return nil, nil
	}

	var best *queue.Job
	bestIdx := -1
	live := q.waiting[:0]
	for _, id := range q.waiting {
		j, ok := q.jobs[id]
		if !ok || j.Status != queue.StatusWaiting {
			continue
		}
		live = append(live, id)
		if best == nil || queue.ClaimLess(j, best) {
			best = j
			bestIdx = len(live) - 1
		}
	}
	q.waiting = live
	if best == nil {
		return nil, nil
	}
	q.waiting = append(q.waiting[:bestIdx], q.waiting[bestIdx+1:]...)

	now := q.now()
	best.Status = queue.StatusActive
	best.Attempts++
	best.ProcessedAt = &now
	best.UpdatedAt = now
	q.markDirtyLocked(ctx)
	q.logger.Debug("job claimed", "job_id", best.ID, "name", best.Name, "attempt", best.Attempts)
	return best.Clone(), nil
}

func (q *Queue) GetJob(_ context.Context, id string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("getJob"); err != nil {
		return nil, err
	}
	j, ok := q.jobs[id]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

func (q *Queue) GetJobs(_ context.Context, status queue.Status, limit int) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("getJobs"); err != nil {
		return nil, err
	}
	out := make([]*queue.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.Clone())
	}
	return queue.SortNewestFirst(out, limit), nil
}

func (q *Queue) RemoveJob(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("removeJob"); err != nil {
		return false, err
	}
	if !q.removeLocked(id) {
		return false, nil
	}
	q.counters.Removed++
	q.markDirtyLocked(ctx)
	return true, nil
}

func (q *Queue) removeLocked(id string) bool {
	if _, ok := q.jobs[id]; !ok {
		return false
	}
	delete(q.jobs, id)
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
	q.dropWaitingLocked(id)
	return true
}

func (q *Queue) dropWaitingLocked(id string) {
	for i, wid := range q.waiting {
		if wid == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// UpdateJob merges u and moves the job between the pending index and the
// delay timers when its status changes.
func (q *Queue) UpdateJob(ctx context.Context, id string, u queue.JobUpdate) (*queue.Job, error) {
	if err := queue.ValidateUpdate(q.name, id, u); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("updateJob"); err != nil {
		return nil, err
	}
	j, ok := q.jobs[id]
	if !ok {
		return nil, nil
	}
	now := q.now()
	prev := queue.ApplyUpdate(j, u, now)
	if j.Status != prev {
		switch prev {
		case queue.StatusWaiting:
			q.dropWaitingLocked(id)
		case queue.StatusDelayed:
			if t, ok := q.timers[id]; ok {
				t.Stop()
				delete(q.timers, id)
			}
		}
		switch j.Status {
		case queue.StatusWaiting:
			q.waiting = append(q.waiting, id)
		case queue.StatusDelayed:
			q.scheduleLocked(j, now)
		case queue.StatusCompleted:
			q.counters.Processed++
		case queue.StatusFailed:
			q.counters.Failed++
		}
	}
	q.markDirtyLocked(ctx)
	return j.Clone(), nil
}

func (q *Queue) Pause(ctx context.Context) error {
	return q.setPaused(ctx, "pause", true)
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.setPaused(ctx, "resume", false)
}

func (q *Queue) setPaused(ctx context.Context, op string, paused bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit(op); err != nil {
		return err
	}
	q.paused = paused
	q.markDirtyLocked(ctx)
	q.logger.Info("queue "+op+"d")
	return nil
}

func (q *Queue) IsPaused(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("isPaused"); err != nil {
		return false, err
	}
	return q.paused, nil
}

// Empty drops every job and resets counters. The pause flag is kept.
func (q *Queue) Empty(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("empty"); err != nil {
		return err
	}
	paused := q.paused
	q.resetLocked()
	q.paused = paused
	q.markDirtyLocked(ctx)
	q.logger.Info("queue emptied")
	return nil
}

func (q *Queue) Clean(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("clean"); err != nil {
		return 0, err
	}
	now := q.now()
	removed := 0
	for id, j := range q.jobs {
		if queue.ShouldSweep(j, now) {
			q.removeLocked(id)
			removed++
		}
	}
	if removed > 0 {
		q.counters.Removed += int64(removed)
		q.markDirtyLocked(ctx)
		q.logger.Info("swept terminal jobs", "removed", removed)
	}
	return removed, nil
}

func (q *Queue) GetStats(_ context.Context) (*queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkInit("getStats"); err != nil {
		return nil, err
	}
	st := &queue.Stats{
		Queue:       q.name,
		Added:       q.counters.Added,
		Removed:     q.counters.Removed,
		Processed:   q.counters.Processed,
		FailedTotal: q.counters.Failed,
		IsPaused:    q.paused,
	}
	all := make([]*queue.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		st.Count(j.Status)
		all = append(all, j)
	}
	st.AvgProcessingMs = queue.AverageProcessingMs(all)
	return st, nil
}

// Flush writes a snapshot immediately if persistence is enabled. The write
// happens under mu so it can never land after a newer write-through save.
func (q *Queue) Flush(ctx context.Context) error {
	if q.cfg.Store == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flushTimer != nil {
		q.flushTimer.Stop()
		q.flushTimer = nil
	}
	if !q.initialized {
		return nil
	}
	data, err := q.encodeLocked()
	if err != nil {
		return err
	}
	return q.cfg.Store.Save(ctx, data)
}

// Shutdown flushes pending snapshot state, stops timers and drops the
// in-memory state. Initialize may be called again afterwards.
func (q *Queue) Shutdown(ctx context.Context) error {
	flushErr := q.Flush(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return nil
	}
	q.resetLocked()
	q.initialized = false
	if flushErr != nil {
		return fmt.Errorf("final snapshot: %w", flushErr)
	}
	return nil
}

func (q *Queue) encodeLocked() ([]byte, error) {
	snap := snapshot{
		Jobs:        make([]snapshotEntry, 0, len(q.jobs)),
		WaitingJobs: append([]string{}, q.waiting...),
		Stats:       q.counters,
		JobCounter:  q.seq,
		Paused:      q.paused,
	}
	for id, j := range q.jobs {
		snap.Jobs = append(snap.Jobs, snapshotEntry{ID: id, Job: j})
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// markDirtyLocked records that state changed. With no snapshot interval the
// snapshot is written before returning; otherwise one write is scheduled.
func (q *Queue) markDirtyLocked(ctx context.Context) {
	if q.cfg.Store == nil {
		return
	}
	if q.cfg.SnapshotInterval <= 0 {
		data, err := q.encodeLocked()
		if err == nil {
			err = q.cfg.Store.Save(ctx, data)
		}
		if err != nil {
			q.logger.Error("snapshot write failed", "error", err)
		}
		return
	}
	if q.flushTimer != nil {
		return
	}
	q.flushTimer = time.AfterFunc(q.cfg.SnapshotInterval, func() {
		if err := q.Flush(context.Background()); err != nil {
			q.logger.Error("snapshot write failed", "error", err)
		}
	})
}
