// Package pgqueue implements the queue adapter on a Postgres table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never receive the same row.
package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config configures a Postgres-backed queue. When Pool is nil the queue dials
// URL itself and closes the pool on Shutdown.
type Config struct {
	Pool     *pgxpool.Pool
	URL      string
	MaxConns int32
	MaxJobs  int
	Logger   *slog.Logger
}

// Queue implements queue.Adapter on Postgres.
type Queue struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	pool     *pgxpool.Pool
	ownsPool bool
}

var _ queue.Adapter = (*Queue)(nil)

func New(name string, cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		name:   name,
		cfg:    cfg,
		logger: logger.With("queue", name, "backend", "postgres"),
		now:    time.Now,
	}
}

// Connect opens a pool for url.
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

func (q *Queue) Name() string { return q.name }

// Initialize applies the schema and registers the queue row.
func (q *Queue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pool != nil {
		return nil
	}
	pool := q.cfg.Pool
	owns := false
	if pool == nil {
		var err error
		if pool, err = Connect(ctx, q.cfg.URL, q.cfg.MaxConns); err != nil {
			return queue.NewError(queue.CodeBackendInitFailed, q.name, "initialize", err)
		}
		owns = true
	}
	fail := func(err error) error {
		if owns {
			pool.Close()
		}
		return queue.NewError(queue.CodeBackendInitFailed, q.name, "initialize", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fail(fmt.Errorf("applying schema: %w", err))
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO _jobq_queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, q.name); err != nil {
		return fail(fmt.Errorf("registering queue: %w", err))
	}
	q.pool, q.ownsPool = pool, owns
	q.logger.Debug("postgres queue initialized")
	return nil
}

func (q *Queue) Shutdown(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pool == nil {
		return nil
	}
	if q.ownsPool {
		q.pool.Close()
	}
	q.pool, q.ownsPool = nil, false
	return nil
}

func (q *Queue) conn(op string) (*pgxpool.Pool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.pool == nil {
		return nil, queue.NewError(queue.CodeNotInitialized, q.name, op, nil)
	}
	return q.pool, nil
}

func (q *Queue) wrap(op string, err error) error {
	return fmt.Errorf("queue %s: %s: %w", q.name, op, err)
}

const jobColumns = `id, queue, seq, name, data, options, status, progress, attempts,
	max_attempts, created_at, updated_at, processed_at, completed_at, failed_at,
	result, error`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		j       queue.Job
		data    []byte
		options []byte
		result  []byte
		status  string
	)
	err := row.Scan(
		&j.ID, &j.Queue, &j.Seq, &j.Name, &data, &options, &status, &j.Progress,
		&j.Attempts, &j.MaxAttempts, &j.CreatedAt, &j.UpdatedAt, &j.ProcessedAt,
		&j.CompletedAt, &j.FailedAt, &result, &j.Error,
	)
	if err != nil {
		return nil, err
	}
	j.Status = queue.Status(status)
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &j.Data); err != nil {
			return nil, fmt.Errorf("decoding job %s data: %w", j.ID, err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &j.Options); err != nil {
			return nil, fmt.Errorf("decoding job %s options: %w", j.ID, err)
		}
	}
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*queue.Job, error) {
	defer rows.Close()
	var out []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *Queue) getJob(ctx context.Context, db pgx.Tx, id string, forUpdate bool) (*queue.Job, error) {
	sql := `SELECT ` + jobColumns + ` FROM _jobq_jobs WHERE queue = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	j, err := scanJob(db.QueryRow(ctx, sql, q.name, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// insert writes a freshly built job.
func (q *Queue) insert(ctx context.Context, tx pgx.Tx, j *queue.Job) error {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return fmt.Errorf("encoding job data: %w", err)
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("encoding job options: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO _jobq_jobs (queue, id, seq, name, data, options, status, priority_rank,
			max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		q.name, j.ID, j.Seq, j.Name, json.RawMessage(data), json.RawMessage(opts), string(j.Status),
		j.Options.Priority.Rank(), j.MaxAttempts, j.EligibleAt(), j.CreatedAt,
	)
	return err
}

func (q *Queue) Add(ctx context.Context, data queue.JobData) (*queue.Job, error) {
	jobs, err := q.add(ctx, "add", []queue.JobData{data})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

func (q *Queue) AddBulk(ctx context.Context, data []queue.JobData) ([]*queue.Job, error) {
	if len(data) == 0 {
		if _, err := q.conn("addBulk"); err != nil {
			return nil, err
		}
		return []*queue.Job{}, nil
	}
	return q.add(ctx, "addBulk", data)
}

// add runs in one transaction holding a per-queue advisory lock, so the
// capacity check and the inserts cannot interleave with another enqueue.
func (q *Queue) add(ctx context.Context, op string, data []queue.JobData) ([]*queue.Job, error) {
	for _, d := range data {
		if err := queue.ValidateJobData(q.name, d); err != nil {
			return nil, err
		}
	}
	pool, err := q.conn(op)
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, q.wrap(op, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('_jobq:' || $1))`, q.name); err != nil {
		return nil, q.wrap(op, err)
	}

	out := make([]*queue.Job, len(data))
	var fresh []int
	firstByID := make(map[string]int)
	for i, d := range data {
		id := d.Options.JobID
		if id == "" {
			fresh = append(fresh, i)
			continue
		}
		if _, dup := firstByID[id]; dup {
			continue
		}
		existing, err := q.getJob(ctx, tx, id, false)
		if err != nil {
			return nil, q.wrap(op, err)
		}
		if existing != nil {
			out[i] = existing
			continue
		}
		firstByID[id] = i
		fresh = append(fresh, i)
	}

	if q.cfg.MaxJobs > 0 {
		var total int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM _jobq_jobs WHERE queue = $1`, q.name).Scan(&total); err != nil {
			return nil, q.wrap(op, err)
		}
		if total+len(fresh) > q.cfg.MaxJobs {
			return nil, queue.NewError(queue.CodeQueueFull, q.name, op,
				fmt.Errorf("adding %d jobs would exceed capacity %d", len(fresh), q.cfg.MaxJobs))
		}
	}

	if len(fresh) > 0 {
		var last int64
		err := tx.QueryRow(ctx,
			`UPDATE _jobq_queues SET seq = seq + $2, added = added + $2 WHERE name = $1 RETURNING seq`,
			q.name, len(fresh)).Scan(&last)
		if err != nil {
			return nil, q.wrap(op, err)
		}
		first := last - int64(len(fresh)) + 1
		now := q.now()
		for n, i := range fresh {
			j := queue.NewJob(q.name, data[i], first+int64(n), now)
			if err := q.insert(ctx, tx, j); err != nil {
				return nil, q.wrap(op, err)
			}
			out[i] = j
		}
	}
	for i, d := range data {
		if out[i] == nil {
			out[i] = out[firstByID[d.Options.JobID]]
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, q.wrap(op, err)
	}
	return out, nil
}

func (q *Queue) promoteDue(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx,
		`UPDATE _jobq_jobs SET status = 'waiting', updated_at = $2
		 WHERE queue = $1 AND status = 'delayed' AND run_at <= $2`,
		q.name, q.now())
	return err
}

// GetNext claims the best waiting row. Rows locked by another claimer are
// skipped rather than waited on.
func (q *Queue) GetNext(ctx context.Context) (*queue.Job, error) {
	pool, err := q.conn("getNext")
	if err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx, pool); err != nil {
		return nil, q.wrap("getNext", err)
	}
	j, err := scanJob(pool.QueryRow(ctx,
		`UPDATE _jobq_jobs SET
			status = 'active',
			attempts = attempts + 1,
			processed_at = $2,
			updated_at = $2
		WHERE queue = $1 AND id = (
			SELECT id FROM _jobq_jobs
			WHERE queue = $1 AND status = 'waiting'
			  AND NOT EXISTS (SELECT 1 FROM _jobq_queues WHERE name = $1 AND paused)
			ORDER BY priority_rank, created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		q.name, q.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, q.wrap("getNext", err)
	}
	return j, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	pool, err := q.conn("getJob")
	if err != nil {
		return nil, err
	}
	j, err := scanJob(pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM _jobq_jobs WHERE queue = $1 AND id = $2`, q.name, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, q.wrap("getJob", err)
	}
	return j, nil
}

func (q *Queue) GetJobs(ctx context.Context, status queue.Status, limit int) ([]*queue.Job, error) {
	pool, err := q.conn("getJobs")
	if err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx, pool); err != nil {
		return nil, q.wrap("getJobs", err)
	}
	sql := `SELECT ` + jobColumns + ` FROM _jobq_jobs
		WHERE queue = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, seq DESC`
	args := []any{q.name, string(status)}
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, q.wrap("getJobs", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, q.wrap("getJobs", err)
	}
	return jobs, nil
}

func (q *Queue) RemoveJob(ctx context.Context, id string) (bool, error) {
	pool, err := q.conn("removeJob")
	if err != nil {
		return false, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, q.wrap("removeJob", err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `DELETE FROM _jobq_jobs WHERE queue = $1 AND id = $2`, q.name, id)
	if err != nil {
		return false, q.wrap("removeJob", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE _jobq_queues SET removed = removed + 1 WHERE name = $1`, q.name); err != nil {
		return false, q.wrap("removeJob", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, q.wrap("removeJob", err)
	}
	return true, nil
}

// UpdateJob locks the row, merges u in Go and writes every mutable column back.
func (q *Queue) UpdateJob(ctx context.Context, id string, u queue.JobUpdate) (*queue.Job, error) {
	if err := queue.ValidateUpdate(q.name, id, u); err != nil {
		return nil, err
	}
	pool, err := q.conn("updateJob")
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, q.wrap("updateJob", err)
	}
	defer tx.Rollback(ctx)

	j, err := q.getJob(ctx, tx, id, true)
	if err != nil {
		return nil, q.wrap("updateJob", err)
	}
	if j == nil {
		return nil, nil
	}
	now := q.now()
	prev := queue.ApplyUpdate(j, u, now)
	data, err := json.Marshal(j.Data)
	if err != nil {
		return nil, q.wrap("updateJob", err)
	}
	runAt := j.EligibleAt()
	if j.Status == queue.StatusDelayed && prev != queue.StatusDelayed && !runAt.After(now) {
		j.Status = queue.StatusWaiting
	}
	_, err = tx.Exec(ctx,
		`UPDATE _jobq_jobs SET status = $3, progress = $4, attempts = $5, data = $6,
			result = $7, error = $8, processed_at = $9, completed_at = $10, failed_at = $11,
			updated_at = $12
		 WHERE queue = $1 AND id = $2`,
		q.name, id, string(j.Status), j.Progress, j.Attempts, json.RawMessage(data),
		j.Result, j.Error, j.ProcessedAt, j.CompletedAt, j.FailedAt, j.UpdatedAt)
	if err != nil {
		return nil, q.wrap("updateJob", err)
	}
	if j.Status != prev {
		switch j.Status {
		case queue.StatusCompleted:
			_, err = tx.Exec(ctx, `UPDATE _jobq_queues SET processed = processed + 1 WHERE name = $1`, q.name)
		case queue.StatusFailed:
			_, err = tx.Exec(ctx, `UPDATE _jobq_queues SET failed = failed + 1 WHERE name = $1`, q.name)
		}
		if err != nil {
			return nil, q.wrap("updateJob", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, q.wrap("updateJob", err)
	}
	return j, nil
}

func (q *Queue) Pause(ctx context.Context) error {
	return q.setPaused(ctx, "pause", true)
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.setPaused(ctx, "resume", false)
}

func (q *Queue) setPaused(ctx context.Context, op string, paused bool) error {
	pool, err := q.conn(op)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `UPDATE _jobq_queues SET paused = $2 WHERE name = $1`, q.name, paused); err != nil {
		return q.wrap(op, err)
	}
	q.logger.Info("queue "+op+"d")
	return nil
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	pool, err := q.conn("isPaused")
	if err != nil {
		return false, err
	}
	var paused bool
	if err := pool.QueryRow(ctx, `SELECT paused FROM _jobq_queues WHERE name = $1`, q.name).Scan(&paused); err != nil {
		return false, q.wrap("isPaused", err)
	}
	return paused, nil
}

// Empty deletes every job and zeroes the counters. The pause flag is kept.
func (q *Queue) Empty(ctx context.Context) error {
	pool, err := q.conn("empty")
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return q.wrap("empty", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM _jobq_jobs WHERE queue = $1`, q.name); err != nil {
		return q.wrap("empty", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE _jobq_queues SET seq = 0, added = 0, removed = 0, processed = 0, failed = 0 WHERE name = $1`,
		q.name); err != nil {
		return q.wrap("empty", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return q.wrap("empty", err)
	}
	q.logger.Info("queue emptied")
	return nil
}

// Clean evaluates removal policies in Go so every backend sweeps identically.
func (q *Queue) Clean(ctx context.Context) (int, error) {
	pool, err := q.conn("clean")
	if err != nil {
		return 0, err
	}
	rows, err := pool.Query(ctx,
		`SELECT `+jobColumns+` FROM _jobq_jobs WHERE queue = $1 AND status IN ('completed', 'failed')`, q.name)
	if err != nil {
		return 0, q.wrap("clean", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return 0, q.wrap("clean", err)
	}
	now := q.now()
	var due []string
	for _, j := range jobs {
		if queue.ShouldSweep(j, now) {
			due = append(due, j.ID)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, q.wrap("clean", err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `DELETE FROM _jobq_jobs WHERE queue = $1 AND id = ANY($2)`, q.name, due)
	if err != nil {
		return 0, q.wrap("clean", err)
	}
	n := int(tag.RowsAffected())
	if _, err := tx.Exec(ctx, `UPDATE _jobq_queues SET removed = removed + $2 WHERE name = $1`, q.name, n); err != nil {
		return 0, q.wrap("clean", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, q.wrap("clean", err)
	}
	q.logger.Info("swept terminal jobs", "removed", n)
	return n, nil
}

func (q *Queue) GetStats(ctx context.Context) (*queue.Stats, error) {
	pool, err := q.conn("getStats")
	if err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx, pool); err != nil {
		return nil, q.wrap("getStats", err)
	}
	st := &queue.Stats{Queue: q.name}
	err = pool.QueryRow(ctx,
		`SELECT paused, added, removed, processed, failed FROM _jobq_queues WHERE name = $1`, q.name,
	).Scan(&st.IsPaused, &st.Added, &st.Removed, &st.Processed, &st.FailedTotal)
	if err != nil {
		return nil, q.wrap("getStats", err)
	}

	rows, err := pool.Query(ctx,
		`SELECT status, count(*) FROM _jobq_jobs WHERE queue = $1 GROUP BY status`, q.name)
	if err != nil {
		return nil, q.wrap("getStats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, q.wrap("getStats", err)
		}
		st.Add(queue.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return nil, q.wrap("getStats", err)
	}

	err = pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - processed_at)) * 1000), 0)::float8
		 FROM _jobq_jobs
		 WHERE queue = $1 AND status = 'completed'
		   AND processed_at IS NOT NULL AND completed_at IS NOT NULL`, q.name,
	).Scan(&st.AvgProcessingMs)
	if err != nil {
		return nil, q.wrap("getStats", err)
	}
	return st, nil
}
