// Package redisqueue is the distributed queue backend. Job bodies live in
// hashes, pending work in sorted sets and status membership in plain sets,
// all under "<prefix><queue>:".
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

// Config configures a Redis-backed queue.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// JobTTL is the retention window of each job hash and of the pause flag.
	JobTTL  time.Duration
	MaxJobs int
	// EnableCompression stores job payloads zstd-compressed.
	EnableCompression bool
	// RetryAttempts and RetryDelay bound the connection attempts made by
	// Initialize. Individual operations are never retried.
	RetryAttempts       int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	// StuckAfter is how long a popped-but-unclaimed job may linger before
	// ReapStuck flags it.
	StuckAfter time.Duration
	Logger     *slog.Logger
}

const (
	defaultKeyPrefix  = "jobq:"
	defaultJobTTL     = 24 * time.Hour
	defaultStuckAfter = 5 * time.Minute

	// rankScale separates priority bands in the waiting score so the arrival
	// sequence can be folded into the low digits.
	rankScale = 1e12
)

// Queue implements queue.Adapter on Redis.
type Queue struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	client     *redis.Client
	enc        *zstd.Encoder
	dec        *zstd.Decoder
	stopHealth chan struct{}
	healthDone chan struct{}
}

var (
	_ queue.Adapter     = (*Queue)(nil)
	_ queue.StuckReaper = (*Queue)(nil)
	_ queue.Reconciler  = (*Queue)(nil)
)

// New creates an unconnected queue. Initialize dials Redis.
func New(name string, cfg Config) *Queue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = defaultJobTTL
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaultStuckAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		name:   name,
		cfg:    cfg,
		logger: logger.With("queue", name, "backend", "redis"),
		now:    time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return q.cfg.KeyPrefix + q.name + ":" + suffix
}

func (q *Queue) jobKey(id string) string         { return q.key("job:" + id) }
func (q *Queue) statusKey(s queue.Status) string { return q.key("status:" + string(s)) }
func (q *Queue) waitingKey() string              { return q.key("waiting") }
func (q *Queue) delayedKey() string              { return q.key("delayed") }
func (q *Queue) suspectKey() string              { return q.key("suspect") }
func (q *Queue) pausedKey() string               { return q.key("paused") }
func (q *Queue) seqKey() string                  { return q.key("seq") }
func (q *Queue) statKey(counter string) string   { return q.key("stats:" + counter) }

func waitingScore(j *queue.Job) float64 {
	return float64(j.Options.Priority.Rank())*rankScale + float64(j.Seq)
}

func delayedScore(j *queue.Job) float64 {
	return float64(j.EligibleAt().UnixMilli())
}

// Initialize connects and pings Redis, retrying the ping up to RetryAttempts
// times. It is a no-op when already connected.
func (q *Queue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:       q.cfg.Addr,
		Password:   q.cfg.Password,
		DB:         q.cfg.DB,
		MaxRetries: -1,
	})
	attempts := q.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = client.Ping(ctx).Err(); err == nil {
			break
		}
		q.logger.Warn("redis ping failed", "attempt", i+1, "error", err)
		if i+1 < attempts && q.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				client.Close()
				return queue.NewError(queue.CodeRedisInitFailed, q.name, "initialize", ctx.Err())
			case <-time.After(q.cfg.RetryDelay):
			}
		}
	}
	if err != nil {
		client.Close()
		return queue.NewError(queue.CodeRedisInitFailed, q.name, "initialize", err)
	}

	if q.cfg.EnableCompression {
		if q.enc, err = zstd.NewWriter(nil); err != nil {
			client.Close()
			return queue.NewError(queue.CodeRedisInitFailed, q.name, "initialize", err)
		}
		if q.dec, err = zstd.NewReader(nil); err != nil {
			client.Close()
			return queue.NewError(queue.CodeRedisInitFailed, q.name, "initialize", err)
		}
	}

	q.client = client
	if q.cfg.HealthCheckInterval > 0 {
		q.stopHealth = make(chan struct{})
		q.healthDone = make(chan struct{})
		go q.healthLoop(client, q.stopHealth, q.healthDone)
	}
	q.logger.Info("redis queue connected", "addr", q.cfg.Addr, "db", q.cfg.DB)
	return nil
}

func (q *Queue) healthLoop(client *redis.Client, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), q.cfg.HealthCheckInterval)
			if err := client.Ping(ctx).Err(); err != nil {
				q.logger.Warn("redis health check failed", "error", err)
			}
			cancel()
		}
	}
}

func (q *Queue) conn(op string) (*redis.Client, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.client == nil {
		return nil, queue.NewError(queue.CodeNotInitialized, q.name, op, nil)
	}
	return q.client, nil
}

func (q *Queue) wrap(op string, err error) error {
	return fmt.Errorf("queue %s: %s: %w", q.name, op, err)
}

func (q *Queue) Shutdown(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client == nil {
		return nil
	}
	if q.stopHealth != nil {
		close(q.stopHealth)
		<-q.healthDone
		q.stopHealth, q.healthDone = nil, nil
	}
	if q.enc != nil {
		q.enc.Close()
		q.enc = nil
	}
	if q.dec != nil {
		q.dec.Close()
		q.dec = nil
	}
	err := q.client.Close()
	q.client = nil
	if err != nil {
		return q.wrap("shutdown", err)
	}
	return nil
}

// zstdMagic prefixes every zstd frame. JSON never starts with it.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func (q *Queue) encode(j *queue.Job) (map[string]string, error) {
	h, err := queue.EncodeHash(j)
	if err != nil {
		return nil, err
	}
	if q.enc != nil {
		h[queue.FieldData] = string(q.enc.EncodeAll([]byte(h[queue.FieldData]), nil))
	}
	return h, nil
}

func (q *Queue) decode(h map[string]string) (*queue.Job, error) {
	if data := h[queue.FieldData]; len(data) >= len(zstdMagic) && data[:len(zstdMagic)] == string(zstdMagic) {
		dec := q.dec
		if dec == nil {
			var err error
			if dec, err = zstd.NewReader(nil); err != nil {
				return nil, err
			}
			defer dec.Close()
		}
		raw, err := dec.DecodeAll([]byte(data), nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing job data: %w", err)
		}
		h[queue.FieldData] = string(raw)
	}
	return queue.DecodeHash(h)
}

// loadJob returns nil, nil when the hash does not exist.
func (q *Queue) loadJob(ctx context.Context, client *redis.Client, id string) (*queue.Job, error) {
	h, err := client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return q.decode(h)
}

// statCounters are the monotonic counters kept under "stats:".
var statCounters = []string{"added", "removed", "processed", "failed"}

// maxWatchRetries bounds how often an optimistic transaction is retried after
// losing a race on a watched key.
const maxWatchRetries = 20

func (q *Queue) watch(ctx context.Context, client *redis.Client, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxWatchRetries; i++ {
		if err = client.Watch(ctx, fn, keys...); !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// addScript inserts jobs and checks capacity in one step.
//
// KEYS: status sets in AllStatuses order, waiting zset, delayed zset, added
// counter, then one job hash per job.
// ARGV: max jobs, ttl ms, job count, status set count, then per job: id,
// status set index, "w" or "d", score, field count, field/value pairs.
//
// Jobs whose hash already exists are skipped and do not count toward
// capacity. Returns {0} when the fresh jobs do not fit, otherwise {1, ...}
// with one created flag per job.
var addScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local n = tonumber(ARGV[3])
local ns = tonumber(ARGV[4])
local exists = {}
local fresh = 0
for i = 1, n do
  exists[i] = redis.call('EXISTS', KEYS[ns + 3 + i])
  if exists[i] == 0 then fresh = fresh + 1 end
end
if max > 0 and fresh > 0 then
  local total = 0
  for i = 1, ns do total = total + redis.call('SCARD', KEYS[i]) end
  if total + fresh > max then return {0} end
end
local out = {1}
local a = 5
for i = 1, n do
  local key = KEYS[ns + 3 + i]
  local id = ARGV[a]
  local st = tonumber(ARGV[a + 1])
  local zset = ARGV[a + 2]
  local score = ARGV[a + 3]
  local nf = tonumber(ARGV[a + 4])
  a = a + 5
  if exists[i] == 0 then
    local fields = {}
    for f = 1, nf * 2 do fields[f] = ARGV[a + f - 1] end
    redis.call('HSET', key, unpack(fields))
    redis.call('PEXPIRE', key, ARGV[2])
    if zset == 'd' then
      redis.call('ZADD', KEYS[ns + 2], score, id)
    else
      redis.call('ZADD', KEYS[ns + 1], score, id)
    end
    redis.call('SADD', KEYS[st], id)
  end
  out[i + 1] = 1 - exists[i]
  a = a + nf * 2
end
if fresh > 0 then redis.call('INCRBY', KEYS[ns + 3], fresh) end
return out
`)

// insert writes jobs through addScript. It returns nil, nil when the queue
// cannot take them, otherwise one created flag per job.
func (q *Queue) insert(ctx context.Context, client *redis.Client, jobs []*queue.Job) ([]bool, error) {
	keys := make([]string, 0, len(queue.AllStatuses)+3+len(jobs))
	index := make(map[queue.Status]int, len(queue.AllStatuses))
	for i, st := range queue.AllStatuses {
		keys = append(keys, q.statusKey(st))
		index[st] = i + 1
	}
	keys = append(keys, q.waitingKey(), q.delayedKey(), q.statKey("added"))
	args := []any{q.cfg.MaxJobs, q.cfg.JobTTL.Milliseconds(), len(jobs), len(queue.AllStatuses)}
	for _, j := range jobs {
		h, err := q.encode(j)
		if err != nil {
			return nil, err
		}
		keys = append(keys, q.jobKey(j.ID))
		zset, score := "w", waitingScore(j)
		if j.Status == queue.StatusDelayed {
			zset, score = "d", delayedScore(j)
		}
		args = append(args, j.ID, index[j.Status], zset, strconv.FormatFloat(score, 'f', -1, 64), len(h))
		for k, v := range h {
			args = append(args, k, v)
		}
	}
	res, err := addScript.Run(ctx, client, keys, args...).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || res[0] == 0 {
		return nil, nil
	}
	created := make([]bool, len(jobs))
	for i := range jobs {
		created[i] = res[i+1] == 1
	}
	return created, nil
}

func (q *Queue) Add(ctx context.Context, data queue.JobData) (*queue.Job, error) {
	if err := queue.ValidateJobData(q.name, data); err != nil {
		return nil, err
	}
	client, err := q.conn("add")
	if err != nil {
		return nil, err
	}
	if id := data.Options.JobID; id != "" {
		existing, err := q.loadJob(ctx, client, id)
		if err != nil {
			return nil, q.wrap("add", err)
		}
		if existing != nil {
			return existing, nil
		}
	}
	seq, err := client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return nil, q.wrap("add", err)
	}
	j := queue.NewJob(q.name, data, seq, q.now())
	created, err := q.insert(ctx, client, []*queue.Job{j})
	if err != nil {
		return nil, q.wrap("add", err)
	}
	if created == nil {
		return nil, queue.NewError(queue.CodeQueueFull, q.name, "add",
			fmt.Errorf("capacity %d reached", q.cfg.MaxJobs))
	}
	if !created[0] {
		// Another caller inserted the same jobId first.
		existing, err := q.loadJob(ctx, client, j.ID)
		if err != nil {
			return nil, q.wrap("add", err)
		}
		return existing, nil
	}
	q.logger.Debug("job added", "job_id", j.ID, "name", j.Name, "status", j.Status)
	return j, nil
}

// AddBulk writes every job with one capacity check; either all fresh jobs
// are stored or none are.
func (q *Queue) AddBulk(ctx context.Context, data []queue.JobData) ([]*queue.Job, error) {
	for _, d := range data {
		if err := queue.ValidateJobData(q.name, d); err != nil {
			return nil, err
		}
	}
	client, err := q.conn("addBulk")
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []*queue.Job{}, nil
	}

	out := make([]*queue.Job, len(data))
	var fresh []int
	pending := make(map[string]bool)
	for i, d := range data {
		id := d.Options.JobID
		if id == "" {
			fresh = append(fresh, i)
			continue
		}
		if pending[id] {
			continue
		}
		existing, err := q.loadJob(ctx, client, id)
		if err != nil {
			return nil, q.wrap("addBulk", err)
		}
		if existing != nil {
			out[i] = existing
			continue
		}
		pending[id] = true
		fresh = append(fresh, i)
	}
	if len(fresh) == 0 {
		return out, nil
	}

	last, err := client.IncrBy(ctx, q.seqKey(), int64(len(fresh))).Result()
	if err != nil {
		return nil, q.wrap("addBulk", err)
	}
	first := last - int64(len(fresh)) + 1
	now := q.now()
	batch := make([]*queue.Job, len(fresh))
	for n, i := range fresh {
		batch[n] = queue.NewJob(q.name, data[i], first+int64(n), now)
	}
	created, err := q.insert(ctx, client, batch)
	if err != nil {
		return nil, q.wrap("addBulk", err)
	}
	if created == nil {
		return nil, queue.NewError(queue.CodeQueueFull, q.name, "addBulk",
			fmt.Errorf("adding %d jobs would exceed capacity %d", len(fresh), q.cfg.MaxJobs))
	}
	byID := make(map[string]*queue.Job, len(batch))
	for n, i := range fresh {
		j := batch[n]
		if !created[n] {
			if j, err = q.loadJob(ctx, client, j.ID); err != nil {
				return nil, q.wrap("addBulk", err)
			}
		}
		out[i] = j
		if j != nil {
			byID[j.ID] = j
		}
	}
	// Duplicate ids within one batch resolve to the first occurrence.
	for i, d := range data {
		if out[i] == nil {
			out[i] = byID[d.Options.JobID]
		}
	}
	return out, nil
}

// promoteDue moves delayed jobs whose eligibility time has passed into the
// waiting set.
func (q *Queue) promoteDue(ctx context.Context, client *redis.Client) error {
	now := q.now()
	ids, err := client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// A lost race means another caller touched the job; it is either
		// promoted already or picked up on the next poll.
		if err := q.promote(ctx, client, id, now); err != nil && !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return nil
}

// promote removes id from the delayed set and makes it claimable in a single
// transaction guarded by a watch on the job hash.
func (q *Queue) promote(ctx context.Context, client *redis.Client, id string, now time.Time) error {
	return client.Watch(ctx, func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return err
		}
		var j *queue.Job
		if len(h) > 0 {
			if j, err = q.decode(h); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.delayedKey(), id)
			switch {
			case j == nil:
				pipe.SRem(ctx, q.statusKey(queue.StatusDelayed), id)
			case j.Status == queue.StatusDelayed:
				pipe.HSet(ctx, q.jobKey(id),
					queue.FieldStatus, string(queue.StatusWaiting),
					queue.FieldUpdatedAt, now.UTC().Format(time.RFC3339Nano))
				pipe.SMove(ctx, q.statusKey(queue.StatusDelayed), q.statusKey(queue.StatusWaiting), id)
				pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(j), Member: id})
			}
			return nil
		})
		return err
	}, q.jobKey(id))
}

// GetNext pops the lowest-scored waiting id, then marks the job active. The
// pop alone decides ownership; a crash before the second step leaves a job
// for ReapStuck.
func (q *Queue) GetNext(ctx context.Context) (*queue.Job, error) {
	client, err := q.conn("getNext")
	if err != nil {
		return nil, err
	}
	paused, err := client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return nil, q.wrap("getNext", err)
	}
	if paused > 0 {
		return nil, nil
	}
	if err := q.promoteDue(ctx, client); err != nil {
		return nil, q.wrap("getNext", err)
	}

	for {
		popped, err := client.ZPopMin(ctx, q.waitingKey(), 1).Result()
		if err != nil {
			return nil, q.wrap("getNext", err)
		}
		if len(popped) == 0 {
			return nil, nil
		}
		id, _ := popped[0].Member.(string)
		j, err := q.claim(ctx, client, id)
		if err != nil {
			return nil, q.wrap("getNext", err)
		}
		if j == nil {
			continue
		}
		q.logger.Debug("job claimed", "job_id", id, "name", j.Name, "attempt", j.Attempts)
		return j, nil
	}
}

// claim marks a popped id active. It returns nil when the job is gone or no
// longer waiting. The job hash is watched, so an update or removal racing
// with the claim forces a re-read instead of being overwritten.
func (q *Queue) claim(ctx context.Context, client *redis.Client, id string) (*queue.Job, error) {
	var claimed *queue.Job
	err := q.watch(ctx, client, func(tx *redis.Tx) error {
		claimed = nil
		h, err := tx.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return err
		}
		if len(h) == 0 {
			// Body expired under the index entry.
			return tx.SRem(ctx, q.statusKey(queue.StatusWaiting), id).Err()
		}
		j, err := q.decode(h)
		if err != nil {
			return err
		}
		if j.Status != queue.StatusWaiting {
			return nil
		}

		now := q.now()
		j.Status = queue.StatusActive
		j.Attempts++
		j.ProcessedAt = &now
		j.UpdatedAt = now
		ts := now.UTC().Format(time.RFC3339Nano)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(id),
				queue.FieldStatus, string(queue.StatusActive),
				queue.FieldAttempts, strconv.Itoa(j.Attempts),
				queue.FieldProcessedAt, ts,
				queue.FieldUpdatedAt, ts)
			pipe.SMove(ctx, q.statusKey(queue.StatusWaiting), q.statusKey(queue.StatusActive), id)
			pipe.ZRem(ctx, q.suspectKey(), id)
			return nil
		})
		if err == nil {
			claimed = j
		}
		return err
	}, q.jobKey(id))
	return claimed, err
}

func (q *Queue) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	client, err := q.conn("getJob")
	if err != nil {
		return nil, err
	}
	j, err := q.loadJob(ctx, client, id)
	if err != nil {
		return nil, q.wrap("getJob", err)
	}
	return j, nil
}

// GetJobs reads ids from the status sets and drops entries whose hash is gone
// or disagrees with the requested status.
func (q *Queue) GetJobs(ctx context.Context, status queue.Status, limit int) ([]*queue.Job, error) {
	client, err := q.conn("getJobs")
	if err != nil {
		return nil, err
	}
	var ids []string
	if status != "" {
		ids, err = client.SMembers(ctx, q.statusKey(status)).Result()
	} else {
		keys := make([]string, 0, len(queue.AllStatuses))
		for _, st := range queue.AllStatuses {
			keys = append(keys, q.statusKey(st))
		}
		ids, err = client.SUnion(ctx, keys...).Result()
	}
	if err != nil {
		return nil, q.wrap("getJobs", err)
	}
	jobs, err := q.loadMany(ctx, client, ids)
	if err != nil {
		return nil, q.wrap("getJobs", err)
	}
	out := jobs[:0]
	for _, j := range jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return queue.SortNewestFirst(out, limit), nil
}

func (q *Queue) loadMany(ctx context.Context, client *redis.Client, ids []string) ([]*queue.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	jobs := make([]*queue.Job, 0, len(ids))
	for i, c := range cmds {
		h := c.Val()
		if len(h) == 0 {
			continue
		}
		j, err := q.decode(h)
		if err != nil {
			q.logger.Warn("skipping undecodable job", "job_id", ids[i], "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (q *Queue) unindex(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.ZRem(ctx, q.waitingKey(), id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.ZRem(ctx, q.suspectKey(), id)
	for _, st := range queue.AllStatuses {
		pipe.SRem(ctx, q.statusKey(st), id)
	}
}

func (q *Queue) RemoveJob(ctx context.Context, id string) (bool, error) {
	client, err := q.conn("removeJob")
	if err != nil {
		return false, err
	}
	var del *redis.IntCmd
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, q.jobKey(id))
		q.unindex(ctx, pipe, id)
		return nil
	})
	if err != nil {
		return false, q.wrap("removeJob", err)
	}
	if del.Val() == 0 {
		return false, nil
	}
	if err := client.Incr(ctx, q.statKey("removed")).Err(); err != nil {
		return true, q.wrap("removeJob", err)
	}
	return true, nil
}

// UpdateJob writes the changed fields and, on a status change, moves the id
// between status sets and claim structures. The hash is watched from the read
// to the write, so a concurrent claim or removal is never overwritten with
// stale state and a removed job is never recreated.
func (q *Queue) UpdateJob(ctx context.Context, id string, u queue.JobUpdate) (*queue.Job, error) {
	if err := queue.ValidateUpdate(q.name, id, u); err != nil {
		return nil, err
	}
	client, err := q.conn("updateJob")
	if err != nil {
		return nil, err
	}
	key := q.jobKey(id)
	var updated *queue.Job
	err = q.watch(ctx, client, func(tx *redis.Tx) error {
		updated = nil
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(h) == 0 {
			return nil
		}
		before := maps.Clone(h)
		j, err := q.decode(h)
		if err != nil {
			return err
		}
		prev := queue.ApplyUpdate(j, u, q.now())
		after, err := q.encode(j)
		if err != nil {
			return err
		}
		var changed []any
		for k, v := range after {
			if old, ok := before[k]; !ok || old != v {
				changed = append(changed, k, v)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(changed) > 0 {
				pipe.HSet(ctx, key, changed...)
			}
			pipe.Expire(ctx, key, q.cfg.JobTTL)
			if j.Status == prev {
				return nil
			}
			pipe.SMove(ctx, q.statusKey(prev), q.statusKey(j.Status), id)
			switch prev {
			case queue.StatusWaiting:
				pipe.ZRem(ctx, q.waitingKey(), id)
				pipe.ZRem(ctx, q.suspectKey(), id)
			case queue.StatusDelayed:
				pipe.ZRem(ctx, q.delayedKey(), id)
			}
			switch j.Status {
			case queue.StatusWaiting:
				pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(j), Member: id})
			case queue.StatusDelayed:
				pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: delayedScore(j), Member: id})
			case queue.StatusCompleted:
				pipe.Incr(ctx, q.statKey("processed"))
			case queue.StatusFailed:
				pipe.Incr(ctx, q.statKey("failed"))
			}
			return nil
		})
		if err == nil {
			updated = j
		}
		return err
	}, key)
	if err != nil {
		return nil, q.wrap("updateJob", err)
	}
	return updated, nil
}

// Pause sets the pause flag with the job TTL so a forgotten pause lapses.
func (q *Queue) Pause(ctx context.Context) error {
	client, err := q.conn("pause")
	if err != nil {
		return err
	}
	if err := client.Set(ctx, q.pausedKey(), "1", q.cfg.JobTTL).Err(); err != nil {
		return q.wrap("pause", err)
	}
	q.logger.Info("queue paused")
	return nil
}

func (q *Queue) Resume(ctx context.Context) error {
	client, err := q.conn("resume")
	if err != nil {
		return err
	}
	if err := client.Del(ctx, q.pausedKey()).Err(); err != nil {
		return q.wrap("resume", err)
	}
	q.logger.Info("queue resumed")
	return nil
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	client, err := q.conn("isPaused")
	if err != nil {
		return false, err
	}
	n, err := client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, q.wrap("isPaused", err)
	}
	return n > 0, nil
}

// Empty deletes every job of this queue together with its indices and
// counters; the pause flag survives. Keys are named one by one rather than
// matched by pattern, so a queue named "emails:bulk" is untouched when
// "emails" is emptied.
func (q *Queue) Empty(ctx context.Context) error {
	client, err := q.conn("empty")
	if err != nil {
		return err
	}
	ids, err := q.indexedIDs(ctx, client)
	if err != nil {
		return q.wrap("empty", err)
	}
	keys := []string{q.waitingKey(), q.delayedKey(), q.suspectKey(), q.seqKey()}
	for _, st := range queue.AllStatuses {
		keys = append(keys, q.statusKey(st))
	}
	for _, c := range statCounters {
		keys = append(keys, q.statKey(c))
	}
	for _, id := range ids {
		keys = append(keys, q.jobKey(id))
	}
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		if err := client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return q.wrap("empty", err)
		}
	}
	q.logger.Info("queue emptied", "jobs", len(ids))
	return nil
}

// Clean sweeps completed and failed jobs per their removal policies.
func (q *Queue) Clean(ctx context.Context) (int, error) {
	client, err := q.conn("clean")
	if err != nil {
		return 0, err
	}
	now := q.now()
	removed := 0
	for _, st := range []queue.Status{queue.StatusCompleted, queue.StatusFailed} {
		ids, err := client.SMembers(ctx, q.statusKey(st)).Result()
		if err != nil {
			return removed, q.wrap("clean", err)
		}
		jobs, err := q.loadMany(ctx, client, ids)
		if err != nil {
			return removed, q.wrap("clean", err)
		}
		var due []string
		for _, j := range jobs {
			if queue.ShouldSweep(j, now) {
				due = append(due, j.ID)
			}
		}
		if len(due) == 0 {
			continue
		}
		_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range due {
				pipe.Del(ctx, q.jobKey(id))
				q.unindex(ctx, pipe, id)
			}
			pipe.IncrBy(ctx, q.statKey("removed"), int64(len(due)))
			return nil
		})
		if err != nil {
			return removed, q.wrap("clean", err)
		}
		removed += len(due)
	}
	if removed > 0 {
		q.logger.Info("swept terminal jobs", "removed", removed)
	}
	return removed, nil
}

func (q *Queue) GetStats(ctx context.Context) (*queue.Stats, error) {
	client, err := q.conn("getStats")
	if err != nil {
		return nil, err
	}
	cards := make(map[queue.Status]*redis.IntCmd, len(queue.AllStatuses))
	counters := make(map[string]*redis.StringCmd, 4)
	var paused *redis.IntCmd
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range queue.AllStatuses {
			cards[st] = pipe.SCard(ctx, q.statusKey(st))
		}
		for _, c := range statCounters {
			counters[c] = pipe.Get(ctx, q.statKey(c))
		}
		paused = pipe.Exists(ctx, q.pausedKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, q.wrap("getStats", err)
	}

	st := &queue.Stats{Queue: q.name, IsPaused: paused.Val() > 0}
	for _, s := range queue.AllStatuses {
		st.Add(s, int(cards[s].Val()))
	}
	counter := func(name string) int64 {
		v, _ := counters[name].Int64()
		return v
	}
	st.Added = counter("added")
	st.Removed = counter("removed")
	st.Processed = counter("processed")
	st.FailedTotal = counter("failed")

	ids, err := client.SMembers(ctx, q.statusKey(queue.StatusCompleted)).Result()
	if err != nil {
		return nil, q.wrap("getStats", err)
	}
	completed, err := q.loadMany(ctx, client, ids)
	if err != nil {
		return nil, q.wrap("getStats", err)
	}
	st.AvgProcessingMs = queue.AverageProcessingMs(completed)
	return st, nil
}
