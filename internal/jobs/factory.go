package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/allyourbase/jobq/internal/config"
	"github.com/allyourbase/jobq/internal/queue"
	"github.com/allyourbase/jobq/internal/queue/memqueue"
	"github.com/allyourbase/jobq/internal/queue/pgqueue"
	"github.com/allyourbase/jobq/internal/queue/redisqueue"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Backends builds adapters from configuration. Postgres queues share one pool.
type Backends struct {
	cfg    *config.Config
	logger *slog.Logger

	mu   sync.Mutex
	pool *pgxpool.Pool
}

func NewBackends(cfg *config.Config, logger *slog.Logger) *Backends {
	return &Backends{cfg: cfg, logger: logger}
}

// Factory returns a Factory bound to b.
func (b *Backends) Factory() Factory {
	return b.New
}

// New builds the uninitialized adapter for the named queue.
func (b *Backends) New(name string) (queue.Adapter, error) {
	switch backend := b.cfg.BackendFor(name); backend {
	case "memory":
		return b.memory(name)
	case "redis":
		return b.redis(name), nil
	case "postgres":
		pool, err := b.sharedPool()
		if err != nil {
			return nil, err
		}
		return pgqueue.New(name, pgqueue.Config{
			Pool:    pool,
			MaxJobs: b.cfg.Queue.MaxJobs,
			Logger:  b.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

func (b *Backends) memory(name string) (queue.Adapter, error) {
	mc := b.cfg.Memory
	qc := memqueue.Config{
		MaxJobs:          b.cfg.Queue.MaxJobs,
		SnapshotInterval: mc.SnapshotInterval(),
		Logger:           b.logger,
	}
	if mc.PersistToDisk {
		switch mc.SnapshotBackend {
		case "s3":
			store, err := memqueue.NewS3SnapshotStore(memqueue.S3Config{
				Endpoint:  mc.S3Endpoint,
				Bucket:    mc.S3Bucket,
				Key:       mc.S3Prefix + name + ".json",
				AccessKey: mc.S3AccessKey,
				SecretKey: mc.S3SecretKey,
				Region:    mc.S3Region,
				UseSSL:    mc.S3UseSSL,
			})
			if err != nil {
				return nil, err
			}
			qc.Store = store
		default:
			qc.Store = &memqueue.FileSnapshotStore{Path: filepath.Join(mc.StorageDir, name+".json")}
		}
	}
	return memqueue.New(name, qc), nil
}

func (b *Backends) redis(name string) queue.Adapter {
	rc := b.cfg.Redis
	return redisqueue.New(name, redisqueue.Config{
		Addr:                b.cfg.RedisAddr(),
		Password:            rc.Password,
		DB:                  rc.DB,
		KeyPrefix:           rc.KeyPrefix,
		JobTTL:              time.Duration(rc.JobTTL) * time.Second,
		MaxJobs:             b.cfg.Queue.MaxJobs,
		EnableCompression:   rc.EnableCompression,
		RetryAttempts:       rc.RetryAttempts,
		RetryDelay:          time.Duration(rc.RetryDelay) * time.Millisecond,
		HealthCheckInterval: time.Duration(rc.HealthCheckInterval) * time.Second,
		StuckAfter:          time.Duration(rc.StuckAfter) * time.Second,
		Logger:              b.logger,
	})
}

func (b *Backends) sharedPool() (*pgxpool.Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		return b.pool, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgqueue.Connect(ctx, b.cfg.Postgres.URL, int32(b.cfg.Postgres.MaxConns))
	if err != nil {
		return nil, queue.NewError(queue.CodeBackendInitFailed, "", "connect", err)
	}
	b.pool = pool
	return pool, nil
}

// Close releases the shared Postgres pool. Call it after Manager.Shutdown.
func (b *Backends) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
}
