//go:build integration

package pgqueue_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/allyourbase/jobq/internal/queue/pgqueue"
	"github.com/allyourbase/jobq/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

var sharedPool *pgxpool.Pool

func TestMain(m *testing.M) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "TEST_DATABASE_URL not set; run via: go run ./internal/testutil/cmd/testpg -- go test -tags=integration ./...")
		os.Exit(1)
	}
	pool, err := pgqueue.Connect(context.Background(), url, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting: %v\n", err)
		os.Exit(1)
	}
	sharedPool = pool
	code := m.Run()
	pool.Close()
	os.Exit(code)
}

func setupQueue(t *testing.T, maxJobs int) *pgqueue.Queue {
	t.Helper()
	ctx := context.Background()
	_, _ = sharedPool.Exec(ctx, `DROP TABLE IF EXISTS _jobq_jobs, _jobq_queues`)
	q := pgqueue.New(t.Name(), pgqueue.Config{Pool: sharedPool, MaxJobs: maxJobs, Logger: testutil.DiscardLogger()})
	testutil.NoError(t, q.Initialize(ctx))
	t.Cleanup(func() { _ = q.Shutdown(ctx) })
	return q
}

func add(t *testing.T, q *pgqueue.Queue, name string, opts queue.JobOptions) *queue.Job {
	t.Helper()
	j, err := q.Add(context.Background(), queue.JobData{Name: name, Data: map[string]any{"name": name}, Options: opts})
	testutil.NoError(t, err)
	return j
}

func status(s queue.Status) queue.JobUpdate { return queue.JobUpdate{Status: &s} }

func TestAddAndGet(t *testing.T) {
	q := setupQueue(t, 0)
	j := add(t, q, "send", queue.JobOptions{Priority: queue.PriorityHigh, Tags: []string{"a"}})
	testutil.Equal(t, queue.StatusWaiting, j.Status)

	got, err := q.GetJob(context.Background(), j.ID)
	testutil.NoError(t, err)
	testutil.NotNil(t, got)
	testutil.Equal(t, "send", got.Data["name"].(string))
	testutil.Equal(t, queue.PriorityHigh, got.Options.Priority)

	missing, err := q.GetJob(context.Background(), "nope")
	testutil.NoError(t, err)
	testutil.Nil(t, missing)
}

func TestCapacity(t *testing.T) {
	q := setupQueue(t, 2)
	add(t, q, "a", queue.JobOptions{})
	add(t, q, "b", queue.JobOptions{})
	_, err := q.Add(context.Background(), queue.JobData{Name: "c"})
	testutil.True(t, errors.Is(err, queue.ErrQueueFull), "got %v", err)
	_, err = q.AddBulk(context.Background(), []queue.JobData{{Name: "d"}, {Name: "e"}})
	testutil.True(t, errors.Is(err, queue.ErrQueueFull), "got %v", err)

	jobs, err := q.GetJobs(context.Background(), "", 0)
	testutil.NoError(t, err)
	testutil.SliceLen(t, jobs, 2)
}

func TestPriorityOrdering(t *testing.T) {
	q := setupQueue(t, 0)
	add(t, q, "low", queue.JobOptions{Priority: queue.PriorityLow})
	add(t, q, "critical", queue.JobOptions{Priority: queue.PriorityCritical})
	add(t, q, "normal", queue.JobOptions{Priority: queue.PriorityNormal})
	add(t, q, "urgent", queue.JobOptions{Priority: queue.PriorityUrgent})

	for _, want := range []string{"critical", "urgent", "normal", "low"} {
		j, err := q.GetNext(context.Background())
		testutil.NoError(t, err)
		testutil.NotNil(t, j)
		testutil.Equal(t, want, j.Name)
		testutil.Equal(t, queue.StatusActive, j.Status)
	}
	j, err := q.GetNext(context.Background())
	testutil.NoError(t, err)
	testutil.Nil(t, j)
}

func TestConcurrentGetNextIsExclusive(t *testing.T) {
	q := setupQueue(t, 0)
	const n = 20
	for i := 0; i < n; i++ {
		add(t, q, "job", queue.JobOptions{})
	}
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.GetNext(context.Background())
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	testutil.MapLen(t, seen, n)
	for id, c := range seen {
		testutil.True(t, c == 1, "job %s claimed %d times", id, c)
	}
}

func TestDelayGating(t *testing.T) {
	q := setupQueue(t, 0)
	j := add(t, q, "later", queue.JobOptions{Delay: 200})
	testutil.Equal(t, queue.StatusDelayed, j.Status)
	next, err := q.GetNext(context.Background())
	testutil.NoError(t, err)
	testutil.Nil(t, next)

	testutil.Eventually(t, 3*time.Second, 50*time.Millisecond, func() bool {
		waiting, err := q.GetJobs(context.Background(), queue.StatusWaiting, 0)
		return err == nil && len(waiting) == 1
	}, "delayed job should become waiting")
}

func TestUpdateAndStats(t *testing.T) {
	q := setupQueue(t, 0)
	for i := 0; i < 5; i++ {
		add(t, q, "job", queue.JobOptions{})
	}
	for i := 0; i < 2; i++ {
		j, err := q.GetNext(context.Background())
		testutil.NoError(t, err)
		_, err = q.UpdateJob(context.Background(), j.ID, status(queue.StatusCompleted))
		testutil.NoError(t, err)
	}
	got, err := q.UpdateJob(context.Background(), "nonexistent", status(queue.StatusFailed))
	testutil.NoError(t, err)
	testutil.Nil(t, got)

	st, err := q.GetStats(context.Background())
	testutil.NoError(t, err)
	testutil.Equal(t, 3, st.Waiting)
	testutil.Equal(t, 0, st.Active)
	testutil.Equal(t, 2, st.Completed)
	testutil.Equal(t, 5, st.Total)
	testutil.Equal(t, int64(2), st.Processed)
}

func TestPauseCleanEmpty(t *testing.T) {
	q := setupQueue(t, 0)
	ctx := context.Background()
	j := add(t, q, "a", queue.JobOptions{RemoveOnComplete: queue.RemovalPolicy{Always: true}})

	testutil.NoError(t, q.Pause(ctx))
	next, err := q.GetNext(ctx)
	testutil.NoError(t, err)
	testutil.Nil(t, next)
	testutil.NoError(t, q.Resume(ctx))
	next, err = q.GetNext(ctx)
	testutil.NoError(t, err)
	testutil.NotNil(t, next)

	_, err = q.UpdateJob(ctx, j.ID, status(queue.StatusCompleted))
	testutil.NoError(t, err)
	n, err := q.Clean(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, n)

	add(t, q, "b", queue.JobOptions{})
	testutil.NoError(t, q.Empty(ctx))
	st, err := q.GetStats(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, st.Total)
	testutil.Equal(t, int64(0), st.Added)
}
