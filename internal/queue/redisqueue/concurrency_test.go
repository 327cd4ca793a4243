package redisqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/allyourbase/jobq/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowReadKey struct{}

// slowReads stalls HGETALL replies for contexts carrying slowReadKey, which
// widens the window between an updater's read and its write.
type slowReads struct{ delay time.Duration }

func (h slowReads) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h slowReads) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "hgetall" && ctx.Value(slowReadKey{}) != nil {
			time.Sleep(h.delay)
		}
		return err
	}
}

func (h slowReads) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func slowCtx() context.Context {
	return context.WithValue(context.Background(), slowReadKey{}, true)
}

func TestConcurrentAddRespectsCapacity(t *testing.T) {
	q, _ := setup(t, Config{MaxJobs: 5})
	const workers = 40

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stored  int
		full    int
		unknown []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Add(context.Background(), queue.JobData{Name: "send"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				stored++
			case errors.Is(err, queue.ErrQueueFull):
				full++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Equal(t, 5, stored)
	assert.Equal(t, workers-5, full)

	st, err := q.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, int64(5), st.Added)
}

func TestConcurrentAddBulkRespectsCapacity(t *testing.T) {
	q, _ := setup(t, Config{MaxJobs: 6})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.AddBulk(context.Background(), []queue.JobData{{Name: "a"}, {Name: "b"}, {Name: "c"}})
		}()
	}
	wg.Wait()

	st, err := q.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, st.Total)
}

func TestUpdateDuringClaimKeepsActive(t *testing.T) {
	q, _ := setup(t, Config{})
	q.client.AddHook(slowReads{delay: 30 * time.Millisecond})
	j := addJob(t, q, "send", queue.JobOptions{})

	type result struct {
		job *queue.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		progress := 50
		u, err := q.UpdateJob(slowCtx(), j.ID, queue.JobUpdate{Progress: &progress})
		done <- result{u, err}
	}()

	time.Sleep(10 * time.Millisecond)
	claimed, err := q.GetNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j.ID, claimed.ID)

	r := <-done
	require.NoError(t, r.err)
	require.NotNil(t, r.job)

	got, err := q.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusActive, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 50, got.Progress)

	active, err := q.GetJobs(context.Background(), queue.StatusActive, 0)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	waiting, err := q.GetJobs(context.Background(), queue.StatusWaiting, 0)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestUpdateDuringRemoveDoesNotRecreate(t *testing.T) {
	q, mr := setup(t, Config{})
	q.client.AddHook(slowReads{delay: 30 * time.Millisecond})
	j := addJob(t, q, "send", queue.JobOptions{})

	type result struct {
		job *queue.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		progress := 10
		u, err := q.UpdateJob(slowCtx(), j.ID, queue.JobUpdate{Progress: &progress})
		done <- result{u, err}
	}()

	time.Sleep(10 * time.Millisecond)
	removed, err := q.RemoveJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	r := <-done
	require.NoError(t, r.err)
	assert.Nil(t, r.job)
	assert.False(t, mr.Exists("jobq:emails:job:"+j.ID))
}

func TestConcurrentPromotionClaimsOnce(t *testing.T) {
	q, mr := setup(t, Config{})
	base := time.Now()
	q.now = func() time.Time { return base }
	j := addJob(t, q, "later", queue.JobOptions{Delay: 100})
	q.now = func() time.Time { return base.Add(time.Second) }

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := q.GetNext(context.Background())
			if err != nil || next == nil {
				return
			}
			mu.Lock()
			claimed = append(claimed, next.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{j.ID}, claimed)
	delayed, _ := mr.ZMembers("jobq:emails:delayed")
	assert.Empty(t, delayed)
	ok, _ := mr.SIsMember("jobq:emails:status:delayed", j.ID)
	assert.False(t, ok)
	ok, _ = mr.SIsMember("jobq:emails:status:active", j.ID)
	assert.True(t, ok)
}

func TestPromotionSkipsJobsNoLongerDelayed(t *testing.T) {
	q, mr := setup(t, Config{})
	base := time.Now()
	q.now = func() time.Time { return base }
	j := addJob(t, q, "later", queue.JobOptions{Delay: 100})
	_, err := q.UpdateJob(context.Background(), j.ID, setStatus(queue.StatusFailed))
	require.NoError(t, err)
	// Leave a stale delayed entry behind, as an interrupted writer would.
	_, err = mr.ZAdd("jobq:emails:delayed", float64(base.UnixMilli()), j.ID)
	require.NoError(t, err)

	q.now = func() time.Time { return base.Add(time.Second) }
	next, err := q.GetNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)

	delayed, _ := mr.ZMembers("jobq:emails:delayed")
	assert.Empty(t, delayed)
	got, err := q.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
}

func TestEmptyLeavesPrefixSharingQueuesAlone(t *testing.T) {
	q, mr := setup(t, Config{})
	other := New("emails:bulk", Config{Addr: mr.Addr(), Logger: testutil.DiscardLogger()})
	require.NoError(t, other.Initialize(context.Background()))
	t.Cleanup(func() { _ = other.Shutdown(context.Background()) })

	mine := addJob(t, q, "a", queue.JobOptions{})
	theirs, err := other.Add(context.Background(), queue.JobData{Name: "b"})
	require.NoError(t, err)

	require.NoError(t, q.Empty(context.Background()))

	got, err := q.GetJob(context.Background(), mine.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = other.GetJob(context.Background(), theirs.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Name)

	st, err := other.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, int64(1), st.Added)
}
