package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/allyourbase/jobq/internal/queue/memqueue"
	"github.com/allyourbase/jobq/internal/testutil"
)

func memFactory(calls *int32) Factory {
	return func(name string) (queue.Adapter, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return memqueue.New(name, memqueue.Config{Logger: testutil.DiscardLogger()}), nil
	}
}

func newTestManager(t *testing.T, known ...string) *Manager {
	t.Helper()
	m := NewManager(memFactory(nil), ManagerConfig{DefaultQueue: "default", Known: known}, testutil.DiscardLogger())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManagerCreatesQueuesLazily(t *testing.T) {
	var calls int32
	m := NewManager(memFactory(&calls), ManagerConfig{DefaultQueue: "default"}, testutil.DiscardLogger())
	ctx := context.Background()

	testutil.Equal(t, int32(0), atomic.LoadInt32(&calls))
	q1, err := m.Queue(ctx, "")
	testutil.NoError(t, err)
	testutil.Equal(t, "default", q1.Name())
	q2, err := m.Queue(ctx, "default")
	testutil.NoError(t, err)
	testutil.True(t, q1 == q2, "expected the same adapter instance")
	testutil.Equal(t, int32(1), atomic.LoadInt32(&calls))

	testutil.NoError(t, m.Shutdown(ctx))
}

func TestManagerFactoryAndInitializeErrors(t *testing.T) {
	ctx := context.Background()
	m := NewManager(func(string) (queue.Adapter, error) {
		return nil, errors.New("boom")
	}, ManagerConfig{}, testutil.DiscardLogger())
	_, err := m.Queue(ctx, "x")
	testutil.ErrorContains(t, err, "boom")
	testutil.Equal(t, "default", strings.Join(m.Names(), ","))
}

func TestManagerNames(t *testing.T) {
	m := newTestManager(t, "reports", "emails")
	_, err := m.Queue(context.Background(), "adhoc")
	testutil.NoError(t, err)
	testutil.Equal(t, "adhoc,default,emails,reports", strings.Join(m.Names(), ","))
}

func TestManagerEnqueueGetStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j, err := m.Enqueue(ctx, "emails", queue.JobData{Name: "send", Data: map[string]any{"to": "a@b.c"}})
	testutil.NoError(t, err)
	_, err = m.EnqueueBulk(ctx, "emails", []queue.JobData{{Name: "send"}, {Name: "send"}})
	testutil.NoError(t, err)

	got, err := m.GetJob(ctx, "emails", j.ID)
	testutil.NoError(t, err)
	testutil.NotNil(t, got)
	testutil.Equal(t, "a@b.c", got.Data["to"].(string))

	missing, err := m.GetJob(ctx, "emails", "nope")
	testutil.NoError(t, err)
	testutil.Nil(t, missing)

	st, err := m.GetStats(ctx, "emails")
	testutil.NoError(t, err)
	testutil.Equal(t, "emails", st.Queue)
	testutil.Equal(t, 3, st.Waiting)
	testutil.Equal(t, 3, st.Total)
}

func TestManagerRetry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j, err := m.Enqueue(ctx, "", queue.JobData{Name: "flaky", Options: queue.JobOptions{Priority: queue.PriorityHigh}})
	testutil.NoError(t, err)

	_, err = m.Retry(ctx, "", j.ID)
	testutil.True(t, errors.Is(err, ErrNotRetryable), "got %v", err)
	_, err = m.Retry(ctx, "", "missing")
	testutil.True(t, errors.Is(err, ErrJobNotFound), "got %v", err)

	q, err := m.Queue(ctx, "")
	testutil.NoError(t, err)
	claimed, err := q.GetNext(ctx)
	testutil.NoError(t, err)
	failed := queue.StatusFailed
	_, err = q.UpdateJob(ctx, claimed.ID, queue.JobUpdate{Status: &failed})
	testutil.NoError(t, err)

	fresh, err := m.Retry(ctx, "", j.ID)
	testutil.NoError(t, err)
	testutil.NotEqual(t, j.ID, fresh.ID)
	testutil.Equal(t, queue.StatusWaiting, fresh.Status)
	testutil.Equal(t, queue.PriorityHigh, fresh.Options.Priority)
	testutil.Equal(t, 0, fresh.Attempts)

	old, err := m.GetJob(ctx, "", j.ID)
	testutil.NoError(t, err)
	testutil.Nil(t, old)
}

type failingShutdown struct {
	*memqueue.Queue
}

func (f failingShutdown) Shutdown(ctx context.Context) error {
	_ = f.Queue.Shutdown(ctx)
	return errors.New("close failed")
}

func TestManagerShutdownJoinsErrors(t *testing.T) {
	m := NewManager(func(name string) (queue.Adapter, error) {
		return failingShutdown{memqueue.New(name, memqueue.Config{})}, nil
	}, ManagerConfig{}, testutil.DiscardLogger())
	ctx := context.Background()
	_, err := m.Queue(ctx, "a")
	testutil.NoError(t, err)
	_, err = m.Queue(ctx, "b")
	testutil.NoError(t, err)

	err = m.Shutdown(ctx)
	testutil.ErrorContains(t, err, `queue "a"`)
	testutil.ErrorContains(t, err, `queue "b"`)
	testutil.NoError(t, m.Shutdown(ctx))
}
