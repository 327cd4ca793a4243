package jobs

import (
	"context"
	"testing"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/allyourbase/jobq/internal/queue/memqueue"
	"github.com/allyourbase/jobq/internal/testutil"
)

func noProgress(int) {}

func TestQueueSweepHandlerCleansEveryQueue(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "a", "b")
	for _, name := range []string{"a", "b"} {
		_, err := m.Enqueue(ctx, name, queue.JobData{Name: "x", Options: queue.JobOptions{
			RemoveOnComplete: queue.RemovalPolicy{Always: true},
		}})
		testutil.NoError(t, err)
		q, err := m.Queue(ctx, name)
		testutil.NoError(t, err)
		j, err := q.GetNext(ctx)
		testutil.NoError(t, err)
		completed := queue.StatusCompleted
		_, err = q.UpdateJob(ctx, j.ID, queue.JobUpdate{Status: &completed})
		testutil.NoError(t, err)
	}
	// Kept: no removal policy.
	_, err := m.Enqueue(ctx, "a", queue.JobData{Name: "y"})
	testutil.NoError(t, err)

	out, err := QueueSweepHandler(m, testutil.DiscardLogger())(ctx, nil, noProgress)
	testutil.NoError(t, err)
	testutil.Equal(t, 2, out.(map[string]any)["removed"].(int))

	st, err := m.GetStats(ctx, "a")
	testutil.NoError(t, err)
	testutil.Equal(t, 1, st.Total)
}

type maintainedQueue struct {
	*memqueue.Queue
	reaped, reconciled int
}

func (q *maintainedQueue) ReapStuck(context.Context) (int, error) {
	q.reaped++
	return 2, nil
}

func (q *maintainedQueue) Reconcile(context.Context) (int, error) {
	q.reconciled++
	return 1, nil
}

func TestStuckJobScanHandlerUsesOptionalInterfaces(t *testing.T) {
	ctx := context.Background()
	var maintained []*maintainedQueue
	m := NewManager(func(name string) (queue.Adapter, error) {
		if name == "plain" {
			return memqueue.New(name, memqueue.Config{}), nil
		}
		mq := &maintainedQueue{Queue: memqueue.New(name, memqueue.Config{})}
		maintained = append(maintained, mq)
		return mq, nil
	}, ManagerConfig{Known: []string{"plain", "redis-like"}}, testutil.DiscardLogger())
	t.Cleanup(func() { _ = m.Shutdown(ctx) })

	var last int
	out, err := StuckJobScanHandler(m, testutil.DiscardLogger())(ctx, nil, func(p int) { last = p })
	testutil.NoError(t, err)
	res := out.(map[string]any)
	// "default" and "redis-like" are maintained queues.
	testutil.Equal(t, 4, res["flagged"].(int))
	testutil.Equal(t, 2, res["reconciled"].(int))
	testutil.Equal(t, 100, last)
	testutil.SliceLen(t, maintained, 2)
	for _, mq := range maintained {
		testutil.Equal(t, 1, mq.reaped)
		testutil.Equal(t, 1, mq.reconciled)
	}
}

func TestRegisterBuiltinHandlers(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	RegisterBuiltinHandlers(svc, testutil.DiscardLogger())

	j, err := svc.Manager().Enqueue(ctx, "", queue.JobData{Name: SweepJobName})
	testutil.NoError(t, err)
	testutil.True(t, svc.pollAndProcess(ctx, "w"), "sweep job should run")

	got, err := svc.Manager().GetJob(ctx, "", j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, queue.StatusCompleted, got.Status)
	testutil.Contains(t, string(got.Result), `"removed":0`)
}
