package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/allyourbase/jobq/internal/testutil"
)

func TestQueuesList(t *testing.T) {
	ts := newTestServer(t, "")
	addJob(t, ts, "default", "a", queue.JobOptions{})
	addJob(t, ts, "emails", "b", queue.JobOptions{})

	out, err := run(t, "queues", "list", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "QUEUE")
	testutil.Contains(t, out, "default")
	testutil.Contains(t, out, "emails")

	out, err = run(t, "queues", "list", "--url", ts.url, "--json")
	testutil.NoError(t, err)
	var items []queueSummary
	testutil.NoError(t, json.Unmarshal([]byte(out), &items))
	testutil.SliceLen(t, items, 2)
	testutil.Equal(t, "default", items[0].Name)
	testutil.NotNil(t, items[0].Stats)
	testutil.Equal(t, 1, items[0].Stats.Waiting)
}

func TestQueuesStats(t *testing.T) {
	ts := newTestServer(t, "")
	addJob(t, ts, "default", "a", queue.JobOptions{})
	addJob(t, ts, "default", "b", queue.JobOptions{Delay: 60000})

	out, err := run(t, "queues", "stats", "default", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "Queue default")
	testutil.Contains(t, out, "running")

	out, err = run(t, "queues", "stats", "default", "--url", ts.url, "--json")
	testutil.NoError(t, err)
	var st queue.Stats
	testutil.NoError(t, json.Unmarshal([]byte(out), &st))
	testutil.Equal(t, 1, st.Waiting)
	testutil.Equal(t, 1, st.Delayed)
	testutil.Equal(t, 2, st.Total)
	testutil.Equal(t, int64(2), st.Added)
}

func TestQueuesPauseResume(t *testing.T) {
	ts := newTestServer(t, "")
	addJob(t, ts, "default", "a", queue.JobOptions{})

	out, err := run(t, "queues", "pause", "default", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "paused")

	q, err := ts.manager.Queue(context.Background(), "default")
	testutil.NoError(t, err)
	next, err := q.GetNext(context.Background())
	testutil.NoError(t, err)
	testutil.Nil(t, next)

	out, err = run(t, "queues", "resume", "default", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "resumed")
	next, err = q.GetNext(context.Background())
	testutil.NoError(t, err)
	testutil.NotNil(t, next)
}

func TestQueuesClean(t *testing.T) {
	ts := newTestServer(t, "")
	j := addJob(t, ts, "default", "a", queue.JobOptions{RemoveOnComplete: queue.RemovalPolicy{Always: true}})
	q, err := ts.manager.Queue(context.Background(), "default")
	testutil.NoError(t, err)
	completed := queue.StatusCompleted
	_, err = q.UpdateJob(context.Background(), j.ID, queue.JobUpdate{Status: &completed})
	testutil.NoError(t, err)

	out, err := run(t, "queues", "clean", "default", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "Removed 1 job(s)")
}

func TestQueuesEmptyRequiresYes(t *testing.T) {
	ts := newTestServer(t, "")
	addJob(t, ts, "default", "a", queue.JobOptions{})

	_, err := run(t, "queues", "empty", "default", "--url", ts.url)
	testutil.ErrorContains(t, err, "--yes")

	out, err := run(t, "queues", "empty", "default", "--url", ts.url, "--yes")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "emptied")

	st, err := ts.manager.GetStats(context.Background(), "default")
	testutil.NoError(t, err)
	testutil.Equal(t, 0, st.Total)
}

func TestQueuesRejectsInvalidName(t *testing.T) {
	ts := newTestServer(t, "")
	_, err := run(t, "queues", "stats", "bad name!", "--url", ts.url)
	testutil.ErrorContains(t, err, "400")
}
