package cli

import (
	"encoding/json"
	"testing"

	"github.com/allyourbase/jobq/internal/jobs"
	"github.com/allyourbase/jobq/internal/testutil"
)

func TestSchedulesListAndToggle(t *testing.T) {
	ts := newTestServer(t, "")
	testutil.NoError(t, ts.svc.AddSchedule(jobs.Schedule{
		Name: "nightly_report", Queue: "reports", JobName: "report", CronExpr: "0 3 * * *", Enabled: true,
	}))

	out, err := run(t, "schedules", "list", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "nightly_report")
	testutil.Contains(t, out, "0 3 * * *")
	testutil.Contains(t, out, "UTC")

	out, err = run(t, "schedules", "disable", "nightly_report", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "disabled")
	testutil.False(t, ts.svc.Schedules()[0].Enabled)

	_, err = run(t, "schedules", "enable", "nightly_report", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.True(t, ts.svc.Schedules()[0].Enabled)

	out, err = run(t, "schedules", "list", "--url", ts.url, "--json")
	testutil.NoError(t, err)
	var items []jobs.Schedule
	testutil.NoError(t, json.Unmarshal([]byte(out), &items))
	testutil.SliceLen(t, items, 1)
	testutil.Equal(t, "report", items[0].JobName)
	testutil.NotNil(t, items[0].NextRunAt)
}

func TestSchedulesEnableUnknown(t *testing.T) {
	ts := newTestServer(t, "")
	_, err := run(t, "schedules", "enable", "ghost", "--url", ts.url)
	testutil.ErrorContains(t, err, "not found")
}

func TestSchedulesListEmpty(t *testing.T) {
	ts := newTestServer(t, "")
	out, err := run(t, "schedules", "list", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "No schedules found.")
}
