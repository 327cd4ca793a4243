package server_test

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/allyourbase/jobq/internal/server"
	"github.com/allyourbase/jobq/internal/testutil"
)

func TestAdminLogsReturnsEmptyWithoutLogBuffer(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/admin/logs", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	testutil.Equal(t, "log buffering not enabled", body["message"].(string))
}

func TestAdminLogsReturnsBufferedEntries(t *testing.T) {
	env := newTestEnv(t, withPassword("pw"))
	lb := server.NewLogBuffer(slog.NewTextHandler(io.Discard, nil), 10)
	env.srv.SetLogBuffer(lb)
	slog.New(lb).Info("job completed", "queue", "emails")

	w := env.do(t, http.MethodGet, "/api/admin/logs", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
	body := decode[struct {
		Entries []server.LogEntry `json:"entries"`
	}](t, w)
	testutil.SliceLen(t, body.Entries, 1)
	testutil.Equal(t, "job completed", body.Entries[0].Message)
	testutil.Equal(t, "emails", body.Entries[0].Attrs["queue"].(string))
}

func TestAdminStatsReturnsRuntimeInfo(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/admin/stats", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	testutil.NotNil(t, body["go_version"])
	testutil.Equal(t, "memory", body["backend"].(string))
	testutil.Equal(t, true, body["workers"].(bool))
}

func TestLogBufferCapturesEntries(t *testing.T) {
	t.Parallel()
	lb := server.NewLogBuffer(slog.NewTextHandler(io.Discard, nil), 5)
	logger := slog.New(lb)

	logger.Info("one")
	logger.Warn("two")
	logger.Error("three")

	entries := lb.Entries()
	testutil.SliceLen(t, entries, 3)
	testutil.Equal(t, "one", entries[0].Message)
	testutil.Equal(t, "INFO", entries[0].Level)
	testutil.Equal(t, "WARN", entries[1].Level)
	testutil.Equal(t, "ERROR", entries[2].Level)
}

func TestLogBufferRingOverflow(t *testing.T) {
	t.Parallel()
	lb := server.NewLogBuffer(slog.NewTextHandler(io.Discard, nil), 3)
	logger := slog.New(lb)
	for i := 0; i < 7; i++ {
		logger.Info(fmt.Sprintf("msg-%d", i))
	}

	entries := lb.Entries()
	testutil.SliceLen(t, entries, 3)
	testutil.Equal(t, "msg-4", entries[0].Message)
	testutil.Equal(t, "msg-6", entries[2].Message)
}

func TestLogBufferDerivedLoggersShareBuffer(t *testing.T) {
	t.Parallel()
	lb := server.NewLogBuffer(slog.NewTextHandler(io.Discard, nil), 10)
	base := slog.New(lb)
	qlog := base.With("queue", "emails")
	glog := base.WithGroup("redis").With("addr", "localhost:6379")

	base.Info("a")
	qlog.Info("b", "job_id", "j1")
	glog.Info("c", "attempt", 2)

	entries := lb.Entries()
	testutil.SliceLen(t, entries, 3)
	testutil.Equal(t, "emails", entries[1].Attrs["queue"].(string))
	testutil.Equal(t, "j1", entries[1].Attrs["job_id"].(string))
	testutil.Equal(t, "localhost:6379", entries[2].Attrs["redis.addr"].(string))
	testutil.Equal(t, int64(2), entries[2].Attrs["redis.attempt"].(int64))
}

func TestLogBufferConcurrentLogging(t *testing.T) {
	t.Parallel()
	lb := server.NewLogBuffer(slog.NewTextHandler(io.Discard, nil), 100)
	logger := slog.New(lb)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.With("worker", n).Info("tick")
		}(i)
	}
	wg.Wait()

	testutil.SliceLen(t, lb.Entries(), 20)
}
