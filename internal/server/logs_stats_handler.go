package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/allyourbase/jobq/internal/httputil"
)

// handleAdminLogs returns recent server log entries.
func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"entries": []any{},
			"message": "log buffering not enabled",
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": s.logBuffer.Entries(),
	})
}

// handleAdminStats returns server runtime statistics.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_alloc":   mem.Alloc,
		"memory_sys":     mem.Sys,
		"gc_cycles":      mem.NumGC,
		"queues":         s.manager.Names(),
		"backend":        s.cfg.Queue.Backend,
		"workers":        s.svc != nil,
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}
