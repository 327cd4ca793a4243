package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/allyourbase/jobq/internal/httputil"
	"github.com/allyourbase/jobq/internal/jobs"
	"github.com/allyourbase/jobq/internal/queue"
	"github.com/go-chi/chi/v5"
)

type jobListResponse struct {
	Items []*queue.Job `json:"items"`
	Count int          `json:"count"`
}

type queueSummary struct {
	Name  string       `json:"name"`
	Stats *queue.Stats `json:"stats,omitempty"`
	Error string       `json:"error,omitempty"`
}

type bulkAddRequest struct {
	Jobs []queue.JobData `json:"jobs"`
}

// writeQueueError maps queue and manager errors to HTTP statuses.
func writeQueueError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		httputil.WriteError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, jobs.ErrNotRetryable):
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	code := queue.CodeOf(err)
	switch code {
	case queue.CodeQueueFull:
		httputil.WriteCodedError(w, http.StatusServiceUnavailable, string(code), "queue is full")
	case queue.CodeImmutableField, queue.CodeInvalidJob:
		httputil.WriteCodedError(w, http.StatusBadRequest, string(code), err.Error())
	case queue.CodeNotInitialized, queue.CodeRedisInitFailed, queue.CodeBackendInitFailed:
		httputil.WriteCodedError(w, http.StatusServiceUnavailable, string(code), "queue backend unavailable")
	default:
		httputil.WriteError(w, http.StatusInternalServerError, fallback)
	}
}

func handleListQueues(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := m.Names()
		items := make([]queueSummary, 0, len(names))
		for _, name := range names {
			st, err := m.GetStats(r.Context(), name)
			if err != nil {
				items = append(items, queueSummary{Name: name, Error: err.Error()})
				continue
			}
			items = append(items, queueSummary{Name: name, Stats: st})
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	}
}

func handleQueueStats(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := m.GetStats(r.Context(), chi.URLParam(r, "queue"))
		if err != nil {
			writeQueueError(w, err, "failed to get queue stats")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, st)
	}
}

func handlePauseQueue(m *jobs.Manager, pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := m.Queue(r.Context(), chi.URLParam(r, "queue"))
		if err != nil {
			writeQueueError(w, err, "failed to open queue")
			return
		}
		if pause {
			err = q.Pause(r.Context())
		} else {
			err = q.Resume(r.Context())
		}
		if err != nil {
			writeQueueError(w, err, "failed to change pause state")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"paused": pause})
	}
}

func handleCleanQueue(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := m.Queue(r.Context(), chi.URLParam(r, "queue"))
		if err != nil {
			writeQueueError(w, err, "failed to open queue")
			return
		}
		n, err := q.Clean(r.Context())
		if err != nil {
			writeQueueError(w, err, "failed to clean queue")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

func handleEmptyQueue(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := m.Queue(r.Context(), chi.URLParam(r, "queue"))
		if err != nil {
			writeQueueError(w, err, "failed to open queue")
			return
		}
		if err := q.Empty(r.Context()); err != nil {
			writeQueueError(w, err, "failed to empty queue")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListJobs(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status queue.Status
		if v := r.URL.Query().Get("status"); v != "" {
			st, err := queue.ParseStatus(v)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			status = st
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}

		q, err := m.Queue(r.Context(), chi.URLParam(r, "queue"))
		if err != nil {
			writeQueueError(w, err, "failed to open queue")
			return
		}
		items, err := q.GetJobs(r.Context(), status, limit)
		if err != nil {
			writeQueueError(w, err, "failed to list jobs")
			return
		}
		if items == nil {
			items = []*queue.Job{}
		}
		httputil.WriteJSON(w, http.StatusOK, jobListResponse{Items: items, Count: len(items)})
	}
}

func handleAddJob(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data queue.JobData
		if !httputil.DecodeJSON(w, r, &data) {
			return
		}
		job, err := m.Enqueue(r.Context(), chi.URLParam(r, "queue"), data)
		if err != nil {
			writeQueueError(w, err, "failed to add job")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, job)
	}
}

func handleAddJobsBulk(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkAddRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if len(req.Jobs) == 0 {
			httputil.WriteError(w, http.StatusBadRequest, "jobs must not be empty")
			return
		}
		added, err := m.EnqueueBulk(r.Context(), chi.URLParam(r, "queue"), req.Jobs)
		if err != nil {
			writeQueueError(w, err, "failed to add jobs")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, jobListResponse{Items: added, Count: len(added)})
	}
}

func handleGetJob(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := m.GetJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
		if err != nil {
			writeQueueError(w, err, "failed to get job")
			return
		}
		if job == nil {
			httputil.WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, job)
	}
}

func handleUpdateJob(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u queue.JobUpdate
		if !httputil.DecodeJSON(w, r, &u) {
			return
		}
		q, err := m.Queue(r.Context(), chi.URLParam(r, "queue"))
		if err != nil {
			writeQueueError(w, err, "failed to open queue")
			return
		}
		job, err := q.UpdateJob(r.Context(), chi.URLParam(r, "id"), u)
		if err != nil {
			writeQueueError(w, err, "failed to update job")
			return
		}
		if job == nil {
			httputil.WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, job)
	}
}

func handleRemoveJob(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := m.Queue(r.Context(), chi.URLParam(r, "queue"))
		if err != nil {
			writeQueueError(w, err, "failed to open queue")
			return
		}
		removed, err := q.RemoveJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeQueueError(w, err, "failed to remove job")
			return
		}
		if !removed {
			httputil.WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRetryJob(m *jobs.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := m.Retry(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
		if err != nil {
			writeQueueError(w, err, "failed to retry job")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, job)
	}
}

func handleListSchedules(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items := svc.Schedules()
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	}
}

func handleSetScheduleEnabled(svc *jobs.Service, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := svc.SetScheduleEnabled(name, enabled); err != nil {
			httputil.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
	}
}
