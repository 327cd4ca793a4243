package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/allyourbase/jobq/internal/config"
	"github.com/allyourbase/jobq/internal/httputil"
	"github.com/allyourbase/jobq/internal/jobs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the admin HTTP server for jobq.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	manager   *jobs.Manager
	svc       *jobs.Service // nil when workers are disabled
	adminAuth *adminAuth    // nil when admin.password not set
	startTime time.Time
	logBuffer *LogBuffer // nil when not using buffered logging
}

// New creates a new Server with middleware and routes configured.
// svc may be nil when workers run elsewhere.
func New(cfg *config.Config, logger *slog.Logger, manager *jobs.Manager, svc *jobs.Service) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		manager:   manager,
		svc:       svc,
		startTime: time.Now(),
	}
	if cfg.Admin.Password != "" {
		s.adminAuth = newAdminAuth(cfg.Admin.Password)
	}

	r.Get("/health", s.handleHealth)

	if !cfg.Admin.Enabled {
		return s
	}

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/status", s.handleAdminStatus)
		r.Post("/auth", s.handleAdminLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Use(middleware.AllowContentType("application/json"))

			r.Get("/logs", s.handleAdminLogs)
			r.Get("/stats", s.handleAdminStats)

			r.Route("/queues", func(r chi.Router) {
				r.Get("/", handleListQueues(manager))
				r.Route("/{queue}", func(r chi.Router) {
					r.Use(validQueueName)
					r.Get("/stats", handleQueueStats(manager))
					r.Post("/pause", handlePauseQueue(manager, true))
					r.Post("/resume", handlePauseQueue(manager, false))
					r.Post("/clean", handleCleanQueue(manager))
					r.Post("/empty", handleEmptyQueue(manager))

					r.Get("/jobs", handleListJobs(manager))
					r.Post("/jobs", handleAddJob(manager))
					r.Post("/jobs/bulk", handleAddJobsBulk(manager))
					r.Get("/jobs/{id}", handleGetJob(manager))
					r.Patch("/jobs/{id}", handleUpdateJob(manager))
					r.Delete("/jobs/{id}", handleRemoveJob(manager))
					r.Post("/jobs/{id}/retry", handleRetryJob(manager))
				})
			})

			if svc != nil {
				r.Route("/schedules", func(r chi.Router) {
					r.Get("/", handleListSchedules(svc))
					r.Post("/{name}/enable", handleSetScheduleEnabled(svc, true))
					r.Post("/{name}/disable", handleSetScheduleEnabled(svc, false))
				})
			}
		})
	})

	return s
}

// SetLogBuffer attaches a log buffer for the /api/admin/logs endpoint.
func (s *Server) SetLogBuffer(lb *LogBuffer) {
	s.logBuffer = lb
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
