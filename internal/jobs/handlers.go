package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/allyourbase/jobq/internal/queue"
)

// RegisterBuiltinHandlers registers the maintenance job handlers.
func RegisterBuiltinHandlers(svc *Service, logger *slog.Logger) {
	svc.RegisterHandler(SweepJobName, QueueSweepHandler(svc.Manager(), logger))
	svc.RegisterHandler(StuckScanJobName, StuckJobScanHandler(svc.Manager(), logger))
}

// QueueSweepHandler runs Clean on every known queue.
func QueueSweepHandler(m *Manager, logger *slog.Logger) Handler {
	return func(ctx context.Context, _ *queue.Job, progress ProgressFunc) (any, error) {
		names := m.Names()
		removed := make(map[string]int, len(names))
		total := 0
		for i, name := range names {
			q, err := m.Queue(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("queue_sweep: %w", err)
			}
			n, err := q.Clean(ctx)
			if err != nil {
				return nil, fmt.Errorf("queue_sweep %s: %w", name, err)
			}
			removed[name] = n
			total += n
			progress((i + 1) * 100 / len(names))
		}
		logger.Info("queue_sweep completed", "removed", total)
		return map[string]any{"removed": total, "queues": removed}, nil
	}
}

// StuckJobScanHandler flags stuck claims and drops orphaned index entries on
// backends that support it.
func StuckJobScanHandler(m *Manager, logger *slog.Logger) Handler {
	return func(ctx context.Context, _ *queue.Job, progress ProgressFunc) (any, error) {
		names := m.Names()
		flagged, reconciled := 0, 0
		for i, name := range names {
			q, err := m.Queue(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("stuck_job_scan: %w", err)
			}
			if r, ok := q.(queue.StuckReaper); ok {
				n, err := r.ReapStuck(ctx)
				if err != nil {
					return nil, fmt.Errorf("stuck_job_scan %s: %w", name, err)
				}
				if n > 0 {
					logger.Warn("jobs flagged stuck", "queue", name, "count", n)
				}
				flagged += n
			}
			if r, ok := q.(queue.Reconciler); ok {
				n, err := r.Reconcile(ctx)
				if err != nil {
					return nil, fmt.Errorf("stuck_job_scan %s: %w", name, err)
				}
				reconciled += n
			}
			progress((i + 1) * 100 / len(names))
		}
		logger.Info("stuck_job_scan completed", "flagged", flagged, "reconciled", reconciled)
		return map[string]any{"flagged": flagged, "reconciled": reconciled}, nil
	}
}
