package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"github.com/allyourbase/jobq/internal/config"
	"github.com/allyourbase/jobq/internal/queue"
)

// Built-in maintenance job names.
const (
	SweepJobName     = "queue_sweep"
	StuckScanJobName = "stuck_job_scan"
)

// AddSchedule registers or replaces a schedule. NextRunAt is computed from now.
func (s *Service) AddSchedule(sched Schedule) error {
	if sched.Name == "" {
		return errors.New("schedule name is required")
	}
	if sched.JobName == "" {
		return fmt.Errorf("schedule %q: job name is required", sched.Name)
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	next, err := CronNextTime(sched.CronExpr, sched.Timezone, s.now())
	if err != nil {
		return fmt.Errorf("schedule %q: %w", sched.Name, err)
	}
	sched.NextRunAt = &next

	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	s.schedules[sched.Name] = &sched
	return nil
}

// Schedules returns a copy of the registered schedules, sorted by name.
func (s *Service) Schedules() []Schedule {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, *sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetScheduleEnabled toggles a schedule. Re-enabling recomputes the next run from now.
func (s *Service) SetScheduleEnabled(name string, enabled bool) error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	sched, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	if enabled && !sched.Enabled {
		next, err := CronNextTime(sched.CronExpr, sched.Timezone, s.now())
		if err != nil {
			return err
		}
		sched.NextRunAt = &next
	}
	sched.Enabled = enabled
	return nil
}

func (s *Service) schedulerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.schedulerTick(ctx)
		}
	}
}

type dueRun struct {
	sched Schedule
	runAt time.Time
}

func (s *Service) schedulerTick(ctx context.Context) {
	now := s.now()

	// Advance under the lock, enqueue outside it.
	var due []dueRun
	s.schedMu.Lock()
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		runAt := *sched.NextRunAt
		next, err := CronNextTime(sched.CronExpr, sched.Timezone, now)
		if err != nil {
			s.logger.Error("failed to compute next run time",
				"schedule", sched.Name, "cron", sched.CronExpr, "error", err)
			continue
		}
		sched.NextRunAt = &next
		last := now
		sched.LastRunAt = &last
		due = append(due, dueRun{sched: *sched, runAt: runAt})
	}
	s.schedMu.Unlock()

	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		// The run time in the job id keeps instances sharing a backend from
		// enqueueing the same tick twice.
		data := queue.JobData{
			Name: d.sched.JobName,
			Data: d.sched.Data,
			Options: queue.JobOptions{
				JobID:            fmt.Sprintf("%s:%d", d.sched.Name, d.runAt.Unix()),
				Priority:         d.sched.Priority,
				MaxAttempts:      d.sched.MaxAttempts,
				RemoveOnComplete: queue.RemovalPolicy{Always: d.sched.RemoveOnComplete},
			},
		}
		job, err := s.manager.Enqueue(ctx, d.sched.Queue, data)
		if err != nil {
			s.logger.Error("failed to enqueue scheduled job", "schedule", d.sched.Name, "error", err)
			continue
		}
		s.logger.Info("enqueued scheduled job",
			"schedule", d.sched.Name, "job_id", job.ID, "next_run", d.sched.NextRunAt)
	}
}

// CronNextTime computes the next run time for a cron expression after refTime in the given timezone.
func CronNextTime(cronExpr, tz string, refTime time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	gron := gronx.New()
	if !gron.IsValid(cronExpr) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", cronExpr)
	}

	next, err := gronx.NextTickAfter(cronExpr, refTime.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute next tick for %q: %w", cronExpr, err)
	}
	return next.UTC(), nil
}

// RegisterConfiguredSchedules adds the maintenance schedules and every enabled
// [[schedules]] entry from cfg.
func (s *Service) RegisterConfiguredSchedules(cfg *config.Config) error {
	maint := cfg.Worker.MaintenanceQueue
	if maint == "" {
		maint = cfg.Queue.DefaultQueue
	}
	builtins := []Schedule{
		{Name: "queue_sweep", JobName: SweepJobName, CronExpr: cfg.Worker.SweepCron},
		{Name: "stuck_job_scan", JobName: StuckScanJobName, CronExpr: cfg.Worker.StuckScanCron},
	}
	for _, b := range builtins {
		if b.CronExpr == "" {
			continue
		}
		b.Queue = maint
		b.Timezone = "UTC"
		b.Enabled = true
		b.MaxAttempts = 1
		b.RemoveOnComplete = true
		if err := s.AddSchedule(b); err != nil {
			return err
		}
	}
	for _, sc := range cfg.Schedules {
		if !sc.Enabled {
			continue
		}
		err := s.AddSchedule(Schedule{
			Name:        sc.Name,
			Queue:       sc.Queue,
			JobName:     sc.Job,
			Data:        sc.Data,
			CronExpr:    sc.Cron,
			Timezone:    sc.Timezone,
			Priority:    queue.Priority(sc.Priority),
			MaxAttempts: sc.MaxAttempts,
			Enabled:     true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
