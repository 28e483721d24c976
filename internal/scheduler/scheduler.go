// Package scheduler drives the orchestrator's periodic work: refreshing the
// upstream app id universe and re-fetching the stalest apps. It runs apart
// from the broker consumer loop so a wedged broker cannot starve the timers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/steamwatch/steamwatch/internal/config"
)

// Dispatcher is the slice of the orchestrator service the cron entries call.
type Dispatcher interface {
	RefreshAppList(ctx context.Context) (string, error)
	RefreshStalestApps(ctx context.Context) (string, error)
}

// jobTimeout bounds one scheduled dispatch so a hung publish cannot pile up
// overlapping invocations.
const jobTimeout = time.Minute

// Scheduler owns the cron runner and its two entries.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New registers both entries from their configured cron expressions.
func New(cfg config.Orchestrator, d Dispatcher, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{cron: cron.New(), logger: logger}

	if _, err := s.cron.AddFunc(cfg.ActualizeSchedule, s.job("refresh_app_list", d.RefreshAppList)); err != nil {
		return nil, fmt.Errorf("parse STEAMWATCH_ACTUALIZE_SCHEDULE %q: %w", cfg.ActualizeSchedule, err)
	}
	if _, err := s.cron.AddFunc(cfg.UpdateSchedule, s.job("refresh_stalest_apps", d.RefreshStalestApps)); err != nil {
		return nil, fmt.Errorf("parse STEAMWATCH_UPDATE_SCHEDULE %q: %w", cfg.UpdateSchedule, err)
	}
	return s, nil
}

// job wraps one dispatch in a timeout and logs the outcome. Errors are logged
// and swallowed; the next tick retries from scratch.
func (s *Scheduler) job(name string, fn func(context.Context) (string, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		taskID, err := fn(ctx)
		if err != nil {
			s.logger.Error("scheduled dispatch failed",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			return
		}
		if taskID == "" {
			// Nothing to dispatch (empty registry).
			return
		}
		s.logger.Info("scheduled dispatch",
			slog.String("job", name),
			slog.String("task_id", taskID),
		)
	}
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
