// Package scheduler runs periodic housekeeping jobs on cron expressions.
//
// SchemaPipe uses it to sweep expired sessions out of the in-memory
// session store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule sweeps expired sessions every ten minutes.
const DefaultSweepSchedule = "*/10 * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Expressions use the
// standard five fields or descriptors such as "@every 5m".
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task under name. It returns an error if expr is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, func() {
		slog.Debug("Scheduler.job: running", "job", name)
		task()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s with %q: %w", name, expr, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr, "entry_id", id)
	return nil
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: gave up waiting for running jobs")
	}
}
