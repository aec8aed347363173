/**
 * @description
 * Cron scheduler setup for the hygiene jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/chorechart/kidauth-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the
// number of jobs that were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	register := func(name, schedule string, fn func()) {
		if _, err := s.cron.AddFunc(schedule, fn); err != nil {
			s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
			return
		}
		scheduled++
		s.logger.Info("scheduled job", "job", name, "schedule", schedule)
	}

	register("rate_limit_sweep", s.config.RateLimitSweepSchedule, s.jobs.SweepRateLimits)
	register("kid_session_purge", s.config.SessionPurgeSchedule, s.jobs.PurgeExpiredSessions)

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
