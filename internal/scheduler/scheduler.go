/**
 * @description
 * Cron scheduler setup for the ledger maintenance jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/vpnportal/ledger/internal/config"
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
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of jobs
// that were scheduled.
func (s *Scheduler) Start() int {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "expire payments", schedule: s.config.ExpirePaymentsSchedule, run: s.jobs.ExpirePayments},
		{name: "expire subscriptions", schedule: s.config.ExpireSubscriptionsSchedule, run: s.jobs.ExpireSubscriptions},
		{name: "auto approve commissions", schedule: s.config.AutoApproveSchedule, run: s.jobs.AutoApproveCommissions},
	}

	scheduled := 0
	for _, entry := range entries {
		if entry.schedule == "" {
			s.logger.Info("job disabled", "job", entry.name)
			continue
		}
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			s.logger.Error("failed to schedule job", "job", entry.name, "schedule", entry.schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", entry.name, "schedule", entry.schedule)
		scheduled++
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
