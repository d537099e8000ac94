/**
 * @description
 * Cron job that expires abandoned wizard sessions.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Janitor periodically resets and forgets sessions idle for longer than the session TTL.
type Janitor struct {
	cron     *cron.Cron
	service  *Service
	schedule string
	logger   *slog.Logger
}

// NewJanitor creates a new janitor instance.
func NewJanitor(service *Service, schedule string, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "janitor")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Janitor{
		cron:     c,
		service:  service,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.Sweep); err != nil {
		j.logger.Error("failed to schedule session sweep", "error", err)
		return err
	}
	j.logger.Info("scheduled session sweep", "schedule", j.schedule)
	j.cron.Start()
	return nil
}

// Sweep expires idle sessions once.
func (j *Janitor) Sweep() {
	if n := j.service.ExpireIdle(context.Background()); n > 0 {
		j.logger.Info("expired idle sessions", "count", n)
	}
}

// Stop gracefully stops the cron scheduler.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}
