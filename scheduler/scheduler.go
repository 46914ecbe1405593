// Package scheduler wires up the cron jobs for price alerts and daily digests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Pursuit2703/aviasales-tracker/alerts"
)

// AlertRunner runs one alert batch.
type AlertRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// DigestRunner sends the digests due this minute.
type DigestRunner interface {
	Run(ctx context.Context) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	Alerts        AlertRunner
	Digest        DigestRunner
	Logger        *slog.Logger
	Location      *time.Location
	AlertInterval time.Duration
}

// Scheduler wraps robfig/cron and manages the alert and digest loops.
type Scheduler struct {
	cron       *cron.Cron
	alerts     AlertRunner
	digest     DigestRunner
	logger     *slog.Logger
	alertSpec  string
	digestSpec string
}

// New creates a Scheduler. Jobs that are still running when their next tick
// fires are skipped, and job panics are recovered.
func New(cfg *Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	interval := cfg.AlertInterval
	if interval <= 0 {
		interval = time.Minute
	}

	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		alerts:     cfg.Alerts,
		digest:     cfg.Digest,
		logger:     logger,
		alertSpec:  fmt.Sprintf("@every %s", interval),
		digestSpec: "* * * * *",
	}
}

// Start registers the jobs and starts the scheduler. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.alerts != nil {
		if _, err := s.cron.AddFunc(s.alertSpec, func() { s.runAlerts(ctx) }); err != nil {
			return fmt.Errorf("add alert job: %w", err)
		}
	}
	if s.digest != nil {
		if _, err := s.cron.AddFunc(s.digestSpec, func() { s.runDigest(ctx) }); err != nil {
			return fmt.Errorf("add digest job: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "alert_spec", s.alertSpec, "digest_spec", s.digestSpec, "jobs", len(s.cron.Entries()))
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("Scheduler stopping")
	return s.cron.Stop()
}

func (s *Scheduler) runAlerts(ctx context.Context) {
	sent, err := s.alerts.RunOnce(ctx)
	switch {
	case errors.Is(err, alerts.ErrRunInProgress):
		s.logger.Info("Alert run skipped, previous run still in progress")
	case err != nil:
		s.logger.Error("Alert run failed", "error", err)
	case sent > 0:
		s.logger.Info("Alert notifications sent", "sent", sent)
	}
}

func (s *Scheduler) runDigest(ctx context.Context) {
	sent, err := s.digest.Run(ctx)
	if err != nil {
		s.logger.Error("Digest run failed", "error", err)
		return
	}
	if sent > 0 {
		s.logger.Info("Digest messages sent", "sent", sent)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
