// Package alerts evaluates price watch rules against fresh offers and notifies users of drops.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/fetcher"
	"github.com/Pursuit2703/aviasales-tracker/observability"
	"github.com/Pursuit2703/aviasales-tracker/offers"
	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// ErrRunInProgress is returned when another batch holds the run lock.
var ErrRunInProgress = errors.New("alert run already in progress")

// Store interface for watch rule persistence.
type Store interface {
	ListActiveRules(ctx context.Context) ([]*tracker.WatchRule, error)
	UpdateBaseline(ctx context.Context, ruleID int64, price float64) error
}

// Fetcher interface for retrieving offers of one origin.
type Fetcher interface {
	Fetch(ctx context.Context, q fetcher.Query) fetcher.Result
}

// Renderer interface for turning an offer into message text.
type Renderer interface {
	Card(offer tracker.Offer, maps offers.Maps, origin string) (string, error)
}

// Sender interface for delivering chat messages.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Locker guards against overlapping batches. TryLock must not block; ok is
// false when another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// Config holds the runner's collaborators.
type Config struct {
	Store    Store
	Fetcher  Fetcher
	Sender   Sender
	Renderer Renderer
	Locker   Locker // Defaults to a process-local lock
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	Query    fetcher.Query // Template; Origin is set per group
	Locale   string
}

// Summary describes one batch.
type Summary struct {
	Duration         time.Duration
	Rules            int
	Origins          int
	Fetched          int
	SkippedOrigins   int // Fetch returned no data
	FailedOrigins    int // Processing panicked
	Sent             int
	FailedDeliveries int
	Updates          int
	FailedUpdates    int
}

// Runner drives the alert batch.
type Runner struct {
	store    Store
	fetcher  Fetcher
	sender   Sender
	renderer Renderer
	locker   Locker
	metrics  *observability.Metrics
	logger   *slog.Logger
	query    fetcher.Query
	locale   string
}

// New creates a new alert runner.
func New(cfg *Config) *Runner {
	r := &Runner{
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		sender:   cfg.Sender,
		renderer: cfg.Renderer,
		locker:   cfg.Locker,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		query:    cfg.Query,
		locale:   cfg.Locale,
	}
	if r.locker == nil {
		r.locker = &LocalLocker{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.locale == "" {
		r.locale = "ru"
	}
	return r
}

// RunOnce runs one batch and returns the number of notifications delivered.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	s, err := r.RunOnceSummary(ctx)
	return s.Sent, err
}

// RunOnceSummary runs one batch and reports what happened.
func (r *Runner) RunOnceSummary(ctx context.Context) (Summary, error) {
	start := time.Now()
	var s Summary

	unlock, ok, err := r.locker.TryLock(ctx)
	if err != nil {
		r.metrics.RecordRun("failed", 0, 0)
		return s, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		r.metrics.RecordRun("skipped", 0, 0)
		return s, ErrRunInProgress
	}
	defer unlock()

	rules, err := r.store.ListActiveRules(ctx)
	if err != nil {
		r.metrics.RecordRun("failed", 0, 0)
		return s, fmt.Errorf("list active rules: %w", err)
	}
	s.Rules = len(rules)
	if len(rules) == 0 {
		r.logger.Debug("No active watch rules")
		s.Duration = time.Since(start)
		r.metrics.RecordRun("completed", s.Duration.Seconds(), time.Now().Unix())
		return s, nil
	}

	origins, groups := groupByOrigin(rules)
	s.Origins = len(origins)
	r.logger.Info("Checking watch rules", "rules", len(rules), "origins", len(origins))

	for _, origin := range origins {
		if ctx.Err() != nil {
			r.logger.Info("Context cancelled, stopping alert run", "error", ctx.Err())
			break
		}
		r.processOrigin(ctx, origin, groups[origin], &s)
	}

	s.Duration = time.Since(start)
	r.metrics.RecordRun("completed", s.Duration.Seconds(), time.Now().Unix())
	r.logger.Info("Alert run completed",
		"origins", s.Origins,
		"fetched", s.Fetched,
		"skipped_origins", s.SkippedOrigins,
		"failed_origins", s.FailedOrigins,
		"sent", s.Sent,
		"failed_deliveries", s.FailedDeliveries,
		"updates", s.Updates,
		"failed_updates", s.FailedUpdates,
		"duration_ms", s.Duration.Milliseconds())
	return s, nil
}

// groupByOrigin partitions rules by origin, keeping origins in first-appearance order.
func groupByOrigin(rules []*tracker.WatchRule) ([]string, map[string][]*tracker.WatchRule) {
	var order []string
	groups := make(map[string][]*tracker.WatchRule)
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		if _, seen := groups[rule.Origin]; !seen {
			order = append(order, rule.Origin)
		}
		groups[rule.Origin] = append(groups[rule.Origin], rule)
	}
	return order, groups
}

func (r *Runner) processOrigin(ctx context.Context, origin string, rules []*tracker.WatchRule, s *Summary) {
	defer func() {
		if rec := recover(); rec != nil {
			s.FailedOrigins++
			r.logger.Error("Origin processing panicked", "origin", origin, "rules", len(rules), "panic", rec)
		}
	}()

	q := r.query
	q.Origin = origin

	fetchStart := time.Now()
	res := r.fetcher.Fetch(ctx, q)
	r.metrics.RecordFetch(res.Variant, time.Since(fetchStart).Seconds())
	if res.Payload == nil {
		s.SkippedOrigins++
		r.logger.Warn("No offers for origin, skipping rules until next run",
			"origin", origin,
			"rules", len(rules),
			"failed_variants", len(res.Failures))
		return
	}
	s.Fetched++

	reduced := offers.Reduce(res.Payload.Offers)
	maps := offers.BuildMaps(res.Payload, r.locale)
	ev := EvaluateOrigin(origin, rules, reduced, maps, r.renderer)

	for _, skipped := range ev.Skipped {
		r.metrics.RecordRule(skipped.Reason)
		if skipped.Reason == ReasonPanic {
			r.logger.Warn("Rule evaluation panicked", "origin", origin, "rule_id", skipped.RuleID, "panic", skipped.Detail)
			continue
		}
		r.logger.Debug("Rule skipped", "origin", origin, "rule_id", skipped.RuleID, "reason", skipped.Reason, "detail", skipped.Detail)
	}

	for _, n := range ev.Notifications {
		r.metrics.RecordRule("notify")
		err := r.send(ctx, n)
		r.metrics.RecordNotification(err)
		if err != nil {
			s.FailedDeliveries++
			r.logger.Warn("Failed to deliver price alert",
				"origin", origin,
				"destination", n.Destination,
				"rule_id", n.RuleID,
				"user_id", n.UserID,
				"error", err)
			continue
		}
		s.Sent++
		r.logger.Info("Price alert sent",
			"origin", origin,
			"destination", n.Destination,
			"rule_id", n.RuleID,
			"user_id", n.UserID,
			"price", n.NewPrice)
	}

	for _, u := range ev.Updates {
		if u.Bootstrap {
			r.metrics.RecordRule("bootstrap")
		}
		err := r.updateBaseline(ctx, u)
		r.metrics.RecordBaselineUpdate(u.Bootstrap, err)
		if err != nil {
			s.FailedUpdates++
			r.logger.Warn("Failed to update baseline",
				"origin", origin,
				"rule_id", u.RuleID,
				"price", u.Price,
				"bootstrap", u.Bootstrap,
				"error", err)
			continue
		}
		s.Updates++
	}
}

// send delivers one notification. A panicking sender counts as a failed delivery.
func (r *Runner) send(ctx context.Context, n tracker.Notification) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return r.sender.Send(ctx, n.UserID, n.Text)
}

func (r *Runner) updateBaseline(ctx context.Context, u tracker.BaselineUpdate) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("update baseline panicked: %v", rec)
		}
	}()
	return r.store.UpdateBaseline(ctx, u.RuleID, u.Price)
}
