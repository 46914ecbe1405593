// Package digest delivers daily deal digests to subscribed chats.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/fetcher"
	"github.com/Pursuit2703/aviasales-tracker/observability"
	"github.com/Pursuit2703/aviasales-tracker/offers"
	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

const (
	// PageSize is the number of cards per message.
	PageSize = 5
	// MaxCards is the number of deals in one digest.
	MaxCards = PageSize * 3
	// MaxCatchUp bounds how far back a run looks for minutes missed since the previous run.
	MaxCatchUp = time.Hour
)

// Store interface for subscription lookup.
type Store interface {
	ListActiveSubscriptions(ctx context.Context) ([]*tracker.Subscription, error)
}

// Fetcher interface for retrieving offers of one origin.
type Fetcher interface {
	Fetch(ctx context.Context, q fetcher.Query) fetcher.Result
}

// Renderer interface for turning offers into cards.
type Renderer interface {
	Card(offer tracker.Offer, maps offers.Maps, origin string) (string, error)
	// Cards renders a list, skipping offers that cannot be rendered.
	Cards(list []tracker.Offer, maps offers.Maps, origin string) []string
}

// Sender interface for delivering chat messages.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Config holds the digest's collaborators.
type Config struct {
	Store    Store
	Fetcher  Fetcher
	Renderer Renderer
	Sender   Sender
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	Location *time.Location // Zone subscriptions' HH:MM refer to
	Query    fetcher.Query
	Locale   string
}

// Digest sends due subscriptions their deals.
type Digest struct {
	store    Store
	fetcher  Fetcher
	renderer Renderer
	sender   Sender
	metrics  *observability.Metrics
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time
	query    fetcher.Query
	locale   string

	mu      sync.Mutex
	lastRun time.Time
}

// New creates a digest sender.
func New(cfg *Config) *Digest {
	d := &Digest{
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		renderer: cfg.Renderer,
		sender:   cfg.Sender,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		location: cfg.Location,
		now:      time.Now,
		query:    cfg.Query,
		locale:   cfg.Locale,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.location == nil {
		d.location = time.Local
	}
	if d.locale == "" {
		d.locale = "ru"
	}
	return d
}

// Run delivers every subscription whose HH:MM falls between the previous run
// and now (the current minute on the first run, at most MaxCatchUp back) and
// returns the number of messages sent. Failures of single deliveries are logged.
func (d *Digest) Run(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().In(d.location)
	from := now.Add(-time.Minute)
	if !d.lastRun.IsZero() {
		from = d.lastRun
		if limit := now.Add(-MaxCatchUp); from.Before(limit) {
			d.logger.Warn("Digest catch-up window truncated", "last_run", d.lastRun, "max", MaxCatchUp)
			from = limit
		}
	}

	subs, err := d.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	d.lastRun = now

	due := DueBetween(subs, from, now)
	if len(due) == 0 {
		return 0, nil
	}

	d.logger.Info("Sending daily digests", "subscriptions", len(due), "from", from.Format("15:04"), "to", now.Format("15:04"))

	// One fetch per origin regardless of how many users share it.
	pages := make(map[string][]string)
	sent := 0
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		msgs, ok := pages[sub.Origin]
		if !ok {
			msgs = d.Messages(ctx, sub.Origin)
			pages[sub.Origin] = msgs
		}
		for _, text := range msgs {
			err := d.sender.Send(ctx, sub.UserID, text)
			d.metrics.RecordDigest(err)
			if err != nil {
				d.logger.Warn("Failed to send digest",
					"subscription_id", sub.ID,
					"user_id", sub.UserID,
					"origin", sub.Origin,
					"error", err)
				continue
			}
			sent++
		}
	}
	return sent, nil
}

// Due returns the enabled subscriptions scheduled for now's hour and minute.
func Due(subs []*tracker.Subscription, now time.Time) []*tracker.Subscription {
	return DueBetween(subs, now.Add(-time.Minute), now)
}

// DueBetween returns the enabled subscriptions whose daily HH:MM, in to's
// location, falls in the minutes after from up to and including to.
func DueBetween(subs []*tracker.Subscription, from, to time.Time) []*tracker.Subscription {
	to = minuteOf(to)
	from = minuteOf(from.In(to.Location()))

	var out []*tracker.Subscription
	for _, s := range subs {
		if s == nil || !s.Enabled {
			continue
		}
		for _, day := range []time.Time{to, to.AddDate(0, 0, -1)} {
			at := time.Date(day.Year(), day.Month(), day.Day(), s.Hour, s.Minute, 0, 0, to.Location())
			if at.After(from) && !at.After(to) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func minuteOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

// Messages fetches origin and renders up to MaxCards deals, PageSize per message.
func (d *Digest) Messages(ctx context.Context, origin string) []string {
	q := d.query
	q.Origin = origin

	start := time.Now()
	res := d.fetcher.Fetch(ctx, q)
	d.metrics.RecordFetch(res.Variant, time.Since(start).Seconds())
	if res.Payload == nil {
		d.logger.Warn("No data for digest origin", "origin", origin, "failed_variants", len(res.Failures))
		return []string{fmt.Sprintf("Не удалось получить данные от API для %s.", origin)}
	}

	maps := offers.BuildMaps(res.Payload, d.locale)
	cheapest := offers.Cheapest(res.Payload.Offers, MaxCards)
	cards := d.renderer.Cards(cheapest, maps, origin)
	if skipped := len(cheapest) - len(cards); skipped > 0 {
		d.logger.Debug("Skipped unrenderable offer cards", "origin", origin, "skipped", skipped)
	}
	if len(cards) == 0 {
		return []string{fmt.Sprintf("Нет доступных предложений из %s.", origin)}
	}

	header := fmt.Sprintf("🌍 Ежедневные предложения из %s (%s)\n\n", maps.City(origin), origin)
	var msgs []string
	for i := 0; i < len(cards); i += PageSize {
		end := min(i+PageSize, len(cards))
		msgs = append(msgs, header+strings.Join(cards[i:end], "\n\n"))
	}
	return msgs
}
