// Package storage handles persistence of watch rules and digest subscriptions.
package storage

import (
	"context"
	"errors"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// Storage errors shared by all backends.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a user already has an active rule for the direction.
	ErrDuplicate = errors.New("active rule already exists for this direction")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the full persistence surface used by the bot, the digest and the alert runner.
type Store interface {
	// AddRule stores a new active rule and returns its id.
	AddRule(ctx context.Context, rule *tracker.WatchRule) (int64, error)
	ListActiveRules(ctx context.Context) ([]*tracker.WatchRule, error)
	ListUserRules(ctx context.Context, userID int64, activeOnly bool) ([]*tracker.WatchRule, error)
	UpdateBaseline(ctx context.Context, ruleID int64, price float64) error
	DeactivateRule(ctx context.Context, ruleID int64) error
	// DisableRule deactivates a rule only if userID owns it.
	DisableRule(ctx context.Context, ruleID, userID int64) (bool, error)
	RuleExists(ctx context.Context, userID int64, origin, destination string) (bool, error)

	// AddSubscription stores a new enabled subscription and returns its id.
	AddSubscription(ctx context.Context, sub *tracker.Subscription) (int64, error)
	// DisableSubscriptions disables every enabled subscription of userID.
	DisableSubscriptions(ctx context.Context, userID int64) (int, error)
	ListActiveSubscriptions(ctx context.Context) ([]*tracker.Subscription, error)
}

func validateRule(rule *tracker.WatchRule) error {
	if rule == nil || rule.Origin == "" || rule.Destination == "" {
		return ErrInvalidInput
	}
	return nil
}

func validateSubscription(sub *tracker.Subscription) error {
	if sub == nil || sub.Origin == "" || sub.Hour < 0 || sub.Hour > 23 || sub.Minute < 0 || sub.Minute > 59 {
		return ErrInvalidInput
	}
	return nil
}

func cloneRule(r *tracker.WatchRule) *tracker.WatchRule {
	c := *r
	if r.TargetPrice != nil {
		v := *r.TargetPrice
		c.TargetPrice = &v
	}
	if r.LastPrice != nil {
		v := *r.LastPrice
		c.LastPrice = &v
	}
	return &c
}
