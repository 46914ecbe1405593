package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// Memory is an in-memory Store for tests and local development.
type Memory struct {
	rules    map[int64]*tracker.WatchRule
	subs     map[int64]*tracker.Subscription
	now      func() time.Time
	nextRule int64
	nextSub  int64
	mu       sync.RWMutex
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// NewMemory creates a new in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rules: make(map[int64]*tracker.WatchRule),
		subs:  make(map[int64]*tracker.Subscription),
		now:   time.Now,
	}
}

// AddRule stores a copy of rule. Returns ErrDuplicate if an active rule exists for the direction.
func (m *Memory) AddRule(_ context.Context, rule *tracker.WatchRule) (int64, error) {
	if err := validateRule(rule); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rules {
		if r.Active && r.UserID == rule.UserID && r.Origin == rule.Origin && r.Destination == rule.Destination {
			return 0, ErrDuplicate
		}
	}

	m.nextRule++
	c := cloneRule(rule)
	c.ID = m.nextRule
	c.Active = true
	c.CreatedAt = m.now().UTC()
	m.rules[c.ID] = c
	return c.ID, nil
}

// ListActiveRules returns all active rules ordered by id.
func (m *Memory) ListActiveRules(_ context.Context) ([]*tracker.WatchRule, error) {
	return m.selectRules(func(r *tracker.WatchRule) bool { return r.Active }), nil
}

// ListUserRules returns the rules of one user ordered by id.
func (m *Memory) ListUserRules(_ context.Context, userID int64, activeOnly bool) ([]*tracker.WatchRule, error) {
	return m.selectRules(func(r *tracker.WatchRule) bool {
		return r.UserID == userID && (r.Active || !activeOnly)
	}), nil
}

func (m *Memory) selectRules(keep func(*tracker.WatchRule) bool) []*tracker.WatchRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*tracker.WatchRule
	for _, r := range m.rules {
		if keep(r) {
			out = append(out, cloneRule(r))
		}
	}
	slices.SortFunc(out, func(a, b *tracker.WatchRule) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// UpdateBaseline sets the last observed price of a rule.
func (m *Memory) UpdateBaseline(_ context.Context, ruleID int64, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	r.LastPrice = &price
	return nil
}

// DeactivateRule soft-deletes a rule.
func (m *Memory) DeactivateRule(_ context.Context, ruleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	r.Active = false
	return nil
}

// DisableRule soft-deletes a rule owned by userID.
func (m *Memory) DisableRule(_ context.Context, ruleID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[ruleID]
	if !ok || r.UserID != userID {
		return false, nil
	}
	r.Active = false
	return true, nil
}

// RuleExists reports whether the user has an active rule for the direction.
func (m *Memory) RuleExists(_ context.Context, userID int64, origin, destination string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if r.Active && r.UserID == userID && r.Origin == origin && r.Destination == destination {
			return true, nil
		}
	}
	return false, nil
}

// AddSubscription stores a copy of sub as enabled.
func (m *Memory) AddSubscription(_ context.Context, sub *tracker.Subscription) (int64, error) {
	if err := validateSubscription(sub); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSub++
	c := *sub
	c.ID = m.nextSub
	c.Enabled = true
	c.CreatedAt = m.now().UTC()
	m.subs[c.ID] = &c
	return c.ID, nil
}

// DisableSubscriptions disables all enabled subscriptions of a user.
func (m *Memory) DisableSubscriptions(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.subs {
		if s.Enabled && s.UserID == userID {
			s.Enabled = false
			n++
		}
	}
	return n, nil
}

// ListActiveSubscriptions returns enabled subscriptions ordered by id.
func (m *Memory) ListActiveSubscriptions(_ context.Context) ([]*tracker.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*tracker.Subscription
	for _, s := range m.subs {
		if s.Enabled {
			c := *s
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *tracker.Subscription) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
