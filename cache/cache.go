// Package cache provides small TTL caches backed by process memory or Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache stores JSON-encoded values with a time to live.
type Cache interface {
	// Get decodes the cached value into dst. Returns ErrMiss when absent.
	Get(ctx context.Context, key string, dst any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetOrRefresh returns the cached value for key, calling load and caching its
// result when the key is missing or expired. A failing cache backend does not
// fail the call; load is used directly.
func GetOrRefresh[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var v T
	err := c.Get(ctx, key, &v)
	if err == nil {
		return v, nil
	}

	v, err = load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	// Best effort: the value is still returned when caching fails.
	_ = c.Set(ctx, key, v, ttl)
	return v, nil
}

type entry struct {
	expires time.Time
	data    []byte
}

// Memory is an in-process Cache.
type Memory struct {
	entries map[string]entry
	now     func() time.Time
	mu      sync.Mutex
}

// Compile-time interface check.
var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get decodes a live entry into dst.
func (m *Memory) Get(_ context.Context, key string, dst any) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return ErrMiss
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

// Set stores value until ttl elapses.
func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{data: data, expires: m.now().Add(ttl)}
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
