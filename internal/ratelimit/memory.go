package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sliding-window limiter. Each key keeps the
// timestamps of its requests inside the last window. It is safe for
// concurrent use; its state is lost on restart and not shared between
// replicas.
type Memory struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

// MemoryOption configures a [Memory] limiter.
type MemoryOption func(*Memory)

// WithClock replaces [time.Now]. Tests use it to step through windows.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty [Memory] limiter.
func NewMemory(cfg Config, opts ...MemoryOption) *Memory {
	m := &Memory{
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		hits: make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	m.lastSweep = m.now()
	return m
}

// Allow implements [Limiter]. It never fails.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= m.cfg.Window {
		m.sweep(cutoff)
		m.lastSweep = now
	}

	hits := prune(m.hits[key], cutoff)
	d := Decision{Limit: m.cfg.MaxRequests, Store: StoreMemory}
	if len(hits) < m.cfg.MaxRequests {
		hits = append(hits, now)
		d.Allowed = true
		d.Remaining = m.cfg.MaxRequests - len(hits)
	}
	m.hits[key] = hits
	d.ResetIn = hits[0].Add(m.cfg.Window).Sub(now)
	return d, nil
}

// Len returns the number of keys currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hits)
}

// sweep drops keys with no request after cutoff. m.mu must be held.
func (m *Memory) sweep(cutoff time.Time) {
	for k, hits := range m.hits {
		if len(prune(hits, cutoff)) == 0 {
			delete(m.hits, k)
		}
	}
}

// prune drops the timestamps at or before cutoff. hits is ordered.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
