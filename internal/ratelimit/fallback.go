package ratelimit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/voicesafe/internal/observe"
	"github.com/MrWong99/voicesafe/internal/resilience"
)

// Fallback asks the primary limiter first and the in-memory limiter when
// the primary fails or its breaker is open. Context cancellation does not
// count against the breaker.
type Fallback struct {
	group   *resilience.FallbackGroup[Limiter]
	metrics *observe.Metrics
}

// FallbackOption configures a [Fallback].
type FallbackOption func(*Fallback)

// WithMetrics records fallback decisions on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) FallbackOption {
	return func(f *Fallback) { f.metrics = m }
}

// NewFallback returns a limiter that prefers primary (normally [Redis]) and
// falls back to secondary (normally [Memory]).
func NewFallback(primary, secondary Limiter, breaker resilience.CircuitBreakerConfig, opts ...FallbackOption) *Fallback {
	breaker.IsFailure = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	fg := resilience.NewFallbackGroup(primary, StoreRedis, resilience.FallbackConfig{CircuitBreaker: breaker})
	fg.AddFallback(StoreMemory, secondary)

	f := &Fallback{group: fg}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// Allow implements [Limiter].
func (f *Fallback) Allow(ctx context.Context, key string) (Decision, error) {
	d, err := resilience.ExecuteWithResult(f.group, func(l Limiter) (Decision, error) {
		return l.Allow(ctx, key)
	})
	if err != nil {
		return Decision{}, err
	}
	if d.Store == StoreMemory {
		f.metrics.RateLimitFallbacks.Add(ctx, 1)
		slog.Debug("rate limit decided in memory", "key", key)
	}
	return d, nil
}

// Breakers returns the breaker snapshots of the primary and fallback.
func (f *Fallback) Breakers() []resilience.Snapshot {
	return f.group.Breakers()
}

// Snapshot returns the primary store's breaker snapshot, so a readiness
// check can report when decisions have moved to memory.
func (f *Fallback) Snapshot() resilience.Snapshot {
	return f.group.Breakers()[0]
}
