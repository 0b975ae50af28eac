package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicesafe/internal/observe"
	"github.com/MrWong99/voicesafe/internal/resilience"
)

var errDown = errors.New("connection refused")

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Allow(context.Context, string) (Decision, error) {
	s.calls++
	if s.err != nil {
		return Decision{}, s.err
	}
	return Decision{Allowed: true, Limit: 10, Remaining: 9, Store: StoreRedis}, nil
}

func newTestFallback(t *testing.T, primary Limiter) (*Fallback, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := NewFallback(primary, NewMemory(Config{Window: time.Minute, MaxRequests: 2}),
		resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		WithMetrics(m))
	return f, reader
}

func fallbackCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voicesafe.ratelimit.fallbacks" {
				continue
			}
			var total int64
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestFallback_PrimaryDecides(t *testing.T) {
	primary := &stubLimiter{}
	f, reader := newTestFallback(t, primary)

	d, err := f.Allow(context.Background(), "k")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Store != StoreRedis || !d.Allowed {
		t.Fatalf("decision = %+v, want allowed by redis", d)
	}
	if got := fallbackCount(t, reader); got != 0 {
		t.Errorf("fallbacks = %d, want 0", got)
	}
}

func TestFallback_FailingPrimaryUsesMemory(t *testing.T) {
	primary := &stubLimiter{err: errDown}
	f, reader := newTestFallback(t, primary)
	ctx := context.Background()

	for i := range 2 {
		d, err := f.Allow(ctx, "k")
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if d.Store != StoreMemory || !d.Allowed {
			t.Fatalf("decision %d = %+v, want allowed by memory", i, d)
		}
	}

	// Breaker is open now; the primary is skipped and memory enforces the limit.
	d, err := f.Allow(ctx, "k")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("third request allowed by %s, want refused by memory", d.Store)
	}
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want 2", primary.calls)
	}
	if s := f.Snapshot(); s.State != resilience.StateOpen || s.Name != StoreRedis {
		t.Errorf("Snapshot = %+v, want redis open", s)
	}
	if got := fallbackCount(t, reader); got != 3 {
		t.Errorf("fallbacks = %d, want 3", got)
	}
}

func TestFallback_CancellationDoesNotTrip(t *testing.T) {
	primary := &stubLimiter{err: context.Canceled}
	f, _ := newTestFallback(t, primary)

	for range 5 {
		_, _ = f.Allow(context.Background(), "k")
	}
	if s := f.Snapshot(); s.State != resilience.StateClosed {
		t.Fatalf("primary breaker = %v, want closed", s.State)
	}
}
