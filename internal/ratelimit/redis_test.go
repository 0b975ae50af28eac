package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestRedis connects to VOICESAFE_TEST_REDIS_URL and skips the test when
// it is unset or unreachable.
func newTestRedis(t *testing.T, cfg Config) *Redis {
	t.Helper()
	url := os.Getenv("VOICESAFE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VOICESAFE_TEST_REDIS_URL not set")
	}
	cfg.KeyPrefix = "voicesafe:test:" + uuid.NewString() + ":"
	r, err := DialRedis(url, cfg)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return r
}

func TestDialRedis_BadURL(t *testing.T) {
	if _, err := DialRedis("http://not-redis", Config{}); err == nil {
		t.Fatal("expected error for non-redis URL")
	}
}

func TestRedis_FixedWindow(t *testing.T) {
	r := newTestRedis(t, Config{Window: time.Minute, MaxRequests: 2})
	// Pin the clock mid-window so the bucket cannot roll over mid-test.
	base := time.Now().Truncate(time.Minute).Add(10 * time.Second)
	r.now = func() time.Time { return base }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		d, err := r.Allow(ctx, "client")
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if d.Allowed != want {
			t.Fatalf("request %d Allowed = %v, want %v", i+1, d.Allowed, want)
		}
		if d.Store != StoreRedis {
			t.Errorf("Store = %q", d.Store)
		}
		if d.ResetIn != 50*time.Second {
			t.Errorf("ResetIn = %v, want 50s", d.ResetIn)
		}
	}

	// Next window starts a fresh bucket.
	r.now = func() time.Time { return base.Add(time.Minute) }
	d, err := r.Allow(ctx, "client")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("new window = %+v, want allowed with 1 remaining", d)
	}
}
