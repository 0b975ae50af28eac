// Package ratelimit implements the per-client request limit in front of
// the analysis endpoint.
//
// The shared store is a Redis fixed window ([Redis]). When Redis is not
// configured, or while it is failing, decisions come from an in-process
// sliding window ([Memory]). [Fallback] combines the two behind circuit
// breakers.
package ratelimit

import (
	"context"
	"time"
)

// Store names reported in [Decision.Store].
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Decision is the outcome of one [Limiter.Allow] call.
type Decision struct {
	Allowed bool

	// Limit is the number of requests allowed per window.
	Limit int

	// Remaining is how many more requests the key may make in the current
	// window. Zero when the request was refused.
	Remaining int

	// ResetIn is the time until the window admits the key again.
	ResetIn time.Duration

	// Store names the limiter that took the decision.
	Store string
}

// Limiter decides whether a client key may make another request.
type Limiter interface {
	// Allow records one request for key and reports whether it is within
	// the limit. An error means the decision could not be taken at all.
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config holds the limit shared by all stores.
type Config struct {
	Window      time.Duration
	MaxRequests int

	// KeyPrefix namespaces Redis keys. Ignored by [Memory].
	KeyPrefix string
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 30
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "voicesafe:rl:"
	}
	return c
}
