package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// expireSlack keeps a bucket alive a little past its window so a request
// landing on the boundary never recreates a just-expired key.
const expireSlack = 2 * time.Second

// fixedWindow increments the bucket and arms its expiry on first use.
// Returns the new count.
var fixedWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Redis is a fixed-window limiter shared by every replica that points at
// the same server. Buckets are keyed by prefix, client key and window
// index, so they roll over on window boundaries.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
}

// NewRedis returns a limiter on client. The caller owns client unless it
// calls [Redis.Close].
func NewRedis(client redis.UniversalClient, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg.withDefaults(), now: time.Now}
}

// DialRedis parses url (redis://[user:pass@]host:port/db) and returns a
// limiter with its own client. It does not contact the server; use
// [Redis.Ping] for that.
func DialRedis(url string, cfg Config) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), cfg), nil
}

// Allow implements [Limiter].
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	window := r.cfg.Window
	bucket := now.UnixNano() / int64(window)
	bucketKey := r.cfg.KeyPrefix + key + ":" + strconv.FormatInt(bucket, 10)

	n, err := fixedWindow.Run(ctx, r.client, []string{bucketKey}, (window + expireSlack).Milliseconds()).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	limit := int64(r.cfg.MaxRequests)
	d := Decision{
		Allowed: n <= limit,
		Limit:   r.cfg.MaxRequests,
		ResetIn: time.Duration((bucket+1)*int64(window) - now.UnixNano()),
		Store:   StoreRedis,
	}
	if d.Allowed {
		d.Remaining = int(limit - n)
	}
	return d, nil
}

// Ping checks the connection to the server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
