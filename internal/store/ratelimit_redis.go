// ratelimit_redis.go -- fixed-window counters for the rate limiter.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter stores fixed-window counters in Redis.
// Window expiry is delegated to key TTLs; counters are never deleted explicitly.
type RedisRateLimiter struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedisRateLimiter returns a counter store on a shared client.
func NewRedisRateLimiter(rdb *redis.Client, timeout time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, timeout: timeout}
}

// incrWindowScript increments the window counter and sets its TTL on the first hit only,
// so later hits never extend the window.
// KEYS[1] = window key, ARGV[1] = ttl in milliseconds.
var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// IncrementWindow atomically increments the counter at key and returns the post-increment value.
func (s *RedisRateLimiter) IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("incrementing window %s: ttl must be positive", key)
	}
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	n, err := incrWindowScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing window %s: %w", key, err)
	}
	return n, nil
}
