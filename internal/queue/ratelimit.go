package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// rateScript admits a start or returns the milliseconds until the oldest
// entry leaves the rolling window. Check and insert run atomically so
// concurrent workers cannot overshoot the limit.
var rateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window * 2)
  return -1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return math.max(1, (tonumber(oldest[2]) + window) - now)
`)

const minThrottleWait = 50 * time.Millisecond

// rateLimiter caps how many jobs may start inside a rolling window, shared
// across worker processes through a Redis sorted set of start timestamps.
type rateLimiter struct {
	rdb    *redis.Client
	key    string
	limit  int
	window time.Duration
}

func newRateLimiter(rdb *redis.Client, key string, limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{rdb: rdb, key: key, limit: limit, window: window}
}

// Acquire blocks until a start slot is available or the context ends.
func (l *rateLimiter) Acquire(ctx context.Context) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	for {
		res, err := rateScript.Run(ctx, l.rdb, []string{l.key},
			time.Now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString()).Int64()
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}
		if res < 0 {
			return nil
		}
		wait := time.Duration(res) * time.Millisecond
		if wait < minThrottleWait {
			wait = minThrottleWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
