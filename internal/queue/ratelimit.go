package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter bounds how many turns one conversation may run per hour.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, chatHistoryID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("convod:ratelimit:%d:%s", chatHistoryID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// ConvoLock serializes turns against one conversation id. The engine itself
// performs no locking; whoever runs turns must hold this lock for the whole
// turn, because the system-message overwrite does not commute.
type ConvoLock struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewConvoLock(rdb *redis.Client, ttl time.Duration) *ConvoLock {
	return &ConvoLock{redis: rdb, ttl: ttl}
}

func (l *ConvoLock) Acquire(ctx context.Context, chatHistoryID int64) (bool, error) {
	key := fmt.Sprintf("convod:turnlock:%d", chatHistoryID)
	ok, err := l.redis.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("turn lock setnx: %w", err)
	}
	return ok, nil
}

func (l *ConvoLock) Release(ctx context.Context, chatHistoryID int64) error {
	key := fmt.Sprintf("convod:turnlock:%d", chatHistoryID)
	if err := l.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("turn lock del: %w", err)
	}
	return nil
}
