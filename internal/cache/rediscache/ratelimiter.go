package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter — fixed-window счётчик поверх Redis. Окно открывается первым
// INCR и живёт ровно window: TTL на последующих инкрементах не продлевается,
// иначе постоянный поток локаций держал бы счётчик вечно.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow возвращает (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	n, err := rl.c.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	if n == 1 {
		if err := rl.c.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, errors.Wrap(err, "redis ratelimit expire")
		}
	}
	return n <= limit, n, nil
}
