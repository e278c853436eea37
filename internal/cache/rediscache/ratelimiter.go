package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter считает события в фиксированном окне. Используется для
// ограничения повторных отправок OTP по одной доставке.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow инкрементит счётчик по ключу; TTL выставляется только когда счётчик
// только что создан, иначе окно ползло бы с каждым вызовом.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	n, err := l.c.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit incr")
	}
	if n == 1 {
		if err := l.c.Expire(ctx, key, window).Err(); err != nil {
			return false, n, errors.Wrap(err, "redis ratelimit expire")
		}
	}
	return n <= limit, n, nil
}

func (l *RateLimiter) Close() error {
	return l.c.Close()
}
