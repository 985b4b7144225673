package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rate_limit:"

// RedisLimiter is a fixed-window limiter over a shared Redis backend, so
// the budget holds across a load-balanced cluster. INCR plus a
// first-increment EXPIRE runs in a pipeline; the window key expires with
// the window.
type RedisLimiter struct {
	client *redis.Client
	limit  Limit
}

func NewRedisLimiter(client *redis.Client, limit Limit) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := redisKeyPrefix + key

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.ExpireNX(ctx, windowKey, l.limit.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return incr.Val() <= int64(l.limit.Requests), nil
}

var _ Limiter = (*RedisLimiter)(nil)
