// Package ratelimit provides a fixed-window request limiter keyed by a
// client identifier. It is a courtesy throttle, not a security boundary;
// losing counters on restart is acceptable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eacon/tokenpay/internal/infrastructure/redis"
)

type Limiter interface {
	// Allow reports whether the request identified by key may proceed
	// within the current window.
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter counts requests in Redis so the window is shared across
// instances.
type RedisLimiter struct {
	client redis.RedisClient
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client redis.RedisClient, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(l.window.Seconds()))
	count, err := l.client.Incr(ctx, bucket)
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, bucket, l.window); err != nil {
			slog.Error("failed to set rate limit expiry", "key", bucket, "error", err)
		}
	}
	return count <= l.limit, nil
}

// MemoryLimiter keeps counters in process memory. Suitable only for
// single-instance and dev deployments; a multi-instance deployment must use
// RedisLimiter so all instances share one window.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	epoch  int64
	limit  int
	window time.Duration
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		counts: make(map[string]int),
		limit:  limit,
		window: window,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now().Unix() / int64(l.window.Seconds())

	l.mu.Lock()
	defer l.mu.Unlock()

	if now != l.epoch {
		l.epoch = now
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit, nil
}
