// Package ratelimit provides fixed-window counters backed by Redis. Counters
// are shared across instances and safe under concurrent hits on the same key.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/lumera/portalguard/internal/common/errors"
)

const keyPrefix = "portalguard:ratelimit:"

// Limiter counts hits per key within a fixed window
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a rate limiter
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{
		client: client,
		logger: logger.With(zap.String("component", "ratelimit")),
	}
}

// Hit atomically increments the key's counter and returns the new count. The
// window TTL is attached only when absent so concurrent hits never extend it.
func (l *Limiter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, keyPrefix+key)
	pipe.ExpireNX(ctx, keyPrefix+key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Count returns the current counter value without incrementing
func (l *Limiter) Count(ctx context.Context, key string) (int64, error) {
	count, err := l.client.Get(ctx, keyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// TooMany records a hit and reports whether the key is over its limit
func (l *Limiter) TooMany(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := l.Hit(ctx, key, window)
	if err != nil {
		return false, err
	}
	return count > int64(limit), nil
}

// Clear resets the key's counter
func (l *Limiter) Clear(ctx context.Context, key string) error {
	return l.client.Del(ctx, keyPrefix+key).Err()
}

// RetryAfter returns the seconds until the key's window resets
func (l *Limiter) RetryAfter(ctx context.Context, key string) (int, error) {
	ttl, err := l.client.TTL(ctx, keyPrefix+key).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, nil
	}
	return int(ttl.Seconds() + 0.5), nil
}

// Allow records a hit and returns a RateLimited error carrying a retry-after
// hint when the key is over its limit. Redis outages fail open: a broken
// limiter must not take logins down with it.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	tooMany, err := l.TooMany(ctx, key, limit, window)
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil
	}
	if !tooMany {
		return nil
	}

	retryAfter, err := l.RetryAfter(ctx, key)
	if err != nil || retryAfter <= 0 {
		retryAfter = int(window.Seconds())
	}
	return apperrors.RateLimited(retryAfter)
}

// LoginKey builds the counter key for login attempts from an IP
func LoginKey(ip string) string {
	return fmt.Sprintf("login:%s", ip)
}

// RequestKey builds the counter key for authenticated requests
func RequestKey(principalID, ip string) string {
	return fmt.Sprintf("request:%s:%s", principalID, ip)
}
