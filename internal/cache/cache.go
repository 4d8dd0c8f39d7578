// Package cache wraps the Redis operations shared by the identification
// pipeline and the catalog enricher.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/logging"
)

// Cache abstracts the Redis operations used by callers to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// IsMiss reports whether err means the key does not exist.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Retrying retries transient failures of the wrapped cache with exponential backoff.
type Retrying struct {
	next           Cache
	logger         *zap.Logger
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRetrying wraps next with the default retry policy.
func NewRetrying(next Cache, logger *zap.Logger) *Retrying {
	return &Retrying{
		next:           next,
		logger:         logger.Named("cache"),
		attempts:       3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Set writes through to the wrapped cache.
func (r *Retrying) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.do(ctx, "cache.set", key, func() error {
		return r.next.Set(ctx, key, value, expiration)
	})
}

// Get reads from the wrapped cache. A miss is returned immediately, unwrapped.
func (r *Retrying) Get(ctx context.Context, key string) (string, error) {
	var result string
	err := r.do(ctx, "cache.get", key, func() error {
		value, err := r.next.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (r *Retrying) do(ctx context.Context, operation, key string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := r.logger.With(zap.String("operation", operation), zap.String("key", key))

	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if IsMiss(err) {
			return err
		}
		if !IsTransient(err) || attempt == r.attempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, "", err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
