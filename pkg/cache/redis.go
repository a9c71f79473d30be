package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/lexgate/pkg/observability"
)

// RedisCache stores JSON-encoded values in Redis so several replicas share one cache
type RedisCache[V any] struct {
	client    *redis.Client
	keyPrefix string
	counters
}

// NewRedisClient connects to Redis from a URL and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a cache named name whose keys live under keyPrefix+name+":"
func NewRedisCache[V any](client *redis.Client, keyPrefix, name string, metrics *observability.Metrics) *RedisCache[V] {
	return &RedisCache[V]{
		client:    client,
		keyPrefix: keyPrefix + name + ":",
		counters:  counters{name: name, metrics: metrics},
	}
}

// Get returns the value for key
func (c *RedisCache[V]) Get(ctx context.Context, key string) (V, error) {
	var v V
	if key == "" {
		return v, ErrInvalidCacheKey
	}

	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recordMiss()
		return v, ErrCacheMiss
	}
	if err != nil {
		return v, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	if err := json.Unmarshal(data, &v); err != nil {
		// a value written by an older schema is treated as absent
		c.recordMiss()
		return v, ErrCacheMiss
	}

	c.recordHit()
	return v, nil
}

// Set stores v under key for ttl
func (c *RedisCache[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidCacheKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Invalidate removes key
func (c *RedisCache[V]) Invalidate(ctx context.Context, key string) error {
	c.recordInvalidation()
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidatePrefix removes every key with the given prefix using SCAN
func (c *RedisCache[V]) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.recordInvalidation()

	iter := c.client.Scan(ctx, 0, c.keyPrefix+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Stats returns hit/miss counters. ItemCount is not tracked for Redis.
func (c *RedisCache[V]) Stats() Stats {
	return c.stats(0)
}
