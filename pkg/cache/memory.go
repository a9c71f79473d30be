package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/platinummonkey/lexgate/pkg/observability"
)

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// MemoryCache is a bounded in-process LRU with lazy TTL expiry
type MemoryCache[V any] struct {
	lru   *lru.Cache[string, memoryEntry[V]]
	clock clockwork.Clock
	counters
}

// MemoryOption configures a MemoryCache
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	clock   clockwork.Clock
	metrics *observability.Metrics
}

// WithClock sets the clock used for expiry
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(o *memoryOptions) { o.clock = clock }
}

// WithMetrics mirrors hit/miss counters into Prometheus
func WithMetrics(metrics *observability.Metrics) MemoryOption {
	return func(o *memoryOptions) { o.metrics = metrics }
}

// NewMemoryCache creates a memory cache holding at most size entries
func NewMemoryCache[V any](name string, size int, opts ...MemoryOption) (*MemoryCache[V], error) {
	o := memoryOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if size < 1 {
		size = 1
	}

	l, err := lru.New[string, memoryEntry[V]](size)
	if err != nil {
		return nil, err
	}

	return &MemoryCache[V]{
		lru:      l,
		clock:    o.clock,
		counters: counters{name: name, metrics: o.metrics},
	}, nil
}

// Get returns the live value for key
func (c *MemoryCache[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	if key == "" {
		return zero, ErrInvalidCacheKey
	}

	entry, ok := c.lru.Get(key)
	if !ok {
		c.recordMiss()
		return zero, ErrCacheMiss
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		c.recordMiss()
		return zero, ErrCacheMiss
	}

	c.recordHit()
	return entry.value, nil
}

// Set stores v under key. A non-positive ttl uses DefaultTTL.
func (c *MemoryCache[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidCacheKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.lru.Add(key, memoryEntry[V]{value: v, expiresAt: c.clock.Now().Add(ttl)})
	return nil
}

// Invalidate removes key
func (c *MemoryCache[V]) Invalidate(ctx context.Context, key string) error {
	c.lru.Remove(key)
	c.recordInvalidation()
	return nil
}

// InvalidatePrefix removes every key with the given prefix
func (c *MemoryCache[V]) InvalidatePrefix(ctx context.Context, prefix string) error {
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
	c.recordInvalidation()
	return nil
}

// Stats returns cache statistics
func (c *MemoryCache[V]) Stats() Stats {
	return c.stats(int64(c.lru.Len()))
}

// Purge drops every entry
func (c *MemoryCache[V]) Purge() {
	c.lru.Purge()
}
