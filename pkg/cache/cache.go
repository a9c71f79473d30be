package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/lexgate/pkg/observability"
)

// DefaultTTL is the lifetime of cached identity and status entries
const DefaultTTL = 10 * time.Minute

// Cache is a keyed store with per-entry TTL and explicit invalidation.
// Implementations are safe for concurrent use.
type Cache[V any] interface {
	// Get returns the value for key or ErrCacheMiss
	Get(ctx context.Context, key string) (V, error)
	// Set stores v under key for ttl
	Set(ctx context.Context, key string, v V, ttl time.Duration) error
	// Invalidate removes key
	Invalidate(ctx context.Context, key string) error
	// InvalidatePrefix removes every key starting with prefix
	InvalidatePrefix(ctx context.Context, prefix string) error
	// Stats returns hit/miss counters
	Stats() Stats
}

// Stats holds cache statistics
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	ItemCount int64   `json:"item_count"`
	HitRate   float64 `json:"hit_rate"`
}

// counters tracks hits and misses and mirrors them to Prometheus when configured
type counters struct {
	name    string
	metrics *observability.Metrics
	hits    atomic.Int64
	misses  atomic.Int64
}

func (c *counters) recordHit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	}
}

func (c *counters) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
	}
}

func (c *counters) recordInvalidation() {
	if c.metrics != nil {
		c.metrics.CacheInvalidationsTotal.WithLabelValues(c.name).Inc()
	}
}

func (c *counters) stats(items int64) Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: items,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
