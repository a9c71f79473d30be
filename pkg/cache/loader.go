package cache

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/lexgate/pkg/observability"
	"golang.org/x/sync/singleflight"
)

// Loader wraps a Cache with single-flight loading so concurrent misses for the
// same key trigger one load.
//
// Invalidations bump a generation counter. A load that started before an
// invalidation returns its value to its callers but does not store it, and
// calls made after the invalidation start a fresh load.
type Loader[V any] struct {
	cache  Cache[V]
	ttl    time.Duration
	group  singleflight.Group
	gen    atomic.Uint64
	logger *observability.Logger
}

// NewLoader creates a loader over cache using ttl for stored values
func NewLoader[V any](cache Cache[V], ttl time.Duration, logger *observability.Logger) *Loader[V] {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Loader[V]{cache: cache, ttl: ttl, logger: logger}
}

// GetOrLoad returns the cached value for key, or calls load and caches its result.
// Load errors are returned and never cached. Cache failures are logged and bypassed.
func (l *Loader[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	v, err := l.cache.Get(ctx, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l.logger.WithError(err).WithField("key", key).Warn("cache read failed, loading from source")
	}

	gen := l.gen.Load()
	res, err, _ := l.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		loaded, err := load(ctx)
		if err != nil {
			return loaded, err
		}
		if l.gen.Load() != gen {
			l.logger.WithField("key", key).Debug("invalidated during load, result not cached")
			return loaded, nil
		}
		if setErr := l.cache.Set(ctx, key, loaded, l.ttl); setErr != nil {
			l.logger.WithError(setErr).WithField("key", key).Warn("cache write failed")
		}
		return loaded, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Invalidate removes key
func (l *Loader[V]) Invalidate(ctx context.Context, key string) error {
	l.gen.Add(1)
	return l.cache.Invalidate(ctx, key)
}

// InvalidatePrefix removes every key with the given prefix
func (l *Loader[V]) InvalidatePrefix(ctx context.Context, prefix string) error {
	l.gen.Add(1)
	return l.cache.InvalidatePrefix(ctx, prefix)
}

// Cache returns the underlying cache
func (l *Loader[V]) Cache() Cache[V] {
	return l.cache
}
