package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/platinummonkey/lexgate/pkg/httputil"
	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
)

// Limiter decides whether one more request for key fits in the current window
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Window() time.Duration
	Limit() int
}

// RateLimitConfig defines a fixed request budget per window
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// MutationRateLimitConfig returns the budget for admin writes
func MutationRateLimitConfig(perMinute int) RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: perMinute, WindowDuration: time.Minute}
}

// MemoryLimiter is a per-process token bucket limiter
type MemoryLimiter struct {
	config  RateLimitConfig
	clock   clockwork.Clock
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewMemoryLimiter creates an in-process limiter. A nil clock uses the real clock.
func NewMemoryLimiter(config RateLimitConfig, clock clockwork.Clock) *MemoryLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLimiter{
		config:  config,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from the bucket of key
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	max := float64(l.config.RequestsPerWindow)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: max, lastUpdate: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastUpdate)
	b.tokens += elapsed.Seconds() * max / l.config.WindowDuration.Seconds()
	if b.tokens > max {
		b.tokens = max
	}
	b.lastUpdate = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Cleanup drops buckets idle for more than two windows
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.config.WindowDuration*2 {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := l.clock.NewTicker(l.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *MemoryLimiter) Window() time.Duration { return l.config.WindowDuration }
func (l *MemoryLimiter) Limit() int            { return l.config.RequestsPerWindow }

// RedisLimiter shares a fixed-window counter across instances
type RedisLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

// Allow increments the window counter of key
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := time.Now().UnixNano() / int64(l.config.WindowDuration)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, window)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(l.config.RequestsPerWindow), nil
}

func (l *RedisLimiter) Window() time.Duration { return l.config.WindowDuration }
func (l *RedisLimiter) Limit() int            { return l.config.RequestsPerWindow }

// RateLimitMutations limits state-changing requests per caller. Reads pass
// through untouched. Limiter errors fail open.
func RateLimitMutations(limiter Limiter, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := "anonymous"
			if p, ok := PrincipalFrom(r.Context()); ok {
				key = callerKey(p)
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				observability.FromContext(r.Context(), logger).WithError(err).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(p rbac.Principal) string {
	id := p.LegacyUserID
	if id == "" {
		id = strings.ToLower(p.Email)
	}
	return fmt.Sprintf("%d:%s", p.InstitutionID, id)
}
