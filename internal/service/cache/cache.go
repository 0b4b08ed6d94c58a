// Package cache memoises engine results in Redis, keyed by the request and
// the identity of the stream file it ran over.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/citescore/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/resilience"
)

const keyPrefix = "citescore:"

// Store is the byte-level backend; *pkgredis.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) (int64, error)
}

// Cache degrades to a pass-through when the store misbehaves: errors are
// logged, never returned, and a breaker stops calling a dead store.
type Cache struct {
	store   Store
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New accepts a nil m.
func New(store Store, ttl time.Duration, m *metrics.Metrics) *Cache {
	c := &Cache{
		store:   store,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "result-cache"),
	}
	c.breaker = resilience.NewCircuitBreaker("redis-cache", resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     15 * time.Second,
		OnStateChange: func(name string, to resilience.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return c
}

// Key derives the cache key for one run. The source's size and modification
// time are part of it, so rewriting a stream file retires its entries.
func Key(kind string, src os.FileInfo, request any) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("encoding cache key: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|", kind, src.Name(), src.Size(), src.ModTime().UnixNano())
	h.Write(body)
	return fmt.Sprintf("%s%s:%x", keyPrefix, kind, h.Sum(nil)[:16]), nil
}

func (c *Cache) get(ctx context.Context, key string, dst any) bool {
	var data []byte
	err := c.breaker.Execute(func() error {
		var err error
		data, err = c.store.Get(ctx, key)
		if errors.Is(err, pkgredis.ErrMiss) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
	}
	if err != nil || data == nil {
		c.miss()
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		return c.store.Set(ctx, key, data, c.ttl)
	})
	if err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// GetOrCompute returns the cached value for key or runs compute once per key
// across concurrent callers and stores its result. Failed computations are
// not cached.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, compute func() (T, error)) (T, bool, error) {
	var cached T
	if c.get(ctx, key, &cached) {
		return cached, true, nil
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		result, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, result)
		return result, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return val.(T), false, nil
}

// Invalidate drops every cached result.
func (c *Cache) Invalidate(ctx context.Context) (int64, error) {
	var deleted int64
	err := c.breaker.Execute(func() error {
		var err error
		deleted, err = c.store.DeletePattern(ctx, keyPrefix+"*")
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return deleted, nil
}

func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// BreakerState reports the store circuit breaker's state.
func (c *Cache) BreakerState() resilience.State {
	return c.breaker.State()
}
