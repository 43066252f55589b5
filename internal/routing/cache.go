package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Cache stores successful lookups keyed by the exact coordinate pair.
type Cache interface {
	Get(ctx context.Context, from, to models.Coord) (Route, bool)
	Set(ctx context.Context, from, to models.Coord, r Route)
}

// Cached consults Cache before the wrapped Oracle. Misses are never cached.
// Each cache call is bounded by Timeout (DefaultTimeout when zero).
type Cached struct {
	Oracle  Oracle
	Cache   Cache
	Timeout time.Duration
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Route, bool) {
	if r, ok := c.get(ctx, from, to); ok {
		return r, true
	}
	r, ok := c.Oracle.Route(ctx, from, to)
	if ok {
		c.set(ctx, from, to, r)
	}
	return r, ok
}

func (c *Cached) get(ctx context.Context, from, to models.Coord) (Route, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	return c.Cache.Get(ctx, from, to)
}

func (c *Cached) set(ctx context.Context, from, to models.Coord, r Route) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	c.Cache.Set(ctx, from, to, r)
}

func (c *Cached) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.r, true
}

func (c *MemoryCache) Set(_ context.Context, a, b models.Coord, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: c.now()}
	c.mu.Unlock()
}

// RedisCache shares lookups between server replicas.
// Failures degrade to a miss and are logged at debug level.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: loggerOrDefault(logger)}
}

func (c *RedisCache) Get(ctx context.Context, a, b models.Coord) (Route, bool) {
	key := routeKey(a, b)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("route cache read failed", "key", key, "error", err)
		}
		return Route{}, false
	}
	var r Route
	if err := json.Unmarshal(raw, &r); err != nil {
		return Route{}, false
	}
	return r, true
}

func (c *RedisCache) Set(ctx context.Context, a, b models.Coord, r Route) {
	key := routeKey(a, b)
	raw, err := json.Marshal(r)
	if err != nil {
		c.logger.Debug("route cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Debug("route cache write failed", "key", key, "error", err)
	}
}

func routeKey(a, b models.Coord) string { return "route:" + keyFor(a, b) }
