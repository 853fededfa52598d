package search

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/scraper"
)

// ShareCache holds scraper output for a short window so that concurrent
// requests for the same content on *different* debrid services reuse one
// scraper fanout instead of hitting the indexers again.
type ShareCache interface {
	Get(ctx context.Context, key string) ([]scraper.Candidate, bool)
	Set(ctx context.Context, key string, candidates []scraper.Candidate)
	// Sweep removes expired entries and, if the cache is still over cap,
	// evicts the oldest entries. Backends that expire on their own may
	// implement this as a no-op.
	Sweep()
	Close() error
}

var _ ShareCache = (*goCacheShareCache)(nil)

type goCacheShareCache struct {
	cache      *gocache.Cache
	maxEntries int
}

// NewGoCacheShareCache creates an in-memory share cache.
// We deactivate go-cache's own janitor and do the sweeping ourselves so the
// size cap and the expiry run in one pass.
func NewGoCacheShareCache(ttl time.Duration, maxEntries int) ShareCache {
	return &goCacheShareCache{
		cache:      gocache.New(ttl, 0),
		maxEntries: maxEntries,
	}
}

func (c *goCacheShareCache) Get(_ context.Context, key string) ([]scraper.Candidate, bool) {
	entry, found := c.cache.Get(key)
	if !found {
		return nil, false
	}
	candidates, ok := entry.([]scraper.Candidate)
	if !ok {
		return nil, false
	}
	return candidates, true
}

func (c *goCacheShareCache) Set(_ context.Context, key string, candidates []scraper.Candidate) {
	c.cache.SetDefault(key, candidates)
}

func (c *goCacheShareCache) Sweep() {
	c.cache.DeleteExpired()
	items := c.cache.Items()
	if len(items) <= c.maxEntries {
		return
	}
	type keyedExpiration struct {
		key        string
		expiration int64
	}
	sorted := make([]keyedExpiration, 0, len(items))
	for key, item := range items {
		sorted = append(sorted, keyedExpiration{key: key, expiration: item.Expiration})
	}
	// Entries all share one TTL, so the earliest expiration is the oldest write.
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].expiration < sorted[j].expiration
	})
	for _, entry := range sorted[:len(sorted)-c.maxEntries] {
		c.cache.Delete(entry.key)
	}
}

func (c *goCacheShareCache) Close() error {
	c.cache.Flush()
	return nil
}

var _ ShareCache = (*redisShareCache)(nil)

type redisShareCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisShareCache creates a Redis-backed share cache for multi-instance
// deployments. Redis expires entries itself, so Sweep is a no-op and no size
// cap is enforced here.
func NewRedisShareCache(ctx context.Context, redisAddr string, ttl time.Duration, logger *zap.Logger) (ShareCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Couldn't ping Redis: %v", err)
	}
	return &redisShareCache{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}, nil
}

func (c *redisShareCache) Get(ctx context.Context, key string) ([]scraper.Candidate, bool) {
	data, err := c.rdb.Get(ctx, "share:"+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Error("Couldn't get share cache entry from Redis", zap.Error(err), zap.String("key", key))
		}
		return nil, false
	}
	var candidates []scraper.Candidate
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&candidates); err != nil {
		c.logger.Error("Couldn't decode share cache entry", zap.Error(err), zap.String("key", key))
		return nil, false
	}
	return candidates, true
}

func (c *redisShareCache) Set(ctx context.Context, key string, candidates []scraper.Candidate) {
	buf := bytes.Buffer{}
	if err := gob.NewEncoder(&buf).Encode(candidates); err != nil {
		c.logger.Error("Couldn't encode share cache entry", zap.Error(err), zap.String("key", key))
		return
	}
	if err := c.rdb.Set(ctx, "share:"+key, buf.Bytes(), c.ttl).Err(); err != nil {
		c.logger.Error("Couldn't set share cache entry in Redis", zap.Error(err), zap.String("key", key))
	}
}

func (c *redisShareCache) Sweep() {}

func (c *redisShareCache) Close() error {
	return c.rdb.Close()
}
