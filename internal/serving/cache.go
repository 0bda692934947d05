// Prediction cache: bounded TTL cache keyed by input fingerprint. Two
// backends mirror the usual L1/L2 split: an
// in-process LRU and a Redis-backed cache for multi-replica deployments.
package serving

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheEntry is the cached outcome of one prediction.
type CacheEntry struct {
	Prediction   float64   `json:"prediction"`
	Confidence   float64   `json:"confidence"`
	ModelVersion int64     `json:"model_version"`
	CachedAt     time.Time `json:"cached_at"`
}

// Cache is safe for concurrent use. Get misses on expired entries; Set may
// evict to stay within capacity.
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	Set(ctx context.Context, key string, entry *CacheEntry)
	Close() error
}

// lruCache is the in-memory backend: LRU eviction at capacity, per-entry
// TTL checked on read.
type lruCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = most recent
	items    map[string]*list.Element
}

type lruItem struct {
	key       string
	entry     *CacheEntry
	expiresAt time.Time
}

// NewMemoryCache creates the in-process LRU cache.
func NewMemoryCache(capacity int, ttl time.Duration) Cache {
	return &lruCache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) Get(_ context.Context, key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*lruItem)
	if time.Now().After(item.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.entry, true
}

func (c *lruCache) Set(_ context.Context, key string, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		item := el.Value.(*lruItem)
		item.entry = entry
		item.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruItem{key: key, entry: entry, expiresAt: time.Now().Add(c.ttl)})
	c.items[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruItem).key)
	}
}

func (c *lruCache) Close() error { return nil }

// redisCache is the distributed backend. Redis trouble is treated as a
// cache miss: prediction serving takes priority over cache completeness.
type redisCache struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *zap.SugaredLogger
}

// NewRedisCache creates the Redis-backed cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) Cache {
	return &redisCache{
		client:    client,
		ttl:       ttl,
		keyPrefix: "modelflow:predictions:",
		logger:    logger,
	}
}

func (c *redisCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warnw("Redis cache read failed", "error", err)
		}
		return nil, false
	}
	var entry CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.Warnw("Corrupt cache entry dropped", "key", key, "error", err)
		return nil, false
	}
	return &entry, true
}

func (c *redisCache) Set(ctx context.Context, key string, entry *CacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warnw("Redis cache write failed", "error", err)
	}
}

func (c *redisCache) Close() error { return c.client.Close() }
