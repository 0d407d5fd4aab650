package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type backend interface {
	FetchCollection(ctx context.Context, userID, key string) (string, bool, error)
	PutCollection(ctx context.Context, userID, key, raw string, updatedAt time.Time) error
}

// Cache wraps a remote backend with Redis-backed caching for reads.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchCollection(ctx context.Context, userID, key string) (string, bool, error) {
	if raw, ok := c.load(ctx, userID, key); ok {
		return raw, true, nil
	}

	raw, found, err := c.base.FetchCollection(ctx, userID, key)
	if err != nil {
		return "", false, err
	}
	if found {
		c.store(ctx, userID, key, raw)
	}
	return raw, found, nil
}

func (c *Cache) PutCollection(ctx context.Context, userID, key, raw string, updatedAt time.Time) error {
	if err := c.base.PutCollection(ctx, userID, key, raw, updatedAt); err != nil {
		return err
	}
	c.evict(ctx, userID, key)
	return nil
}

func (c *Cache) load(ctx context.Context, userID, key string) (string, bool) {
	if c.redis == nil {
		return "", false
	}
	raw, err := c.redis.Get(ctx, collectionCacheKey(userID, key)).Result()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, collectionCacheKey(userID, key)).Err()
		}
		return "", false
	}
	return raw, true
}

func (c *Cache) store(ctx context.Context, userID, key, raw string) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	_ = c.redis.Set(ctx, collectionCacheKey(userID, key), raw, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, userID, key string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, collectionCacheKey(userID, key)).Result()
}

func collectionCacheKey(userID, key string) string {
	return "coll:" + userID + ":" + key
}
