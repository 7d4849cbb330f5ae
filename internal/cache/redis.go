package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores entries in Redis. Expiring entries use native key TTLs;
// permanent entries are written with SETNX.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a RedisCache. prefix is prepended to every key.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix != "" {
		prefix += ":cache:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	full := c.prefix + key
	if ttl != Permanent {
		// Never replace a permanent entry with an expiring one.
		if ttlLeft, err := c.client.TTL(ctx, full).Result(); err == nil && ttlLeft == -1 {
			return nil
		}
		if err := c.client.Set(ctx, full, value, ttl).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", key, err)
		}
		return nil
	}

	ok, err := c.client.SetNX(ctx, full, value, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if ok {
		return nil
	}
	existing, err := c.client.Get(ctx, full).Bytes()
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if !bytes.Equal(existing, value) {
		return ErrPermanentConflict
	}
	return nil
}
