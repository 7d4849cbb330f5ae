package cache

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/repository"
	"gorm.io/gorm"
)

// DatabaseCache stores entries in the cache_entries table so the cache
// survives restarts without a Redis deployment.
type DatabaseCache struct {
	repo  *repository.CacheRepository
	clock clock.Clock
}

// NewDatabaseCache creates a DatabaseCache.
func NewDatabaseCache(repo *repository.CacheRepository, clk clock.Clock) *DatabaseCache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &DatabaseCache{repo: repo, clock: clk}
}

func (c *DatabaseCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.repo.Get(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.Kind == domain.CacheEntryTTL && entry.ExpiresAt != nil && !c.clock.Now().Before(*entry.ExpiresAt) {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (c *DatabaseCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl != Permanent {
		expires := c.clock.Now().Add(ttl)
		_, err := c.repo.Upsert(ctx, &domain.CacheEntry{
			Key:       key,
			Value:     value,
			Kind:      domain.CacheEntryTTL,
			ExpiresAt: &expires,
		})
		return err
	}

	inserted, err := c.repo.InsertIfAbsent(ctx, &domain.CacheEntry{
		Key:   key,
		Value: value,
		Kind:  domain.CacheEntryPermanent,
	})
	if err != nil || inserted {
		return err
	}
	existing, err := c.repo.Get(ctx, key)
	if err != nil {
		return err
	}
	if !bytes.Equal(existing.Value, value) {
		return ErrPermanentConflict
	}
	return nil
}

// Sweep deletes expired rows.
func (c *DatabaseCache) Sweep(ctx context.Context) (int64, error) {
	return c.repo.DeleteExpired(ctx, c.clock.Now())
}
