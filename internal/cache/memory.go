package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/timmy/sourcescan/internal/clock"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero for permanent entries
}

// MemoryCache is an in-process cache. Expired entries are dropped lazily on
// read and in bulk by Sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), clock: clk}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.clock.Now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return bytes.Clone(entry.value), true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, exists := c.entries[key]
	if exists && existing.expiresAt.IsZero() {
		if ttl == Permanent && !bytes.Equal(existing.value, value) {
			return ErrPermanentConflict
		}
		return nil
	}

	entry := memoryEntry{value: bytes.Clone(value)}
	if ttl != Permanent {
		entry.expiresAt = c.clock.Now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

// Sweep removes every expired entry.
func (c *MemoryCache) Sweep(_ context.Context) (int64, error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int64
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
