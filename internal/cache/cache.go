// Package cache provides the enrichment cache shared by all workers.
//
// Two kinds of entries exist. Expiring entries hold provider snapshots and
// are overwritten freely. Permanent entries hold identifier resolutions; once
// written a permanent key never changes value.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Permanent is the ttl value for entries that never expire.
const Permanent time.Duration = 0

// ErrPermanentConflict is returned when a permanent key is written with a
// value different from the one it already holds. The stored value wins.
var ErrPermanentConflict = errors.New("cache: permanent entry already holds a different value")

// Cache is a shared key/value store with per-entry expiry.
type Cache interface {
	// Get returns the value for key. ok is false on a miss or an expired entry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put stores value under key. A ttl of Permanent writes a permanent entry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Sweeper is implemented by backends that need expired entries removed explicitly.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Key namespaces.
const (
	NamespaceResolve = "resolve"
	NamespacePricing = "pricing"
	NamespaceDemand  = "demand"
)

// ResolveKey is the permanent key for a normalized supplier code.
func ResolveKey(code string) string {
	return NamespaceResolve + ":code:" + code
}

// PricingKey is the key for an ASIN's pricing snapshot.
func PricingKey(asin string) string {
	return NamespacePricing + ":" + asin
}

// DemandKey is the key for an ASIN's demand snapshot.
func DemandKey(asin string) string {
	return NamespaceDemand + ":" + asin
}

// Namespace returns the prefix of a key, used as a metrics label.
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// GetJSON reads and decodes a JSON value.
func GetJSON[T any](ctx context.Context, c Cache, key string) (*T, bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, err
	}
	return &v, true, nil
}

// PutJSON encodes and stores a JSON value.
func PutJSON(ctx context.Context, c Cache, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Put(ctx, key, raw, ttl)
}
