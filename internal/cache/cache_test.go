package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/repository"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backendCase struct {
	name  string
	cache Cache
	clock *clock.Manual
}

func backends(t *testing.T) []backendCase {
	t.Helper()
	memClock := clock.NewManual(start)
	dbClock := clock.NewManual(start)

	db, err := repository.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return []backendCase{
		{name: "memory", cache: NewMemoryCache(memClock), clock: memClock},
		{name: "database", cache: NewDatabaseCache(repository.NewCacheRepository(db), dbClock), clock: dbClock},
	}
}

func TestCacheExpiry(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tc.cache.Put(ctx, PricingKey("B000000001"), []byte(`{"price":10}`), time.Hour))

			got, ok, err := tc.cache.Get(ctx, PricingKey("B000000001"))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.JSONEq(t, `{"price":10}`, string(got))

			tc.clock.Advance(time.Hour)
			_, ok, err = tc.cache.Get(ctx, PricingKey("B000000001"))
			require.NoError(t, err)
			assert.False(t, ok, "entry is expired once its ttl has elapsed")

			sweeper, ok := tc.cache.(Sweeper)
			require.True(t, ok)
			_, err = sweeper.Sweep(ctx)
			require.NoError(t, err)
		})
	}
}

func TestCachePermanentConflict(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			key := ResolveKey("012345678905")

			require.NoError(t, tc.cache.Put(ctx, key, []byte(`"B000000001"`), Permanent))
			require.NoError(t, tc.cache.Put(ctx, key, []byte(`"B000000001"`), Permanent), "same value is accepted")

			err := tc.cache.Put(ctx, key, []byte(`"B000000002"`), Permanent)
			assert.ErrorIs(t, err, ErrPermanentConflict)

			require.NoError(t, tc.cache.Put(ctx, key, []byte(`"B000000003"`), time.Minute))

			tc.clock.Advance(24 * 365 * time.Hour)
			got, ok, err := tc.cache.Get(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok, "permanent entries never expire")
			assert.Equal(t, `"B000000001"`, string(got))
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(clock.NewManual(start))

	type snapshot struct {
		ASIN  string  `json:"asin"`
		Price float64 `json:"price"`
	}
	require.NoError(t, PutJSON(ctx, c, DemandKey("B000000001"), snapshot{ASIN: "B000000001", Price: 19.99}, time.Hour))

	got, ok, err := GetJSON[snapshot](ctx, c, DemandKey("B000000001"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 19.99, got.Price)

	_, ok, err = GetJSON[snapshot](ctx, c, DemandKey("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "resolve", Namespace(ResolveKey("123")))
	assert.Equal(t, "pricing", Namespace(PricingKey("B0")))
	assert.Equal(t, "plain", Namespace("plain"))
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingCache) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func TestResilientTurnsErrorsIntoMisses(t *testing.T) {
	ctx := context.Background()
	c := NewResilient(failingCache{})

	_, ok, err := c.Get(ctx, PricingKey("B000000001"))
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Put(ctx, PricingKey("B000000001"), []byte("{}"), time.Hour))

	n, err := c.Sweep(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestResilientKeepsPermanentConflict(t *testing.T) {
	ctx := context.Background()
	c := NewResilient(NewMemoryCache(clock.NewManual(start)))
	require.NoError(t, c.Put(ctx, "resolve:code:1", []byte("a"), Permanent))
	assert.ErrorIs(t, c.Put(ctx, "resolve:code:1", []byte("b"), Permanent), ErrPermanentConflict)
}

// TestRedisCache runs against a real server when REDIS_ADDR is set.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "sourcescan-test-" + time.Now().Format("150405.000000")
	c := NewRedisCache(client, prefix)
	key := ResolveKey("012345678905")
	t.Cleanup(func() { client.Del(context.Background(), prefix+":cache:"+key, prefix+":cache:"+PricingKey("B1")) })

	require.NoError(t, c.Put(ctx, key, []byte("B000000001"), Permanent))
	assert.ErrorIs(t, c.Put(ctx, key, []byte("B000000002"), Permanent), ErrPermanentConflict)
	require.NoError(t, c.Put(ctx, key, []byte("B000000003"), time.Minute))
	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "B000000001", string(got))

	require.NoError(t, c.Put(ctx, PricingKey("B1"), []byte("{}"), time.Minute))
	_, ok, err = c.Get(ctx, PricingKey("B1"))
	require.NoError(t, err)
	assert.True(t, ok)
}
