package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/cache"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/provider"
	"github.com/timmy/sourcescan/internal/ratelimit"
)

func TestPricingFetcherCachesWithinTTL(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p := newFakePricing()
	f := NewPricingFetcher(p, ratelimit.New("pricing", 1000, 100, clk), cache.NewMemoryCache(clk), time.Hour, clk)
	ctx := context.Background()

	first, err := f.Fetch(ctx, "B000000001")
	require.NoError(t, err)
	assert.Equal(t, 20.0, first.Price)

	clk.Advance(30 * time.Minute)
	second, err := f.Fetch(ctx, "B000000001")
	require.NoError(t, err)
	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, 1, p.pricings("B000000001"))

	clk.Advance(time.Hour)
	_, err = f.Fetch(ctx, "B000000001")
	require.NoError(t, err)
	assert.Equal(t, 2, p.pricings("B000000001"))
}

func TestPricingFetcherErrors(t *testing.T) {
	clk := clock.Real{}
	p := newFakePricing()
	p.pricingFailures["B000000002"] = -1
	c := cache.NewMemoryCache(clk)
	f := NewPricingFetcher(p, ratelimit.New("pricing", 1000, 100, clk), c, time.Hour, clk)

	_, err := f.Fetch(context.Background(), "B000000002")
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.Zero(t, c.Len())

	// Rejected credentials are not a missing listing.
	p.rejectPricing = true
	snap, err := f.Fetch(context.Background(), "B000000004")
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.True(t, provider.IsUnauthorized(err))
	assert.Zero(t, c.Len())
}

func TestDemandFetcherNoData(t *testing.T) {
	clk := clock.Real{}
	d := newFakeDemand()
	d.missing["B000000003"] = true
	c := cache.NewMemoryCache(clk)
	f := NewDemandFetcher(d, ratelimit.New("demand", 1000, 100, clk), c, time.Hour, clk)
	ctx := context.Background()

	snap, err := f.Fetch(ctx, "B000000003")
	require.NoError(t, err)
	assert.True(t, snap.NoData)
	assert.Equal(t, "B000000003", snap.ASIN)
	assert.Equal(t, "demand", snap.Provider)

	// No-data answers are not cached.
	_, err = f.Fetch(ctx, "B000000003")
	require.NoError(t, err)
	assert.Equal(t, 2, d.calls["B000000003"])

	snap, err = f.Fetch(ctx, "B000000004")
	require.NoError(t, err)
	assert.False(t, snap.NoData)
	assert.Equal(t, 1200, snap.SalesRank)
}

func TestThrottleOnRetryAfter(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := ratelimit.New("pricing", 1000, 100, clk)
	throttleOnRetryAfter(limiter, &provider.Error{Kind: provider.KindTransient, StatusCode: 429, RetryAfter: 2 * time.Second})

	done := make(chan error, 1)
	go func() { done <- limiter.Acquire(context.Background()) }()

	require.Eventually(t, func() bool { return clk.Waiters() > 0 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("acquire returned during cool-off")
	default:
	}
	clk.Advance(2 * time.Second)
	require.NoError(t, <-done)
}
