package service

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/sourcescan/internal/cache"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/provider"
	"github.com/timmy/sourcescan/internal/ratelimit"
)

// fetchThrough is the cache-then-provider path shared by both fetchers.
type fetchThrough[T any] struct {
	name    string
	limiter *ratelimit.Limiter
	cache   cache.Cache
	ttl     time.Duration
	key     func(asin string) string
	call    func(ctx context.Context, asin string) (*T, error)
	noData  func(asin string) *T
}

// get returns the snapshot for asin and whether it came from the cache.
// Permanent provider errors become a no-data snapshot. Transient and
// credentials failures are returned.
func (f *fetchThrough[T]) get(ctx context.Context, asin string) (*T, bool, error) {
	key := f.key(asin)
	if v, hit, err := cache.GetJSON[T](ctx, f.cache, key); err == nil && hit {
		return v, true, nil
	}

	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, false, err
	}
	v, err := f.call(ctx, asin)
	if err != nil {
		var pe *provider.Error
		if errors.As(err, &pe) && pe.Permanent() && pe.Kind != provider.KindUnauthorized {
			logger.FromContext(ctx).WithFields(logger.Fields{
				logger.FieldProvider: f.name,
				"asin":               asin,
				"kind":               pe.Kind,
			}).Debug("Provider has no data for identifier")
			return f.noData(asin), false, nil
		}
		throttleOnRetryAfter(f.limiter, err)
		return nil, false, err
	}

	if err := cache.PutJSON(ctx, f.cache, key, v, f.ttl); err != nil {
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldProvider: f.name,
			"key":                key,
		}).WithError(err).Warn("Failed to cache provider snapshot")
	}
	return v, false, nil
}

// PricingFetcher returns pricing, fee and eligibility snapshots.
type PricingFetcher struct {
	ft *fetchThrough[domain.PricingSnapshot]
}

// NewPricingFetcher creates a PricingFetcher caching snapshots for ttl.
func NewPricingFetcher(p provider.PricingProvider, limiter *ratelimit.Limiter, c cache.Cache, ttl time.Duration, clk clock.Clock) *PricingFetcher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &PricingFetcher{ft: &fetchThrough[domain.PricingSnapshot]{
		name:    p.Name(),
		limiter: limiter,
		cache:   c,
		ttl:     ttl,
		key:     cache.PricingKey,
		call:    p.GetPricing,
		noData: func(asin string) *domain.PricingSnapshot {
			return &domain.PricingSnapshot{ASIN: asin, NoData: true, FetchedAt: clk.Now(), Provider: p.Name()}
		},
	}}
}

// Fetch returns the pricing snapshot for asin. A snapshot with NoData set is
// returned when the provider has nothing for the identifier.
func (f *PricingFetcher) Fetch(ctx context.Context, asin string) (*domain.PricingSnapshot, error) {
	v, _, err := f.ft.get(ctx, asin)
	return v, err
}

// DemandFetcher returns sales rank and demand snapshots.
type DemandFetcher struct {
	ft *fetchThrough[domain.DemandSnapshot]
}

// NewDemandFetcher creates a DemandFetcher caching snapshots for ttl.
func NewDemandFetcher(p provider.DemandProvider, limiter *ratelimit.Limiter, c cache.Cache, ttl time.Duration, clk clock.Clock) *DemandFetcher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &DemandFetcher{ft: &fetchThrough[domain.DemandSnapshot]{
		name:    p.Name(),
		limiter: limiter,
		cache:   c,
		ttl:     ttl,
		key:     cache.DemandKey,
		call:    p.GetDemand,
		noData: func(asin string) *domain.DemandSnapshot {
			return &domain.DemandSnapshot{ASIN: asin, NoData: true, FetchedAt: clk.Now(), Provider: p.Name()}
		},
	}}
}

// Fetch returns the demand snapshot for asin, NoData set when unavailable.
func (f *DemandFetcher) Fetch(ctx context.Context, asin string) (*domain.DemandSnapshot, error) {
	v, _, err := f.ft.get(ctx, asin)
	return v, err
}

// throttleOnRetryAfter pauses a limiter when the provider asked for a cool-off.
func throttleOnRetryAfter(limiter *ratelimit.Limiter, err error) {
	var pe *provider.Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		limiter.Throttle(pe.RetryAfter)
	}
}
