package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/cache"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/provider"
	"github.com/timmy/sourcescan/internal/ratelimit"
)

func TestNormalizeCode(t *testing.T) {
	testCases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"012345678905", "012345678905", true},
		{"12345678905", "012345678905", true},
		{"0-12345-67890-5", "012345678905", true},
		{"5012345678900", "5012345678900", true},
		{"4006381333931.0", "4006381333931", true},
		{"00012345678905", "00012345678905", true},
		{"96385074", "96385074", true},
		{"012345678901", "", false},
		{"01234567890A", "", false},
		{"12345", "", false},
		{"", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, ok := NormalizeCode(tc.raw)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGTIN14(t *testing.T) {
	assert.Equal(t, "00012345678905", GTIN14("012345678905"))
	assert.Equal(t, "05012345678900", GTIN14("5012345678900"))
	assert.Equal(t, "00012345678905", GTIN14("00012345678905"))
}

func newTestResolver(p *fakePricing) (*Resolver, *cache.MemoryCache) {
	c := cache.NewMemoryCache(clock.Real{})
	return NewResolver(p, ratelimit.New("pricing", 1000, 100, clock.Real{}), c), c
}

func rowErrorKind(t *testing.T, err error) domain.RowErrorKind {
	t.Helper()
	var rowErr *domain.RowError
	require.True(t, errors.As(err, &rowErr), "expected a row error, got %v", err)
	return rowErr.Kind
}

func TestResolveManualASIN(t *testing.T) {
	p := newFakePricing()
	r, _ := newTestResolver(p)

	res, err := r.Resolve(context.Background(), domain.RawValues{
		domain.FieldASIN: " b000000001 ",
		domain.FieldCode: "012345678905",
	})
	require.NoError(t, err)
	assert.Equal(t, "B000000001", res.ASIN)
	assert.Equal(t, domain.ResolutionManual, res.Source)
	assert.Zero(t, p.lookups("012345678905"))
}

func TestResolveCachesResolutions(t *testing.T) {
	p := newFakePricing()
	p.asins["012345678905"] = "B000000001"
	r, c := newTestResolver(p)
	ctx := context.Background()

	first, err := r.Resolve(ctx, domain.RawValues{domain.FieldCode: "012345678905"})
	require.NoError(t, err)
	assert.Equal(t, "B000000001", first.ASIN)
	assert.Equal(t, domain.ResolutionProvider, first.Source)

	// The EAN-13 spelling of the same UPC shares the cache entry.
	second, err := r.Resolve(ctx, domain.RawValues{domain.FieldCode: "0012345678905"})
	require.NoError(t, err)
	assert.Equal(t, "B000000001", second.ASIN)
	assert.Equal(t, domain.ResolutionCache, second.Source)

	assert.Equal(t, 1, p.lookups("012345678905"))
	assert.Zero(t, p.lookups("0012345678905"))
	assert.Equal(t, 1, c.Len())
}

func TestResolveErrors(t *testing.T) {
	testCases := []struct {
		name   string
		values domain.RawValues
		setup  func(p *fakePricing)
		want   domain.RowErrorKind
	}{
		{
			name:   "no identifier",
			values: domain.RawValues{domain.FieldTitle: "Widget"},
			want:   domain.ErrKindInputInvalid,
		},
		{
			name:   "malformed asin only",
			values: domain.RawValues{domain.FieldASIN: "XYZ"},
			want:   domain.ErrKindIdentifierInvalid,
		},
		{
			name:   "bad check digit",
			values: domain.RawValues{domain.FieldCode: "012345678901"},
			want:   domain.ErrKindIdentifierInvalid,
		},
		{
			name:   "no listing",
			values: domain.RawValues{domain.FieldCode: "5012345678900"},
			want:   domain.ErrKindResolutionNotFound,
		},
		{
			name:   "lookup unsupported",
			values: domain.RawValues{domain.FieldCode: "5012345678900"},
			setup:  func(p *fakePricing) { p.unsupported = true },
			want:   domain.ErrKindResolutionUnsupported,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newFakePricing()
			if tc.setup != nil {
				tc.setup(p)
			}
			r, c := newTestResolver(p)
			_, err := r.Resolve(context.Background(), tc.values)
			assert.Equal(t, tc.want, rowErrorKind(t, err))
			assert.Zero(t, c.Len(), "failed resolutions are not cached")
		})
	}
}

func TestResolveTransientErrorIsReturned(t *testing.T) {
	p := newFakePricing()
	p.asins["012345678905"] = "B000000001"
	p.lookupFailures["012345678905"] = 1
	r, _ := newTestResolver(p)
	ctx := context.Background()

	_, err := r.Resolve(ctx, domain.RawValues{domain.FieldCode: "012345678905"})
	require.Error(t, err)
	var rowErr *domain.RowError
	assert.False(t, errors.As(err, &rowErr))
	assert.True(t, provider.IsTransient(err))

	res, err := r.Resolve(ctx, domain.RawValues{domain.FieldCode: "012345678905"})
	require.NoError(t, err)
	assert.Equal(t, "B000000001", res.ASIN)
}

// TestResolveKeepsFirstStoredResolution checks that a racing resolution
// already in the cache wins over the value this call fetched.
func TestResolveKeepsFirstStoredResolution(t *testing.T) {
	p := newFakePricing()
	p.asins["012345678905"] = "B000000001"
	r, c := newTestResolver(p)
	ctx := context.Background()

	p.onLookup = func(code string) {
		err := cache.PutJSON(ctx, c, cache.ResolveKey(GTIN14(code)), &Resolution{ASIN: "B000000099", Code: code}, cache.Permanent)
		require.NoError(t, err)
	}

	res, err := r.Resolve(ctx, domain.RawValues{domain.FieldCode: "012345678905"})
	require.NoError(t, err)
	assert.Equal(t, "B000000099", res.ASIN)
	assert.Equal(t, domain.ResolutionCache, res.Source)
}
