package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/timmy/sourcescan/internal/cache"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/provider"
	"github.com/timmy/sourcescan/internal/ratelimit"
)

var marketASINPattern = regexp.MustCompile(`^(B0[A-Z0-9]{8}|\d{9}[\dX])$`)

// Resolution is a resolved marketplace identifier.
type Resolution struct {
	ASIN   string                  `json:"asin"`
	Code   string                  `json:"code,omitempty"`
	Title  string                  `json:"title,omitempty"`
	Brand  string                  `json:"brand,omitempty"`
	Source domain.ResolutionSource `json:"-"`
}

// Resolver maps supplier codes to ASINs. Resolutions are cached permanently.
type Resolver struct {
	provider provider.PricingProvider
	limiter  *ratelimit.Limiter
	cache    cache.Cache
}

// NewResolver creates a Resolver that looks codes up through p, gated by limiter.
func NewResolver(p provider.PricingProvider, limiter *ratelimit.Limiter, c cache.Cache) *Resolver {
	return &Resolver{provider: p, limiter: limiter, cache: c}
}

// Resolve returns the ASIN for a row.
// A well-formed ASIN already present in the row wins. Otherwise the code is
// normalized, looked up in the cache and finally with the provider.
// Returns:
//   - *Resolution: the resolved identifier and where it came from.
//   - error: *domain.RowError for row-level failures, any other error is
//     transient and should be retried with the chunk.
func (r *Resolver) Resolve(ctx context.Context, values domain.RawValues) (*Resolution, error) {
	asin := strings.ToUpper(strings.TrimSpace(values[domain.FieldASIN]))
	rawCode := strings.TrimSpace(values[domain.FieldCode])

	if asin != "" && marketASINPattern.MatchString(asin) {
		return &Resolution{ASIN: asin, Source: domain.ResolutionManual}, nil
	}
	if rawCode == "" {
		if asin != "" {
			return nil, domain.NewRowError(domain.ErrKindIdentifierInvalid, "malformed asin %q", asin)
		}
		return nil, domain.NewRowError(domain.ErrKindInputInvalid, "row has no product code or asin")
	}

	code, ok := NormalizeCode(rawCode)
	if !ok {
		return nil, domain.NewRowError(domain.ErrKindIdentifierInvalid, "invalid product code %q", rawCode)
	}
	key := cache.ResolveKey(GTIN14(code))

	if cached, hit, err := cache.GetJSON[Resolution](ctx, r.cache, key); err == nil && hit && cached.ASIN != "" {
		cached.Source = domain.ResolutionCache
		return cached, nil
	}

	if err := r.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	match, err := r.provider.LookupByCode(ctx, code)
	if err != nil {
		throttleOnRetryAfter(r.limiter, err)
		return nil, resolutionError(code, err)
	}

	res := &Resolution{ASIN: match.ASIN, Code: code, Title: match.Title, Brand: match.Brand}
	if err := cache.PutJSON(ctx, r.cache, key, res, cache.Permanent); err != nil {
		if errors.Is(err, cache.ErrPermanentConflict) {
			// Another worker resolved the same code first; its answer stands.
			if stored, hit, getErr := cache.GetJSON[Resolution](ctx, r.cache, key); getErr == nil && hit && stored.ASIN != "" {
				stored.Source = domain.ResolutionCache
				return stored, nil
			}
		}
		logger.FromContext(ctx).WithFields(logger.Fields{
			"code": code,
			"asin": res.ASIN,
		}).WithError(err).Warn("Failed to cache code resolution")
	}
	res.Source = domain.ResolutionProvider
	return res, nil
}

func resolutionError(code string, err error) error {
	switch provider.KindOf(err) {
	case provider.KindNotFound:
		return domain.NewRowError(domain.ErrKindResolutionNotFound, "no listing found for code %s", code)
	case provider.KindMalformed:
		return domain.NewRowError(domain.ErrKindIdentifierInvalid, "provider rejected code %s", code)
	case provider.KindUnsupported:
		return domain.NewRowError(domain.ErrKindResolutionUnsupported, "code lookup unsupported: %v", err)
	default:
		return err
	}
}

// NormalizeCode cleans a supplier UPC/EAN/GTIN and validates its check digit.
// Spaces and dashes are removed, a trailing ".0" left by spreadsheets is
// dropped and 11 digit UPCs that lost their leading zero are padded.
func NormalizeCode(raw string) (string, bool) {
	code := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	code = strings.TrimSuffix(code, ".0")
	if code == "" {
		return "", false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	if len(code) == 11 {
		code = "0" + code
	}
	switch len(code) {
	case 8, 12, 13, 14:
	default:
		return "", false
	}
	if !validCheckDigit(code) {
		return "", false
	}
	return code, true
}

// GTIN14 left-pads a normalized code to 14 digits so UPC and EAN spellings of
// the same product share one cache key.
func GTIN14(code string) string {
	if len(code) >= 14 {
		return code
	}
	return strings.Repeat("0", 14-len(code)) + code
}

func validCheckDigit(code string) bool {
	sum := 0
	weight := 3
	for i := len(code) - 2; i >= 0; i-- {
		sum += int(code[i]-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	check := (10 - sum%10) % 10
	return check == int(code[len(code)-1]-'0')
}
