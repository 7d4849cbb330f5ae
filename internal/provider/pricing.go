package provider

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/domain"
)

// PricingClient talks to the pricing/fees provider.
type PricingClient struct {
	http *httpClient
	now  func() time.Time
}

// NewPricingClient creates a PricingClient from provider configuration.
func NewPricingClient(cfg *config.ProviderConfig) *PricingClient {
	return &PricingClient{http: newHTTPClient(cfg), now: func() time.Time { return time.Now().UTC() }}
}

func (c *PricingClient) Name() string {
	return c.http.name
}

type lookupResponse struct {
	ASIN  string `json:"asin"`
	Title string `json:"title"`
	Brand string `json:"brand"`
	// Some deployments answer with a match list instead of a single product.
	Matches []struct {
		ASIN  string `json:"asin"`
		Title string `json:"title"`
		Brand string `json:"brand"`
	} `json:"matches"`
}

// LookupByCode resolves a UPC/EAN/GTIN to an ASIN.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - code: normalized numeric product code.
//
// Returns:
//   - *CodeMatch: matched product.
//   - error: *Error of KindNotFound when the provider has no listing.
func (c *PricingClient) LookupByCode(ctx context.Context, code string) (*CodeMatch, error) {
	var resp lookupResponse
	if err := c.http.get(ctx, "lookup", "/v1/lookup", map[string]string{"code": code}, &resp); err != nil {
		return nil, err
	}

	match := CodeMatch{ASIN: resp.ASIN, Title: resp.Title, Brand: resp.Brand}
	if match.ASIN == "" && len(resp.Matches) > 0 {
		first := resp.Matches[0]
		match = CodeMatch{ASIN: first.ASIN, Title: first.Title, Brand: first.Brand}
	}
	match.ASIN = strings.ToUpper(strings.TrimSpace(match.ASIN))
	if match.ASIN == "" {
		return nil, &Error{Provider: c.http.name, Op: "lookup", Kind: KindNotFound, StatusCode: 200, Err: errEmptyMatch}
	}
	return &match, nil
}

type pricingResponse struct {
	ASIN        string `json:"asin"`
	Title       string `json:"title"`
	BuyBoxPrice Number `json:"buy_box_price"`
	Price       Number `json:"price"`
	ListPrice   Number `json:"list_price"`
	OfferCount  Number `json:"offer_count"`
	Eligible    *bool  `json:"eligible"`
	Fees        struct {
		Referral   Number `json:"referral"`
		Fulfilment Number `json:"fulfilment"`
		FBA        Number `json:"fba"`
		Closing    Number `json:"closing"`
		Other      Number `json:"other"`
	} `json:"fees"`
}

// GetPricing fetches the current price, fee breakdown and eligibility for an ASIN.
func (c *PricingClient) GetPricing(ctx context.Context, asin string) (*domain.PricingSnapshot, error) {
	var resp pricingResponse
	if err := c.http.get(ctx, "pricing", "/v1/pricing/"+url.PathEscape(asin), nil, &resp); err != nil {
		return nil, err
	}

	price := resp.BuyBoxPrice.Float()
	if price == 0 {
		price = resp.Price.Float()
	}
	fulfilment := resp.Fees.Fulfilment.Float()
	if fulfilment == 0 {
		fulfilment = resp.Fees.FBA.Float()
	}
	eligible := true
	if resp.Eligible != nil {
		eligible = *resp.Eligible
	}
	if resp.ASIN == "" {
		resp.ASIN = asin
	}

	return &domain.PricingSnapshot{
		ASIN:       resp.ASIN,
		Title:      resp.Title,
		Price:      price,
		ListPrice:  resp.ListPrice.Float(),
		OfferCount: resp.OfferCount.Int(),
		Fees: domain.FeeBreakdown{
			Referral:   resp.Fees.Referral.Float(),
			Fulfilment: fulfilment,
			Closing:    resp.Fees.Closing.Float(),
			Other:      resp.Fees.Other.Float(),
		},
		Eligible:  eligible,
		FetchedAt: c.now(),
		Provider:  c.http.name,
	}, nil
}
