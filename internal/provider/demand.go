package provider

import (
	"context"
	"net/url"
	"time"

	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/domain"
)

// DemandClient talks to the demand-history provider.
type DemandClient struct {
	http *httpClient
	now  func() time.Time
}

// NewDemandClient creates a DemandClient from provider configuration.
func NewDemandClient(cfg *config.ProviderConfig) *DemandClient {
	return &DemandClient{http: newHTTPClient(cfg), now: func() time.Time { return time.Now().UTC() }}
}

func (c *DemandClient) Name() string {
	return c.http.name
}

type demandResponse struct {
	ASIN         string `json:"asin"`
	SalesRank    Number `json:"sales_rank"`
	Category     string `json:"category"`
	MonthlyUnits Number `json:"monthly_units"`
	AvgRank30    Number `json:"avg_rank_30"`
	AvgRank90    Number `json:"avg_rank_90"`
}

// GetDemand fetches the sales rank history and estimated monthly sales for an ASIN.
func (c *DemandClient) GetDemand(ctx context.Context, asin string) (*domain.DemandSnapshot, error) {
	var resp demandResponse
	if err := c.http.get(ctx, "demand", "/v1/demand/"+url.PathEscape(asin), nil, &resp); err != nil {
		return nil, err
	}
	if resp.ASIN == "" {
		resp.ASIN = asin
	}
	return &domain.DemandSnapshot{
		ASIN:         resp.ASIN,
		SalesRank:    resp.SalesRank.Int(),
		Category:     resp.Category,
		MonthlyUnits: resp.MonthlyUnits.Int(),
		AvgRank30:    resp.AvgRank30.Int(),
		AvgRank90:    resp.AvgRank90.Int(),
		FetchedAt:    c.now(),
		Provider:     c.http.name,
	}, nil
}
