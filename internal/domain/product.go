package domain

import "time"

// Tier is a qualitative profitability band derived from ROI.
type Tier string

const (
	TierExcellent    Tier = "excellent"
	TierGood         Tier = "good"
	TierMarginal     Tier = "marginal"
	TierUnprofitable Tier = "unprofitable"
	// TierUnrated is used when ROI cannot be computed (cost <= 0).
	TierUnrated Tier = "unrated"
)

// FeeBreakdown holds the marketplace fees for selling one unit.
type FeeBreakdown struct {
	Referral   float64 `json:"referral"`
	Fulfilment float64 `json:"fulfilment"`
	Closing    float64 `json:"closing"`
	Other      float64 `json:"other"`
}

// Total sums every fee component.
func (f FeeBreakdown) Total() float64 {
	return f.Referral + f.Fulfilment + f.Closing + f.Other
}

// IsZero reports whether the provider returned no fee data.
func (f FeeBreakdown) IsZero() bool {
	return f.Total() == 0
}

// PricingSnapshot is the normalized pricing/fees/eligibility slice for one identifier.
type PricingSnapshot struct {
	ASIN       string       `json:"asin"`
	Title      string       `json:"title,omitempty"`
	Price      float64      `json:"price"`
	ListPrice  float64      `json:"list_price"`
	OfferCount int          `json:"offer_count"`
	Fees       FeeBreakdown `json:"fees"`
	Eligible   bool         `json:"eligible"`
	NoData     bool         `json:"no_data"`
	FetchedAt  time.Time    `json:"fetched_at"`
	Provider   string       `json:"provider"`
}

// DemandSnapshot is the normalized demand-history slice for one identifier.
type DemandSnapshot struct {
	ASIN         string    `json:"asin"`
	SalesRank    int       `json:"sales_rank"`
	Category     string    `json:"category,omitempty"`
	MonthlyUnits int       `json:"monthly_units"`
	AvgRank30    int       `json:"avg_rank_30"`
	AvgRank90    int       `json:"avg_rank_90"`
	NoData       bool      `json:"no_data"`
	FetchedAt    time.Time `json:"fetched_at"`
	Provider     string    `json:"provider"`
}

// EnrichedProduct combines both provider slices for one identifier.
type EnrichedProduct struct {
	ASIN    string
	Pricing *PricingSnapshot
	Demand  *DemandSnapshot
}

// Partial reports whether either provider slice is missing.
func (p *EnrichedProduct) Partial() bool {
	return p.Pricing == nil || p.Pricing.NoData || p.Demand == nil || p.Demand.NoData
}

// ProfitabilityResult is the calculator output for one row.
type ProfitabilityResult struct {
	CostBasis  float64 `json:"cost_basis"`
	Price      float64 `json:"price"`
	FeesTotal  float64 `json:"fees_total"`
	NetProfit  float64 `json:"net_profit"`
	ROIPct     float64 `json:"roi_pct"`
	ROIDefined bool    `json:"roi_defined"`
	MarginPct  float64 `json:"margin_pct"`
	Tier       Tier    `json:"tier"`
}

// CacheEntryKind distinguishes durable from expiring cache entries.
type CacheEntryKind string

const (
	CacheEntryPermanent CacheEntryKind = "permanent"
	CacheEntryTTL       CacheEntryKind = "ttl"
)

// CacheEntry is the persisted form of an enrichment cache value.
type CacheEntry struct {
	Key       string         `gorm:"type:text;primaryKey" json:"key"`
	Value     []byte         `json:"value"`
	Kind      CacheEntryKind `gorm:"type:text;not null" json:"kind"`
	ExpiresAt *time.Time     `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName returns the database table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}
