package service

import (
	"math"

	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/domain"
)

// Thresholds are the minimum ROI percentages for each tier.
type Thresholds struct {
	Excellent float64
	Good      float64
	Marginal  float64
}

// DefaultThresholds returns the stock tier bands.
func DefaultThresholds() Thresholds {
	return Thresholds{Excellent: 50, Good: 30, Marginal: 15}
}

// Calculator turns cost, price and fees into a profitability verdict.
// It performs no I/O.
type Calculator struct {
	thresholds         Thresholds
	defaultReferralFee float64
}

// NewCalculator creates a Calculator with the given tier thresholds.
// defaultReferralFee is the share of the price charged as referral fee when
// a provider returns a price without fees.
func NewCalculator(thresholds Thresholds, defaultReferralFee float64) *Calculator {
	return &Calculator{thresholds: thresholds, defaultReferralFee: defaultReferralFee}
}

// NewCalculatorFromConfig creates a Calculator from the profitability section.
func NewCalculatorFromConfig(cfg *config.ProfitabilityConfig) *Calculator {
	return NewCalculator(Thresholds{
		Excellent: cfg.ExcellentROI,
		Good:      cfg.GoodROI,
		Marginal:  cfg.MarginalROI,
	}, cfg.DefaultReferralFee)
}

// Compute returns net profit, ROI, margin and tier for one unit.
// When cost <= 0 the ROI is undefined: ROIPct is 0, ROIDefined is false and
// the tier is unrated. Margin is 0 when price <= 0.
func (c *Calculator) Compute(cost, price, fees float64) domain.ProfitabilityResult {
	net := price - fees - cost
	result := domain.ProfitabilityResult{
		CostBasis: round2(cost),
		Price:     round2(price),
		FeesTotal: round2(fees),
		NetProfit: round2(net),
		Tier:      domain.TierUnrated,
	}
	if price > 0 {
		result.MarginPct = round2(net / price * 100)
	}
	if cost > 0 {
		roi := net / cost * 100
		result.ROIPct = round2(roi)
		result.ROIDefined = true
		result.Tier = c.Tier(roi)
	}
	return result
}

// Tier bands an ROI percentage.
func (c *Calculator) Tier(roiPct float64) domain.Tier {
	switch {
	case roiPct >= c.thresholds.Excellent:
		return domain.TierExcellent
	case roiPct >= c.thresholds.Good:
		return domain.TierGood
	case roiPct >= c.thresholds.Marginal:
		return domain.TierMarginal
	default:
		return domain.TierUnprofitable
	}
}

// EstimateFees returns the fee total for a price, falling back to the
// default referral rate when the provider sent no fee breakdown.
func (c *Calculator) EstimateFees(price float64, fees domain.FeeBreakdown) domain.FeeBreakdown {
	if !fees.IsZero() || price <= 0 {
		return fees
	}
	return domain.FeeBreakdown{Referral: round2(price * c.defaultReferralFee)}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
