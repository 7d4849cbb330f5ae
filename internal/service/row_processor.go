package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
)

// RowHandler processes one input row.
// A returned result is final for the row, whether it succeeded or failed.
// A returned error is transient and the whole chunk is retried.
type RowHandler interface {
	Process(ctx context.Context, row *domain.JobRow) (*domain.RowResult, error)
}

// RowProcessor runs a row through resolution, enrichment and profitability.
type RowProcessor struct {
	resolver *Resolver
	pricing  *PricingFetcher
	demand   *DemandFetcher
	calc     *Calculator
	clock    clock.Clock
}

// NewRowProcessor wires the per-row pipeline.
func NewRowProcessor(resolver *Resolver, pricing *PricingFetcher, demand *DemandFetcher, calc *Calculator, clk clock.Clock) *RowProcessor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RowProcessor{
		resolver: resolver,
		pricing:  pricing,
		demand:   demand,
		calc:     calc,
		clock:    clk,
	}
}

// Process implements RowHandler.
func (p *RowProcessor) Process(ctx context.Context, row *domain.JobRow) (*domain.RowResult, error) {
	result := &domain.RowResult{
		ID:       uuid.New().String(),
		JobID:    row.JobID,
		RowIndex: row.Index,
		Code:     row.Values[domain.FieldCode],
		Title:    row.Values[domain.FieldTitle],
	}

	if row.Cost == nil {
		return p.fail(result, domain.NewRowError(domain.ErrKindInputInvalid, "cost is missing or not a number")), nil
	}
	cost := *row.Cost
	if cost < 0 {
		return p.fail(result, domain.NewRowError(domain.ErrKindInputInvalid, "cost %.2f is negative", cost)), nil
	}
	result.Cost = cost

	res, err := p.resolver.Resolve(ctx, row.Values)
	if err != nil {
		var rowErr *domain.RowError
		if errors.As(err, &rowErr) {
			return p.fail(result, rowErr), nil
		}
		return nil, err
	}
	asin := res.ASIN
	result.ASIN = &asin
	result.ResolutionSource = res.Source
	if result.Title == "" {
		result.Title = res.Title
	}

	pricing, err := p.pricing.Fetch(ctx, asin)
	if err != nil {
		return nil, err
	}
	demand, err := p.demand.Fetch(ctx, asin)
	if err != nil {
		return nil, err
	}

	product := &domain.EnrichedProduct{ASIN: asin, Pricing: pricing, Demand: demand}
	result.PartialData = product.Partial()
	if result.Title == "" {
		result.Title = pricing.Title
	}
	if !demand.NoData {
		result.SalesRank = demand.SalesRank
		result.MonthlyUnits = demand.MonthlyUnits
	}

	result.Status = domain.RowStatusSucceeded
	result.ProcessedAt = p.clock.Now()
	result.Tier = domain.TierUnrated
	if pricing.NoData || pricing.Price <= 0 {
		// Without a sell price there is nothing to compute against.
		result.PartialData = true
		return result, nil
	}

	fees := p.calc.EstimateFees(pricing.Price, pricing.Fees)
	result.Price = pricing.Price
	result.ReferralFee = fees.Referral
	result.FulfilmentFee = fees.Fulfilment
	applyProfitability(result, p.calc.Compute(cost, pricing.Price, fees.Total()))
	return result, nil
}

func (p *RowProcessor) fail(result *domain.RowResult, rowErr *domain.RowError) *domain.RowResult {
	result.Status = domain.RowStatusFailed
	result.ErrorKind = rowErr.Kind
	result.ErrorMessage = rowErr.Message
	result.ProcessedAt = p.clock.Now()
	return result
}

func applyProfitability(result *domain.RowResult, prof domain.ProfitabilityResult) {
	result.Cost = prof.CostBasis
	result.Price = prof.Price
	result.FeesTotal = prof.FeesTotal
	result.NetProfit = prof.NetProfit
	result.ROIPct = prof.ROIPct
	result.ROIDefined = prof.ROIDefined
	result.MarginPct = prof.MarginPct
	result.Tier = prof.Tier
}
