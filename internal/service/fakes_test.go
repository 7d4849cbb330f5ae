package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/cache"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/provider"
	"github.com/timmy/sourcescan/internal/queue"
	"github.com/timmy/sourcescan/internal/ratelimit"
	"github.com/timmy/sourcescan/internal/repository"
	"github.com/timmy/sourcescan/internal/source"
	"github.com/timmy/sourcescan/internal/source/csvfile"
	"github.com/timmy/sourcescan/internal/source/xlsx"
	"github.com/timmy/sourcescan/internal/storage"
	"gorm.io/gorm"
)

var errTimeout = errors.New("request timed out")

// fakePricing is a scripted pricing provider that counts calls.
type fakePricing struct {
	mu sync.Mutex
	// asins maps a normalized code to its ASIN; unknown codes are not found.
	asins map[string]string
	// prices overrides the default snapshot per ASIN.
	prices map[string]*domain.PricingSnapshot
	// lookupFailures and pricingFailures hold the number of transient
	// failures left before a code or ASIN succeeds. -1 fails forever.
	lookupFailures  map[string]int
	pricingFailures map[string]int
	unsupported     bool
	// rejectPricing answers every pricing call as if the API key were revoked.
	rejectPricing bool
	onLookup      func(code string)

	lookupCalls  map[string]int
	pricingCalls map[string]int
}

func newFakePricing() *fakePricing {
	return &fakePricing{
		asins:           map[string]string{},
		prices:          map[string]*domain.PricingSnapshot{},
		lookupFailures:  map[string]int{},
		pricingFailures: map[string]int{},
		lookupCalls:     map[string]int{},
		pricingCalls:    map[string]int{},
	}
}

func (f *fakePricing) Name() string { return "pricing" }

func (f *fakePricing) LookupByCode(_ context.Context, code string) (*provider.CodeMatch, error) {
	f.mu.Lock()
	f.lookupCalls[code]++
	hook := f.onLookup
	if f.unsupported {
		f.mu.Unlock()
		return nil, &provider.Error{Provider: "pricing", Op: "lookup", Kind: provider.KindUnsupported, StatusCode: 501, Err: provider.ErrUnsupported}
	}
	if n := f.lookupFailures[code]; n != 0 {
		if n > 0 {
			f.lookupFailures[code] = n - 1
		}
		f.mu.Unlock()
		return nil, &provider.Error{Provider: "pricing", Op: "lookup", Kind: provider.KindTransient, Err: errTimeout}
	}
	asin, ok := f.asins[code]
	f.mu.Unlock()

	if hook != nil {
		hook(code)
	}
	if !ok {
		return nil, &provider.Error{Provider: "pricing", Op: "lookup", Kind: provider.KindNotFound, StatusCode: 404, Err: errors.New("no match")}
	}
	return &provider.CodeMatch{ASIN: asin, Title: "Listing " + asin}, nil
}

func (f *fakePricing) GetPricing(_ context.Context, asin string) (*domain.PricingSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pricingCalls[asin]++
	if f.rejectPricing {
		return nil, &provider.Error{Provider: "pricing", Op: "pricing", Kind: provider.KindUnauthorized, StatusCode: 401, Err: errors.New("invalid api key")}
	}
	if n := f.pricingFailures[asin]; n != 0 {
		if n > 0 {
			f.pricingFailures[asin] = n - 1
		}
		return nil, &provider.Error{Provider: "pricing", Op: "pricing", Kind: provider.KindTransient, StatusCode: 503, Err: errTimeout}
	}
	if snap, ok := f.prices[asin]; ok {
		cp := *snap
		return &cp, nil
	}
	return &domain.PricingSnapshot{
		ASIN:     asin,
		Price:    20,
		Fees:     domain.FeeBreakdown{Referral: 3, Fulfilment: 2},
		Eligible: true,
		Provider: "pricing",
	}, nil
}

func (f *fakePricing) lookups(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupCalls[code]
}

func (f *fakePricing) pricings(asin string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pricingCalls[asin]
}

// fakeDemand returns a fixed rank for every ASIN except those listed as missing.
type fakeDemand struct {
	mu      sync.Mutex
	missing map[string]bool
	calls   map[string]int
}

func newFakeDemand() *fakeDemand {
	return &fakeDemand{missing: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeDemand) Name() string { return "demand" }

func (f *fakeDemand) GetDemand(_ context.Context, asin string) (*domain.DemandSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[asin]++
	if f.missing[asin] {
		return nil, &provider.Error{Provider: "demand", Op: "demand", Kind: provider.KindNotFound, StatusCode: 404, Err: errors.New("no history")}
	}
	return &domain.DemandSnapshot{ASIN: asin, SalesRank: 1200, MonthlyUnits: 85, Provider: "demand"}, nil
}

// countingHandler wraps a RowHandler and counts processed rows per index.
type countingHandler struct {
	next RowHandler
	mu   sync.Mutex
	rows map[int]int
}

func (h *countingHandler) Process(ctx context.Context, row *domain.JobRow) (*domain.RowResult, error) {
	h.mu.Lock()
	if h.rows == nil {
		h.rows = map[int]int{}
	}
	h.rows[row.Index]++
	h.mu.Unlock()
	return h.next.Process(ctx, row)
}

func (h *countingHandler) count(index int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rows[index]
}

func (h *countingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.rows {
		n += c
	}
	return n
}

// testPipeline is a fully wired pipeline over in-memory SQLite, an in-memory
// queue and cache, and scripted providers.
type testPipeline struct {
	db      *gorm.DB
	jobs    *repository.JobRepository
	chunks  *repository.ChunkRepository
	results *repository.ResultRepository
	queue   *queue.MemoryQueue
	cache   *cache.MemoryCache
	storage *storage.MemoryStorage
	pricing *fakePricing
	demand  *fakeDemand
	handler *countingHandler
	calc    *Calculator
	service *JobService
	pool    *WorkerPool
}

type pipelineOptions struct {
	chunkSize   int
	workers     int
	maxAttempts int
}

func newTestPipeline(t *testing.T, opts pipelineOptions) *testPipeline {
	t.Helper()
	if opts.chunkSize == 0 {
		opts.chunkSize = 200
	}
	if opts.workers == 0 {
		opts.workers = 2
	}
	if opts.maxAttempts == 0 {
		opts.maxAttempts = 3
	}

	db, err := repository.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	clk := clock.Real{}
	p := &testPipeline{
		db:      db,
		jobs:    repository.NewJobRepository(db),
		chunks:  repository.NewChunkRepository(db),
		results: repository.NewResultRepository(db),
		queue:   queue.NewMemoryQueue(clk),
		cache:   cache.NewMemoryCache(clk),
		storage: storage.NewMemoryStorage("http://files.test"),
		pricing: newFakePricing(),
		demand:  newFakeDemand(),
		calc:    NewCalculator(DefaultThresholds(), 0.15),
	}

	limits := ratelimit.NewRegistry(clk)
	pricingLimiter := limits.Register("pricing", 1000, 100)
	demandLimiter := limits.Register("demand", 1000, 100)

	rowProcessor := NewRowProcessor(
		NewResolver(p.pricing, pricingLimiter, p.cache),
		NewPricingFetcher(p.pricing, pricingLimiter, p.cache, time.Hour, clk),
		NewDemandFetcher(p.demand, demandLimiter, p.cache, time.Hour, clk),
		p.calc,
		clk,
	)
	p.handler = &countingHandler{next: rowProcessor}

	parser := source.NewParser(csvfile.NewAdapter(), xlsx.NewAdapter())
	p.service = NewJobService(p.jobs, p.chunks, p.results, p.queue, parser, NewColumnMapper(), p.calc, p.storage, clk, nil,
		&JobServiceConfig{ChunkSize: opts.chunkSize})
	p.pool = NewWorkerPool(p.jobs, p.chunks, p.results, p.queue, p.handler, clk, nil, &WorkerConfig{
		Workers:     opts.workers,
		MaxAttempts: opts.maxAttempts,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  40 * time.Millisecond,
	})
	return p
}

// start runs the worker pool until the test ends.
func (p *testPipeline) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (p *testPipeline) submitCSV(t *testing.T, csv string) *domain.Job {
	t.Helper()
	job, err := p.service.Submit(context.Background(), &Upload{
		Owner:    "owner-1",
		Filename: "catalog.csv",
		Content:  strings.NewReader(csv),
	})
	require.NoError(t, err)
	return job
}

func (p *testPipeline) waitTerminal(t *testing.T, jobID string) *JobStatusView {
	t.Helper()
	var view *JobStatusView
	require.Eventually(t, func() bool {
		v, err := p.service.Status(context.Background(), "owner-1", jobID)
		if err != nil {
			return false
		}
		view = v
		return v.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return view
}

// catalogCSV builds a catalog with one row per code, each costing cost.
func catalogCSV(codes []string, cost float64) string {
	var b strings.Builder
	b.WriteString("UPC,Product Name,Unit Cost\n")
	for i, code := range codes {
		fmt.Fprintf(&b, "%s,Item %d,%.2f\n", code, i, cost)
	}
	return b.String()
}
