package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/repository"
	"github.com/timmy/sourcescan/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func pricingServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/lookup", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code") == "012345678905" {
			writeJSON(w, http.StatusOK, map[string]string{"asin": "B000000001", "title": "Kettle"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no match"})
	})
	mux.HandleFunc("/v1/pricing/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"buy_box_price": 20,
			"fees":          map[string]float64{"referral": 3, "fulfilment": 2},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func demandServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"sales_rank": 900, "monthly_units": 120})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, pricingURL, demandURL string) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:       "sqlite",
			Path:         filepath.Join(t.TempDir(), "sourcescan.db"),
			MaxIdleConns: 1,
			MaxOpenConns: 1,
			AutoMigrate:  true,
			LogLevel:     "silent",
		},
		Cache: config.CacheConfig{Backend: BackendMemory, PricingTTL: time.Hour, DemandTTL: time.Hour},
		Queue: config.QueueConfig{Backend: BackendMemory, PollInterval: 10 * time.Millisecond},
		Pipeline: config.PipelineConfig{
			Workers:           2,
			ChunkSize:         2,
			MaxAttempts:       2,
			BackoffBase:       10 * time.Millisecond,
			BackoffMax:        20 * time.Millisecond,
			VisibilityTimeout: time.Minute,
		},
		Providers: config.ProvidersConfig{
			Pricing: config.ProviderConfig{Name: "pricing", BaseURL: pricingURL, RatePerSecond: 100, Burst: 10, Timeout: 5 * time.Second},
			Demand:  config.ProviderConfig{Name: "demand", BaseURL: demandURL, RatePerSecond: 100, Burst: 10, Timeout: 5 * time.Second},
		},
		Profitability: config.ProfitabilityConfig{ExcellentROI: 50, GoodROI: 30, MarginalROI: 15, DefaultReferralFee: 0.15},
	}
}

func TestBuildRejectsBadBackends(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *config.Config)
		errMsg string
	}{
		{
			name:   "unknown cache backend",
			mutate: func(cfg *config.Config) { cfg.Cache.Backend = "memcached" },
			errMsg: "unknown cache backend",
		},
		{
			name:   "unknown queue backend",
			mutate: func(cfg *config.Config) { cfg.Queue.Backend = "kafka" },
			errMsg: "unknown queue backend",
		},
		{
			name:   "redis without address",
			mutate: func(cfg *config.Config) { cfg.Queue.Backend = BackendRedis },
			errMsg: "redis.addr is empty",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, "http://pricing.invalid", "http://demand.invalid")
			tc.mutate(cfg)

			a, err := Build(context.Background(), cfg, nil)
			require.Error(t, err)
			assert.Nil(t, a)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestBuildRunsJobEndToEnd(t *testing.T) {
	cfg := testConfig(t, pricingServer(t).URL, demandServer(t).URL)

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Contains(t, a.Health, "database")
	assert.NotContains(t, a.Health, "redis")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Workers.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	csv := "UPC,Product Name,Unit Cost\n012345678905,Kettle,5.00\n5012345678900,Toaster,4.00\n012345678905,Kettle again,5.00\n"
	job, err := a.Jobs.Submit(context.Background(), &service.Upload{
		Owner:    "owner-1",
		Filename: "catalog.csv",
		Content:  strings.NewReader(csv),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, job.TotalRows)
	assert.Equal(t, 2, job.ChunkCount)

	var view *service.JobStatusView
	require.Eventually(t, func() bool {
		v, err := a.Jobs.Status(context.Background(), "owner-1", job.ID)
		if err != nil {
			return false
		}
		view = v
		return v.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, domain.JobStatusCompletedWithErrors, view.Status)
	assert.Equal(t, 2, view.SucceededCount)
	assert.Equal(t, 1, view.FailedCount)

	results, total, err := a.Jobs.Results(context.Background(), "owner-1", job.ID,
		repository.ResultFilter{Status: domain.RowStatusSucceeded, Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, r := range results {
		require.NotNil(t, r.ASIN)
		assert.Equal(t, "B000000001", *r.ASIN)
		assert.InDelta(t, 10.0, r.NetProfit, 0.001)
		assert.Equal(t, domain.TierExcellent, r.Tier)
		assert.Equal(t, 900, r.SalesRank)
	}
}
