package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/config"
)

func newServer(t *testing.T, handler http.HandlerFunc) *config.ProviderConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &config.ProviderConfig{Name: "pricing", BaseURL: srv.URL, APIKey: "secret", Timeout: 2 * time.Second}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestLookupByCode(t *testing.T) {
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/lookup", r.URL.Path)
		switch r.URL.Query().Get("code") {
		case "012345678905":
			writeJSON(w, http.StatusOK, map[string]interface{}{"asin": "b00test001", "title": "Widget"})
		case "5012345678900":
			writeJSON(w, http.StatusOK, map[string]interface{}{"matches": []map[string]string{{"asin": "B00TEST002"}}})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "no product for code"})
		}
	})
	c := NewPricingClient(cfg)
	ctx := context.Background()

	match, err := c.LookupByCode(ctx, "012345678905")
	require.NoError(t, err)
	assert.Equal(t, "B00TEST001", match.ASIN)
	assert.Equal(t, "Widget", match.Title)

	match, err = c.LookupByCode(ctx, "5012345678900")
	require.NoError(t, err)
	assert.Equal(t, "B00TEST002", match.ASIN)

	_, err = c.LookupByCode(ctx, "999999999999")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusNotFound, pe.StatusCode)
	assert.Contains(t, pe.Error(), "no product for code")
}

func TestGetPricingNormalizesNumbers(t *testing.T) {
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pricing/B00TEST001", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"asin": "B00TEST001",
			"title": "Widget",
			"buy_box_price": "$1,299.50",
			"list_price": null,
			"offer_count": "7",
			"fees": {"referral": 12.5, "fba": "3,99", "closing": ""}
		}`))
	})
	snap, err := NewPricingClient(cfg).GetPricing(context.Background(), "B00TEST001")
	require.NoError(t, err)

	assert.Equal(t, 1299.50, snap.Price)
	assert.Zero(t, snap.ListPrice)
	assert.Equal(t, 7, snap.OfferCount)
	assert.Equal(t, 12.5, snap.Fees.Referral)
	assert.Equal(t, 3.99, snap.Fees.Fulfilment)
	assert.InDelta(t, 16.49, snap.Fees.Total(), 1e-9)
	assert.True(t, snap.Eligible, "eligibility defaults to true when absent")
	assert.Equal(t, "pricing", snap.Provider)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestGetDemand(t *testing.T) {
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sales_rank": "1520", "category": "Toys", "monthly_units": 340, "avg_rank_30": 1800.4,
		})
	})
	cfg.Name = "demand"
	snap, err := NewDemandClient(cfg).GetDemand(context.Background(), "B00TEST001")
	require.NoError(t, err)
	assert.Equal(t, "B00TEST001", snap.ASIN)
	assert.Equal(t, 1520, snap.SalesRank)
	assert.Equal(t, 340, snap.MonthlyUnits)
	assert.Equal(t, 1800, snap.AvgRank30)
	assert.Zero(t, snap.AvgRank90)
	assert.Equal(t, "demand", snap.Provider)
}

func TestStatusClassification(t *testing.T) {
	testCases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusBadRequest, KindMalformed},
		{http.StatusUnprocessableEntity, KindMalformed},
		{http.StatusNotImplemented, KindUnsupported},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
	}

	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "3")
				}
				writeJSON(w, tc.status, map[string]string{"error": "nope"})
			})
			_, err := NewPricingClient(cfg).GetPricing(context.Background(), "B00TEST001")
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.Equal(t, tc.kind == KindTransient, IsTransient(err))
			assert.Equal(t, tc.kind == KindUnauthorized, IsUnauthorized(err))
			if tc.kind == KindUnsupported {
				assert.ErrorIs(t, err, ErrUnsupported)
			}
			if tc.status == http.StatusTooManyRequests {
				var pe *Error
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, 3*time.Second, pe.RetryAfter)
			}
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]string{})
	})
	cfg.Timeout = 20 * time.Millisecond
	_, err := NewPricingClient(cfg).GetPricing(context.Background(), "B00TEST001")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCancelledContextIsNotClassified(t *testing.T) {
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPricingClient(cfg).GetPricing(ctx, "B00TEST001")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNumberAcceptsStringsAndNull(t *testing.T) {
	var payload struct {
		A Number `json:"a"`
		B Number `json:"b"`
		C Number `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12.5, "b": "$1,299.50", "c": null}`), &payload))
	assert.InDelta(t, 12.5, payload.A.Float(), 1e-9)
	assert.InDelta(t, 1299.5, payload.B.Float(), 1e-9)
	assert.Zero(t, payload.C.Float())

	assert.Error(t, json.Unmarshal([]byte(`{"a": "n/a"}`), &payload))
}
