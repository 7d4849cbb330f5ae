// Package provider holds the HTTP clients for the external pricing and demand
// data providers and the error classification the pipeline relies on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/metrics"
)

// CodeMatch is the result of resolving a supplier code.
type CodeMatch struct {
	ASIN  string `json:"asin"`
	Title string `json:"title"`
	Brand string `json:"brand"`
}

// PricingProvider is the full pricing/fees contract. Implementations that
// cannot resolve codes return an *Error of KindUnsupported wrapping ErrUnsupported.
type PricingProvider interface {
	Name() string
	LookupByCode(ctx context.Context, code string) (*CodeMatch, error)
	GetPricing(ctx context.Context, asin string) (*domain.PricingSnapshot, error)
}

// DemandProvider is the demand-history contract.
type DemandProvider interface {
	Name() string
	GetDemand(ctx context.Context, asin string) (*domain.DemandSnapshot, error)
}

// httpClient is the resty plumbing shared by both providers.
type httpClient struct {
	name   string
	client *resty.Client
}

func newHTTPClient(cfg *config.ProviderConfig) *httpClient {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.SetTimeout(timeout)
	return &httpClient{name: cfg.Name, client: client}
}

// get issues a GET and decodes a 2xx body into result. Non-2xx responses and
// transport failures come back as *Error.
func (c *httpClient) get(ctx context.Context, op, path string, params map[string]string, result interface{}) error {
	start := time.Now()
	defer func() {
		metrics.ProviderCallDurationSeconds.WithLabelValues(c.name, op).Observe(time.Since(start).Seconds())
	}()

	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(result).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.ProviderCallsTotal.WithLabelValues(c.name, op, "cancelled").Inc()
			return ctxErr
		}
		metrics.ProviderCallsTotal.WithLabelValues(c.name, op, string(KindTransient)).Inc()
		return &Error{Provider: c.name, Op: op, Kind: KindTransient, Err: fmt.Errorf("request failed: %w", err)}
	}

	kind, failed := classifyStatus(resp.StatusCode())
	if !failed {
		metrics.ProviderCallsTotal.WithLabelValues(c.name, op, "ok").Inc()
		return nil
	}
	metrics.ProviderCallsTotal.WithLabelValues(c.name, op, string(kind)).Inc()

	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = resp.Status()
	}
	var cause error = errors.New(msg)
	if kind == KindUnsupported {
		cause = fmt.Errorf("%w: %s", ErrUnsupported, msg)
	}
	return &Error{
		Provider:   c.name,
		Op:         op,
		Kind:       kind,
		StatusCode: resp.StatusCode(),
		RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
		Err:        cause,
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
