// Package ratelimit enforces per-provider request budgets shared by every
// worker in the process.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket for one provider. Tokens refill continuously at
// the configured rate up to the burst size. Waiters are served in the order
// they reserved.
type Limiter struct {
	name  string
	lim   *rate.Limiter
	clock clock.Clock

	mu        sync.Mutex
	coolUntil time.Time
}

// New creates a Limiter allowing ratePerSecond requests per second with the given burst.
func New(name string, ratePerSecond float64, burst int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		name:  name,
		lim:   rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		clock: clk,
	}
}

// Name returns the provider name the limiter guards.
func (l *Limiter) Name() string {
	return l.name
}

// Reserve takes one token at now and returns how long the caller must wait
// before using it.
func (l *Limiter) Reserve(now time.Time) (time.Duration, error) {
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0, fmt.Errorf("ratelimit %s: request exceeds burst", l.name)
	}
	return r.DelayFrom(now), nil
}

// Acquire blocks until a token is available or ctx is done. A cancelled
// wait returns its reservation to the bucket.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.clock.Now()
	defer func() {
		metrics.RateLimitWaitSeconds.WithLabelValues(l.name).Observe(l.clock.Now().Sub(start).Seconds())
	}()

	if err := l.waitCoolOff(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.clock.Now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("ratelimit %s: request exceeds burst", l.name)
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	select {
	case <-l.clock.After(delay):
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		return ctx.Err()
	}
}

// Throttle pauses all acquisitions for d. Used when the provider itself
// signals that the budget was exceeded.
func (l *Limiter) Throttle(d time.Duration) {
	until := l.clock.Now().Add(d)
	l.mu.Lock()
	if until.After(l.coolUntil) {
		l.coolUntil = until
	}
	l.mu.Unlock()
}

func (l *Limiter) waitCoolOff(ctx context.Context) error {
	l.mu.Lock()
	until := l.coolUntil
	l.mu.Unlock()

	wait := until.Sub(l.clock.Now())
	if wait <= 0 {
		return nil
	}
	select {
	case <-l.clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry holds one Limiter per provider.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	clock    clock.Clock
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), clock: clk}
}

// NewRegistryFromConfig creates a registry with a limiter for each configured provider.
func NewRegistryFromConfig(cfg *config.ProvidersConfig, clk clock.Clock) *Registry {
	reg := NewRegistry(clk)
	for _, p := range []config.ProviderConfig{cfg.Pricing, cfg.Demand} {
		reg.Register(p.Name, p.RatePerSecond, p.Burst)
	}
	return reg
}

// Register adds or replaces the limiter for name.
func (r *Registry) Register(name string, ratePerSecond float64, burst int) *Limiter {
	l := New(name, ratePerSecond, burst, r.clock)
	r.mu.Lock()
	r.limiters[name] = l
	r.mu.Unlock()
	return l
}

// Get returns the limiter for name.
func (r *Registry) Get(name string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// MustGet returns the limiter for name and panics if it was never registered.
func (r *Registry) MustGet(name string) *Limiter {
	l, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("ratelimit: no limiter registered for %q", name))
	}
	return l
}
