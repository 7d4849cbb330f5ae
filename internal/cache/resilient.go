package cache

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/metrics"
)

// Resilient wraps a backend so that infrastructure failures degrade to cache
// misses instead of failing rows. ErrPermanentConflict is still returned.
type Resilient struct {
	next Cache
}

// NewResilient wraps next.
func NewResilient(next Cache) *Resilient {
	return &Resilient{next: next}
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := r.next.Get(ctx, key)
	ns := Namespace(key)
	switch {
	case err != nil:
		logger.FromContext(ctx).WithError(err).WithField("key", key).Warn("Cache read failed, treating as miss")
		metrics.CacheRequestsTotal.WithLabelValues(ns, "error").Inc()
		return nil, false, nil
	case ok:
		metrics.CacheRequestsTotal.WithLabelValues(ns, "hit").Inc()
	default:
		metrics.CacheRequestsTotal.WithLabelValues(ns, "miss").Inc()
	}
	return value, ok, nil
}

func (r *Resilient) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := r.next.Put(ctx, key, value, ttl)
	if err == nil || errors.Is(err, ErrPermanentConflict) {
		return err
	}
	logger.FromContext(ctx).WithError(err).WithField("key", key).Warn("Cache write failed")
	return nil
}

// Sweep forwards to the backend when it supports sweeping.
func (r *Resilient) Sweep(ctx context.Context) (int64, error) {
	if s, ok := r.next.(Sweeper); ok {
		return s.Sweep(ctx)
	}
	return 0, nil
}
