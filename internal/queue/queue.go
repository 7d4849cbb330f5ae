// Package queue delivers chunk IDs to workers. Delivery is at-least-once:
// the chunk repository's claim is what guarantees a chunk runs on one
// worker at a time, so every backend may hand out an ID more than once.
package queue

import (
	"context"
	"time"
)

// Queue is a delayed work queue of chunk IDs.
type Queue interface {
	// Enqueue makes id available to Claim after delay.
	Enqueue(ctx context.Context, id string, delay time.Duration) error
	// Claim blocks until an ID is ready or ctx is done.
	Claim(ctx context.Context) (string, error)
	// Ack reports that id needs no further delivery.
	Ack(ctx context.Context, id string) error
	// Retry makes id available again after delay.
	Retry(ctx context.Context, id string, delay time.Duration) error
}

// notify wakes one blocked Claim without blocking the caller.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
