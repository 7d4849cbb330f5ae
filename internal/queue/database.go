package queue

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/repository"
)

// DatabaseQueue derives the queue from the chunks table itself: a chunk is
// queued while it is pending and its next_run_at has passed. Nothing is lost
// on restart because there is no separate queue state.
type DatabaseQueue struct {
	chunks       *repository.ChunkRepository
	pollInterval time.Duration
	batchSize    int
	clock        clock.Clock

	mu     sync.Mutex
	buffer []string
	wake   chan struct{}
}

// NewDatabaseQueue creates a DatabaseQueue polling every pollInterval.
func NewDatabaseQueue(chunks *repository.ChunkRepository, pollInterval time.Duration, batchSize int, clk clock.Clock) *DatabaseQueue {
	if clk == nil {
		clk = clock.Real{}
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 16
	}
	return &DatabaseQueue{
		chunks:       chunks,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		clock:        clk,
		wake:         make(chan struct{}, 1),
	}
}

func (q *DatabaseQueue) Enqueue(ctx context.Context, id string, delay time.Duration) error {
	if delay > 0 {
		if err := q.chunks.SetNextRun(ctx, id, q.clock.Now().Add(delay)); err != nil {
			return err
		}
	}
	notify(q.wake)
	return nil
}

func (q *DatabaseQueue) Claim(ctx context.Context) (string, error) {
	for {
		id, err := q.next(ctx)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.wake:
		case <-q.clock.After(q.pollInterval):
		}
	}
}

func (q *DatabaseQueue) next(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buffer) == 0 {
		ids, err := q.chunks.ReadyIDs(ctx, q.clock.Now(), q.batchSize)
		if err != nil {
			return "", err
		}
		q.buffer = ids
	}
	if len(q.buffer) == 0 {
		return "", nil
	}
	id := q.buffer[0]
	q.buffer = q.buffer[1:]
	return id, nil
}

// Ack is a no-op: completing the chunk removes it from the ready set.
func (q *DatabaseQueue) Ack(context.Context, string) error {
	return nil
}

// Retry is a no-op beyond waking pollers: the chunk's next_run_at was
// already set when it was scheduled for retry.
func (q *DatabaseQueue) Retry(ctx context.Context, id string, delay time.Duration) error {
	notify(q.wake)
	return nil
}
