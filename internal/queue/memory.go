package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/timmy/sourcescan/internal/clock"
)

type item struct {
	id      string
	readyAt time.Time
	seq     uint64
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MemoryQueue is an in-process delayed queue ordered by ready time, then
// insertion order.
type MemoryQueue struct {
	mu     sync.Mutex
	items  itemHeap
	queued map[string]struct{}
	seq    uint64
	clock  clock.Clock
	wake   chan struct{}
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(clk clock.Clock) *MemoryQueue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryQueue{
		queued: make(map[string]struct{}),
		clock:  clk,
		wake:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	if _, dup := q.queued[id]; !dup {
		q.seq++
		heap.Push(&q.items, item{id: id, readyAt: q.clock.Now().Add(delay), seq: q.seq})
		q.queued[id] = struct{}{}
	}
	q.mu.Unlock()
	notify(q.wake)
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		var wait <-chan time.Time
		if len(q.items) > 0 {
			top := q.items[0]
			d := top.readyAt.Sub(q.clock.Now())
			if d <= 0 {
				heap.Pop(&q.items)
				delete(q.queued, top.id)
				remaining := len(q.items)
				q.mu.Unlock()
				if remaining > 0 {
					notify(q.wake)
				}
				return top.id, nil
			}
			wait = q.clock.After(d)
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.wake:
		case <-wait:
		}
	}
}

func (q *MemoryQueue) Ack(context.Context, string) error {
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, id string, delay time.Duration) error {
	return q.Enqueue(ctx, id, delay)
}

// Len returns the number of queued IDs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
