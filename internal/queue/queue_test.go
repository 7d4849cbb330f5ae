package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func claimWithin(t *testing.T, q Queue, d time.Duration) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Claim(ctx)
}

func TestMemoryQueueOrdersByReadyTime(t *testing.T) {
	clk := clock.NewManual(t0)
	q := NewMemoryQueue(clk)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "late", 5*time.Second))
	require.NoError(t, q.Enqueue(ctx, "a", 0))
	require.NoError(t, q.Enqueue(ctx, "b", 0))
	require.NoError(t, q.Enqueue(ctx, "a", 0), "duplicate enqueue is ignored")
	assert.Equal(t, 3, q.Len())

	id, err := claimWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	id, err = claimWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	_, err = claimWithin(t, q, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "delayed item is not ready yet")

	clk.Advance(5 * time.Second)
	id, err = claimWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", id)
}

func TestMemoryQueueWakesBlockedClaim(t *testing.T) {
	q := NewMemoryQueue(clock.NewManual(t0))
	got := make(chan string, 1)
	go func() {
		id, _ := claimWithin(t, q, 2*time.Second)
		got <- id
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "chunk-1", 0))
	assert.Equal(t, "chunk-1", <-got)
}

func TestMemoryQueueRetryDelays(t *testing.T) {
	clk := clock.NewManual(t0)
	q := NewMemoryQueue(clk)
	ctx := context.Background()

	require.NoError(t, q.Retry(ctx, "chunk-1", 10*time.Second))
	_, err := claimWithin(t, q, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clk.Advance(10 * time.Second)
	id, err := claimWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1", id)
	assert.NoError(t, q.Ack(ctx, id))
}

func TestDatabaseQueue(t *testing.T) {
	db, err := repository.OpenInMemory()
	require.NoError(t, err)
	ctx := context.Background()

	jobs := repository.NewJobRepository(db)
	chunks := repository.NewChunkRepository(db)
	job := &domain.Job{ID: uuid.New().String(), Owner: "o", Status: domain.JobStatusChunking}
	require.NoError(t, jobs.Create(ctx, job))

	ready := domain.Chunk{ID: uuid.New().String(), JobID: job.ID, Index: 0, RowStart: 0, RowEnd: 1, Status: domain.ChunkStatusPending, NextRunAt: t0}
	later := domain.Chunk{ID: uuid.New().String(), JobID: job.ID, Index: 1, RowStart: 1, RowEnd: 2, Status: domain.ChunkStatusPending, NextRunAt: t0.Add(time.Minute)}
	rows := []domain.JobRow{{JobID: job.ID, Index: 0}, {JobID: job.ID, Index: 1}}
	require.NoError(t, jobs.BeginProcessing(ctx, job.ID, rows, []domain.Chunk{ready, later}, t0))

	clk := clock.NewManual(t0)
	q := NewDatabaseQueue(chunks, 10*time.Millisecond, 4, clk)

	id, err := claimWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ready.ID, id)

	claimed, err := chunks.Acquire(ctx, id, t0)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = claimWithin(t, q, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clk.Advance(time.Minute)
	id, err = claimWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, later.ID, id)
}

// TestRedisQueue runs against a real server when REDIS_ADDR is set.
func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	key := "sourcescan-test-queue-" + uuid.New().String()
	t.Cleanup(func() { client.Del(context.Background(), key) })

	q := NewRedisQueue(client, key, 10*time.Millisecond, clock.Real{})

	require.NoError(t, q.Enqueue(ctx, "first", 0))
	require.NoError(t, q.Enqueue(ctx, "delayed", time.Hour))

	id, err := claimWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", id)

	_, err = claimWithin(t, q, 50*time.Millisecond)
	assert.Error(t, err)
	require.NoError(t, q.Ack(ctx, "delayed"))
}
