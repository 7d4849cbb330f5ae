package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/repository"
)

// steppedHandler announces every row it starts and waits for the test to let it finish.
type steppedHandler struct {
	entered chan int
	proceed chan struct{}
}

func newSteppedHandler() *steppedHandler {
	return &steppedHandler{entered: make(chan int), proceed: make(chan struct{})}
}

func (h *steppedHandler) Process(ctx context.Context, row *domain.JobRow) (*domain.RowResult, error) {
	select {
	case h.entered <- row.Index:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-h.proceed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &domain.RowResult{
		JobID:       row.JobID,
		RowIndex:    row.Index,
		Status:      domain.RowStatusSucceeded,
		Tier:        domain.TierUnrated,
		ProcessedAt: time.Now().UTC(),
	}, nil
}

func (h *steppedHandler) waitRow(t *testing.T) int {
	t.Helper()
	select {
	case idx := <-h.entered:
		return idx
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started a row")
		return -1
	}
}

// newSteppedPool builds a single chunk job whose worker and reaper share a manual clock.
func newSteppedPool(t *testing.T, rows int) (*testPipeline, *steppedHandler, *clock.Manual, *Maintenance, *domain.Chunk) {
	t.Helper()
	p := newTestPipeline(t, pipelineOptions{chunkSize: rows})
	clk := clock.NewManual(time.Now().UTC())
	handler := newSteppedHandler()
	p.pool = NewWorkerPool(p.jobs, p.chunks, p.results, p.queue, handler, clk, nil, &WorkerConfig{
		Workers:     1,
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
	})
	reaper := NewMaintenance(p.jobs, p.chunks, p.queue, nil, clk, nil, &MaintenanceConfig{
		VisibilityTimeout: 15 * time.Minute,
	})

	codes := make([]string, rows)
	for i := range codes {
		codes[i] = codeFound
	}
	job := p.submitCSV(t, catalogCSV(codes, 10))
	chunks, err := p.chunks.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	return p, handler, clk, reaper, &chunks[0]
}

func processInBackground(p *testPipeline, chunkID string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.pool.ProcessChunk(context.Background(), chunkID) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never finished the chunk")
	}
}

// TestReaperKeepsChunkWithRecentHeartbeat runs the reaper while a slow chunk
// is mid-flight. The chunk was claimed longer ago than the visibility timeout
// but recorded a row recently, so it must stay with its worker.
func TestReaperKeepsChunkWithRecentHeartbeat(t *testing.T) {
	p, handler, clk, reaper, chunk := newSteppedPool(t, 3)
	ctx := context.Background()
	done := processInBackground(p, chunk.ID)

	assert.Equal(t, 0, handler.waitRow(t))
	clk.Advance(10 * time.Minute)
	handler.proceed <- struct{}{}

	assert.Equal(t, 1, handler.waitRow(t))
	clk.Advance(10 * time.Minute)

	reset, err := reaper.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, reset)

	held, err := p.chunks.GetByID(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusProcessing, held.Status)
	assert.Equal(t, 1, held.Attempts)

	handler.proceed <- struct{}{}
	assert.Equal(t, 2, handler.waitRow(t))
	handler.proceed <- struct{}{}
	waitDone(t, done)

	got, err := p.chunks.GetByID(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusComplete, got.Status)
	assert.Equal(t, 1, got.Attempts)

	job, err := p.jobs.GetByID(ctx, chunk.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.ProcessedCount)
}

// TestStaleOwnerStopsAfterLeaseLost lets the reaper reset a silent chunk and
// another worker claim it; the original worker must then stop without
// recording rows or touching the new claim.
func TestStaleOwnerStopsAfterLeaseLost(t *testing.T) {
	p, handler, clk, reaper, chunk := newSteppedPool(t, 2)
	ctx := context.Background()
	done := processInBackground(p, chunk.ID)

	assert.Equal(t, 0, handler.waitRow(t))
	clk.Advance(20 * time.Minute)

	reset, err := reaper.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	next, err := p.chunks.Acquire(ctx, chunk.ID, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Attempts)

	handler.proceed <- struct{}{}
	waitDone(t, done)

	results, _, err := p.service.Results(ctx, defaultOwner, chunk.JobID, repository.ResultFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	got, err := p.chunks.GetByID(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusProcessing, got.Status)
	assert.Equal(t, 2, got.Attempts)

	ok, err := p.chunks.MarkComplete(ctx, chunk.ID, next.Attempts, clk.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRejectedCredentialsFailChunkWithoutRetry checks that a 401 from the
// pricing provider fails the chunk on its first attempt.
func TestRejectedCredentialsFailChunkWithoutRetry(t *testing.T) {
	p := newTestPipeline(t, pipelineOptions{maxAttempts: 3})
	p.pricing.asins[codeFound] = asinFound
	p.pricing.rejectPricing = true
	p.start(t)

	job := p.submitCSV(t, catalogCSV([]string{codeFound, codeFound}, 10))
	view := p.waitTerminal(t, job.ID)

	assert.Equal(t, domain.JobStatusCompletedWithErrors, view.Status)
	assert.Equal(t, 2, view.FailedCount)
	assert.Equal(t, 1, view.Chunks[domain.ChunkStatusFailed])
	assert.Equal(t, map[domain.RowErrorKind]int{domain.ErrKindProviderUnavailable: 2}, errorKinds(view.Errors))
	assert.Equal(t, 1, p.pricing.pricings(asinFound))

	chunks, err := p.chunks.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].Attempts)

	results, _, err := p.service.Results(context.Background(), defaultOwner, job.ID, repository.ResultFilter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].ErrorMessage, "provider rejected credentials")
}
