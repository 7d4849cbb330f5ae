package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/metrics"
	"github.com/timmy/sourcescan/internal/provider"
	"github.com/timmy/sourcescan/internal/queue"
	"github.com/timmy/sourcescan/internal/repository"
	"golang.org/x/sync/errgroup"
)

// claimErrorPause is how long a worker waits after the queue itself fails.
const claimErrorPause = time.Second

// releaseTimeout bounds the cleanup a worker does after its context ends.
const releaseTimeout = 5 * time.Second

var (
	// errJobCancelled stops a chunk when its job is cancelled mid-flight.
	errJobCancelled = errors.New("job cancelled")
	// errLeaseLost stops a worker whose chunk was reset and handed to another claim.
	errLeaseLost = errors.New("chunk lease lost")
)

// WorkerConfig holds configuration for the worker pool.
type WorkerConfig struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// WorkerPool drains the chunk queue. Each worker claims a chunk, processes
// its rows in order and retries the chunk with backoff on transient failures.
type WorkerPool struct {
	jobs    *repository.JobRepository
	chunks  *repository.ChunkRepository
	results *repository.ResultRepository
	queue   queue.Queue
	handler RowHandler
	clock   clock.Clock
	logger  *logger.Logger
	cfg     WorkerConfig
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(
	jobs *repository.JobRepository,
	chunks *repository.ChunkRepository,
	results *repository.ResultRepository,
	q queue.Queue,
	handler RowHandler,
	clk clock.Clock,
	log *logger.Logger,
	cfg *WorkerConfig,
) *WorkerPool {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	c := *cfg
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	return &WorkerPool{
		jobs:    jobs,
		chunks:  chunks,
		results: results,
		queue:   q,
		handler: handler,
		clock:   clk,
		logger:  log,
		cfg:     c,
	}
}

// log returns a logger from context if available, otherwise returns the pool logger
func (p *WorkerPool) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return p.logger
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *WorkerPool) Run(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "worker_pool")
	p.log(ctx).WithField("workers", p.cfg.Workers).Info("Starting worker pool")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return p.worker(gctx, workerID)
		})
	}
	err := g.Wait()

	p.log(ctx).Info("Worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *WorkerPool) worker(ctx context.Context, workerID int) error {
	ctx = logger.WithField(ctx, logger.FieldWorkerID, workerID)
	for {
		chunkID, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.CtxError(ctx, "Failed to claim from queue: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-p.clock.After(claimErrorPause):
			}
			continue
		}

		if err := p.ProcessChunk(ctx, chunkID); err != nil && ctx.Err() == nil {
			logger.CtxError(logger.SetChunkID(ctx, chunkID), "Chunk processing failed: %v", err)
		}
	}
}

// ProcessChunk claims and processes one chunk. Calling it for a chunk that
// is already complete, failed, held by another worker or owned by a
// cancelled job does nothing.
func (p *WorkerPool) ProcessChunk(ctx context.Context, chunkID string) error {
	chunk, err := p.chunks.Acquire(ctx, chunkID, p.clock.Now())
	if err != nil {
		// Leave the chunk queued; the claim never happened.
		if retryErr := p.queue.Retry(ctx, chunkID, p.cfg.BackoffBase); retryErr != nil {
			logger.CtxWarn(ctx, "Failed to requeue chunk %s: %v", chunkID, retryErr)
		}
		return fmt.Errorf("failed to claim chunk: %w", err)
	}
	if chunk == nil {
		return p.queue.Ack(ctx, chunkID)
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()
	start := time.Now()
	defer func() {
		metrics.ChunkDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	ctx = logger.SetJobID(ctx, chunk.JobID)
	ctx = logger.SetChunkID(ctx, chunk.ID)

	p.log(ctx).WithFields(logger.Fields{
		logger.FieldAttempt: chunk.Attempts,
		"row_start":         chunk.RowStart,
		"row_end":           chunk.RowEnd,
	}).Debug("Processing chunk")

	recorded, err := p.processRows(ctx, chunk)
	switch {
	case err == nil:
		return p.complete(ctx, chunk, recorded, time.Since(start))
	case errors.Is(err, errLeaseLost):
		// The chunk's queue entry now belongs to the new claim, so no ack.
		metrics.ChunksTotal.WithLabelValues("lease_lost").Inc()
		logger.CtxWarn(ctx, "Chunk lease lost after %d rows, stopping", recorded)
		return nil
	case errors.Is(err, errJobCancelled):
		p.release(ctx, chunk, false)
		metrics.ChunksTotal.WithLabelValues("abandoned").Inc()
		logger.CtxInfo(ctx, "Job cancelled, abandoning chunk after %d rows", recorded)
		return p.queue.Ack(ctx, chunk.ID)
	case ctx.Err() != nil:
		// Shutdown: hand the chunk back without consuming an attempt.
		p.release(ctx, chunk, true)
		return ctx.Err()
	default:
		return p.retryOrFail(ctx, chunk, err)
	}
}

// processRows runs every row of the chunk that has no result yet, in order,
// and returns how many rows it recorded.
func (p *WorkerPool) processRows(ctx context.Context, chunk *domain.Chunk) (int, error) {
	rows, err := p.results.ListRows(ctx, chunk.JobID, chunk.RowStart, chunk.RowEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to load rows: %w", err)
	}
	done, err := p.results.DoneIndexes(ctx, chunk.JobID, chunk.RowStart, chunk.RowEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to load finished rows: %w", err)
	}

	recorded := 0
	for i := range rows {
		row := &rows[i]
		if _, ok := done[row.Index]; ok {
			continue
		}
		if err := p.checkCancelled(ctx, chunk.JobID); err != nil {
			return recorded, err
		}

		result, err := p.handler.Process(ctx, row)
		if err != nil {
			return recorded, fmt.Errorf("row %d: %w", row.Index, err)
		}
		if err := p.record(ctx, chunk, result); err != nil {
			return recorded, err
		}
		recorded++
	}
	// A chunk of a cancelled job is never marked complete.
	return recorded, p.checkCancelled(ctx, chunk.JobID)
}

func (p *WorkerPool) checkCancelled(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := p.jobs.IsCancelled(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to check job status: %w", err)
	}
	if cancelled {
		return errJobCancelled
	}
	return nil
}

// heartbeat refreshes the chunk's claim time, or returns errLeaseLost once
// the reaper has handed it to another claim.
func (p *WorkerPool) heartbeat(ctx context.Context, chunk *domain.Chunk) error {
	held, err := p.chunks.Heartbeat(ctx, chunk.ID, chunk.Attempts, p.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to refresh chunk claim: %w", err)
	}
	if !held {
		return errLeaseLost
	}
	return nil
}

// record stores a row result under the chunk's lease.
func (p *WorkerPool) record(ctx context.Context, chunk *domain.Chunk, result *domain.RowResult) error {
	if err := p.heartbeat(ctx, chunk); err != nil {
		return err
	}
	result.ChunkID = chunk.ID
	result.JobID = chunk.JobID
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	inserted, err := p.results.RecordResult(ctx, result)
	if err != nil {
		return fmt.Errorf("failed to record row %d: %w", result.RowIndex, err)
	}
	if inserted {
		metrics.RowsProcessedTotal.WithLabelValues(string(result.Status), string(result.ErrorKind)).Inc()
		if result.Status == domain.RowStatusFailed {
			logger.With(logger.Fields{
				logger.FieldRowIndex: result.RowIndex,
				"error_kind":         result.ErrorKind,
			}).Debug(ctx, "Row failed: %s", result.ErrorMessage)
		}
	}
	return nil
}

func (p *WorkerPool) complete(ctx context.Context, chunk *domain.Chunk, recorded int, elapsed time.Duration) error {
	ok, err := p.chunks.MarkComplete(ctx, chunk.ID, chunk.Attempts, p.clock.Now())
	if err != nil {
		return p.retryOrFail(ctx, chunk, fmt.Errorf("failed to complete chunk: %w", err))
	}
	if !ok {
		// The reaper took the chunk back while we were working on it.
		logger.CtxWarn(ctx, "Chunk was no longer held at completion")
		return nil
	}
	metrics.ChunksTotal.WithLabelValues("complete").Inc()
	logger.With(logger.Fields{logger.FieldAttempt: chunk.Attempts}).
		WithDuration(elapsed).
		WithCount(recorded).
		Info(ctx, "Chunk complete")
	if err := p.queue.Ack(ctx, chunk.ID); err != nil {
		logger.CtxWarn(ctx, "Failed to ack chunk: %v", err)
	}
	return p.finalize(ctx, chunk.JobID)
}

// retryOrFail schedules another attempt with exponential backoff, or marks
// the chunk failed once its attempts are used up or a provider refused our
// credentials. Rows still without a result are then recorded as failed so
// the job can finish.
func (p *WorkerPool) retryOrFail(ctx context.Context, chunk *domain.Chunk, cause error) error {
	log := p.log(ctx).WithFields(logger.Fields{
		logger.FieldAttempt: chunk.Attempts,
		"max_attempts":      p.cfg.MaxAttempts,
	}).WithError(cause)

	if chunk.Attempts < p.cfg.MaxAttempts && !provider.IsUnauthorized(cause) {
		delay := p.Backoff(chunk.Attempts)
		ok, err := p.chunks.ScheduleRetry(ctx, chunk.ID, chunk.Attempts, cause.Error(), p.clock.Now().Add(delay))
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		if !ok {
			return nil
		}
		metrics.ChunksTotal.WithLabelValues("retried").Inc()
		log.WithField("delay", delay.String()).Warn("Chunk attempt failed, retrying")
		return p.queue.Retry(ctx, chunk.ID, delay)
	}

	log.Error("Chunk failed, giving up")
	if err := p.failRemaining(ctx, chunk, cause); err != nil {
		if errors.Is(err, errLeaseLost) {
			logger.CtxWarn(ctx, "Chunk lease lost while failing rows, stopping")
			return nil
		}
		return err
	}
	ok, err := p.chunks.MarkFailed(ctx, chunk.ID, chunk.Attempts, cause.Error(), p.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark chunk failed: %w", err)
	}
	if !ok {
		return nil
	}
	metrics.ChunksTotal.WithLabelValues("failed").Inc()
	if err := p.queue.Ack(ctx, chunk.ID); err != nil {
		log.Warn("Failed to ack chunk")
	}
	return p.finalize(ctx, chunk.JobID)
}

// failRemaining records a failed result for every row of the chunk that has none.
func (p *WorkerPool) failRemaining(ctx context.Context, chunk *domain.Chunk, cause error) error {
	kind := domain.ErrKindInternal
	message := fmt.Sprintf("gave up after %d attempts: %v", chunk.Attempts, cause)
	var pe *provider.Error
	if errors.As(cause, &pe) {
		kind = domain.ErrKindProviderUnavailable
		if pe.Kind == provider.KindUnauthorized {
			message = fmt.Sprintf("provider rejected credentials: %v", cause)
		}
	}

	done, err := p.results.DoneIndexes(ctx, chunk.JobID, chunk.RowStart, chunk.RowEnd)
	if err != nil {
		return fmt.Errorf("failed to load finished rows: %w", err)
	}
	rows, err := p.results.ListRows(ctx, chunk.JobID, chunk.RowStart, chunk.RowEnd)
	if err != nil {
		return fmt.Errorf("failed to load rows: %w", err)
	}
	now := p.clock.Now()
	for _, row := range rows {
		if _, ok := done[row.Index]; ok {
			continue
		}
		result := &domain.RowResult{
			JobID:        chunk.JobID,
			RowIndex:     row.Index,
			Status:       domain.RowStatusFailed,
			ErrorKind:    kind,
			ErrorMessage: message,
			Code:         row.Values[domain.FieldCode],
			Title:        row.Values[domain.FieldTitle],
			ProcessedAt:  now,
		}
		if err := p.record(ctx, chunk, result); err != nil {
			return err
		}
	}
	return nil
}

func (p *WorkerPool) finalize(ctx context.Context, jobID string) error {
	status, done, err := p.jobs.FinalizeIfDone(ctx, jobID, p.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if done {
		metrics.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
		p.log(ctx).WithField(logger.FieldStatus, status).Info("Job finished")
	}
	return nil
}

// release hands a claimed chunk back to pending. With requeue set the chunk
// is offered to the queue again for the next process to pick up.
func (p *WorkerPool) release(ctx context.Context, chunk *domain.Chunk, requeue bool) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	held, err := p.chunks.Release(cleanupCtx, chunk.ID, chunk.Attempts)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to release chunk: %v", err)
		return
	}
	if requeue && held {
		if err := p.queue.Retry(cleanupCtx, chunk.ID, 0); err != nil {
			logger.CtxWarn(ctx, "Failed to requeue released chunk: %v", err)
		}
	}
}

// Backoff returns the delay before attempt+1: base * 2^(attempt-1), capped.
func (p *WorkerPool) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.cfg.BackoffMax > 0 && delay >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	if p.cfg.BackoffMax > 0 && delay > p.cfg.BackoffMax {
		return p.cfg.BackoffMax
	}
	return delay
}
