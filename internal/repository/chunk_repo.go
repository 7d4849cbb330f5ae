package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/sourcescan/internal/domain"
	"gorm.io/gorm"
)

// ChunkRepository handles chunk claims and state transitions.
// Every state change is a conditional UPDATE so concurrent workers and the
// stale reaper never overwrite each other.
type ChunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// GetByID retrieves a chunk by its ID.
func (r *ChunkRepository) GetByID(ctx context.Context, id string) (*domain.Chunk, error) {
	var chunk domain.Chunk
	if err := r.db.WithContext(ctx).First(&chunk, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &chunk, nil
}

// ListByJob returns a job's chunks in index order.
func (r *ChunkRepository) ListByJob(ctx context.Context, jobID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("chunk_index ASC").Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

// Acquire claims a pending chunk for processing.
// The claim only succeeds while the owning job is processing, so chunks of a
// cancelled job are never started. The returned chunk's Attempts is the lease
// the caller passes to every later transition; once the reaper hands the
// chunk to someone else those transitions affect nothing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: chunk ID.
//   - now: claim timestamp, used by the stale reaper.
//
// Returns:
//   - *domain.Chunk: the claimed chunk, or nil if it was not available.
//   - error: non-nil if the read or update fails.
func (r *ChunkRepository) Acquire(ctx context.Context, id string, now time.Time) (*domain.Chunk, error) {
	chunk, err := r.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if chunk.Status != domain.ChunkStatusPending {
		return nil, nil
	}

	lease := chunk.Attempts + 1
	res := r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id = ? AND status = ? AND attempts = ?", id, domain.ChunkStatusPending, chunk.Attempts).
		Where("EXISTS (SELECT 1 FROM jobs WHERE jobs.id = chunks.job_id AND jobs.status = ?)", domain.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     domain.ChunkStatusProcessing,
			"attempts":   lease,
			"claimed_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, nil
	}
	chunk.Status = domain.ChunkStatusProcessing
	chunk.Attempts = lease
	chunk.ClaimedAt = &now
	return chunk, nil
}

// held scopes an update to the claim identified by lease.
func (r *ChunkRepository) held(ctx context.Context, id string, lease int) *gorm.DB {
	return r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id = ? AND status = ? AND attempts = ?", id, domain.ChunkStatusProcessing, lease)
}

// Heartbeat refreshes the claim time of a held chunk.
// It reports false when the lease is gone, after which the caller must stop
// touching the chunk.
func (r *ChunkRepository) Heartbeat(ctx context.Context, id string, lease int, now time.Time) (bool, error) {
	res := r.held(ctx, id, lease).Update("claimed_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release hands a claimed chunk back to pending without consuming an attempt.
func (r *ChunkRepository) Release(ctx context.Context, id string, lease int) (bool, error) {
	res := r.held(ctx, id, lease).
		Updates(map[string]interface{}{
			"status":     domain.ChunkStatusPending,
			"attempts":   gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
			"claimed_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkComplete moves a held chunk to complete.
func (r *ChunkRepository) MarkComplete(ctx context.Context, id string, lease int, now time.Time) (bool, error) {
	return r.finish(ctx, id, lease, domain.ChunkStatusComplete, "", now)
}

// MarkFailed moves a held chunk to failed after its attempts are exhausted.
func (r *ChunkRepository) MarkFailed(ctx context.Context, id string, lease int, lastError string, now time.Time) (bool, error) {
	return r.finish(ctx, id, lease, domain.ChunkStatusFailed, lastError, now)
}

func (r *ChunkRepository) finish(ctx context.Context, id string, lease int, status domain.ChunkStatus, lastError string, now time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
		"claimed_at":   nil,
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	res := r.held(ctx, id, lease).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ScheduleRetry returns a held chunk to pending, runnable at nextRun.
func (r *ChunkRepository) ScheduleRetry(ctx context.Context, id string, lease int, lastError string, nextRun time.Time) (bool, error) {
	res := r.held(ctx, id, lease).
		Updates(map[string]interface{}{
			"status":      domain.ChunkStatusPending,
			"last_error":  lastError,
			"next_run_at": nextRun,
			"claimed_at":  nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetNextRun updates when a pending chunk becomes runnable.
func (r *ChunkRepository) SetNextRun(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id = ? AND status = ?", id, domain.ChunkStatusPending).
		Update("next_run_at", at).Error
}

// ReadyIDs returns pending chunks of processing jobs whose next run time has passed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - now: reference time for readiness.
//   - limit: maximum number of IDs to return.
//
// Returns:
//   - []string: chunk IDs, oldest ready first.
//   - error: non-nil if the query fails.
func (r *ChunkRepository) ReadyIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Joins("JOIN jobs ON jobs.id = chunks.job_id").
		Where("chunks.status = ? AND chunks.next_run_at <= ? AND jobs.status = ?",
			domain.ChunkStatusPending, now, domain.JobStatusProcessing).
		Order("chunks.next_run_at ASC, chunks.chunk_index ASC").
		Limit(limit).
		Pluck("chunks.id", &ids).Error
	return ids, err
}

// SummaryByStatus returns a job's chunk counts keyed by status.
func (r *ChunkRepository) SummaryByStatus(ctx context.Context, jobID string) (map[domain.ChunkStatus]int, error) {
	var rows []struct {
		Status domain.ChunkStatus
		Count  int
	}
	err := r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Select("status, COUNT(*) AS count").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	summary := make(map[domain.ChunkStatus]int, len(rows))
	for _, row := range rows {
		summary[row.Status] = row.Count
	}
	return summary, nil
}

// ResetStale returns chunks stuck in processing since before cutoff to pending.
// Each reset is conditional on the attempt counter and the claim time, so a
// chunk re-claimed or heartbeated between the scan and the update is left alone.
func (r *ChunkRepository) ResetStale(ctx context.Context, cutoff, now time.Time) ([]domain.Chunk, error) {
	var stale []domain.Chunk
	if err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", domain.ChunkStatusProcessing, cutoff).
		Find(&stale).Error; err != nil {
		return nil, err
	}

	reset := make([]domain.Chunk, 0, len(stale))
	for _, chunk := range stale {
		res := r.db.WithContext(ctx).Model(&domain.Chunk{}).
			Where("id = ? AND status = ? AND attempts = ? AND claimed_at < ?", chunk.ID, domain.ChunkStatusProcessing, chunk.Attempts, cutoff).
			Updates(map[string]interface{}{
				"status":      domain.ChunkStatusPending,
				"claimed_at":  nil,
				"next_run_at": now,
				"last_error":  "visibility timeout exceeded",
			})
		if res.Error != nil {
			return reset, res.Error
		}
		if res.RowsAffected == 1 {
			chunk.Status = domain.ChunkStatusPending
			reset = append(reset, chunk)
		}
	}
	return reset, nil
}
