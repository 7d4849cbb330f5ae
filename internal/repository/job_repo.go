package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sourcescan/internal/domain"
	"gorm.io/gorm"
)

// ErrStaleTransition is returned when a compare-and-set status change finds
// the job in a different state than expected.
var ErrStaleTransition = errors.New("job status changed concurrently")

// rowInsertBatch bounds the number of rows written per INSERT statement.
const rowInsertBatch = 500

// JobRepository handles job lifecycle and aggregate counters.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//
// Returns:
//   - *domain.Job: job record if found.
//   - error: gorm.ErrRecordNotFound when missing, other errors on lookup failure.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByOwner returns an owner's jobs, newest first.
func (r *JobRepository) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]domain.Job, error) {
	var jobs []domain.Job
	query := r.db.WithContext(ctx).Where("owner = ?", owner).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Transition moves a job from one of the from states to the to state.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - from: states the job must currently be in.
//   - to: target state.
//   - extra: additional columns to set in the same statement, may be nil.
//
// Returns:
//   - bool: true if this call performed the transition.
//   - error: non-nil if the update fails.
func (r *JobRepository) Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, extra map[string]interface{}) (bool, error) {
	return transitionJob(r.db.WithContext(ctx), id, from, to, extra)
}

func transitionJob(tx *gorm.DB, id string, from []domain.JobStatus, to domain.JobStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// BeginProcessing persists the job's rows and chunks and moves the job from
// chunking to processing in a single transaction.
// Returns ErrStaleTransition (and writes nothing) if the job left the chunking
// state in the meantime.
func (r *JobRepository) BeginProcessing(ctx context.Context, jobID string, rows []domain.JobRow, chunks []domain.Chunk, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, rowInsertBatch).Error; err != nil {
				return fmt.Errorf("failed to persist rows: %w", err)
			}
		}
		if len(chunks) > 0 {
			if err := tx.Create(&chunks).Error; err != nil {
				return fmt.Errorf("failed to persist chunks: %w", err)
			}
		}
		ok, err := transitionJob(tx, jobID,
			[]domain.JobStatus{domain.JobStatusChunking},
			domain.JobStatusProcessing,
			map[string]interface{}{
				"total_rows":  len(rows),
				"chunk_count": len(chunks),
				"started_at":  now,
			})
		if err != nil {
			return err
		}
		if !ok {
			return ErrStaleTransition
		}
		return nil
	})
}

// IsCancelled reports whether the job has been cancelled.
func (r *JobRepository) IsCancelled(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusCancelled).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Cancel moves a non-terminal job to cancelled.
// Returns false when the job was already terminal.
func (r *JobRepository) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.Transition(ctx, id, nonTerminalJobStatuses(), domain.JobStatusCancelled,
		map[string]interface{}{"completed_at": now})
}

// MarkFailed moves a non-terminal job to failed with a reason.
func (r *JobRepository) MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return r.Transition(ctx, id, nonTerminalJobStatuses(), domain.JobStatusFailed,
		map[string]interface{}{"failure_reason": reason, "completed_at": now})
}

// FinalizeIfDone moves a processing job to its terminal state once every
// chunk is terminal. Exactly one caller observes done == true.
// Returns:
//   - domain.JobStatus: the terminal status that was written, empty if none.
//   - bool: true if this call finalized the job.
//   - error: non-nil if a query fails.
func (r *JobRepository) FinalizeIfDone(ctx context.Context, id string, now time.Time) (domain.JobStatus, bool, error) {
	var final domain.JobStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&domain.Chunk{}).
			Where("job_id = ? AND status IN ?", id, []domain.ChunkStatus{domain.ChunkStatusPending, domain.ChunkStatusProcessing}).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return nil
		}

		var job domain.Job
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			return err
		}
		if job.Status != domain.JobStatusProcessing {
			return nil
		}

		target := domain.JobStatusCompleted
		if job.FailedCount > 0 {
			target = domain.JobStatusCompletedWithErrors
		}
		ok, err := transitionJob(tx, id, []domain.JobStatus{domain.JobStatusProcessing}, target,
			map[string]interface{}{"completed_at": now})
		if err != nil {
			return err
		}
		if ok {
			final = target
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return final, final != "", nil
}

// ErrorSummary returns the per-kind error counts for a job, most frequent first.
func (r *JobRepository) ErrorSummary(ctx context.Context, id string) ([]domain.JobErrorCount, error) {
	var counts []domain.JobErrorCount
	err := r.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("occurrences DESC, kind ASC").
		Find(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ListProcessingIDs returns the IDs of every job still in processing.
func (r *JobRepository) ListProcessingIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("status = ?", domain.JobStatusProcessing).
		Pluck("id", &ids).Error
	return ids, err
}

func nonTerminalJobStatuses() []domain.JobStatus {
	return []domain.JobStatus{
		domain.JobStatusReceived,
		domain.JobStatusChunking,
		domain.JobStatusProcessing,
	}
}
