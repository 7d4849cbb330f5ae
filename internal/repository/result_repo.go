package repository

import (
	"context"
	"fmt"

	"github.com/timmy/sourcescan/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResultFilter narrows a result listing.
type ResultFilter struct {
	Status domain.RowStatus
	Tier   domain.Tier
	Limit  int
	Offset int
}

// ResultRepository handles job rows and per-row results.
type ResultRepository struct {
	db *gorm.DB
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// ListRows returns a job's input rows with index in [start, end), in order.
func (r *ResultRepository) ListRows(ctx context.Context, jobID string, start, end int) ([]domain.JobRow, error) {
	var rows []domain.JobRow
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND row_index >= ? AND row_index < ?", jobID, start, end).
		Order("row_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DoneIndexes returns the row indexes in [start, end) that already have a result.
func (r *ResultRepository) DoneIndexes(ctx context.Context, jobID string, start, end int) (map[int]struct{}, error) {
	var indexes []int
	err := r.db.WithContext(ctx).Model(&domain.RowResult{}).
		Where("job_id = ? AND row_index >= ? AND row_index < ?", jobID, start, end).
		Pluck("row_index", &indexes).Error
	if err != nil {
		return nil, err
	}
	done := make(map[int]struct{}, len(indexes))
	for _, idx := range indexes {
		done[idx] = struct{}{}
	}
	return done, nil
}

// RecordResult stores a row result and bumps the chunk and job counters in
// one transaction. A second result for the same (job, row) is ignored, so
// redelivered chunks never double count.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - result: row result; JobID, RowIndex, ChunkID and Status must be set.
//
// Returns:
//   - bool: true if the result was new and counters changed.
//   - error: non-nil if the transaction fails.
func (r *ResultRepository) RecordResult(ctx context.Context, result *domain.RowResult) (bool, error) {
	inserted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "row_index"}},
			DoNothing: true,
		}).Create(result)
		if res.Error != nil {
			return fmt.Errorf("failed to insert row result: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true

		chunkCol, jobCol := "success_count", "succeeded_count"
		if result.Status == domain.RowStatusFailed {
			chunkCol, jobCol = "error_count", "failed_count"
		}

		if err := tx.Model(&domain.Chunk{}).Where("id = ?", result.ChunkID).
			Update(chunkCol, gorm.Expr(chunkCol+" + ?", 1)).Error; err != nil {
			return fmt.Errorf("failed to update chunk counters: %w", err)
		}
		if err := tx.Model(&domain.Job{}).Where("id = ?", result.JobID).
			Updates(map[string]interface{}{
				"processed_count": gorm.Expr("processed_count + ?", 1),
				jobCol:            gorm.Expr(jobCol+" + ?", 1),
			}).Error; err != nil {
			return fmt.Errorf("failed to update job counters: %w", err)
		}

		if result.Status == domain.RowStatusFailed {
			summary := domain.JobErrorCount{JobID: result.JobID, Kind: result.ErrorKind, Occurrences: 1}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "job_id"}, {Name: "kind"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"occurrences": gorm.Expr("job_error_counts.occurrences + ?", 1),
				}),
			}).Create(&summary).Error; err != nil {
				return fmt.Errorf("failed to update error summary: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ListResults returns a page of a job's results in row order and the total
// number of matching results.
func (r *ResultRepository) ListResults(ctx context.Context, jobID string, filter ResultFilter) ([]domain.RowResult, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.RowResult{}).Where("job_id = ?", jobID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Tier != "" {
		query = query.Where("tier = ?", filter.Tier)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var results []domain.RowResult
	query = query.Order("row_index ASC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}
	if err := query.Find(&results).Error; err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

// EachResult streams a job's results in row order, batchSize at a time.
func (r *ResultRepository) EachResult(ctx context.Context, jobID string, batchSize int, fn func([]domain.RowResult) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	after := -1
	for {
		var batch []domain.RowResult
		err := r.db.WithContext(ctx).
			Where("job_id = ? AND row_index > ?", jobID, after).
			Order("row_index ASC").
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		after = batch[len(batch)-1].RowIndex
	}
}

// UpdateProfitability overwrites the derived profitability columns of a result.
func (r *ResultRepository) UpdateProfitability(ctx context.Context, id string, p domain.ProfitabilityResult) error {
	return r.db.WithContext(ctx).Model(&domain.RowResult{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"cost":        p.CostBasis,
			"fees_total":  p.FeesTotal,
			"net_profit":  p.NetProfit,
			"roi_pct":     p.ROIPct,
			"roi_defined": p.ROIDefined,
			"margin_pct":  p.MarginPct,
			"tier":        p.Tier,
		}).Error
}
