package repository

import (
	"context"
	"time"

	"github.com/timmy/sourcescan/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheRepository persists enrichment cache entries.
type CacheRepository struct {
	db *gorm.DB
}

// NewCacheRepository creates a new CacheRepository.
func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

// Get retrieves an entry by key regardless of expiry.
func (r *CacheRepository) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	if err := r.db.WithContext(ctx).First(&entry, "key = ?", key).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// Upsert writes an expiring entry. Permanent entries are never overwritten.
// Returns false if a permanent entry already holds the key.
func (r *CacheRepository) Upsert(ctx context.Context, entry *domain.CacheEntry) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "kind", "expires_at", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Table: "cache_entries", Name: "kind"}, Value: domain.CacheEntryPermanent},
		}},
	}).Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// InsertIfAbsent writes an entry only if the key is unused.
// Returns:
//   - bool: true if the entry was written.
//   - error: non-nil if the insert fails.
func (r *CacheRepository) InsertIfAbsent(ctx context.Context, entry *domain.CacheEntry) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteExpired removes every expiring entry whose deadline is at or before now.
func (r *CacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("kind = ? AND expires_at <= ?", domain.CacheEntryTTL, now).
		Delete(&domain.CacheEntry{})
	return res.RowsAffected, res.Error
}
