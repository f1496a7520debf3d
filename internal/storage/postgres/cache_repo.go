package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kinga/internal/sandbox"
)

// CacheRepository persists memoized execution results keyed by content hash.
type CacheRepository struct {
	db *gorm.DB
}

// NewCacheRepository creates a CacheRepository.
func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

// GetResult returns the stored result for key and bumps its hit counter.
func (r *CacheRepository) GetResult(ctx context.Context, key string) (*sandbox.Result, bool, error) {
	var model ExecutionCacheModel
	err := r.db.WithContext(ctx).Where("cache_key = ?", key).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading cached result: %w", err)
	}

	res, err := toCacheDomain(&model)
	if err != nil {
		return nil, false, err
	}

	r.db.WithContext(ctx).
		Model(&ExecutionCacheModel{}).
		Where("cache_key = ?", key).
		UpdateColumn("hits", gorm.Expr("hits + 1"))
	return res, true, nil
}

// PutResult stores r under key, replacing any previous entry.
func (r *CacheRepository) PutResult(ctx context.Context, key string, res *sandbox.Result) error {
	if res == nil {
		return nil
	}
	model, err := toCacheModel(key, res)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"result", "return_type", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("storing cached result: %w", err)
	}
	return nil
}

// Purge deletes entries last written before olderThan.
func (r *CacheRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("updated_at < ?", olderThan.UTC()).
		Delete(&ExecutionCacheModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging cached results: %w", res.Error)
	}
	return res.RowsAffected, nil
}
