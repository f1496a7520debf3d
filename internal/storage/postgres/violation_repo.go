package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/kinga/internal/security"
	"github.com/jkaninda/kinga/internal/storage"
)

// ViolationRepository persists security violations.
// Append-only: no Update or Delete methods exist on this type.
type ViolationRepository struct {
	db *gorm.DB
}

// NewViolationRepository creates a ViolationRepository.
func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

// RecordViolation inserts a single violation. Satisfies security.ViolationSink.
func (r *ViolationRepository) RecordViolation(ctx context.Context, v security.Violation) error {
	model := toViolationModel(v)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording violation: %w", err)
	}
	return nil
}

// List returns violations matching f, newest first. Limit defaults to 100.
func (r *ViolationRepository) List(ctx context.Context, f storage.ViolationFilter) ([]security.Violation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var models []ViolationModel
	err := r.db.WithContext(ctx).
		Scopes(ViolationScope(f)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing violations: %w", err)
	}

	out := make([]security.Violation, len(models))
	for i := range models {
		out[i] = toViolationDomain(&models[i])
	}
	return out, nil
}

// Count returns the number of violations matching f. Limit is ignored.
func (r *ViolationRepository) Count(ctx context.Context, f storage.ViolationFilter) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&ViolationModel{}).
		Scopes(ViolationScope(f)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting violations: %w", err)
	}
	return n, nil
}
