package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/kinga/internal/storage"
)

// ViolationScope returns a GORM scope applying the non-zero fields of f.
func ViolationScope(f storage.ViolationFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.CapabilityType != "" {
			db = db.Where("capability_type = ?", f.CapabilityType)
		}
		if f.Outcome != "" {
			db = db.Where("outcome = ?", f.Outcome)
		}
		if f.ContextID != "" {
			db = db.Where("context_id = ?", f.ContextID)
		}
		if !f.Since.IsZero() {
			db = db.Where("created_at >= ?", f.Since.UTC())
		}
		return db
	}
}
