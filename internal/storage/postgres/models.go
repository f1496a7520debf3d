package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ViolationModel maps to the "violations" table.
// No UpdatedAt or DeletedAt: the violation log is append-only and immutable.
type ViolationModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Severity       string    `gorm:"not null;index"`
	Outcome        string    `gorm:"not null;index"`
	CapabilityType string    `gorm:"not null;index"`
	Resource       string    `gorm:"not null"`
	Operation      string
	Policy         string
	ContextID      string `gorm:"index"`
	Message        string `gorm:"not null"`
	Location       string
	Remediation    string
	CreatedAt      time.Time `gorm:"index"`
}

func (ViolationModel) TableName() string { return "violations" }

// ExecutionCacheModel maps to the "execution_cache" table.
// Key is the content hash of a pure execution; Result is the JSON-encoded
// sandbox result.
type ExecutionCacheModel struct {
	Key        string `gorm:"column:cache_key;primaryKey;size:64"`
	Result     string `gorm:"type:text;not null"`
	ReturnType string
	Hits       int64 `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

func (ExecutionCacheModel) TableName() string { return "execution_cache" }

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&ViolationModel{},
		&ExecutionCacheModel{},
	}
}
