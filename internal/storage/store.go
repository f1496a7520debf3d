// Package storage defines the Store interface that abstracts kinga's persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL
// (shared deployments). Both persist the violation audit trail and memoized
// execution results.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/kinga/internal/sandbox"
	"github.com/jkaninda/kinga/internal/security"
)

// Store is the unified persistence interface. It satisfies
// security.ViolationSink and sandbox.CacheBackend so it can be handed
// directly to the validator and the memo.
type Store interface {
	// Violations (append-only).
	RecordViolation(ctx context.Context, v security.Violation) error
	ListViolations(ctx context.Context, f ViolationFilter) ([]security.Violation, error)
	CountViolations(ctx context.Context, f ViolationFilter) (int64, error)

	// Memoized execution results.
	GetResult(ctx context.Context, key string) (*sandbox.Result, bool, error)
	PutResult(ctx context.Context, key string, r *sandbox.Result) error
	PurgeResults(ctx context.Context, olderThan time.Time) (int64, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

var (
	_ security.ViolationSink = Store(nil)
	_ sandbox.CacheBackend   = Store(nil)
)

// ViolationFilter narrows ListViolations. Zero fields match everything.
type ViolationFilter struct {
	CapabilityType string
	Outcome        string
	ContextID      string
	Since          time.Time
	Limit          int // Default: 100
}

// Matches reports whether v passes the non-zero fields of f. Limit is
// not considered.
func (f ViolationFilter) Matches(v security.Violation) bool {
	switch {
	case f.CapabilityType != "" && v.CapabilityType != f.CapabilityType:
		return false
	case f.Outcome != "" && v.Outcome.String() != f.Outcome:
		return false
	case f.ContextID != "" && v.ContextID != f.ContextID:
		return false
	case !f.Since.IsZero() && v.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
