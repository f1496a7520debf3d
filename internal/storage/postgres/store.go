package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/kinga/internal/sandbox"
	"github.com/jkaninda/kinga/internal/security"
	"github.com/jkaninda/kinga/internal/storage"
)

// Repositories bundles the repositories sharing one GORM connection.
// Both the PostgreSQL and the SQLite store embed it; GORM's dialects handle
// the SQL differences.
type Repositories struct {
	violations *ViolationRepository
	cache      *CacheRepository
}

// NewRepositories creates the repositories over db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		violations: NewViolationRepository(db),
		cache:      NewCacheRepository(db),
	}
}

func (r *Repositories) RecordViolation(ctx context.Context, v security.Violation) error {
	return r.violations.RecordViolation(ctx, v)
}

func (r *Repositories) ListViolations(ctx context.Context, f storage.ViolationFilter) ([]security.Violation, error) {
	return r.violations.List(ctx, f)
}

func (r *Repositories) CountViolations(ctx context.Context, f storage.ViolationFilter) (int64, error) {
	return r.violations.Count(ctx, f)
}

func (r *Repositories) GetResult(ctx context.Context, key string) (*sandbox.Result, bool, error) {
	return r.cache.GetResult(ctx, key)
}

func (r *Repositories) PutResult(ctx context.Context, key string, res *sandbox.Result) error {
	return r.cache.PutResult(ctx, key, res)
}

func (r *Repositories) PurgeResults(ctx context.Context, olderThan time.Time) (int64, error) {
	return r.cache.Purge(ctx, olderThan)
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*Repositories
	pgDB *DB
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		Repositories: NewRepositories(pgDB.GormDB()),
		pgDB:         pgDB,
	}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// DB returns the underlying connection wrapper.
func (s *Store) DB() *DB {
	return s.pgDB
}
