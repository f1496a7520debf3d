package sandbox

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

const defaultMemoSize = 256

// CacheBackend persists memoized results beyond the in-memory LRU.
type CacheBackend interface {
	GetResult(ctx context.Context, key string) (*Result, bool, error)
	PutResult(ctx context.Context, key string, r *Result) error
}

// Memo caches successful results of pure executions. Only runs with an
// empty capability context and networking disabled are cached, so a hit
// never skips a gated effect.
type Memo struct {
	cache   *lru.Cache[string, *Result]
	backend CacheBackend
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemo creates a memo holding up to size results. backend may be nil.
func NewMemo(size int, backend CacheBackend) (*Memo, error) {
	if size <= 0 {
		size = defaultMemoSize
	}
	cache, err := lru.New[string, *Result](size)
	if err != nil {
		return nil, err
	}
	return &Memo{
		cache:   cache,
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// SetLogger sets the logger for backend errors.
func (m *Memo) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// MemoKey hashes everything that determines a pure execution's outcome.
func MemoKey(language, code, encodedContext string, l Limits) string {
	h := blake3.New()
	for _, s := range []string{language, code, encodedContext} {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		_, _ = h.Write(n[:])
		_, _ = io.WriteString(h, s)
	}
	var lim [24]byte
	binary.LittleEndian.PutUint64(lim[0:], uint64(l.MemoryBytes))
	binary.LittleEndian.PutUint64(lim[8:], uint64(l.CPUTime))
	binary.LittleEndian.PutUint64(lim[16:], uint64(l.FileSizeBytes))
	_, _ = h.Write(lim[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached result, marked Cached.
func (m *Memo) Get(ctx context.Context, key string) (*Result, bool) {
	if r, ok := m.cache.Get(key); ok {
		m.hits.Add(1)
		return markCached(r), true
	}
	if m.backend != nil {
		r, ok, err := m.backend.GetResult(ctx, key)
		if err != nil {
			m.logger.WarnContext(ctx, "memo backend lookup failed", slog.String("error", err.Error()))
		} else if ok && r != nil {
			m.cache.Add(key, r.clone())
			m.hits.Add(1)
			return markCached(r), true
		}
	}
	m.misses.Add(1)
	return nil, false
}

// Put stores a successful result. Failures are never cached.
func (m *Memo) Put(ctx context.Context, key string, r *Result) {
	if r == nil || !r.Success {
		return
	}
	stored := r.clone()
	stored.Cached = false
	m.cache.Add(key, stored)
	if m.backend != nil {
		if err := m.backend.PutResult(ctx, key, stored.clone()); err != nil {
			m.logger.WarnContext(ctx, "memo backend store failed", slog.String("error", err.Error()))
		}
	}
}

// Len returns the number of in-memory entries.
func (m *Memo) Len() int { return m.cache.Len() }

// Purge drops every in-memory entry.
func (m *Memo) Purge() { m.cache.Purge() }

// Stats returns hit and miss counts.
func (m *Memo) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

func markCached(r *Result) *Result {
	out := r.clone()
	out.Cached = true
	return out
}
