// Package capability implements in-process capability tokens, hierarchical
// capability contexts, the per-call-chain context manager, and the
// serializer that carries a context's grants into a child process.
//
// Tokens are authorization objects, not bearer credentials: they are created
// by trusted callers, owned by exactly one context at a time, and re-checked
// for validity on every access.
package capability

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Level is the privilege level a token is granted at.
type Level int

const (
	LevelRead Level = iota
	LevelWrite
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level. Unknown values map to LevelRead,
// the least privileged level.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "write":
		return LevelWrite
	case "admin":
		return LevelAdmin
	default:
		return LevelRead
	}
}

// Token is a grant for one capability type.
type Token struct {
	capType    string
	constraint Constraint
	level      Level
	createdAt  time.Time

	mu    sync.Mutex
	usage int
	owner string // id of the owning context, "" when unowned
}

// TokenOption customizes a token at creation.
type TokenOption func(*Token)

// WithLevel sets the token's privilege level. Default: LevelRead.
func WithLevel(l Level) TokenOption {
	return func(t *Token) { t.level = l }
}

// NewToken creates a token for capType. The constraint is copied.
func NewToken(capType string, c Constraint, opts ...TokenOption) (*Token, error) {
	capType = strings.TrimSpace(capType)
	if capType == "" {
		return nil, ValidationError("", "capability type is required")
	}
	if err := c.Validate(); err != nil {
		reason := err.Error()
		var capErr *Error
		if errors.As(err, &capErr) {
			reason = capErr.Message
		}
		return nil, ValidationError(capType, reason)
	}
	t := &Token{
		capType:    capType,
		constraint: c.clone(),
		level:      LevelRead,
		createdAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// MustToken is NewToken for static grants; it panics on an invalid constraint.
func MustToken(capType string, c Constraint, opts ...TokenOption) *Token {
	t, err := NewToken(capType, c, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Token) Type() string { return t.capType }
func (t *Token) Level() Level { return t.level }

// Constraint returns a copy of the token's constraint.
func (t *Token) Constraint() Constraint { return t.constraint.clone() }

// UsageCount returns the number of authorized uses so far.
func (t *Token) UsageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Valid reports whether the token is neither expired nor over quota.
func (t *Token) Valid() bool {
	return t.check(time.Now()) == nil
}

// check returns the reason the token is unusable, or nil.
func (t *Token) check(now time.Time) error {
	if t.constraint.Expired(now) {
		return ExpiredError(t.capType, *t.constraint.ExpiresAt)
	}
	t.mu.Lock()
	used := t.usage
	t.mu.Unlock()
	if t.constraint.Exhausted(used) {
		return QuotaError(t.capType, used, *t.constraint.MaxUsageCount)
	}
	return nil
}

// consume increments usage if the quota allows it.
func (t *Token) consume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.constraint.Exhausted(t.usage) {
		return QuotaError(t.capType, t.usage, *t.constraint.MaxUsageCount)
	}
	t.usage++
	return nil
}

func (t *Token) ownerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

func (t *Token) setOwner(id string) {
	t.mu.Lock()
	t.owner = id
	t.mu.Unlock()
}

// releaseOwner clears the owner if it is still id.
func (t *Token) releaseOwner(id string) {
	t.mu.Lock()
	if t.owner == id {
		t.owner = ""
	}
	t.mu.Unlock()
}
