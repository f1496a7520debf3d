package capability

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// EnvVar is the environment variable carrying a serialized context into a
// sandboxed child process.
const EnvVar = "KINGA_CAPABILITY_CONTEXT"

const wireVersion = 1

type wireContext struct {
	Version int         `json:"v"`
	Context string      `json:"context"`
	Tokens  []wireToken `json:"tokens"`
}

// wireToken is plain data only. Expiry is carried as unix milliseconds,
// truncated, so a decoded token never outlives the original.
type wireToken struct {
	Type              string   `json:"type"`
	ResourcePatterns  []string `json:"resource_patterns,omitempty"`
	AllowedOperations []string `json:"allowed_operations,omitempty"`
	ExpiresAtMillis   *int64   `json:"expires_at_ms,omitempty"`
	MaxUsageCount     *int     `json:"max_usage_count,omitempty"`
	Level             string   `json:"level"`
}

// Serialize encodes the context's locally valid tokens as base64url JSON.
// Parent grants, usage counters and ownership are not carried.
func Serialize(c *Context) (string, error) {
	if c == nil {
		return encodeWire(wireContext{Version: wireVersion, Tokens: []wireToken{}})
	}
	if c.Closed() {
		return "", ContextError(c.id, "cannot serialize closed context %q", c.name)
	}
	w := wireContext{Version: wireVersion, Context: c.name, Tokens: []wireToken{}}
	for _, t := range sortedTokens(c.AllCapabilities(false)) {
		w.Tokens = append(w.Tokens, toWire(t))
	}
	return encodeWire(w)
}

// DeserializeOption customizes Deserialize.
type DeserializeOption func(*deserializeOptions)

type deserializeOptions struct {
	usage map[string]int
}

// WithUsage starts each decoded token at the recorded usage for its type.
// A child process that checks capabilities across several invocations
// keeps its own ledger this way; the parent's counters are never involved.
func WithUsage(usage map[string]int) DeserializeOption {
	return func(o *deserializeOptions) { o.usage = usage }
}

// Deserialize rebuilds a context from Serialize output in arena. Tokens get
// the same constraints and a fresh usage counter, so usage inside the child
// is never visible to the original context. An empty string yields an empty
// context.
func Deserialize(arena *Arena, encoded string, opts ...DeserializeOption) (*Context, error) {
	var o deserializeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if arena == nil {
		arena = NewArena()
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return arena.NewContext("sandbox"), nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, ValidationError("", fmt.Sprintf("decoding serialized context: %v", err))
	}
	var w wireContext
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, ValidationError("", fmt.Sprintf("parsing serialized context: %v", err))
	}
	if w.Version != wireVersion {
		return nil, ValidationError("", fmt.Sprintf("unsupported serialized context version %d", w.Version))
	}

	name := w.Context
	if name == "" {
		name = "sandbox"
	}
	c := arena.NewContext(name)
	for _, wt := range w.Tokens {
		t, err := fromWire(wt)
		if err != nil {
			c.Close()
			return nil, err
		}
		if n := o.usage[t.capType]; n > 0 {
			t.usage = n
		}
		// Expired in transit or spent by earlier invocations: drop rather
		// than fail the whole context.
		if !t.Valid() {
			continue
		}
		if err := c.Add(t); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// ValidateSerialization reports the first token in c that must not cross a
// process boundary: one whose constraint cannot round-trip, or a wildcard
// grant with no operation restriction.
func ValidateSerialization(c *Context) error {
	if c == nil {
		return nil
	}
	if c.Closed() {
		return ContextError(c.id, "context %q is closed", c.name)
	}
	for _, t := range sortedTokens(c.AllCapabilities(false)) {
		if err := t.constraint.Validate(); err != nil {
			reason := err.Error()
			var capErr *Error
			if errors.As(err, &capErr) {
				reason = capErr.Message
			}
			return ValidationError(t.capType, "cannot serialize: "+reason)
		}
		if pattern, broad := broadGrant(t); broad {
			return ValidationError(t.capType,
				fmt.Sprintf("cannot serialize unrestricted wildcard grant %q; narrow the pattern or restrict operations", pattern))
		}
	}
	return nil
}

// SerializationSafe is ValidateSerialization as a predicate.
func SerializationSafe(c *Context) bool {
	return ValidateSerialization(c) == nil
}

// broadGrant reports whether t grants every resource for every operation.
func broadGrant(t *Token) (string, bool) {
	if len(t.constraint.AllowedOperations) > 0 {
		return "", false
	}
	if len(t.constraint.ResourcePatterns) == 0 {
		return "<unconstrained>", true
	}
	for _, p := range t.constraint.ResourcePatterns {
		switch p {
		case "*", "**", "/**", "/*":
			return p, true
		case "*:*", "**:*":
			if t.capType == "network" {
				return p, true
			}
		}
	}
	return "", false
}

func toWire(t *Token) wireToken {
	c := t.Constraint()
	wt := wireToken{
		Type:              t.capType,
		ResourcePatterns:  c.ResourcePatterns,
		AllowedOperations: c.AllowedOperations,
		MaxUsageCount:     c.MaxUsageCount,
		Level:             t.level.String(),
	}
	if c.ExpiresAt != nil {
		ms := c.ExpiresAt.UnixMilli()
		wt.ExpiresAtMillis = &ms
	}
	return wt
}

func fromWire(wt wireToken) (*Token, error) {
	c := Constraint{
		ResourcePatterns:  wt.ResourcePatterns,
		AllowedOperations: wt.AllowedOperations,
		MaxUsageCount:     wt.MaxUsageCount,
	}
	if wt.ExpiresAtMillis != nil {
		exp := time.UnixMilli(*wt.ExpiresAtMillis)
		c.ExpiresAt = &exp
	}
	return NewToken(wt.Type, c, WithLevel(ParseLevel(wt.Level)))
}

func encodeWire(w wireContext) (string, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encoding capability context: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func sortedTokens(m map[string]*Token) []*Token {
	out := make([]*Token, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Token) int { return strings.Compare(a.capType, b.capType) })
	return out
}
