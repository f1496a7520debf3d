package capability

import (
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Constraint bounds what a token grants.
//
// Empty ResourcePatterns or AllowedOperations mean unconstrained along that
// axis. An expiry in the past, or a reached usage ceiling, invalidates the
// constraint permanently.
type Constraint struct {
	ResourcePatterns  []string
	AllowedOperations []string
	ExpiresAt         *time.Time
	MaxUsageCount     *int
}

// Expired reports whether the constraint's time bound has passed.
func (c Constraint) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Exhausted reports whether usage has reached the ceiling.
func (c Constraint) Exhausted(usage int) bool {
	return c.MaxUsageCount != nil && usage >= *c.MaxUsageCount
}

// Unconstrained reports whether the constraint grants every resource.
func (c Constraint) Unconstrained() bool {
	if len(c.ResourcePatterns) == 0 {
		return true
	}
	return slices.ContainsFunc(c.ResourcePatterns, isUniversalPattern)
}

// MatchesResource reports whether resource matches at least one pattern.
func (c Constraint) MatchesResource(resource string) bool {
	if len(c.ResourcePatterns) == 0 {
		return true
	}
	for _, p := range c.ResourcePatterns {
		if MatchPattern(p, resource) {
			return true
		}
	}
	return false
}

// AllowsOperation reports whether the operation is permitted.
func (c Constraint) AllowsOperation(op string) bool {
	if len(c.AllowedOperations) == 0 {
		return true
	}
	return slices.Contains(c.AllowedOperations, op)
}

// Matches combines the resource and operation checks.
func (c Constraint) Matches(resource, op string) bool {
	return c.MatchesResource(resource) && c.AllowsOperation(op)
}

// Validate checks the constraint's structure.
func (c Constraint) Validate() error {
	for _, p := range c.ResourcePatterns {
		if strings.TrimSpace(p) == "" {
			return ValidationError("", "empty resource pattern")
		}
		if !doublestar.ValidatePattern(p) {
			return ValidationError("", "malformed resource pattern "+p)
		}
	}
	for _, op := range c.AllowedOperations {
		if strings.TrimSpace(op) == "" {
			return ValidationError("", "empty operation name")
		}
	}
	if c.MaxUsageCount != nil && *c.MaxUsageCount < 0 {
		return ValidationError("", "negative max usage count")
	}
	return nil
}

func (c Constraint) clone() Constraint {
	out := Constraint{
		ResourcePatterns:  slices.Clone(c.ResourcePatterns),
		AllowedOperations: slices.Clone(c.AllowedOperations),
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.MaxUsageCount != nil {
		n := *c.MaxUsageCount
		out.MaxUsageCount = &n
	}
	return out
}

// MatchPattern matches resource against a glob pattern. "*" within a path
// segment, "**" across segments, and a bare "*" or "**" matches anything.
// Malformed patterns never match.
func MatchPattern(pattern, resource string) bool {
	if isUniversalPattern(pattern) {
		return true
	}
	ok, err := doublestar.Match(pattern, resource)
	return err == nil && ok
}

func isUniversalPattern(p string) bool {
	return p == "*" || p == "**"
}
