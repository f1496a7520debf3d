// Package security implements the policy layer on top of capability
// possession: named allow/block policies, a caching validator with
// heuristic threat detection, violation recording, and policy file loading.
//
// Holding a token is necessary but not sufficient. The resource and
// operation must also satisfy the policy registered for the capability type.
package security

import (
	"errors"
	"strings"
)

// Sentinel errors for security enforcement.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidPolicy    = errors.New("invalid policy")
	ErrReservedName     = errors.New("reserved name")
)

// Outcome is the terminal state of one validation.
type Outcome int

const (
	Allowed           Outcome = iota // Capability held and policy satisfied.
	Denied                           // Capability missing, or the token's own constraint rejects the request.
	Blocked                          // Policy block pattern, structural attack shape, or allow-list miss.
	Suspicious                       // Heuristic watch-list match.
	RequiresElevation                // Policy demands a higher-level grant than held.
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "ALLOWED"
	case Denied:
		return "DENIED"
	case Blocked:
		return "BLOCKED"
	case Suspicious:
		return "SUSPICIOUS"
	case RequiresElevation:
		return "REQUIRES_ELEVATION"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the outcome by name in JSON and YAML.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	*o = ParseOutcome(string(b))
	return nil
}

// ParseOutcome converts a name back to an Outcome. Unknown names map to
// Blocked.
func ParseOutcome(s string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALLOWED":
		return Allowed
	case "DENIED":
		return Denied
	case "SUSPICIOUS":
		return Suspicious
	case "REQUIRES_ELEVATION":
		return RequiresElevation
	default:
		return Blocked
	}
}

// Severity classifies a violation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON and YAML.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	*s = ParseSeverity(string(b))
	return nil
}

// ParseSeverity converts a string to a Severity.
// Unrecognized values default to SeverityCritical.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Monitoring levels a policy may carry.
const (
	MonitorSilent   = "silent"   // record violations, no log lines
	MonitorStandard = "standard" // log violations
	MonitorVerbose  = "verbose"  // log every decision
)
