package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Violation is the structured record of a non-ALLOWED decision.
type Violation struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Severity       Severity  `json:"severity"`
	Outcome        Outcome   `json:"outcome"`
	CapabilityType string    `json:"capability_type"`
	Resource       string    `json:"resource"`
	Operation      string    `json:"operation"`
	Policy         string    `json:"policy,omitempty"`
	ContextID      string    `json:"context_id,omitempty"`
	Message        string    `json:"message"`
	Location       string    `json:"location,omitempty"`
	Remediation    string    `json:"remediation,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s %s %s on %q: %s", v.Severity, v.Outcome, v.CapabilityType, v.Operation, v.Resource, v.Message)
}

// ViolationSink receives every violation the validator records.
// Satisfied by *AuditLogger (JSONL file) and the sqlite store.
type ViolationSink interface {
	RecordViolation(ctx context.Context, v Violation) error
}

// MultiSink fans a violation out to several sinks. Every sink is tried;
// the errors are joined.
type MultiSink []ViolationSink

func (m MultiSink) RecordViolation(ctx context.Context, v Violation) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordViolation(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newViolation(outcome Outcome, capType, resource, op, policy, contextID, location, message string) Violation {
	return Violation{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Severity:       severityFor(outcome),
		Outcome:        outcome,
		CapabilityType: capType,
		Resource:       resource,
		Operation:      op,
		Policy:         policy,
		ContextID:      contextID,
		Message:        message,
		Location:       location,
		Remediation:    remediationFor(outcome, capType),
	}
}

func severityFor(o Outcome) Severity {
	switch o {
	case Blocked:
		return SeverityHigh
	case Denied, RequiresElevation:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func remediationFor(o Outcome, capType string) string {
	switch o {
	case Denied:
		return fmt.Sprintf("grant a %q capability whose constraint covers this resource and operation", capType)
	case Blocked:
		return "the resource matches a blocked pattern or is outside the policy allow list; choose a different resource"
	case Suspicious:
		return "review the resource; it matches a heuristic watch-list entry"
	case RequiresElevation:
		return fmt.Sprintf("grant the %q capability at admin level for this operation", capType)
	default:
		return ""
	}
}

// history is a bounded ring of violations, oldest first.
type history struct {
	buf   []Violation
	start int
	n     int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 1
	}
	return &history{buf: make([]Violation, size)}
}

func (h *history) add(v Violation) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = v
		h.n++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) list() []Violation {
	out := make([]Violation, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *history) clear() {
	clear(h.buf)
	h.start, h.n = 0, 0
}
