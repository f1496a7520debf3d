package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kinga/internal/sandbox"
	"github.com/jkaninda/kinga/internal/security"
)

// --- Violation ---

func toViolationModel(v security.Violation) ViolationModel {
	id, err := uuid.Parse(v.ID)
	if err != nil {
		id = uuid.New()
	}
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return ViolationModel{
		ID:             id,
		Severity:       v.Severity.String(),
		Outcome:        v.Outcome.String(),
		CapabilityType: v.CapabilityType,
		Resource:       v.Resource,
		Operation:      v.Operation,
		Policy:         v.Policy,
		ContextID:      v.ContextID,
		Message:        v.Message,
		Location:       v.Location,
		Remediation:    v.Remediation,
		CreatedAt:      ts.UTC(),
	}
}

func toViolationDomain(m *ViolationModel) security.Violation {
	return security.Violation{
		ID:             m.ID.String(),
		Timestamp:      m.CreatedAt.UTC(),
		Severity:       security.ParseSeverity(m.Severity),
		Outcome:        security.ParseOutcome(m.Outcome),
		CapabilityType: m.CapabilityType,
		Resource:       m.Resource,
		Operation:      m.Operation,
		Policy:         m.Policy,
		ContextID:      m.ContextID,
		Message:        m.Message,
		Location:       m.Location,
		Remediation:    m.Remediation,
	}
}

// --- Execution cache ---

func toCacheModel(key string, r *sandbox.Result) (ExecutionCacheModel, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return ExecutionCacheModel{}, fmt.Errorf("encoding result: %w", err)
	}
	return ExecutionCacheModel{
		Key:        key,
		Result:     string(data),
		ReturnType: r.ReturnType,
	}, nil
}

func toCacheDomain(m *ExecutionCacheModel) (*sandbox.Result, error) {
	r, err := sandbox.DecodeResult([]byte(m.Result))
	if err != nil {
		return nil, fmt.Errorf("cached result %s: %w", m.Key, err)
	}
	return r, nil
}
