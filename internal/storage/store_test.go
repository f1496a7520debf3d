package storage

import (
	"testing"
	"time"

	"github.com/jkaninda/kinga/internal/security"
)

func TestViolationFilter_Matches(t *testing.T) {
	now := time.Now()
	v := security.Violation{
		Timestamp:      now,
		Outcome:        security.Blocked,
		CapabilityType: "file",
		ContextID:      "ctx-1",
	}

	tests := []struct {
		name   string
		filter ViolationFilter
		want   bool
	}{
		{"empty", ViolationFilter{}, true},
		{"type", ViolationFilter{CapabilityType: "file"}, true},
		{"other type", ViolationFilter{CapabilityType: "net"}, false},
		{"outcome", ViolationFilter{Outcome: "BLOCKED"}, true},
		{"other outcome", ViolationFilter{Outcome: "DENIED"}, false},
		{"context", ViolationFilter{ContextID: "ctx-2"}, false},
		{"since before", ViolationFilter{Since: now.Add(-time.Minute)}, true},
		{"since after", ViolationFilter{Since: now.Add(time.Minute)}, false},
		{"limit ignored", ViolationFilter{Limit: 1, CapabilityType: "file"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(v); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}
