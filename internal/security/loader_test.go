package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/kinga/internal/capability"
)

const samplePolicies = `
policies:
  - name: workspace
    capability_types: [file]
    allow_patterns: ['^/workspace/']
    block_patterns: ['\.key$']
    monitoring_level: verbose
  - name: outbound
    capability_types: [network]
    usage_ceiling: 10
    block_private_addresses: true
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writeFile(t, path, samplePolicies)

	policies, err := LoadPolicies(path)
	if err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}
	if p := policies[1]; p.UsageCeiling == nil || *p.UsageCeiling != 10 || !p.BlockPrivateAddresses {
		t.Errorf("outbound policy = %+v", p)
	}

	v := NewValidator(Options{}, nil)
	if _, err := LoadInto(v, path); err != nil {
		t.Fatal(err)
	}
	c := newCtx(t, capability.MustToken("file", capability.Constraint{}))
	ctx := context.Background()
	if d := v.Validate(ctx, c, "file", "/workspace/a.txt", "read"); d.Outcome != Allowed {
		t.Errorf("/workspace/a.txt = %s", d.Outcome)
	}
	if d := v.Validate(ctx, c, "file", "/workspace/tls.key", "read"); d.Outcome != Blocked {
		t.Errorf("/workspace/tls.key = %s", d.Outcome)
	}
}

func TestLoadPolicies_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad regex": "policies:\n  - name: x\n    block_patterns: ['(']\n",
		"no name":   "policies:\n  - capability_types: [file]\n",
		"bad level": "policies:\n  - name: x\n    monitoring_level: loud\n",
		"not yaml":  "policies: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "p.yaml")
			writeFile(t, path, content)
			if _, err := LoadPolicies(path); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("err = %v, want ErrInvalidPolicy", err)
			}
		})
	}
	if _, err := LoadPolicies(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}

func TestPolicyWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writeFile(t, path, "policies: []\n")

	v := NewValidator(Options{}, nil)
	w, err := NewPolicyWatcher(v, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, samplePolicies)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := v.Policy("workspace"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("policy not reloaded within 5s")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if w.Reloads() < 1 {
		t.Error("Reloads() = 0 after a reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewAuditLogger(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	v := NewValidator(Options{Sink: a}, nil)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{}))
	v.Validate(context.Background(), c, "file", "/etc/shadow", "read")
	v.Validate(context.Background(), c, "network", "example.com:80", "connect")
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("audit log perm = %o, want 600", perm)
	}

	got, err := ReadAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d violations, want 2", len(got))
	}
	if got[0].Outcome != Blocked || got[0].Severity != SeverityHigh || got[0].Resource != "/etc/shadow" {
		t.Errorf("first violation = %+v", got[0])
	}
	if got[1].Outcome != Denied {
		t.Errorf("second outcome = %s, want DENIED", got[1].Outcome)
	}
}
