package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/kinga/internal/capability"
)

func ptr[T any](v T) *T { return &v }

func newCtx(t *testing.T, tokens ...*capability.Token) *capability.Context {
	t.Helper()
	c := capability.NewArena().NewContext("test")
	t.Cleanup(c.Close)
	for _, tok := range tokens {
		if err := c.Add(tok); err != nil {
			t.Fatalf("Add(%s): %v", tok.Type(), err)
		}
	}
	return c
}

func TestValidator_Outcomes(t *testing.T) {
	v := NewValidator(Options{}, nil)
	ctx := context.Background()
	c := newCtx(t,
		capability.MustToken("file", capability.Constraint{}),
		capability.MustToken("network", capability.Constraint{}),
		capability.MustToken("process", capability.Constraint{}),
		capability.MustToken("env", capability.Constraint{}),
		capability.MustToken("attr", capability.Constraint{}),
	)

	tests := []struct {
		name     string
		capType  string
		resource string
		op       string
		want     Outcome
	}{
		{"plain file", "file", "/tmp/work/out.txt", "write", Allowed},
		{"shadow", "file", "/etc/shadow", "read", Blocked},
		{"traversal", "file", "/tmp/../etc/hosts", "read", Blocked},
		{"encoded traversal", "file", "/tmp/%2E%2E/etc", "read", Blocked},
		{"proc", "file", "/proc/self/environ", "read", Blocked},
		{"ssh key", "file", "/home/u/.ssh/config", "read", Blocked},
		{"chmod needs admin", "file", "/tmp/x", "chmod", RequiresElevation},
		{"temp hidden", "file", "/tmp/.cache", "read", Suspicious},
		{"public host", "network", "api.example.com:443", "connect", Allowed},
		{"loopback", "network", "127.0.0.1:8080", "connect", Blocked},
		{"localhost", "network", "localhost:6379", "connect", Blocked},
		{"private", "network", "10.1.2.3:22", "connect", Blocked},
		{"rfc1918 172", "network", "172.20.0.1:80", "connect", Blocked},
		{"mapped loopback", "network", "[::ffff:127.0.0.1]:80", "connect", Blocked},
		{"decimal loopback", "network", "2130706433:80", "connect", Blocked},
		{"url form", "network", "http://192.168.1.1/admin", "connect", Blocked},
		{"onion", "network", "abc.onion:80", "connect", Suspicious},
		{"ngrok", "network", "x.ngrok.io:443", "connect", Suspicious},
		{"command", "process", "ls -la", "exec", Allowed},
		{"chained", "process", "ls; rm -rf /", "exec", Blocked},
		{"subshell", "process", "echo $(id)", "exec", Blocked},
		{"env preload", "env", "LD_PRELOAD", "write", Blocked},
		{"env home", "env", "HOME", "read", Allowed},
		{"dunder", "attr", "obj.__class__", "get", Blocked},
		{"missing", "database", "db", "read", Denied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := v.Validate(ctx, c, tt.capType, tt.resource, tt.op)
			if d.Outcome != tt.want {
				t.Errorf("Validate(%s, %q, %s) = %s (%s), want %s", tt.capType, tt.resource, tt.op, d.Outcome, d.Reason, tt.want)
			}
		})
	}
}

func TestValidator_BlockedDespiteUnconstrainedToken(t *testing.T) {
	v := NewValidator(Options{}, nil)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{ResourcePatterns: []string{"**"}}))

	if !c.CanAccess("file", "/etc/shadow", "read") {
		t.Fatal("token should cover /etc/shadow on its own")
	}
	d := v.Validate(context.Background(), c, "file", "/etc/shadow", "read")
	if d.Outcome != Blocked {
		t.Fatalf("outcome = %s, want BLOCKED", d.Outcome)
	}
}

func TestValidator_Precedence(t *testing.T) {
	v := NewValidator(Options{}, nil)
	err := v.Register(Policy{
		Name:            "data",
		CapabilityTypes: []string{"file"},
		AllowPatterns:   []string{`^/data/`},
		BlockPatterns:   []string{`^/data/private/`},
	})
	if err != nil {
		t.Fatal(err)
	}
	c := newCtx(t, capability.MustToken("file", capability.Constraint{}))
	ctx := context.Background()

	tests := []struct {
		resource string
		want     Outcome
	}{
		{"/data/report.csv", Allowed},
		{"/data/credentials.json", Suspicious},
		{"/data/private/report.csv", Blocked},
		{"/srv/report.csv", Blocked},
	}
	for _, tt := range tests {
		if d := v.Validate(ctx, c, "file", tt.resource, "read"); d.Outcome != tt.want {
			t.Errorf("Validate(%q) = %s, want %s", tt.resource, d.Outcome, tt.want)
		}
	}
}

func TestValidator_SuspiciousIsBlocked(t *testing.T) {
	v := NewValidator(Options{SuspiciousIsBlocked: true}, nil)
	c := newCtx(t, capability.MustToken("network", capability.Constraint{}))
	d := v.Validate(context.Background(), c, "network", "paste.pastebin.com:443", "connect")
	if d.Outcome != Blocked {
		t.Fatalf("outcome = %s, want BLOCKED", d.Outcome)
	}
	if d.Permitted() {
		t.Error("blocked decision permitted")
	}
}

func TestValidator_TokenConstraintDenies(t *testing.T) {
	v := NewValidator(Options{}, nil)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{
		ResourcePatterns:  []string{"/tmp/**"},
		AllowedOperations: []string{"read"},
	}))
	ctx := context.Background()

	if d := v.Validate(ctx, c, "file", "/var/log/x", "read"); d.Outcome != Denied {
		t.Errorf("out-of-scope resource = %s, want DENIED", d.Outcome)
	}
	if d := v.Validate(ctx, c, "file", "/tmp/x", "write"); d.Outcome != Denied {
		t.Errorf("out-of-scope op = %s, want DENIED", d.Outcome)
	}
}

func TestValidator_PolicyReplace(t *testing.T) {
	v := NewValidator(Options{}, nil)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{}))
	ctx := context.Background()

	_ = v.Register(Policy{Name: "data", CapabilityTypes: []string{"file"}, AllowPatterns: []string{`^/a/`}})
	if d := v.Validate(ctx, c, "file", "/b/x", "read"); d.Outcome != Blocked {
		t.Fatalf("before replace = %s, want BLOCKED", d.Outcome)
	}

	// Same name, no allow list: the old allow list is gone, not merged.
	_ = v.Register(Policy{Name: "data", CapabilityTypes: []string{"file"}})
	if d := v.Validate(ctx, c, "file", "/b/x", "read"); d.Outcome != Allowed {
		t.Fatalf("after replace = %s, want ALLOWED", d.Outcome)
	}
	if p, _ := v.Policy("data"); len(p.AllowPatterns) != 0 {
		t.Errorf("replaced policy kept allow patterns: %v", p.AllowPatterns)
	}
}

func TestValidator_RegisterInvalid(t *testing.T) {
	v := NewValidator(Options{}, nil)
	before := len(v.Policies())
	err := v.RegisterAll([]Policy{
		{Name: "ok", CapabilityTypes: []string{"x"}},
		{Name: "bad", BlockPatterns: []string{"("}},
	})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("err = %v, want ErrInvalidPolicy", err)
	}
	if len(v.Policies()) != before {
		t.Error("partial registration after an invalid policy")
	}
	if v.Unregister(GenericPolicyName) {
		t.Error("generic policy was removed")
	}
}

func TestValidator_UsageCeiling(t *testing.T) {
	v := NewValidator(Options{}, nil)
	_ = v.Register(Policy{Name: "net", CapabilityTypes: []string{"network"}, UsageCeiling: ptr(2)})
	c := newCtx(t, capability.MustToken("network", capability.Constraint{}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := v.Authorize(ctx, c, "network", "example.com:443", "connect"); err != nil {
			t.Fatalf("Authorize %d: %v", i, err)
		}
	}
	d, err := v.Authorize(ctx, c, "network", "example.com:443", "connect")
	if !errors.Is(err, ErrPermissionDenied) || d.Outcome != Blocked {
		t.Fatalf("third Authorize = %s, %v; want BLOCKED", d.Outcome, err)
	}
}

func TestValidator_AuthorizeConsumesQuota(t *testing.T) {
	v := NewValidator(Options{}, nil)
	tok := capability.MustToken("file", capability.Constraint{MaxUsageCount: ptr(1)})
	c := newCtx(t, tok)
	ctx := context.Background()

	if _, err := v.Authorize(ctx, c, "file", "/tmp/a", "read"); err != nil {
		t.Fatalf("first Authorize: %v", err)
	}
	if tok.UsageCount() != 1 {
		t.Errorf("usage = %d, want 1", tok.UsageCount())
	}

	_, err := v.Authorize(ctx, c, "file", "/tmp/a", "read")
	if !errors.Is(err, ErrPermissionDenied) || !errors.Is(err, capability.ErrInsufficient) {
		t.Fatalf("second Authorize err = %v, want permission denied wrapping insufficient", err)
	}

	// Validate alone never consumes.
	c2 := newCtx(t, capability.MustToken("file", capability.Constraint{MaxUsageCount: ptr(1)}))
	for i := 0; i < 3; i++ {
		if d := v.Validate(ctx, c2, "file", "/tmp/a", "read"); d.Outcome != Allowed {
			t.Fatalf("Validate %d = %s", i, d.Outcome)
		}
	}
}

func TestValidator_MissingCapabilityError(t *testing.T) {
	v := NewValidator(Options{}, nil)
	c := newCtx(t)
	d, err := v.Authorize(context.Background(), c, "network", "example.com:80", "connect")
	if d.Outcome != Denied {
		t.Fatalf("outcome = %s, want DENIED", d.Outcome)
	}
	if !errors.Is(err, capability.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound in chain", err)
	}
	if d := v.Validate(context.Background(), nil, "network", "x", "y"); d.Outcome != Denied {
		t.Errorf("nil context = %s, want DENIED", d.Outcome)
	}
}

func TestValidator_Cache(t *testing.T) {
	v := NewValidator(Options{}, nil)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{}))
	ctx := context.Background()

	first := v.Validate(ctx, c, "file", "/tmp/a", "read")
	second := v.Validate(ctx, c, "file", "/tmp/a", "read")
	if first.Cached || !second.Cached {
		t.Fatalf("cached flags = %v, %v; want false, true", first.Cached, second.Cached)
	}
	if first.Outcome != second.Outcome {
		t.Error("cached decision differs")
	}
	s := v.Stats()
	if s.CacheHits != 1 || s.CacheMisses != 1 {
		t.Errorf("stats hits=%d misses=%d, want 1/1", s.CacheHits, s.CacheMisses)
	}

	// Registration invalidates the cache.
	_ = v.Register(Policy{Name: "lock", CapabilityTypes: []string{"file"}, BlockPatterns: []string{`^/tmp/`}})
	if d := v.Validate(ctx, c, "file", "/tmp/a", "read"); d.Cached || d.Outcome != Blocked {
		t.Errorf("after register = %s cached=%v, want fresh BLOCKED", d.Outcome, d.Cached)
	}
}

func TestValidator_CacheKeyedByUsage(t *testing.T) {
	v := NewValidator(Options{}, nil)
	tok := capability.MustToken("file", capability.Constraint{MaxUsageCount: ptr(5)})
	c := newCtx(t, tok)
	ctx := context.Background()

	v.Validate(ctx, c, "file", "/tmp/a", "read")
	if err := c.Use("file", "/tmp/a", "read"); err != nil {
		t.Fatal(err)
	}
	if d := v.Validate(ctx, c, "file", "/tmp/a", "read"); d.Cached {
		t.Error("decision served from cache after usage changed")
	}
}

func TestValidator_CacheRespectsExpiry(t *testing.T) {
	v := NewValidator(Options{}, nil)
	exp := time.Now().Add(40 * time.Millisecond)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{ExpiresAt: &exp}))
	ctx := context.Background()

	if d := v.Validate(ctx, c, "file", "/tmp/a", "read"); d.Outcome != Allowed {
		t.Fatalf("before expiry = %s", d.Outcome)
	}
	time.Sleep(60 * time.Millisecond)
	if d := v.Validate(ctx, c, "file", "/tmp/a", "read"); d.Outcome != Denied {
		t.Fatalf("after expiry = %s, want DENIED", d.Outcome)
	}
}

type memorySink struct {
	mu   sync.Mutex
	got  []Violation
	fail bool
}

func (m *memorySink) RecordViolation(_ context.Context, v Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.got = append(m.got, v)
	return nil
}

func TestValidator_Violations(t *testing.T) {
	sink := &memorySink{}
	v := NewValidator(Options{HistorySize: 3, Sink: sink}, nil)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{}))
	ctx := context.Background()

	v.Validate(ctx, c, "file", "/tmp/ok", "read")
	for _, r := range []string{"/etc/shadow", "/proc/1", "/sys/x", "/dev/sda"} {
		v.Validate(ctx, c, "file", r, "read")
	}

	hist := v.Violations()
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	if hist[0].Resource != "/proc/1" || hist[2].Resource != "/dev/sda" {
		t.Errorf("history order = %v", []string{hist[0].Resource, hist[1].Resource, hist[2].Resource})
	}
	for _, viol := range hist {
		if viol.Severity != SeverityHigh || viol.Remediation == "" || viol.Location != "context:test" || viol.ID == "" {
			t.Errorf("incomplete violation: %+v", viol)
		}
	}
	if len(sink.got) != 4 {
		t.Errorf("sink received %d, want 4", len(sink.got))
	}

	s := v.Stats()
	if s.Outcomes["ALLOWED"] != 1 || s.Outcomes["BLOCKED"] != 4 {
		t.Errorf("outcomes = %v", s.Outcomes)
	}

	v.ClearViolations()
	if len(v.Violations()) != 0 {
		t.Error("ClearViolations left entries")
	}

	// A failing sink does not change the decision.
	sink.fail = true
	if d := v.Validate(ctx, c, "file", "/etc/passwd", "read"); d.Outcome != Blocked {
		t.Errorf("outcome with failing sink = %s", d.Outcome)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &memorySink{}, &memorySink{fail: true}
	sink := MultiSink{a, nil, b}
	err := sink.RecordViolation(context.Background(), Violation{Resource: "/etc/shadow"})
	if err == nil {
		t.Fatal("expected the failing sink's error")
	}
	if len(a.got) != 1 {
		t.Errorf("healthy sink received %d, want 1", len(a.got))
	}
	if err := (MultiSink{a}).RecordViolation(context.Background(), Violation{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidator_Concurrent(t *testing.T) {
	v := NewValidator(Options{}, nil)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if i%4 == 0 && j%10 == 0 {
					_ = v.Register(Policy{Name: "churn", CapabilityTypes: []string{"other"}})
				}
				if d := v.Validate(ctx, c, "file", "/etc/shadow", "read"); d.Outcome != Blocked {
					t.Errorf("outcome = %s", d.Outcome)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestCheckName(t *testing.T) {
	for _, name := range []string{"__class__", "_private", "__import__"} {
		if err := CheckName(name); !errors.Is(err, ErrReservedName) {
			t.Errorf("CheckName(%q) = %v, want ErrReservedName", name, err)
		}
	}
	if err := CheckName("open"); err != nil {
		t.Errorf("CheckName(open) = %v", err)
	}
}

func TestIsPrivateHost(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":        true,
		"localhost":        true,
		"::1":              true,
		"::ffff:10.0.0.1":  true,
		"0x7f000001":       true,
		"fd12:3456::1":     true,
		"169.254.169.254":  true,
		"8.8.8.8":          false,
		"example.com":      false,
		"2606:4700::1111":  false,
	}
	for host, want := range tests {
		if got := IsPrivateHost(host); got != want {
			t.Errorf("IsPrivateHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestSuspiciousReason_Base64(t *testing.T) {
	tests := []struct {
		resource string
		want     string
	}{
		{"/home/alice/projects/kinga/internal/capability/context", ""},
		{"/srv/a/b/c/d/e/f/g/h/i/j/k/l/m/n/o/p/q/r/s/t/u/v/w/x/y/z/aa/bb", ""},
		{"/tmp/out-2024-01-01_report_for_the_quarterly_review_meeting.csv", ""},
		{"/tmp/aGVsbG8gd29ybGQgdGhpcyBpcyBhIHZlcnkgbG9uZyBzZWNyZXQgcGF5bG9hZA==", "embedded base64 blob"},
		{"exfil.example.com:443/QUJDREVGR0hJSktMTU5PUFFSU1RVVldYWVphYmNkZWZnaGlqa2xt", "embedded base64 blob"},
	}
	for _, tt := range tests {
		if got := SuspiciousReason(tt.resource); got != tt.want {
			t.Errorf("SuspiciousReason(%q) = %q, want %q", tt.resource, got, tt.want)
		}
	}

	v := NewValidator(Options{SuspiciousIsBlocked: true}, nil)
	c := newCtx(t, capability.MustToken("file", capability.Constraint{}))
	if d := v.Validate(context.Background(), c, "file", "/home/alice/projects/kinga/internal/capability/context", "read"); d.Outcome != Allowed {
		t.Errorf("long plain path = %s (%s), want ALLOWED", d.Outcome, d.Reason)
	}
}

func TestNewValidatorFromSet(t *testing.T) {
	src := NewValidator(Options{SuspiciousIsBlocked: true}, nil)
	if err := src.Register(Policy{
		Name:            "reports",
		CapabilityTypes: []string{"file"},
		AllowPatterns:   []string{`^/reports/`},
		UsageCeiling:    ptr(5),
	}); err != nil {
		t.Fatal(err)
	}
	if !src.Unregister("env") {
		t.Fatal("Unregister(env) = false")
	}

	ps := src.PolicySet()
	if len(ps.Suspicious) == 0 || !ps.SuspiciousIsBlocked {
		t.Fatalf("policy set = %+v", ps)
	}
	dst, err := NewValidatorFromSet(ps, Options{}, nil)
	if err != nil {
		t.Fatalf("NewValidatorFromSet: %v", err)
	}
	if len(dst.Policies()) != len(src.Policies()) {
		t.Errorf("policies = %d, want %d", len(dst.Policies()), len(src.Policies()))
	}
	if _, ok := dst.Policy("env"); ok {
		t.Error("unregistered policy came back")
	}

	c := newCtx(t,
		capability.MustToken("file", capability.Constraint{}),
		capability.MustToken("network", capability.Constraint{}),
		capability.MustToken("env", capability.Constraint{}),
	)
	requests := []struct{ capType, resource, op string }{
		{"file", "/reports/q1.csv", "read"},
		{"file", "/srv/q1.csv", "read"},
		{"file", "/reports/credentials.json", "read"},
		{"network", "2130706433:9", "connect"},
		{"network", "api.example.com:443", "connect"},
		{"env", "LD_PRELOAD", "write"},
		{"database", "db", "read"},
	}
	ctx := context.Background()
	for _, r := range requests {
		want := src.Validate(ctx, c, r.capType, r.resource, r.op).Outcome
		if got := dst.Validate(ctx, c, r.capType, r.resource, r.op).Outcome; got != want {
			t.Errorf("%s %q: copy = %s, original = %s", r.capType, r.resource, got, want)
		}
	}

	bare, err := NewValidatorFromSet(PolicySet{}, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bare.Policy(GenericPolicyName); !ok {
		t.Error("generic fallback missing from an empty set")
	}
	if _, err := NewValidatorFromSet(PolicySet{Policies: []Policy{{Name: "bad", BlockPatterns: []string{"("}}}}, Options{}, nil); err == nil {
		t.Error("expected an error for an invalid pattern")
	}
}
