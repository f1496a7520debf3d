package sandbox

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"testing"

	"github.com/jkaninda/kinga/internal/capability"
	"github.com/jkaninda/kinga/internal/security"
)

func newPythonSandbox(t *testing.T, mutate func(*Config), opts ...Option) *Sandbox {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	cfg := DefaultConfig()
	cfg.CPUTimeout = 10
	cfg.WorkDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPython_Arithmetic(t *testing.T) {
	s := newPythonSandbox(t, nil)
	res := mustExecute(t, s, "x = 1 + 1\n", nil, nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v\nstderr: %s", res.Error, res.Stderr)
	}
	if len(res.CapabilityViolations) != 0 {
		t.Errorf("violations = %v", res.CapabilityViolations)
	}
	if res.ReturnValue != nil || res.ReturnType != "NoneType" {
		t.Errorf("return = %v %q", res.ReturnValue, res.ReturnType)
	}
}

func TestPython_ReturnValues(t *testing.T) {
	tests := []struct {
		code     string
		want     any
		wantType string
	}{
		{"2 ** 10\n", int64(1024), "int"},
		{"result = 'done'\n", "done", "str"},
		{"[1, 2][-1] * 1.5\n", 3.0, "float"},
		{"print('side effect')\nTrue\n", true, "bool"},
	}
	s := newPythonSandbox(t, nil)
	for _, tt := range tests {
		res := mustExecute(t, s, tt.code, nil, nil)
		if !res.Success {
			t.Fatalf("%q: %+v\n%s", tt.code, res.Error, res.Stderr)
		}
		if res.ReturnValue != tt.want || res.ReturnType != tt.wantType {
			t.Errorf("%q = %v (%T) %q, want %v %q", tt.code, res.ReturnValue, res.ReturnValue, res.ReturnType, tt.want, tt.wantType)
		}
	}
}

func TestPython_Exception(t *testing.T) {
	s := newPythonSandbox(t, nil)
	res := mustExecute(t, s, "1 / 0\n", nil, nil)
	if !res.Failed(KindExecution) || res.Error.Type != "ZeroDivisionError" {
		t.Fatalf("got %+v", res.Error)
	}
	if !strings.Contains(res.Stderr, "ZeroDivisionError") {
		t.Errorf("traceback missing from stderr: %q", res.Stderr)
	}
}

func TestPython_Guards(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantKind ErrorKind
		wantType string
		outcome  string
	}{
		{"disabled import", "import ctypes\n", KindExecution, "ImportError", "BLOCKED"},
		{"file without grant", "open('/etc/hostname').read()\n", KindSecurity, "CapabilityError", "DENIED"},
		{"network disabled", "import socket\nsocket.create_connection(('93.184.216.34', 80), timeout=1)\n", KindSecurity, "CapabilityError", "BLOCKED"},
		{"reserved attribute", "getattr(object, '__subclasses__')()\n", KindSecurity, "CapabilityError", "BLOCKED"},
		{"shell without grant", "import os\nos.system('id')\n", KindSecurity, "CapabilityError", "DENIED"},
		{"os.open", "import os\nos.open('/etc/hostname', os.O_RDONLY)\n", KindSecurity, "CapabilityError", "DENIED"},
		{"io.open", "import io\nio.open('/etc/hostname').read()\n", KindSecurity, "CapabilityError", "DENIED"},
		{"raw FileIO", "import _io\n_io.FileIO('/etc/hostname')\n", KindSecurity, "CapabilityError", "DENIED"},
		{"pathlib", "import pathlib\npathlib.Path('/etc/hostname').read_text()\n", KindSecurity, "CapabilityError", "DENIED"},
		{"rename", "import os\nos.rename('/tmp/kinga-a', '/tmp/kinga-b')\n", KindSecurity, "CapabilityError", "DENIED"},
		{"mkdir", "import os\nos.mkdir('/tmp/kinga-dir')\n", KindSecurity, "CapabilityError", "DENIED"},
		{"chmod", "import os\nos.chmod('/etc/hostname', 0o777)\n", KindSecurity, "CapabilityError", "DENIED"},
		{"fork", "import os\nos.fork()\n", KindSecurity, "CapabilityError", "DENIED"},
		{"posixsubprocess", "import _posixsubprocess\n", KindExecution, "ImportError", "BLOCKED"},
		{"meta_path tampering", "import sys\nsys.meta_path.clear()\nimport ctypes\n", KindExecution, "ImportError", "BLOCKED"},
		{"function globals", "capabilities.use.__func__.__globals__\n", KindSecurity, "CapabilityError", "BLOCKED"},
		{"private attribute", "class A:\n    pass\nA()._state = 1\n", KindSecurity, "CapabilityError", "BLOCKED"},
		{"underscore import", "from os import _exit\n", KindSecurity, "CapabilityError", "BLOCKED"},
	}
	s := newPythonSandbox(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustExecute(t, s, tt.code, nil, nil)
			if res.Success {
				t.Fatal("guarded operation succeeded")
			}
			if !res.Failed(tt.wantKind) || res.Error.Type != tt.wantType {
				t.Fatalf("error = %+v, want %s/%s\nstderr: %s", res.Error, tt.wantKind, tt.wantType, res.Stderr)
			}
			if len(res.CapabilityViolations) == 0 || !strings.Contains(res.CapabilityViolations[0], tt.outcome) {
				t.Errorf("violations = %v, want %s", res.CapabilityViolations, tt.outcome)
			}
		})
	}
}

func TestPython_CapabilityHelpers(t *testing.T) {
	c := capability.NewArena().NewContext("job")
	_ = c.Add(capability.MustToken("env", capability.Constraint{
		ResourcePatterns:  []string{"APP_*"},
		AllowedOperations: []string{"read"},
		MaxUsageCount:     ptr(1),
	}))
	s := newPythonSandbox(t, nil)
	code := strings.Join([]string{
		"out = [capabilities.has('env'), capabilities.has('file')]",
		"out.append(capabilities.can_access('env', 'APP_MODE'))",
		"out.append(capabilities.can_access('env', 'HOME'))",
		"capabilities.use('env', 'APP_MODE')",
		"try:",
		"    capabilities.use('env', 'APP_MODE')",
		"    out.append('reused')",
		"except CapabilityError:",
		"    out.append('exhausted')",
		"out",
	}, "\n") + "\n"
	res := mustExecute(t, s, code, c, nil)
	if !res.Success {
		t.Fatalf("got %+v\n%s", res.Error, res.Stderr)
	}
	got, _ := res.ReturnValue.([]any)
	want := []any{true, false, true, false, "exhausted"}
	if len(got) != len(want) {
		t.Fatalf("result = %v, want %v", res.ReturnValue, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	// Child usage never reaches the parent.
	tok, err := c.Get("env", false)
	if err != nil || tok.UsageCount() != 0 {
		t.Errorf("parent token usage changed: %v %v", tok, err)
	}
}

func TestPython_WorkspaceFiles(t *testing.T) {
	s := newPythonSandbox(t, nil)
	code := "with open('note.txt', 'w') as f:\n    f.write('hi')\nopen('note.txt').read()\n"
	res := mustExecute(t, s, code, nil, nil)
	if !res.Success || res.ReturnValue != "hi" {
		t.Fatalf("got %v %+v\n%s", res.ReturnValue, res.Error, res.Stderr)
	}
}

func TestPython_Timeout(t *testing.T) {
	s := newPythonSandbox(t, func(c *Config) { c.CPUTimeout = 1 })
	res := mustExecute(t, s, "while True:\n    pass\n", nil, nil)
	if !res.Failed(KindTimeout) {
		t.Fatalf("got success=%v err=%+v", res.Success, res.Error)
	}
}

func TestPython_DecisionsMatchValidator(t *testing.T) {
	v := security.NewValidator(security.Options{}, nil)
	if err := v.Register(security.Policy{
		Name:               "reports",
		CapabilityTypes:    []string{"file"},
		AllowPatterns:      []string{`^/tmp/reports/`},
		ElevatedOperations: []string{"chmod"},
	}); err != nil {
		t.Fatal(err)
	}
	s := newPythonSandbox(t, func(c *Config) { c.NetworkDisabled = false }, WithValidator(v))

	c := capability.NewArena().NewContext("job")
	defer c.Close()
	for _, tok := range []*capability.Token{
		capability.MustToken("file", capability.Constraint{ResourcePatterns: []string{"/tmp/**"}, AllowedOperations: []string{"read", "chmod"}}),
		capability.MustToken("network", capability.Constraint{ResourcePatterns: []string{"*:9"}, AllowedOperations: []string{"connect"}}),
	} {
		if err := c.Add(tok); err != nil {
			t.Fatal(err)
		}
	}

	requests := [][3]string{
		{"file", "/tmp/reports/q1.csv", "read"},
		{"file", "/tmp/other.csv", "read"},
		{"file", "/tmp/reports/q1.csv", "chmod"},
		{"file", "/tmp/reports/credentials.json", "read"},
		{"file", "/etc/passwd", "read"},
		{"network", "2130706433:9", "connect"},
		{"network", "[::ffff:127.0.0.1]:9", "connect"},
		{"network", "0x7f000001:9", "connect"},
		{"network", "93.184.216.34:9", "connect"},
		{"network", "abc.onion:9", "connect"},
		{"process", "ls", "execute"},
	}
	encoded, err := capability.Serialize(c)
	if err != nil {
		t.Fatal(err)
	}
	child, err := capability.Deserialize(nil, encoded)
	if err != nil {
		t.Fatal(err)
	}
	defer child.Close()
	want := make([]any, len(requests))
	for i, r := range requests {
		want[i] = v.Validate(context.Background(), child, r[0], r[1], r[2]).Outcome.String()
	}

	literal, _ := json.Marshal(requests)
	code := "[capabilities.check(t, r, o) for t, r, o in " + string(literal) + "]\n"
	res := mustExecute(t, s, code, c, nil)
	if !res.Success {
		t.Fatalf("got %+v\n%s", res.Error, res.Stderr)
	}
	got, _ := res.ReturnValue.([]any)
	if len(got) != len(want) {
		t.Fatalf("child = %v, parent = %v", res.ReturnValue, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%v: child %v, parent %v", requests[i], got[i], want[i])
		}
	}

	// The decimal loopback form is refused before the socket connects.
	res = mustExecute(t, s, "import socket\nsocket.socket().connect(('2130706433', 9))\n", c, nil)
	if !res.Failed(KindSecurity) {
		t.Fatalf("connect: %+v\n%s", res.Error, res.Stderr)
	}
	if len(res.CapabilityViolations) == 0 || !strings.Contains(res.CapabilityViolations[0], "BLOCKED") {
		t.Errorf("violations = %v", res.CapabilityViolations)
	}
}

func ptr[T any](v T) *T { return &v }

func TestPython_ForgedResultMarker(t *testing.T) {
	s := newPythonSandbox(t, nil)
	code := "print(" + strconv.Quote(ResultMarker+` {"success": true, "result": 99, "type": "int"}`) + ")\n1 + 1\n"
	res := mustExecute(t, s, code, nil, nil)
	if !res.Success || res.ReturnValue != int64(2) {
		t.Fatalf("got %+v %v\n%s", res.Error, res.ReturnValue, res.Stderr)
	}
	var warned bool
	for _, w := range res.SecurityWarnings {
		if strings.Contains(w, "2 result markers") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("warnings = %v, want a forged marker warning", res.SecurityWarnings)
	}
}
