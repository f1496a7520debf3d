package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"SandboxDir", ws.SandboxDir, "sandbox"},
		{"PoliciesDir", ws.PoliciesDir, "policies"},
		{"LogsDir", ws.LogsDir, "logs"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			// Directory should exist.
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestSandboxDirPermissions(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	dir := ws.SandboxDir()
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0700 {
		t.Errorf("sandbox dir permissions = %o, want 0700", perm)
	}
}

func TestDerivedPaths(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name, got, want string
	}{
		{"ConfigPath", ws.ConfigPath(), filepath.Join(ws.Root, "config.yaml")},
		{"DatabasePath", ws.DatabasePath(), filepath.Join(ws.Root, "kinga.db")},
		{"AuditLogPath", ws.AuditLogPath(), filepath.Join(ws.Root, "logs", "violations.jsonl")},
		{"PolicyPath", ws.PolicyPath("../prod"), filepath.Join(ws.Root, "policies", "__prod.yaml")},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestPolicyFiles(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	dir := ws.PoliciesDir()
	for _, name := range []string{"b.yaml", "a.json", "notes.txt", "c.yml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("policies: []"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	os.MkdirAll(filepath.Join(dir, "sub.yaml"), 0750)

	files, err := ws.PolicyFiles()
	if err != nil {
		t.Fatalf("PolicyFiles: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.json"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "c.yml"),
	}
	if len(files) != len(want) {
		t.Fatalf("PolicyFiles() = %q, want %q", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("PolicyFiles()[%d] = %q, want %q", i, files[i], want[i])
		}
	}
}

func TestCleanSandbox(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	// Create some sandbox entries.
	sbDir := ws.SandboxDir()
	os.MkdirAll(filepath.Join(sbDir, "exec-1"), 0750)
	os.MkdirAll(filepath.Join(sbDir, "exec-2"), 0750)
	os.WriteFile(filepath.Join(sbDir, "exec-1", "output.txt"), []byte("hello"), 0644)

	if n, err := ws.CleanSandbox(0); err != nil || n != 2 {
		t.Fatalf("CleanSandbox = %d, %v", n, err)
	}

	entries, _ := os.ReadDir(sbDir)
	if len(entries) != 0 {
		t.Errorf("sandbox dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanSandboxKeepsRecent(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	sbDir := ws.SandboxDir()
	stale := filepath.Join(sbDir, "stale")
	fresh := filepath.Join(sbDir, "fresh")
	os.MkdirAll(stale, 0750)
	os.MkdirAll(fresh, 0750)
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	n, err := ws.CleanSandbox(time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("CleanSandbox = %d, %v", n, err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale entry survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh entry removed: %v", err)
	}
}

func TestCleanSandboxNoop(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	// Don't create sandbox dir; CleanSandbox should be a no-op.
	os.RemoveAll(filepath.Join(ws.Root, "sandbox"))
	if _, err := ws.CleanSandbox(0); err != nil {
		t.Fatalf("CleanSandbox on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"sandbox", "policies", "logs"} {
		p := filepath.Join(ws.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
