// Package workspace manages the kinga runtime directory structure.
// All runtime state (database, violation logs, policies, sandbox dirs) is
// consolidated under a single root, by default the configured data dir.
//
// Default workspace: ~/.kinga (configurable via config or KINGA_DATA_DIR env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".kinga"

// Workspace manages all kinga runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.kinga.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// SandboxDir returns <root>/sandbox/ with 0700 permissions. Parent of the
// per-sandbox temporary workspaces.
func (w *Workspace) SandboxDir() string {
	return w.restrictedDir("sandbox")
}

// PoliciesDir returns <root>/policies/. Policy files loaded at startup.
func (w *Workspace) PoliciesDir() string {
	return w.dir("policies")
}

// LogsDir returns <root>/logs/. Violation audit logs.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// DatabasePath returns <root>/kinga.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "kinga.db")
}

// AuditLogPath returns <root>/logs/violations.jsonl.
func (w *Workspace) AuditLogPath() string {
	return filepath.Join(w.LogsDir(), "violations.jsonl")
}

// PolicyPath returns <root>/policies/<name>.yaml.
func (w *Workspace) PolicyPath(name string) string {
	return filepath.Join(w.PoliciesDir(), sanitizeName(name)+".yaml")
}

// PolicyFiles lists the YAML and JSON files in the policies directory, sorted.
func (w *Workspace) PolicyFiles() ([]string, error) {
	entries, err := os.ReadDir(w.PoliciesDir())
	if err != nil {
		return nil, fmt.Errorf("reading policies dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			out = append(out, filepath.Join(w.PoliciesDir(), e.Name()))
		}
	}
	return out, nil
}

// --- Cleanup ---

// CleanSandbox removes sandbox directory entries last modified before
// olderThan ago. Sandboxes remove their own workspace on Close; this
// clears what a crash left behind. Zero removes every entry.
func (w *Workspace) CleanSandbox(olderThan time.Duration) (int, error) {
	dir := filepath.Join(w.Root, "sandbox")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading sandbox dir: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if olderThan > 0 {
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing sandbox entry %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.PoliciesDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	// Restricted directories (0700).
	return w.ensureDir(w.SandboxDir(), 0700)
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
