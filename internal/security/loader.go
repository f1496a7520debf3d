package security

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk policy document. YAML is a superset of JSON,
// so either format is accepted.
type PolicyFile struct {
	Policies []Policy `yaml:"policies" json:"policies"`
}

// LoadPolicies reads and compiles the policies in path. Nothing is
// registered; a file with any invalid pattern is rejected as a whole.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidPolicy, path, err)
	}
	for _, p := range pf.Policies {
		if _, err := compilePolicy(p); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return pf.Policies, nil
}

// LoadInto reads path and registers its policies on v.
func LoadInto(v *Validator, path string) (int, error) {
	policies, err := LoadPolicies(path)
	if err != nil {
		return 0, err
	}
	if err := v.RegisterAll(policies); err != nil {
		return 0, err
	}
	return len(policies), nil
}

// PolicyWatcher re-registers a policy file's policies whenever it changes.
type PolicyWatcher struct {
	watcher   *fsnotify.Watcher
	validator *Validator
	path      string
	debounce  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	reloads int
}

// NewPolicyWatcher watches the directory holding path, so editors that
// replace the file by rename are still observed.
func NewPolicyWatcher(v *Validator, path string, logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving policy file %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &PolicyWatcher{
		watcher:   watcher,
		validator: v,
		path:      abs,
		debounce:  500 * time.Millisecond,
		logger:    logger,
	}, nil
}

// Reloads returns how many successful reloads have happened.
func (w *PolicyWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run watches for changes and reloads policies. Blocks until ctx is cancelled.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	// Debounce: wait after the last write before reloading.
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "policy watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *PolicyWatcher) reload(ctx context.Context) {
	n, err := LoadInto(w.validator, w.path)
	if err != nil {
		w.logger.ErrorContext(ctx, "policy hot-reload failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.InfoContext(ctx, "policies reloaded",
		slog.String("path", w.path),
		slog.Int("count", n),
	)
}
