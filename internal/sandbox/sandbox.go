// Package sandbox runs untrusted generated code in a resource-bounded child
// process. The parent's capability context travels to the child through the
// environment, and a language prelude enforces it there.
//
// A Sandbox is not an OS-level isolation boundary: limits are applied with
// ulimit and a process group, and the prelude gates what the language
// runtime lets user code reach.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/jkaninda/kinga/internal/capability"
	"github.com/jkaninda/kinga/internal/security"
)

// State is a sandbox lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePrepared
	StateRunning
	StateCompleted
	StateTimedOut
	StateFailed
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// Transpiler converts a front-end source language into code for the
// sandbox language. Findings are advisory.
type Transpiler interface {
	Transpile(ctx context.Context, source string) (code string, findings []Finding, err error)
}

// Option customizes a Sandbox.
type Option func(*Sandbox)

// WithValidator sets the validator whose policies the child prelude and
// guard apply. Default: a validator with the built-in policies.
func WithValidator(v *security.Validator) Option {
	return func(s *Sandbox) { s.validator = v }
}

// WithManager lets Execute fall back to the manager's current context when
// no capability context is passed.
func WithManager(m *capability.Manager) Option {
	return func(s *Sandbox) { s.manager = m }
}

// WithMemo shares a result cache between sandboxes. It is only consulted
// when the config enables caching.
func WithMemo(m *Memo) Option {
	return func(s *Sandbox) { s.memo = m }
}

// Sandbox executes code with the limits of one Config. Executions on the
// same Sandbox are serialized.
type Sandbox struct {
	mu      sync.Mutex // serializes Execute and Close
	stateMu sync.Mutex
	state   State

	cfg         Config
	limits      Limits
	builder     ScriptBuilder
	interpreter string
	dir         string
	runs        int

	monitor   *Monitor
	validator *security.Validator
	manager   *capability.Manager
	memo      *Memo
	logger    *slog.Logger
}

// New validates cfg, resolves the interpreter and creates the workspace.
// Configuration problems are reported here, never at execution time.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Sandbox, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.clone().withDefaults()
	configErr := func(err error) error {
		return &Error{Kind: ErrConfig, Config: cfg, Err: err}
	}

	limits, err := cfg.limits()
	if err != nil {
		return nil, configErr(err)
	}
	builder, err := BuilderFor(cfg.Language)
	if err != nil {
		return nil, configErr(err)
	}
	interp := cfg.Interpreter
	if interp == "" {
		interp = builder.DefaultInterpreter()
	}
	interpPath, err := exec.LookPath(interp)
	if err != nil {
		return nil, configErr(fmt.Errorf("interpreter %q not found: %w", interp, err))
	}
	if err := (capability.Constraint{ResourcePatterns: cfg.FileAccessPatterns}).Validate(); err != nil {
		return nil, configErr(fmt.Errorf("file_access_patterns: %w", err))
	}
	for _, p := range cfg.AllowedPorts {
		if p < 1 || p > 65535 {
			return nil, configErr(fmt.Errorf("allowed_ports: invalid port %d", p))
		}
	}
	if cfg.GuardBinary != "" {
		if _, err := exec.LookPath(cfg.GuardBinary); err != nil {
			return nil, configErr(fmt.Errorf("guard binary %q: %w", cfg.GuardBinary, err))
		}
	}

	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
			return nil, configErr(fmt.Errorf("creating work dir: %w", err))
		}
	}
	dir, err := os.MkdirTemp(cfg.WorkDir, "kinga-sandbox-*")
	if err != nil {
		return nil, configErr(fmt.Errorf("creating workspace: %w", err))
	}

	s := &Sandbox{
		cfg:         cfg,
		limits:      limits,
		builder:     builder,
		interpreter: interpPath,
		dir:         dir,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = security.NewValidator(security.Options{}, logger)
	}
	if cfg.EnableCache && s.memo == nil {
		s.memo, _ = NewMemo(defaultMemoSize, nil)
	}
	s.monitor = NewMonitor(limits, logger)
	s.setState(StatePrepared)

	logger.Debug("sandbox prepared",
		slog.String("language", builder.Language()),
		slog.String("interpreter", interpPath),
		slog.String("workspace", dir),
		slog.String("memory_limit", FormatSize(limits.MemoryBytes)),
		slog.Duration("timeout", limits.CPUTime),
	)
	return s, nil
}

// Config returns a copy of the configuration in effect.
func (s *Sandbox) Config() Config { return s.cfg.clone() }

// Limits returns the parsed resource limits.
func (s *Sandbox) Limits() Limits { return s.limits }

// Dir returns the workspace directory.
func (s *Sandbox) Dir() string { return s.dir }

// Language returns the language code is executed as.
func (s *Sandbox) Language() string { return s.builder.Language() }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Sandbox) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// execPlan is one execution after overrides are applied.
type execPlan struct {
	limits    Limits
	env       []map[string]string
	warnings  []string
	encoded   string
	cacheable bool
}

// plan applies overrides and serializes the capability context. A non-nil
// Result is a failure to report instead of running.
func (s *Sandbox) plan(ctx context.Context, capCtx *capability.Context, ov *Overrides) (execPlan, *Result) {
	p := execPlan{limits: s.limits, env: []map[string]string{s.cfg.ExtraEnv}}
	if ov != nil {
		if ov.Timeout > 0 {
			if ov.Timeout < p.limits.CPUTime {
				p.limits.CPUTime = ov.Timeout
			} else {
				p.warnings = append(p.warnings, fmt.Sprintf("timeout override %s exceeds the configured %s and was ignored", ov.Timeout, p.limits.CPUTime))
			}
		}
		if ov.MemoryLimit != "" {
			mem, err := ParseSize(ov.MemoryLimit)
			if err != nil {
				return p, failure(KindPreparation, "memory limit override: %v", err)
			}
			p.limits.MemoryBytes = mem
		}
		p.env = append(p.env, ov.Env)
		for _, f := range ov.Findings {
			p.warnings = append(p.warnings, f.String())
		}
	}

	if capCtx == nil && s.manager != nil {
		capCtx = s.manager.Current(ctx)
	}
	if err := capability.ValidateSerialization(capCtx); err != nil {
		return p, failure(KindSecurity, "capability context cannot cross the process boundary: %v", err)
	}
	encoded, err := capability.Serialize(capCtx)
	if err != nil {
		return p, failure(KindSecurity, "serializing capability context: %v", err)
	}
	p.encoded = encoded
	p.cacheable = s.cfg.NetworkDisabled && (capCtx == nil || len(capCtx.AllCapabilities(false)) == 0)

	if s.cfg.NetworkDisabled && !s.builder.EnforcesNetwork() {
		p.warnings = append(p.warnings, fmt.Sprintf("network isolation is not enforced for %s", s.builder.Language()))
	}
	return p, nil
}

// Execute runs code with capCtx's grants. Failures of the code itself,
// including timeouts and resource breaches, are reported in the Result;
// the error is non-nil only when the sandbox cannot be used.
//
// A nil capCtx falls back to the manager's current context, then to an
// empty context in which every gated operation is denied.
func (s *Sandbox) Execute(ctx context.Context, code string, capCtx *capability.Context, ov *Overrides) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateCleaned {
		return nil, &Error{Kind: ErrClosed, Config: s.cfg}
	}

	p, res := s.plan(ctx, capCtx, ov)
	if res != nil {
		s.setState(StateFailed)
		return s.finish(ctx, res, p.warnings), nil
	}

	var key string
	if s.cfg.EnableCache && s.memo != nil && p.cacheable {
		key = MemoKey(s.builder.Language(), code, p.encoded, p.limits)
		if cached, ok := s.memo.Get(ctx, key); ok {
			s.setState(StateCompleted)
			s.logger.DebugContext(ctx, "sandbox memo hit", slog.String("key", key[:12]))
			return cached, nil
		}
	}

	res = s.run(ctx, code, p)
	if key != "" && res.Success {
		s.memo.Put(ctx, key, res)
	}
	return res, nil
}

func (s *Sandbox) run(ctx context.Context, code string, p execPlan) *Result {
	s.runs++
	runDir := filepath.Join(s.dir, fmt.Sprintf("run-%d", s.runs))
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		s.setState(StateFailed)
		return s.finish(ctx, failure(KindPreparation, "creating run directory: %v", err), p.warnings)
	}
	defer func() {
		if err := os.RemoveAll(runDir); err != nil {
			s.logger.Warn("removing run directory", slog.String("dir", runDir), slog.String("error", err.Error()))
		}
	}()

	rules := policySet(s.validator)
	argv, err := s.builder.Build(code, PreludeData{
		Dir:                runDir,
		NetworkDisabled:    s.cfg.NetworkDisabled,
		AllowedHosts:       s.cfg.AllowedHosts,
		AllowedPorts:       s.cfg.AllowedPorts,
		DisabledImports:    s.cfg.DisabledImports,
		FileAccessPatterns: s.cfg.FileAccessPatterns,
		Policies:           rules,
		Strict:             s.cfg.StrictMode,
		ResultMarker:       ResultMarker,
		ViolationMarker:    ViolationMarker,
	})
	if err != nil {
		s.setState(StateFailed)
		return s.finish(ctx, failure(KindPreparation, "building script: %v", err), p.warnings)
	}

	eb := envBuilder{strict: s.cfg.StrictMode, dir: runDir, encoded: p.encoded, extra: p.env}
	if s.cfg.GuardBinary != "" {
		eb.guard = s.cfg.GuardBinary
		eb.usage = filepath.Join(runDir, "kinga_usage.json")
		if eb.policies, err = rules.Encode(); err != nil {
			s.setState(StateFailed)
			return s.finish(ctx, failure(KindPreparation, "%v", err), p.warnings)
		}
	}
	env, envWarnings := eb.build()
	warnings := append(p.warnings, envWarnings...)

	s.setState(StateRunning)
	s.monitor.SetLimits(p.limits)
	out := launch(ctx, launchSpec{
		argv:      append([]string{s.interpreter}, argv...),
		dir:       runDir,
		env:       env,
		timeout:   p.limits.CPUTime,
		limits:    p.limits,
		maxOutput: s.cfg.MaxOutputBytes,
	}, s.monitor, s.logger)

	res := s.classify(ctx, out, p.limits)
	switch {
	case res.Failed(KindTimeout):
		s.setState(StateTimedOut)
	case res.Success:
		s.setState(StateCompleted)
	default:
		s.setState(StateFailed)
	}
	return s.finish(ctx, res, warnings)
}

// classify turns what the launcher saw into a Result.
func (s *Sandbox) classify(ctx context.Context, out launchOutcome, limits Limits) *Result {
	parsed := parseOutput(out.stdout, out.stderr)
	res := &Result{
		Stdout:               parsed.stdout,
		Stderr:               parsed.stderr,
		ExitCode:             out.exitCode,
		ExecutionTime:        out.duration,
		Usage:                out.usage,
		CapabilityViolations: parsed.violations,
	}
	if parsed.markers > 1 {
		res.SecurityWarnings = append(res.SecurityWarnings,
			fmt.Sprintf("output carried %d result markers, only the last was used", parsed.markers))
	}
	fail := func(kind ErrorKind, format string, args ...any) *Result {
		res.Success = false
		res.Error = &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
		return res
	}

	switch {
	case out.startErr != nil:
		return fail(KindExecution, "running interpreter: %v", out.startErr)
	case out.timedOut || out.signal == syscall.SIGXCPU:
		return fail(KindTimeout, "execution exceeded the %s timeout", limits.CPUTime)
	case out.breach != "":
		return fail(KindResource, "%s", out.breach)
	case out.signal == syscall.SIGXFSZ:
		return fail(KindResource, "file size limit %s exceeded", FormatSize(limits.FileSizeBytes))
	case ctx.Err() != nil:
		return fail(KindExecution, "execution cancelled: %v", ctx.Err())
	case parsed.decodeErr != nil:
		return fail(KindDecode, "%v", parsed.decodeErr)
	case parsed.payload != nil:
		pl := parsed.payload
		if *pl.Success {
			res.Success = true
			res.ReturnValue = pl.Result
			res.ReturnType = pl.Type
			return res
		}
		kind := KindExecution
		switch pl.ErrorType {
		case "MemoryError":
			kind = KindResource
		case "CapabilityError":
			kind = KindSecurity
		}
		fail(kind, "%s", pl.Error)
		res.Error.Type = pl.ErrorType
		return res
	case out.signal == syscall.SIGKILL:
		return fail(KindResource, "process killed, likely out of memory (limit %s)", FormatSize(limits.MemoryBytes))
	case out.signal != 0:
		return fail(KindExecution, "terminated by signal %s", signalName(out.signal))
	case out.exitCode == 0:
		res.Success = true
		return res
	default:
		return fail(KindExecution, "exit status %d", out.exitCode)
	}
}

func (s *Sandbox) finish(ctx context.Context, res *Result, warnings []string) *Result {
	res.SecurityWarnings = append(res.SecurityWarnings, warnings...)
	attrs := []any{
		slog.String("language", s.builder.Language()),
		slog.Bool("success", res.Success),
		slog.Duration("duration", res.ExecutionTime),
		slog.Int64("peak_memory_bytes", res.Usage.MemoryBytes),
		slog.Int("violations", len(res.CapabilityViolations)),
	}
	if res.Error != nil {
		attrs = append(attrs, slog.String("error_kind", string(res.Error.Kind)), slog.String("error", res.Error.Message))
		s.logger.WarnContext(ctx, "sandbox execution failed", attrs...)
	} else {
		s.logger.InfoContext(ctx, "sandbox execution completed", attrs...)
	}
	return res
}

// ExecuteFile runs the code in path. A missing file is a file_not_found
// result, distinct from an execution failure.
func (s *Sandbox) ExecuteFile(ctx context.Context, path string, capCtx *capability.Context, ov *Overrides) (*Result, error) {
	if s.State() == StateCleaned {
		return nil, &Error{Kind: ErrClosed, Config: s.cfg}
	}
	code, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.finish(ctx, failure(KindFileNotFound, "file not found: %s", path), nil), nil
		}
		return s.finish(ctx, failure(KindPreparation, "reading %s: %v", path, err), nil), nil
	}
	return s.Execute(ctx, string(code), capCtx, ov)
}

// ExecuteSource transpiles source and runs the result. A transpilation
// error is a preparation failure; findings become security warnings.
func (s *Sandbox) ExecuteSource(ctx context.Context, source string, t Transpiler, capCtx *capability.Context, ov *Overrides) (*Result, error) {
	if s.State() == StateCleaned {
		return nil, &Error{Kind: ErrClosed, Config: s.cfg}
	}
	code, findings, err := t.Transpile(ctx, source)
	if err != nil {
		res := failure(KindPreparation, "transpilation failed: %v", err)
		for _, f := range findings {
			res.SecurityWarnings = append(res.SecurityWarnings, f.String())
		}
		return s.finish(ctx, res, nil), nil
	}
	merged := Overrides{}
	if ov != nil {
		merged = *ov
	}
	merged.Findings = append(append([]Finding(nil), merged.Findings...), findings...)
	return s.Execute(ctx, code, capCtx, &merged)
}

// Close removes the workspace. It is idempotent and waits for a running
// execution to finish.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateCleaned {
		return nil
	}
	s.setState(StateCleaned)
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("removing sandbox workspace: %w", err)
	}
	return nil
}

// Run is a one-shot helper: New, Execute, Close.
func Run(ctx context.Context, cfg Config, code string, capCtx *capability.Context, logger *slog.Logger, opts ...Option) (*Result, error) {
	s, err := New(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Execute(ctx, code, capCtx, nil)
}
