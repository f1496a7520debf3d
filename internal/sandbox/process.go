package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/kinga/internal/capability"
	"github.com/jkaninda/kinga/internal/security"
)

// drainDelay bounds how long Wait keeps reading output after the child is
// killed, in case a grandchild still holds the pipes open.
const drainDelay = 500 * time.Millisecond

// Environment variables the sandbox itself sets for the child.
const (
	envGuard     = "KINGA_GUARD"
	envUsageFile = "KINGA_USAGE_FILE"
)

// launchSpec is one child process to run.
type launchSpec struct {
	argv      []string // interpreter and arguments
	dir       string
	env       []string
	timeout   time.Duration
	limits    Limits
	maxOutput int
}

// launchOutcome is what the launcher observed.
type launchOutcome struct {
	stdout   []byte
	stderr   []byte
	exitCode int
	signal   syscall.Signal
	duration time.Duration
	timedOut bool
	usage    Usage
	breach   string
	startErr error
}

// launch runs spec in its own process group under ulimit limits, bounded by
// spec.timeout. On timeout or cancellation the whole group is killed.
//
// The command is wrapped: sh -c 'ulimit ...; exec "$@"' _ argv...
// Using exec "$@" with positional parameters prevents shell injection:
// the argv is never interpolated into the shell string.
func launch(ctx context.Context, spec launchSpec, mon *Monitor, logger *slog.Logger) launchOutcome {
	ctx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	shellScript := ulimitScript(spec.limits, spec.timeout)
	args := make([]string, 0, 3+len(spec.argv))
	args = append(args, "-c", shellScript, "_") // "_" is the $0 placeholder
	args = append(args, spec.argv...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env

	// Process group isolation: the child runs in its own group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Kill the entire process group on context cancellation (timeout/cancel),
	// so processes spawned by the code are terminated too.
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}
	cmd.WaitDelay = drainDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: spec.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: spec.maxOutput}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return launchOutcome{startErr: err, exitCode: -1}
	}
	mon.Start(cmd.Process.Pid, func() error { return killGroup(cmd.Process) })

	waitErr := cmd.Wait()
	duration := time.Since(start)
	// Reap stragglers left in the group after a normal exit.
	_ = killGroup(cmd.Process)

	usage := mon.Stop()
	if cmd.ProcessState != nil {
		if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
			mon.merge(ru)
			usage = mon.Usage()
		}
	}
	usage.ExecutionTime = duration

	out := launchOutcome{
		stdout:   stdoutBuf.Bytes(),
		stderr:   stderrBuf.Bytes(),
		duration: duration,
		usage:    usage,
		breach:   mon.Breach(),
	}
	if cmd.ProcessState != nil {
		out.exitCode = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.signal = ws.Signal()
		}
	}
	// A child that exited on its own just before the deadline is not a timeout.
	out.timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded) && (waitErr != nil || out.signal != 0)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) && !out.timedOut && ctx.Err() == nil {
			out.startErr = waitErr
		}
	}

	logger.Debug("sandbox child exited",
		slog.Int("exit_code", out.exitCode),
		slog.String("signal", signalName(out.signal)),
		slog.Bool("timed_out", out.timedOut),
		slog.Duration("duration", duration),
		slog.Int64("peak_rss_bytes", usage.MemoryBytes),
	)
	return out
}

// ulimitScript renders the limit prologue. Memory is a virtual-memory cap in
// KB, file size is in 512-byte blocks, CPU seconds are rounded up with one
// second of slack so the wall-clock timer normally fires first.
func ulimitScript(l Limits, timeout time.Duration) string {
	var parts []string
	if l.MemoryBytes > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -v %d 2>/dev/null", l.MemoryBytes/1024))
	}
	if timeout > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -t %d 2>/dev/null", int64(math.Ceil(timeout.Seconds()))+1))
	}
	if l.FileSizeBytes > 0 {
		blocks := l.FileSizeBytes / 512
		if blocks == 0 {
			blocks = 1
		}
		parts = append(parts, fmt.Sprintf("ulimit -f %d 2>/dev/null", blocks))
	}
	parts = append(parts, `exec "$@"`)
	return strings.Join(parts, "; ")
}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	// Negative PID = kill the entire process group.
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func signalName(s syscall.Signal) string {
	if s == 0 {
		return ""
	}
	return s.String()
}

// baseEnvKeys are set by the sandbox and cannot be overridden by ExtraEnv.
var baseEnvKeys = []string{"PATH", "HOME", "TMPDIR"}

// inheritedEnvKeys are copied from the host in non-strict mode.
var inheritedEnvKeys = []string{"PATH", "LANG", "LC_ALL", "LC_CTYPE", "TZ", "USER", "LOGNAME"}

// envBuilder assembles the hardened child environment.
type envBuilder struct {
	strict   bool
	dir      string
	encoded  string
	guard    string
	usage    string
	policies string
	extra    []map[string]string
}

// build returns the environment and any warnings about dropped variables.
//
// The host environment is never inherited wholesale: strict mode starts
// from a fixed minimal set, non-strict mode copies a short allow-list.
func (b envBuilder) build() ([]string, []string) {
	env := map[string]string{
		"PATH":   "/usr/local/bin:/usr/bin:/bin",
		"HOME":   b.dir,
		"TMPDIR": b.dir,
		"LANG":   "C.UTF-8",
		"TERM":   "dumb",
	}
	if !b.strict {
		for _, k := range inheritedEnvKeys {
			if v, ok := os.LookupEnv(k); ok && v != "" {
				env[k] = v
			}
		}
	}
	if b.strict {
		env["PYTHONDONTWRITEBYTECODE"] = "1"
		env["PYTHONNOUSERSITE"] = "1"
	}

	var warnings []string
	for _, extra := range b.extra {
		for _, k := range sortedKeys(extra) {
			switch {
			case k == "" || strings.ContainsAny(k, "=\x00"):
				warnings = append(warnings, fmt.Sprintf("dropped invalid environment variable name %q", k))
			case k == capability.EnvVar || strings.HasPrefix(k, "KINGA_") || slices.Contains(baseEnvKeys, k):
				warnings = append(warnings, fmt.Sprintf("environment variable %s is reserved by the sandbox", k))
			case b.strict && security.IsInjectionVariable(k):
				warnings = append(warnings, fmt.Sprintf("strict mode stripped environment variable %s", k))
			default:
				env[k] = extra[k]
			}
		}
	}

	env[capability.EnvVar] = b.encoded
	if b.guard != "" {
		env[envGuard] = b.guard
	}
	if b.usage != "" {
		env[envUsageFile] = b.usage
	}
	if b.policies != "" {
		env[security.PolicySetEnvVar] = b.policies
	}

	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out, warnings
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	mu        sync.Mutex
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := len(p)
	if lw.remaining <= 0 {
		lw.truncated = lw.truncated || n > 0
		return n, nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
