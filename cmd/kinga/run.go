package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kinga/internal/capability"
	"github.com/jkaninda/kinga/internal/observability"
	"github.com/jkaninda/kinga/internal/sandbox"
)

// execOptions are the flags shared by run and exec.
type execOptions struct {
	grants   []string
	language string
	timeout  time.Duration
	memory   string
	env      map[string]string
	output   string
	parallel int
}

func (o *execOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVarP(&o.grants, "grant", "g", nil, "grant a capability, TYPE[:PATTERNS[:OPS]] (repeatable), e.g. file:/tmp/**:read,write")
	f.StringVarP(&o.language, "language", "l", "", "sandbox language (python3, sh); default from config or file extension")
	f.DurationVar(&o.timeout, "timeout", 0, "shorten the configured CPU timeout for this run")
	f.StringVar(&o.memory, "memory", "", "memory limit for this run, e.g. 128MB")
	f.StringToStringVar(&o.env, "env", nil, "extra environment variables for the child (KEY=VALUE)")
	f.StringVarP(&o.output, "output", "o", "text", "output format: text or json")
}

func (o *execOptions) overrides() *sandbox.Overrides {
	return &sandbox.Overrides{
		Timeout:     o.timeout,
		MemoryLimit: o.memory,
		Env:         o.env,
	}
}

func (o *execOptions) validate() error {
	switch o.output {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (supported: text, json)", o.output)
	}
}

var runOpts execOptions

var runCmd = &cobra.Command{
	Use:   "run FILE [FILE...]",
	Short: "Execute files in the sandbox",
	Long: `Execute one or more files in an isolated sandbox. The language is taken
from --language, then the file extension (.py, .sh), then the config.
Several files run as a batch, each in its own sandbox.

Examples:
  kinga run job.py
  kinga run job.py --grant file:/tmp/**:read,write --grant network:api.example.com:connect
  kinga run a.py b.py c.py --parallel 2 -o json

Exit codes:
  0  success
  1  execution failure
  2  capability or policy denied
  3  timeout or resource limit
  4  file not found`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFiles,
}

func init() {
	runOpts.bind(runCmd)
	runCmd.Flags().IntVarP(&runOpts.parallel, "parallel", "p", 0, "batch parallelism (default: number of CPUs)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve metrics on this address while running (requires observability.metrics.enabled)")
}

func runFiles(cmd *cobra.Command, args []string) error {
	if err := runOpts.validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	capCtx, err := sc.newContext("run", runOpts.grants)
	if err != nil {
		return err
	}
	defer capCtx.Close()

	if len(args) == 1 {
		lang := languageFor(args[0], runOpts.language)
		res, err := sc.executeScoped(ctx, capCtx, lang, func(ctx context.Context, s *observability.InstrumentedSandbox) (*sandbox.Result, error) {
			return s.ExecuteFile(ctx, args[0], nil, runOpts.overrides())
		})
		if err != nil {
			return err
		}
		if err := printResult(cmd.OutOrStdout(), res, runOpts.output); err != nil {
			return err
		}
		return exitFor(res)
	}
	return runBatch(ctx, cmd, sc, capCtx, args)
}

// runBatch runs files concurrently. All files share one language.
func runBatch(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, capCtx *capability.Context, files []string) error {
	lang := languageFor(files[0], runOpts.language)
	jobs := make([]sandbox.Job, 0, len(files))
	for _, f := range files {
		if l := languageFor(f, runOpts.language); l != lang {
			return fmt.Errorf("batch mixes languages: %s is %s, %s is %s", files[0], lang, f, l)
		}
		code, err := os.ReadFile(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return &exitError{code: ExitNotFound, msg: fmt.Sprintf("file not found: %s", f)}
			}
			return err
		}
		jobs = append(jobs, sandbox.Job{ID: f, Code: string(code), Context: capCtx, Overrides: runOpts.overrides()})
	}

	runner := sandbox.NewRunner(sc.sandboxConfig(lang), sc.Logger, sc.sandboxOptions()...)
	results, err := runner.RunBatch(ctx, jobs, runOpts.parallel)
	if err != nil {
		return err
	}

	code := ExitSuccess
	for _, jr := range results {
		if jr.Err != nil {
			sc.Logger.Error("batch job failed", slog.String("file", jr.ID), slog.String("error", jr.Err.Error()))
			code = max(code, ExitFailure)
			continue
		}
		code = max(code, resultExitCode(jr.Result))
	}
	if err := printBatch(cmd.OutOrStdout(), results, runOpts.output); err != nil {
		return err
	}
	if code != ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

// executeScoped creates a sandbox for lang and calls fn with capCtx as the
// manager's current context.
func (sc *SharedComponents) executeScoped(ctx context.Context, capCtx *capability.Context, lang string, fn func(context.Context, *observability.InstrumentedSandbox) (*sandbox.Result, error)) (*sandbox.Result, error) {
	sb, inst, err := sc.newSandbox(lang)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sb.Close(); cerr != nil {
			sc.Logger.Warn("closing sandbox", slog.String("error", cerr.Error()))
		}
	}()

	var res *sandbox.Result
	err = sc.Manager.Scope(ctx, capCtx, func(ctx context.Context) error {
		var err error
		res, err = fn(ctx, inst)
		return err
	})
	return res, err
}

// languageFor picks the sandbox language for a file. An explicit flag wins;
// an unknown extension leaves the choice to the config.
func languageFor(path, flag string) string {
	if flag != "" {
		return flag
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python3"
	case ".sh":
		return "sh"
	default:
		return ""
	}
}

// exitFor turns a failed result into an exitError carrying its code.
func exitFor(res *sandbox.Result) error {
	if code := resultExitCode(res); code != ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}
