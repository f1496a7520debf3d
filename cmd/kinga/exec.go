package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kinga/internal/observability"
	"github.com/jkaninda/kinga/internal/sandbox"
)

var (
	execOpts execOptions
	execCode string
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute inline code in the sandbox",
	Long: `Execute a code string in an isolated sandbox. With -c - the code is
read from standard input.

Examples:
  kinga exec -c 'result = 1 + 1'
  echo 'print("hi")' | kinga exec -c -
  kinga exec -l sh -c 'kinga_result "$(date +%s)" int' -o json`,
	RunE: runExec,
}

func init() {
	execOpts.bind(execCmd)
	execCmd.Flags().StringVarP(&execCode, "code", "c", "", "code to execute, or - for stdin (required)")
	execCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve metrics on this address while running (requires observability.metrics.enabled)")
	_ = execCmd.MarkFlagRequired("code")
}

func runExec(cmd *cobra.Command, _ []string) error {
	if err := execOpts.validate(); err != nil {
		return err
	}
	code := execCode
	if code == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading code from stdin: %w", err)
		}
		code = string(data)
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

	capCtx, err := sc.newContext("exec", execOpts.grants)
	if err != nil {
		return err
	}
	defer capCtx.Close()

	res, err := sc.executeScoped(ctx, capCtx, execOpts.language, func(ctx context.Context, s *observability.InstrumentedSandbox) (*sandbox.Result, error) {
		return s.Execute(ctx, code, nil, execOpts.overrides())
	})
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), res, execOpts.output); err != nil {
		return err
	}
	return exitFor(res)
}
