package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kinga/internal/capability"
	"github.com/jkaninda/kinga/internal/sandbox"
	"github.com/jkaninda/kinga/internal/security"
)

// usageFileEnv names the per-run usage ledger the sandbox provides.
const usageFileEnv = "KINGA_USAGE_FILE"

var (
	guardDryRun     bool
	guardPolicyFile string
)

var guardCmd = &cobra.Command{
	Use:   "guard TYPE RESOURCE OPERATION",
	Short: "Check a capability from inside a sandbox",
	Long: `Child-side enforcement helper used by the sh prelude. The capability
context is decoded from KINGA_CAPABILITY_CONTEXT, the parent's policies
from KINGA_POLICY_SET, and usage is tracked in the ledger named by
KINGA_USAGE_FILE, so quotas hold across invocations.

A denial prints a violation line on stderr and exits with status 2.
--dry-run checks without consuming quota.`,
	Args:   cobra.ExactArgs(3),
	Hidden: true,
	RunE:   runGuard,
}

func init() {
	guardCmd.Flags().BoolVar(&guardDryRun, "dry-run", false, "check without consuming quota")
	guardCmd.Flags().StringVar(&guardPolicyFile, "policy-file", "", "extra policies to register")
}

func runGuard(cmd *cobra.Command, args []string) error {
	v, err := guardValidator(os.Getenv(security.PolicySetEnvVar))
	if err != nil {
		return err
	}
	if guardPolicyFile != "" {
		if _, err := security.LoadInto(v, guardPolicyFile); err != nil {
			return err
		}
	}
	req := guardRequest{
		encoded:   os.Getenv(capability.EnvVar),
		ledger:    os.Getenv(usageFileEnv),
		capType:   args[0],
		resource:  args[1],
		operation: args[2],
		dryRun:    guardDryRun,
	}
	return req.run(cmd.Context(), v, cmd.ErrOrStderr())
}

// guardValidator rebuilds the parent's policies from the environment, or
// falls back to the built-in policies outside a sandbox.
func guardValidator(encoded string) (*security.Validator, error) {
	if encoded == "" {
		return security.NewValidator(security.Options{}, nil), nil
	}
	ps, err := security.DecodePolicySet(encoded)
	if err != nil {
		return nil, err
	}
	return security.NewValidatorFromSet(ps, security.Options{}, nil)
}

type guardRequest struct {
	encoded   string
	ledger    string
	capType   string
	resource  string
	operation string
	dryRun    bool
}

func (r guardRequest) run(ctx context.Context, v *security.Validator, stderr io.Writer) error {
	report := sandbox.ViolationReport{Type: r.capType, Resource: r.resource, Operation: r.operation}
	deny := func(outcome, reason string) error {
		report.Outcome, report.Reason = outcome, reason
		fmt.Fprintln(stderr, sandbox.FormatViolation(report))
		return &exitError{code: ExitDenied}
	}

	for _, name := range []string{r.capType, r.operation} {
		if err := security.CheckName(name); err != nil {
			return deny(security.Blocked.String(), err.Error())
		}
	}

	usage, err := readLedger(r.ledger)
	if err != nil {
		return err
	}
	c, err := capability.Deserialize(capability.NewArena(), r.encoded, capability.WithUsage(usage))
	if err != nil {
		return deny(security.Denied.String(), err.Error())
	}
	defer c.Close()

	if r.dryRun {
		d := v.Validate(ctx, c, r.capType, r.resource, r.operation)
		if !d.Permitted() {
			return deny(d.Outcome.String(), d.Reason)
		}
		return nil
	}

	// Resolve the token first: spending its last use evicts it from c.
	tok, _ := c.Get(r.capType, false)
	d, err := v.Authorize(ctx, c, r.capType, r.resource, r.operation)
	if err != nil {
		reason := d.Reason
		if reason == "" {
			reason = err.Error()
		}
		return deny(d.Outcome.String(), reason)
	}
	if r.ledger == "" || tok == nil {
		return nil
	}
	if usage == nil {
		usage = make(map[string]int)
	}
	usage[r.capType] = tok.UsageCount()
	return writeLedger(r.ledger, usage)
}

// readLedger loads the usage ledger. A missing path or file is an empty ledger.
func readLedger(path string) (map[string]int, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading usage ledger: %w", err)
	}
	var usage map[string]int
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, fmt.Errorf("decoding usage ledger: %w", err)
	}
	return usage, nil
}

// writeLedger replaces the ledger atomically.
func writeLedger(path string, usage map[string]int) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".usage-*")
	if err != nil {
		return fmt.Errorf("writing usage ledger: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing usage ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing usage ledger: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
