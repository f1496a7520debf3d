package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	checkGrants []string
	checkOutput string
)

var checkCmd = &cobra.Command{
	Use:   "check TYPE RESOURCE [OPERATION]",
	Short: "Validate a capability request without running code",
	Long: `Run the policy validator for one request and print the decision.
No quota is consumed. The operation defaults to read.

Examples:
  kinga check file /etc/shadow
  kinga check file /tmp/report.csv write --grant file:/tmp/**:read,write
  kinga check network api.example.com connect --grant network:api.example.com:connect -o json

Exit codes:
  0  allowed (or suspicious and allowed with a warning)
  2  denied, blocked or requires elevation`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringArrayVarP(&checkGrants, "grant", "g", nil, "grant a capability, TYPE[:PATTERNS[:OPS]] (repeatable)")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "text", "output format: text or json")
}

func runCheck(cmd *cobra.Command, args []string) error {
	capType, resource, operation := args[0], args[1], "read"
	if len(args) == 3 {
		operation = args[2]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	sc, err := initShared(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	capCtx, err := sc.newContext("check", checkGrants)
	if err != nil {
		return err
	}
	defer capCtx.Close()

	d := sc.Checker.Validate(cmd.Context(), capCtx, capType, resource, operation)

	w := cmd.OutOrStdout()
	switch checkOutput {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return err
		}
	default:
		fmt.Fprintf(w, "%s %s %s on %q\n", d.Outcome, capType, operation, resource)
		if d.Policy != "" {
			fmt.Fprintf(w, "policy: %s\n", d.Policy)
		}
		if d.Reason != "" {
			fmt.Fprintf(w, "reason: %s\n", d.Reason)
		}
	}
	if !d.Permitted() {
		return &exitError{code: ExitDenied}
	}
	return nil
}
