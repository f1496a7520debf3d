package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kinga/internal/security"
	"github.com/jkaninda/kinga/internal/storage"
)

var (
	violationsType    string
	violationsOutcome string
	violationsContext string
	violationsSince   time.Duration
	violationsLimit   int
	violationsSource  string
	violationsOutput  string
)

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List recorded capability violations",
	Long: `List violations recorded by the validator, newest first. By default
they are read from the database; --source audit reads the JSONL audit log.

Examples:
  kinga violations --outcome blocked --since 1h
  kinga violations --type net --limit 20 -o json`,
	Args: cobra.NoArgs,
	RunE: runViolations,
}

func init() {
	f := violationsCmd.Flags()
	f.StringVar(&violationsType, "type", "", "filter by capability type")
	f.StringVar(&violationsOutcome, "outcome", "", "filter by outcome (denied, blocked, suspicious, requires_elevation)")
	f.StringVar(&violationsContext, "context", "", "filter by capability context id")
	f.DurationVar(&violationsSince, "since", 0, "only violations newer than this, e.g. 24h")
	f.IntVar(&violationsLimit, "limit", 50, "maximum number of violations")
	f.StringVar(&violationsSource, "source", "db", "where to read from: db or audit")
	f.StringVarP(&violationsOutput, "output", "o", "text", "output format: text or json")
}

func runViolations(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

	filter := storage.ViolationFilter{
		CapabilityType: violationsType,
		Outcome:        strings.ToUpper(violationsOutcome),
		ContextID:      violationsContext,
		Limit:          violationsLimit,
	}
	if violationsSince > 0 {
		filter.Since = time.Now().Add(-violationsSince)
	}

	var (
		list  []security.Violation
		total int64
	)
	switch violationsSource {
	case "db":
		store, err := initStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		if list, err = store.ListViolations(cmd.Context(), filter); err != nil {
			return err
		}
		if total, err = store.CountViolations(cmd.Context(), filter); err != nil {
			return err
		}
	case "audit":
		all, err := security.ReadAuditLog(cfg.AuditLogPath())
		if err != nil {
			return err
		}
		// The log is oldest first.
		for i := len(all) - 1; i >= 0; i-- {
			if filter.Matches(all[i]) {
				total++
				if filter.Limit <= 0 || len(list) < filter.Limit {
					list = append(list, all[i])
				}
			}
		}
	default:
		return fmt.Errorf("unsupported source %q (supported: db, audit)", violationsSource)
	}

	return printViolations(cmd.OutOrStdout(), list, total, violationsOutput)
}

func printViolations(w io.Writer, list []security.Violation, total int64, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Total      int64                `json:"total"`
			Violations []security.Violation `json:"violations"`
		}{total, list})
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "no violations recorded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tOUTCOME\tTYPE\tOPERATION\tRESOURCE\tPOLICY")
	for _, v := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Timestamp.Local().Format(time.DateTime), v.Severity, v.Outcome,
			v.CapabilityType, v.Operation, v.Resource, v.Policy)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if int64(len(list)) < total {
		fmt.Fprintf(w, "showing %d of %d\n", len(list), total)
	}
	return nil
}
