package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jkaninda/kinga/internal/sandbox"
)

func printResult(w io.Writer, res *sandbox.Result, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	writeResult(w, res)
	return nil
}

func printBatch(w io.Writer, results []sandbox.JobResult, format string) error {
	if format == "json" {
		type jobOut struct {
			File   string          `json:"file"`
			Result *sandbox.Result `json:"result,omitempty"`
			Error  string          `json:"error,omitempty"`
		}
		out := make([]jobOut, 0, len(results))
		for _, jr := range results {
			o := jobOut{File: jr.ID, Result: jr.Result}
			if jr.Err != nil {
				o.Error = jr.Err.Error()
			}
			out = append(out, o)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for i, jr := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "==> %s <==\n", jr.ID)
		if jr.Err != nil {
			fmt.Fprintf(w, "error:    %v\n", jr.Err)
			continue
		}
		writeResult(w, jr.Result)
	}
	return nil
}

// writeResult renders a result for humans.
func writeResult(w io.Writer, res *sandbox.Result) {
	status := "success"
	if !res.Success {
		status = "failed"
		if res.Error != nil {
			status = string(res.Error.Kind)
		}
	}
	if res.Cached {
		status += " (cached)"
	}
	fmt.Fprintf(w, "status:   %s\n", status)
	fmt.Fprintf(w, "exit:     %d\n", res.ExitCode)
	fmt.Fprintf(w, "time:     %s\n", res.ExecutionTime.Round(time.Millisecond))
	if res.Usage.MemoryBytes > 0 {
		fmt.Fprintf(w, "memory:   %s\n", sandbox.FormatSize(res.Usage.MemoryBytes))
	}
	if res.ReturnValue != nil {
		fmt.Fprintf(w, "return:   %v (%s)\n", res.ReturnValue, res.ReturnType)
	}
	if res.Error != nil {
		fmt.Fprintf(w, "error:    %v\n", res.Error)
	}
	writeBlock(w, "stdout", res.Stdout)
	writeBlock(w, "stderr", res.Stderr)
	writeList(w, "violations", res.CapabilityViolations)
	writeList(w, "warnings", res.SecurityWarnings)
}

func writeBlock(w io.Writer, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func writeList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
}
