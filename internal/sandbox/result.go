package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Markers of the child output protocol. A result line is the marker, a
// space, and a JSON object; violation lines use the same shape on stderr.
const (
	ResultMarker    = "__KINGA_RESULT__"
	ViolationMarker = "__KINGA_VIOLATION__"
)

// Usage is the resource consumption of one execution.
type Usage struct {
	MemoryBytes   int64         `json:"memory_bytes"`
	CPUTime       time.Duration `json:"cpu_time"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Result is the uniform outcome of an execution. It is built once per call
// and not modified afterwards.
type Result struct {
	Success     bool   `json:"success"`
	ReturnValue any    `json:"return_value,omitempty"`
	ReturnType  string `json:"return_type,omitempty"`

	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`

	ExecutionTime time.Duration `json:"execution_time"`
	Usage         Usage         `json:"usage"`

	CapabilityViolations []string `json:"capability_violations,omitempty"`
	SecurityWarnings     []string `json:"security_warnings,omitempty"`

	Error  *ExecError `json:"error,omitempty"`
	Cached bool       `json:"cached,omitempty"`
}

// Failed reports whether the execution failed with the given kind.
func (r *Result) Failed(kind ErrorKind) bool {
	return r != nil && r.Error != nil && r.Error.Kind == kind
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.CapabilityViolations = slices.Clone(r.CapabilityViolations)
	out.SecurityWarnings = slices.Clone(r.SecurityWarnings)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}

func failure(kind ErrorKind, format string, args ...any) *Result {
	return &Result{
		Success:  false,
		ExitCode: -1,
		Error:    &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)},
	}
}

// payload is the JSON object following ResultMarker.
type payload struct {
	Success   *bool  `json:"success"`
	Result    any    `json:"result"`
	Type      string `json:"type"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// ViolationReport is the JSON object following ViolationMarker.
type ViolationReport struct {
	Type      string `json:"type"`
	Resource  string `json:"resource"`
	Operation string `json:"operation"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

func (v ViolationReport) String() string {
	s := fmt.Sprintf("%s %s %s on %q", v.Outcome, v.Type, v.Operation, v.Resource)
	if v.Reason != "" {
		s += ": " + v.Reason
	}
	return s
}

// FormatViolation renders a violation line for the child side.
func FormatViolation(v ViolationReport) string {
	data, _ := json.Marshal(v)
	return ViolationMarker + " " + string(data)
}

// parsedOutput is the child's output with protocol lines separated out.
type parsedOutput struct {
	stdout     string
	stderr     string
	payload    *payload
	decodeErr  error
	violations []string
	markers    int
}

// parseOutput extracts the result marker and violation lines. Only the
// last marker line counts; every marker line is removed from the output
// and the count is kept so forged markers can be reported.
func parseOutput(stdout, stderr []byte) parsedOutput {
	var out parsedOutput
	var raw string
	found := false

	clean := func(data []byte) string {
		if len(data) == 0 {
			return ""
		}
		var b strings.Builder
		for _, line := range bytes.SplitAfter(data, []byte("\n")) {
			trimmed := strings.TrimRight(string(line), "\r\n")
			// Output without a trailing newline puts the marker mid-line;
			// the text before it still belongs to the user.
			if i := strings.Index(trimmed, ResultMarker); i >= 0 {
				b.WriteString(trimmed[:i])
				raw = strings.TrimSpace(trimmed[i+len(ResultMarker):])
				found = true
				out.markers++
				continue
			}
			if i := strings.Index(trimmed, ViolationMarker); i >= 0 {
				b.WriteString(trimmed[:i])
				out.violations = append(out.violations, describeViolation(trimmed[i+len(ViolationMarker):]))
				continue
			}
			b.Write(line)
		}
		return b.String()
	}
	out.stderr = clean(stderr)
	out.stdout = clean(stdout)

	if !found {
		return out
	}
	var p payload
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		out.decodeErr = fmt.Errorf("malformed result payload: %w", err)
		return out
	}
	if p.Success == nil {
		out.decodeErr = fmt.Errorf("malformed result payload: missing success field")
		return out
	}
	p.Result = normalizeNumbers(p.Result)
	out.payload = &p
	return out
}

func describeViolation(raw string) string {
	var v ViolationReport
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return strings.TrimSpace(raw)
	}
	return v.String()
}

// normalizeNumbers turns json.Number values into int64 when integral and
// float64 otherwise.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumbers(x[k])
		}
		return x
	default:
		return v
	}
}

// DecodeResult parses a JSON-encoded Result, keeping integral return values
// as int64 the way a fresh execution reports them.
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	r.ReturnValue = normalizeNumbers(r.ReturnValue)
	return &r, nil
}
