package sandbox

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	defaultMemoryLimit    = "512MB"
	defaultFileSizeLimit  = "10MB"
	defaultCPUTimeout     = 30.0
	defaultLanguage       = "python3"
	defaultMaxOutputBytes = 1 << 20 // 1 MB
	defaultMonitorEvery   = 50 * time.Millisecond
)

// DefaultDisabledImports are modules the python prelude refuses to import.
var DefaultDisabledImports = []string{"ctypes", "cffi", "pty", "subprocess", "multiprocessing", "_posixsubprocess"}

// Config describes how a Sandbox runs code. It is copied by New and never
// changes afterwards.
type Config struct {
	MemoryLimit   string  `json:"memory_limit" yaml:"memory_limit"`       // e.g. "128MB"
	CPUTimeout    float64 `json:"cpu_timeout" yaml:"cpu_timeout"`         // seconds
	FileSizeLimit string  `json:"file_size_limit" yaml:"file_size_limit"` // largest file the child may write

	NetworkDisabled bool     `json:"network_disabled" yaml:"network_disabled"`
	AllowedHosts    []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`
	AllowedPorts    []int    `json:"allowed_ports,omitempty" yaml:"allowed_ports,omitempty"`

	DisabledImports    []string `json:"disabled_imports,omitempty" yaml:"disabled_imports,omitempty"`
	FileAccessPatterns []string `json:"file_access_patterns,omitempty" yaml:"file_access_patterns,omitempty"`

	StrictMode bool              `json:"strict_mode" yaml:"strict_mode"`
	ExtraEnv   map[string]string `json:"extra_env,omitempty" yaml:"extra_env,omitempty"`

	Language       string `json:"language,omitempty" yaml:"language,omitempty"`
	Interpreter    string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	MaxOutputBytes int    `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
	EnableCache    bool   `json:"enable_cache" yaml:"enable_cache"`

	// WorkDir is the parent of the temporary workspace. Empty = os.TempDir().
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	// GuardBinary is a kinga executable the sh prelude calls for capability checks.
	GuardBinary string `json:"guard_binary,omitempty" yaml:"guard_binary,omitempty"`
}

// DefaultConfig returns a strict configuration with networking disabled.
func DefaultConfig() Config {
	return Config{
		MemoryLimit:     defaultMemoryLimit,
		CPUTimeout:      defaultCPUTimeout,
		FileSizeLimit:   defaultFileSizeLimit,
		NetworkDisabled: true,
		DisabledImports: slices.Clone(DefaultDisabledImports),
		StrictMode:      true,
		Language:        defaultLanguage,
		MaxOutputBytes:  defaultMaxOutputBytes,
	}
}

// Timeout returns CPUTimeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.CPUTimeout * float64(time.Second))
}

// withDefaults fills empty fields. Booleans are taken as given.
func (c Config) withDefaults() Config {
	if c.MemoryLimit == "" {
		c.MemoryLimit = defaultMemoryLimit
	}
	if c.FileSizeLimit == "" {
		c.FileSizeLimit = defaultFileSizeLimit
	}
	if c.CPUTimeout == 0 {
		c.CPUTimeout = defaultCPUTimeout
	}
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultMaxOutputBytes
	}
	return c
}

func (c Config) clone() Config {
	c.AllowedHosts = slices.Clone(c.AllowedHosts)
	c.AllowedPorts = slices.Clone(c.AllowedPorts)
	c.DisabledImports = slices.Clone(c.DisabledImports)
	c.FileAccessPatterns = slices.Clone(c.FileAccessPatterns)
	c.ExtraEnv = maps.Clone(c.ExtraEnv)
	return c
}

// Limits are the parsed, enforceable resource limits.
type Limits struct {
	MemoryBytes   int64
	CPUTime       time.Duration
	FileSizeBytes int64
}

func (c Config) limits() (Limits, error) {
	mem, err := ParseSize(c.MemoryLimit)
	if err != nil {
		return Limits{}, fmt.Errorf("memory_limit: %w", err)
	}
	fsize, err := ParseSize(c.FileSizeLimit)
	if err != nil {
		return Limits{}, fmt.Errorf("file_size_limit: %w", err)
	}
	if c.CPUTimeout <= 0 || math.IsNaN(c.CPUTimeout) || math.IsInf(c.CPUTimeout, 0) {
		return Limits{}, fmt.Errorf("cpu_timeout must be a positive number of seconds, got %v", c.CPUTimeout)
	}
	return Limits{MemoryBytes: mem, CPUTime: c.Timeout(), FileSizeBytes: fsize}, nil
}

// ParseSize converts a human-readable size to bytes. KB, MB, GB and TB are
// binary multiples (1024); the B suffix is optional, KiB forms are accepted,
// case does not matter and a bare number is a byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	i := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	num, unit := s, ""
	if i > 0 {
		num, unit = s[:i], strings.ToLower(strings.TrimSpace(s[i:]))
	}

	var norm string
	switch unit {
	case "", "b":
		norm = "b"
	case "k", "kb", "kib":
		norm = "kib"
	case "m", "mb", "mib":
		norm = "mib"
	case "g", "gb", "gib":
		norm = "gib"
	case "t", "tb", "tib":
		norm = "tib"
	default:
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unit)
	}

	n, err := humanize.ParseBytes(num + " " + norm)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}
	return int64(n), nil
}

// FormatSize renders a byte count with binary units.
func FormatSize(n int64) string {
	if n < 0 {
		return fmt.Sprintf("%d B", n)
	}
	return humanize.IBytes(uint64(n))
}

// Finding is an advisory result from static analysis. Findings are
// reported as warnings and never grant anything.
type Finding struct {
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
}

func (f Finding) String() string {
	var b strings.Builder
	if f.Severity != "" {
		fmt.Fprintf(&b, "[%s] ", f.Severity)
	}
	b.WriteString(f.Rule)
	if f.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", f.Line)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	return b.String()
}

// Overrides adjust a single execution.
type Overrides struct {
	// Timeout shortens the configured CPU timeout. Longer values are ignored.
	Timeout time.Duration
	// MemoryLimit replaces the memory limit for this run, e.g. "64MB".
	MemoryLimit string
	// Env is merged on top of the config's ExtraEnv.
	Env map[string]string
	// Findings from a static pass are surfaced as security warnings.
	Findings []Finding
}
