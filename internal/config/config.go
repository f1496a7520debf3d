// Package config handles loading and validating kinga configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kinga/internal/capability"
	"github.com/jkaninda/kinga/internal/sandbox"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kinga.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.kinga. Override: KINGA_DATA_DIR env var.
	Sandbox       sandbox.Config       `json:"sandbox" yaml:"sandbox"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the data dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// SecurityConfig configures the policy validator and the default grants.
type SecurityConfig struct {
	PolicyFile          string        `json:"policy_file,omitempty" yaml:"policy_file,omitempty"`             // Extra policies (YAML or JSON). Override: KINGA_POLICY_FILE.
	WatchPolicies       bool          `json:"watch_policies" yaml:"watch_policies"`                           // Reload policy_file on change.
	SuspiciousIsBlocked bool          `json:"suspicious_is_blocked" yaml:"suspicious_is_blocked"`             // Treat SUSPICIOUS as BLOCKED.
	CacheSize           int           `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`               // Default: 1024
	CacheTTLSeconds     int           `json:"cache_ttl_seconds,omitempty" yaml:"cache_ttl_seconds,omitempty"` // Default: 300
	HistorySize         int           `json:"history_size,omitempty" yaml:"history_size,omitempty"`           // Default: 1000
	AuditLogPath        string        `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"`       // Default: <data_dir>/logs/violations.jsonl
	Grants              []GrantConfig `json:"grants,omitempty" yaml:"grants,omitempty"`
}

// CacheTTL returns the decision cache lifetime.
func (s SecurityConfig) CacheTTL() time.Duration {
	if s.CacheTTLSeconds > 0 {
		return time.Duration(s.CacheTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// GrantConfig is a capability token granted to every execution.
type GrantConfig struct {
	Type       string   `json:"type" yaml:"type"`
	Patterns   []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Operations []string `json:"operations,omitempty" yaml:"operations,omitempty"`
	MaxUsage   *int     `json:"max_usage,omitempty" yaml:"max_usage,omitempty"`
	ExpiresIn  string   `json:"expires_in,omitempty" yaml:"expires_in,omitempty"` // Go duration, e.g. "10m"
	Level      string   `json:"level,omitempty" yaml:"level,omitempty"`           // read (default), write, admin
}

// Token builds a fresh token from the grant. Expiry is relative to now.
func (g GrantConfig) Token() (*capability.Token, error) {
	c := capability.Constraint{
		ResourcePatterns:  g.Patterns,
		AllowedOperations: g.Operations,
		MaxUsageCount:     g.MaxUsage,
	}
	if g.ExpiresIn != "" {
		d, err := time.ParseDuration(g.ExpiresIn)
		if err != nil {
			return nil, fmt.Errorf("grant %s: expires_in: %w", g.Type, err)
		}
		exp := time.Now().Add(d)
		c.ExpiresAt = &exp
	}
	return capability.NewToken(g.Type, c, capability.WithLevel(capability.ParseLevel(g.Level)))
}

// ParseGrant parses the command-line grant form TYPE[:PATTERN[:OPS]], e.g.
// "file:/tmp/**:read,write". Several patterns are separated by ';'. The
// pattern runs to the last colon, so "network:api.example.com:443:connect"
// keeps the port.
func ParseGrant(s string) (GrantConfig, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return GrantConfig{}, fmt.Errorf("empty grant")
	}
	capType, rest, hasRest := strings.Cut(s, ":")
	g := GrantConfig{Type: strings.TrimSpace(capType)}
	if g.Type == "" {
		return GrantConfig{}, fmt.Errorf("grant %q: type is required", s)
	}
	if !hasRest || rest == "" {
		return g, nil
	}

	pattern, ops := rest, ""
	if i := strings.LastIndex(rest, ":"); i >= 0 && isOpList(rest[i+1:]) {
		pattern, ops = rest[:i], rest[i+1:]
	}
	for _, p := range strings.Split(pattern, ";") {
		if p = strings.TrimSpace(p); p != "" {
			g.Patterns = append(g.Patterns, p)
		}
	}
	for _, op := range strings.Split(ops, ",") {
		if op = strings.TrimSpace(op); op != "" {
			g.Operations = append(g.Operations, op)
		}
	}
	return g, nil
}

// isOpList reports whether s looks like "read,write" rather than a port or
// a path segment.
func isOpList(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != ',' && r != '_' {
			return false
		}
	}
	return true
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/kinga.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KINGA_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"` // Listen address, e.g. ":9090"
	Path    string `json:"path" yaml:"path"`                     // Default: "/metrics"
}

// MetricsPath returns the exposition path, defaulting to /metrics.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kinga"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig selects the dependency checks run by the health command.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed executions
	ViolationBurst     int     `json:"violation_burst" yaml:"violation_burst"`           // Violations per capability type within the window. 0 = off.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // debug, info (default), warn, error. Override: KINGA_LOG_LEVEL.
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "text" (default) or "json"
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{Sandbox: sandbox.DefaultConfig()}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// DefaultConfigPath returns the default config file path (~/.kinga/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kinga.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kinga", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Sandbox fields the file leaves out keep the strict defaults. Environment
// variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg := Config{Sandbox: sandbox.DefaultConfig()}
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(resolved)
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	c.DataDir = goutils.Env("KINGA_DATA_DIR", c.DataDir)
	c.Sandbox.MemoryLimit = goutils.Env("KINGA_MEMORY_LIMIT", c.Sandbox.MemoryLimit)
	c.Security.PolicyFile = goutils.Env("KINGA_POLICY_FILE", c.Security.PolicyFile)
	c.Logging.Level = goutils.Env("KINGA_LOG_LEVEL", c.Logging.Level)
	if v := goutils.Env("KINGA_CPU_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Sandbox.CPUTimeout = f
		}
	}
	if v := goutils.Env("KINGA_STRICT_MODE", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sandbox.StrictMode = b
		}
	}
	if v := goutils.Env("KINGA_DB_DSN", ""); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".kinga")
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kinga")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "kinga.db")
}

// AuditLogPath returns the violation audit log path.
func (c *Config) AuditLogPath() string {
	if c.Security.AuditLogPath != "" {
		if p, err := resolvePath(c.Security.AuditLogPath); err == nil {
			return p
		}
		return c.Security.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "logs", "violations.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Tokens builds a fresh token for every configured grant.
func (c *Config) Tokens() ([]*capability.Token, error) {
	out := make([]*capability.Token, 0, len(c.Security.Grants))
	for i, g := range c.Security.Grants {
		t, err := g.Token()
		if err != nil {
			return nil, fmt.Errorf("security.grants[%d]: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Config) validate() error {
	if _, err := sandbox.ParseSize(c.Sandbox.MemoryLimit); err != nil {
		return fmt.Errorf("sandbox.memory_limit: %w", err)
	}
	if c.Sandbox.FileSizeLimit != "" {
		if _, err := sandbox.ParseSize(c.Sandbox.FileSizeLimit); err != nil {
			return fmt.Errorf("sandbox.file_size_limit: %w", err)
		}
	}
	if c.Sandbox.CPUTimeout <= 0 {
		return fmt.Errorf("sandbox.cpu_timeout must be positive")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Security.CacheSize < 0 {
		return fmt.Errorf("security.cache_size must not be negative")
	}
	if c.Security.WatchPolicies && c.Security.PolicyFile == "" {
		return fmt.Errorf("security.watch_policies requires security.policy_file")
	}
	for i, g := range c.Security.Grants {
		if g.Type == "" {
			return fmt.Errorf("security.grants[%d].type is required", i)
		}
		if _, err := g.Token(); err != nil {
			return fmt.Errorf("security.grants[%d]: %w", i, err)
		}
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
			// valid
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
		if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
