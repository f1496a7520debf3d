package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kinga/internal/capability"
	"github.com/jkaninda/kinga/internal/config"
	"github.com/jkaninda/kinga/internal/observability"
	"github.com/jkaninda/kinga/internal/sandbox"
	"github.com/jkaninda/kinga/internal/security"
	"github.com/jkaninda/kinga/internal/storage"
	pgstore "github.com/jkaninda/kinga/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kinga/internal/storage/sqlite"
	"github.com/jkaninda/kinga/internal/workspace"
)

// staleSandboxAge is how old a leftover sandbox dir must be before
// startup removes it. Live runs are far shorter.
const staleSandboxAge = time.Hour

// Exit codes shared by run, exec, check and guard.
const (
	ExitSuccess  = 0
	ExitFailure  = 1 // execution failed
	ExitDenied   = 2 // capability or policy denied
	ExitLimit    = 3 // timeout or resource limit
	ExitNotFound = 4 // input file missing
)

var (
	configPath  string
	logLevel    string
	metricsAddr string
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit status %d", e.code)
}

// SharedComponents holds the subsystems the execution commands need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // SQLite or PostgreSQL.

	Obs       *observability.Observability
	Audit     *security.AuditLogger
	Validator *security.Validator
	Checker   *observability.InstrumentedValidator
	Manager   *capability.Manager
	Memo      *sandbox.Memo // nil unless sandbox.enable_cache is set.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path from --config, then KINGA_CONFIG,
// then the default location. Only the default location may be missing.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = goutils.Env("KINGA_CONFIG", "")
	}
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath())
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to w, never to stdout,
// so results stay machine readable.
func newLogger(lc config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// initShared performs the initialization common to the execution commands.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}
	fail := func(err error) (*SharedComponents, error) {
		sc.Cleanup()
		return nil, err
	}

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedDataDir())
	if err != nil {
		return fail(fmt.Errorf("initializing workspace: %w", err))
	}
	if err := ws.EnsureAll(); err != nil {
		return fail(fmt.Errorf("initializing workspace: %w", err))
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))
	if n, err := ws.CleanSandbox(staleSandboxAge); err != nil {
		logger.Warn("cleaning stale sandbox dirs", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("removed stale sandbox dirs", slog.Int("count", n))
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fail(fmt.Errorf("initializing observability: %w", err))
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("initializing storage: %w", err))
	}
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		return fail(fmt.Errorf("migrating storage: %w", err))
	}
	sc.Store = store
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Violation audit log.
	auditPath := cfg.AuditLogPath()
	if err := os.MkdirAll(filepath.Dir(auditPath), 0750); err != nil {
		return fail(fmt.Errorf("creating audit log directory: %w", err))
	}
	audit, err := security.NewAuditLogger(auditPath, logger)
	if err != nil {
		return fail(fmt.Errorf("initializing audit logger: %w", err))
	}
	sc.Audit = audit
	sc.addCleanup(func() {
		if err := audit.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})

	// Validator.
	sc.Validator = security.NewValidator(security.Options{
		CacheSize:           cfg.Security.CacheSize,
		CacheTTL:            cfg.Security.CacheTTL(),
		HistorySize:         cfg.Security.HistorySize,
		SuspiciousIsBlocked: cfg.Security.SuspiciousIsBlocked,
		Sink:                security.MultiSink{audit, store},
	}, logger)
	if err := loadPolicies(ctx, sc); err != nil {
		return fail(err)
	}
	sc.Checker = observability.NewInstrumentedValidator(sc.Validator, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())

	sc.Manager = capability.NewManager(logger)

	if cfg.Sandbox.EnableCache {
		memo, err := sandbox.NewMemo(0, store)
		if err != nil {
			return fail(fmt.Errorf("initializing result cache: %w", err))
		}
		memo.SetLogger(logger)
		sc.Memo = memo
	}

	if obs != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if cfg.Observability.Health.IncludeSandbox {
			interp := cfg.Sandbox.Interpreter
			if interp == "" {
				interp = cfg.Sandbox.Language
			}
			obs.Health.AddCheck("interpreter", observability.InterpreterCheck(interp))
			obs.Health.AddCheck("sandbox_dir", observability.WritableDirCheck(ws.SandboxDir()))
		}
	}

	if addr := resolveMetricsAddr(cfg); addr != "" && obs != nil {
		serveCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := obs.Serve(serveCtx, addr, cfg.Observability.Metrics.MetricsPath(), logger); err != nil {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		sc.addCleanup(func() {
			cancel()
			<-done
		})
	}

	return sc, nil
}

func resolveMetricsAddr(cfg *config.Config) string {
	if cfg.Observability == nil || cfg.Observability.Metrics == nil || !cfg.Observability.Metrics.Enabled {
		return ""
	}
	if metricsAddr != "" {
		return metricsAddr
	}
	return cfg.Observability.Metrics.Addr
}

// loadPolicies registers the workspace policy files, then the configured
// policy file, and starts the watcher when asked to.
func loadPolicies(ctx context.Context, sc *SharedComponents) error {
	files, err := sc.Workspace.PolicyFiles()
	if err != nil {
		return err
	}
	if p := sc.Config.Security.PolicyFile; p != "" {
		files = append(files, p)
	}
	for _, f := range files {
		n, err := security.LoadInto(sc.Validator, f)
		if err != nil {
			return fmt.Errorf("loading policies: %w", err)
		}
		sc.Logger.Debug("policies loaded", slog.String("file", f), slog.Int("count", n))
	}

	if !sc.Config.Security.WatchPolicies || sc.Config.Security.PolicyFile == "" {
		return nil
	}
	watcher, err := security.NewPolicyWatcher(sc.Validator, sc.Config.Security.PolicyFile, sc.Logger)
	if err != nil {
		return err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Run(watchCtx)
	}()
	sc.addCleanup(func() {
		cancel()
		<-done
	})
	return nil
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sqliteCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqliteCfg, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or KINGA_DB_DSN)")
	}
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// newContext builds a capability context holding the configured grants
// plus the --grant flags. Flags replace a configured grant of the same type.
func (sc *SharedComponents) newContext(name string, grants []string) (*capability.Context, error) {
	c, err := sc.Manager.NewContext(name)
	if err != nil {
		return nil, err
	}
	tokens, err := sc.Config.Tokens()
	if err != nil {
		return nil, err
	}
	extra, err := parseGrants(grants)
	if err != nil {
		return nil, err
	}
	for _, t := range append(tokens, extra...) {
		if err := c.Add(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func parseGrants(flags []string) ([]*capability.Token, error) {
	out := make([]*capability.Token, 0, len(flags))
	for _, f := range flags {
		g, err := config.ParseGrant(f)
		if err != nil {
			return nil, fmt.Errorf("--grant %q: %w", f, err)
		}
		t, err := g.Token()
		if err != nil {
			return nil, fmt.Errorf("--grant %q: %w", f, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// sandboxConfig returns the configured sandbox settings with the workspace
// sandbox dir as parent and this binary as the sh guard.
func (sc *SharedComponents) sandboxConfig(language string) sandbox.Config {
	cfg := sc.Config.Sandbox
	if language != "" {
		cfg.Language = language
		if language != sc.Config.Sandbox.Language {
			cfg.Interpreter = ""
		}
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = sc.Workspace.SandboxDir()
	}
	if cfg.GuardBinary == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.GuardBinary = exe
		}
	}
	return cfg
}

func (sc *SharedComponents) sandboxOptions() []sandbox.Option {
	opts := []sandbox.Option{
		sandbox.WithValidator(sc.Validator),
		sandbox.WithManager(sc.Manager),
	}
	if sc.Memo != nil {
		opts = append(opts, sandbox.WithMemo(sc.Memo))
	}
	return opts
}

// newSandbox creates an instrumented sandbox. Callers close the returned
// *sandbox.Sandbox.
func (sc *SharedComponents) newSandbox(language string) (*sandbox.Sandbox, *observability.InstrumentedSandbox, error) {
	sb, err := sandbox.New(sc.sandboxConfig(language), sc.Logger, sc.sandboxOptions()...)
	if err != nil {
		return nil, nil, err
	}
	inst := observability.NewInstrumentedSandbox(sb, sc.Obs.MetricsOrNil(), sc.Obs.TracerOrNil(), sc.Obs.AnomalyOrNil())
	return sb, inst, nil
}

// resultExitCode maps a result to the process exit code.
func resultExitCode(res *sandbox.Result) int {
	switch {
	case res == nil:
		return ExitFailure
	case res.Success:
		return ExitSuccess
	case res.Failed(sandbox.KindSecurity):
		return ExitDenied
	case res.Failed(sandbox.KindTimeout), res.Failed(sandbox.KindResource):
		return ExitLimit
	case res.Failed(sandbox.KindFileNotFound):
		return ExitNotFound
	default:
		return ExitFailure
	}
}

func isExit(err error, code int) bool {
	var e *exitError
	return errors.As(err, &e) && e.code == code
}
