package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/credbroker/internal/audit"
	"github.com/jkaninda/credbroker/internal/auth"
	"github.com/jkaninda/credbroker/internal/broker"
	"github.com/jkaninda/credbroker/internal/cache"
	"github.com/jkaninda/credbroker/internal/config"
	"github.com/jkaninda/credbroker/internal/events"
	"github.com/jkaninda/credbroker/internal/observability"
	"github.com/jkaninda/credbroker/internal/session"
	"github.com/jkaninda/credbroker/internal/store"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Vault    *store.Vault
	Gateway  store.Gateway // Vault, instrumented when observability is on.
	Sessions *session.Manager
	Cache    *cache.Cache
	Broker   *broker.Broker
	Identity *auth.Identity   // nil = caller-scoped credentials disabled.
	Audit    *audit.Store     // nil = audit disabled.
	NATS     *events.NATSSink // nil = NATS events disabled.

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

// newLogger builds the process logger from --log-level and --log-format.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(logFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// loadConfig loads the file chosen by resolveConfigPath.
func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath(configPath))
}

// resolveConfigPath prefers --config, then CREDBROKER_CONFIG, then the
// default path when it exists. An empty result means env-only configuration.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if path := goutils.Env("CREDBROKER_CONFIG", ""); path != "" {
		return path
	}
	path := config.DefaultConfigPath()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return path
}

// initShared builds the store gateway, session manager, cache and broker.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}
	reg := obs.Registry()

	// Secret store.
	vault, err := store.NewVault(store.VaultConfig{
		Address:       cfg.Store.Address,
		Namespace:     cfg.Store.Namespace,
		Timeout:       cfg.Store.Timeout(),
		CACert:        cfg.Store.CACert,
		TLSSkipVerify: cfg.Store.TLSSkipVerify,
		KVMount:       cfg.Store.KVMount,
		DatabaseMount: cfg.Store.DatabaseMount,
		DefaultTTL:    cfg.Store.DefaultTTL(),
	})
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secret store client: %w", err)
	}
	sc.Vault = vault
	sc.Gateway = obs.Wrap(vault)
	logger.Debug("secret store client initialized", slog.String("address", vault.Address()))

	// Session.
	a := cfg.Store.Auth
	src, err := auth.New(auth.Config{
		Method:          a.AuthMethod(),
		Mount:           a.Mount,
		Role:            a.Role,
		Token:           a.Token,
		RoleID:          a.RoleID,
		SecretID:        a.SecretID,
		SecretIDFile:    a.SecretIDFile,
		WrappedSecretID: a.WrappedSecretID,
		JWT:             a.JWT,
		JWTFile:         a.JWTFile,
		Username:        a.Username,
		Password:        a.Password,
	})
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing auth: %w", err)
	}
	sessions, err := session.NewManager(sc.Gateway, src, cfg.Broker.Threshold(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing session manager: %w", err)
	}
	sc.Sessions = sessions.WithMetrics(session.NewMetrics(reg))

	// Lease events.
	sinks, err := sc.initSinks(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Cache and broker.
	sc.Cache = cache.New(cfg.Broker.Policy())
	sc.Broker = broker.New(sc.Gateway, sc.Sessions, sc.Cache, logger).
		WithTimeout(cfg.Broker.RequestTimeout()).
		WithMetrics(broker.NewMetrics(reg))
	if len(sinks) > 0 {
		sc.Broker.WithSink(sinks)
	}

	if id := cfg.Identity; id != nil {
		sc.Identity, err = auth.NewIdentity(auth.IdentityConfig{
			Secret:          id.Secret,
			PublicKeyFile:   id.PublicKeyFile,
			Issuer:          id.Issuer,
			Audience:        id.Audience,
			StaticTemplate:  id.StaticTemplate,
			DynamicTemplate: id.DynamicTemplate,
		})
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing identity: %w", err)
		}
	}

	logger.Debug("broker initialized",
		slog.String("auth_method", a.AuthMethod()),
		slog.String("static_window", cfg.Broker.StaticWindow().String()),
		slog.String("dynamic_margin", cfg.Broker.DynamicMargin().String()),
		slog.Int("event_sinks", len(sinks)),
		slog.Bool("identity", sc.Identity != nil),
	)
	return sc, nil
}

// initSinks opens the audit store and NATS connection when configured.
func (sc *SharedComponents) initSinks(cfg *config.Config, logger *slog.Logger) (events.Multi, error) {
	var sinks events.Multi

	if cfg.Events != nil && cfg.Events.Log {
		sinks = append(sinks, events.LogSink{Logger: logger})
	}

	if cfg.Audit != nil {
		st, err := openAudit(cfg, logger)
		if err != nil {
			return nil, err
		}
		sc.Audit = st
		sc.addCleanup(func() { _ = st.Close() })
		sinks = append(sinks, st)
		logger.Debug("lease audit store initialized", slog.String("driver", st.Driver()))
	}

	if cfg.Events != nil && cfg.Events.NATS != nil {
		n := cfg.Events.NATS
		ns, err := events.NewNATSSink(n.URL, n.SubjectPrefix, n.CredsFile)
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		sc.NATS = ns
		sc.addCleanup(func() { _ = ns.Close() })
		sinks = append(sinks, ns)
		logger.Debug("nats event sink initialized", slog.String("url", n.URL))
	}
	return sinks, nil
}

func openAudit(cfg *config.Config, logger *slog.Logger) (*audit.Store, error) {
	ac := audit.Config{Driver: cfg.Audit.DriverName()}
	switch ac.Driver {
	case audit.DriverPostgres:
		pg := cfg.Audit.Postgres
		ac.DSN = pg.DSN
		ac.MaxOpenConns = pg.MaxOpenConns
		ac.MaxIdleConns = pg.MaxIdleConns
		ac.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
	default:
		ac.Path = cfg.AuditDBPath()
		if cfg.Audit.SQLite != nil {
			ac.JournalMode = cfg.Audit.SQLite.JournalMode
		}
	}

	st, err := audit.Open(ac, logger)
	if err != nil {
		return nil, fmt.Errorf("opening lease audit store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrating lease audit store: %w", err)
	}
	return st, nil
}

// registerHealthChecks adds readiness checks for the dependencies in use.
// The store is required; audit and events only degrade readiness.
func (sc *SharedComponents) registerHealthChecks(h *observability.HealthChecker) {
	include := config.HealthConfig{IncludeStore: true, IncludeAudit: true, IncludeEvents: true}
	if o := sc.Config.Observability; o != nil && o.Health != nil {
		include = *o.Health
	}
	if include.IncludeStore {
		h.AddCheck("secret_store", sc.Vault.Health)
	}
	if include.IncludeAudit && sc.Audit != nil {
		h.AddOptionalCheck("lease_audit", sc.Audit.Ping)
	}
	if include.IncludeEvents && sc.NATS != nil {
		h.AddOptionalCheck("nats", sc.NATS.Ping)
	}
}

// setup is the common prologue of every command.
func setup() (*SharedComponents, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return initShared(cfg, logger)
}
