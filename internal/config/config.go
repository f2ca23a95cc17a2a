// Package config handles loading and validating credbroker configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/credbroker/internal/lease"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for credbroker.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.credbroker/data. Override: CREDBROKER_DATA_DIR.
	Store         StoreConfig          `json:"store" yaml:"store"`
	Broker        BrokerConfig         `json:"broker" yaml:"broker"`
	Watch         *WatchConfig         `json:"watch,omitempty" yaml:"watch,omitempty"`                 // nil = no scheduled refresh
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = defaults for `serve`
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = MCP tools disabled in `serve`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = no lease audit trail
	Events        *EventsConfig        `json:"events,omitempty" yaml:"events,omitempty"`               // nil = events logged only
	Database      *DatabaseConfig      `json:"database,omitempty" yaml:"database,omitempty"`           // nil = db-check unavailable
	Identity      *IdentityConfig      `json:"identity,omitempty" yaml:"identity,omitempty"`           // nil = caller-scoped credentials disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StoreConfig describes the secret store and how the broker authenticates to it.
type StoreConfig struct {
	Address           string     `json:"address" yaml:"address"`                         // Override: VAULT_ADDR.
	Namespace         string     `json:"namespace,omitempty" yaml:"namespace,omitempty"` // Override: VAULT_NAMESPACE.
	CACert            string     `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty"`     // PEM bundle path.
	TLSSkipVerify     bool       `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
	TimeoutSeconds    int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`         // HTTP client timeout. Default: 30
	KVMount           string     `json:"kv_mount,omitempty" yaml:"kv_mount,omitempty"`                       // Default: "secret"
	DatabaseMount     string     `json:"database_mount,omitempty" yaml:"database_mount,omitempty"`           // Default: "database"
	DefaultTTLSeconds int        `json:"default_ttl_seconds,omitempty" yaml:"default_ttl_seconds,omitempty"` // Static role TTL when the store omits one. Default: 3600
	Auth              AuthConfig `json:"auth" yaml:"auth"`
}

// Timeout returns the store HTTP client timeout.
func (s StoreConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// DefaultTTL returns the fallback TTL for time-bound static secrets.
func (s StoreConfig) DefaultTTL() time.Duration {
	if s.DefaultTTLSeconds > 0 {
		return time.Duration(s.DefaultTTLSeconds) * time.Second
	}
	return time.Hour
}

// AuthConfig selects the login method. Secrets may come from the environment:
// VAULT_TOKEN, VAULT_ROLE_ID, VAULT_SECRET_ID, VAULT_JWT.
type AuthConfig struct {
	Method   string `json:"method" yaml:"method"`                           // token (default), approle, jwt, kubernetes, userpass.
	Mount    string `json:"mount,omitempty" yaml:"mount,omitempty"`         // Default: the method name.
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`           // jwt, kubernetes.
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`         // token.
	RoleID   string `json:"role_id,omitempty" yaml:"role_id,omitempty"`     // approle.
	SecretID string `json:"secret_id,omitempty" yaml:"secret_id,omitempty"` // approle.
	// SecretIDFile is read on every approle login and wins over SecretID.
	SecretIDFile string `json:"secret_id_file,omitempty" yaml:"secret_id_file,omitempty"`
	// WrappedSecretID treats the secret ID as a response-wrapping token to unwrap first.
	WrappedSecretID bool   `json:"wrapped_secret_id,omitempty" yaml:"wrapped_secret_id,omitempty"`
	JWT             string `json:"jwt,omitempty" yaml:"jwt,omitempty"`           // jwt, inline.
	JWTFile         string `json:"jwt_file,omitempty" yaml:"jwt_file,omitempty"` // jwt, kubernetes. Re-read on every login.
	Username        string `json:"username,omitempty" yaml:"username,omitempty"` // userpass.
	Password        string `json:"password,omitempty" yaml:"password,omitempty"` // userpass.
}

// AuthMethod returns the configured method, defaulting to "token".
func (a AuthConfig) AuthMethod() string {
	if a.Method != "" {
		return a.Method
	}
	return "token"
}

// BrokerConfig tunes freshness and session renewal.
type BrokerConfig struct {
	StaticWindowSeconds   int     `json:"static_window_seconds,omitempty" yaml:"static_window_seconds,omitempty"`     // Default: 300
	DynamicMarginSeconds  int     `json:"dynamic_margin_seconds,omitempty" yaml:"dynamic_margin_seconds,omitempty"`   // Default: 10
	RenewThreshold        float64 `json:"renew_threshold,omitempty" yaml:"renew_threshold,omitempty"`                 // Fraction of session TTL. Default: 0.8
	RequestTimeoutSeconds int     `json:"request_timeout_seconds,omitempty" yaml:"request_timeout_seconds,omitempty"` // Default: 15
}

// StaticWindow returns how long static secrets are served from cache.
func (b BrokerConfig) StaticWindow() time.Duration {
	if b.StaticWindowSeconds > 0 {
		return time.Duration(b.StaticWindowSeconds) * time.Second
	}
	return lease.DefaultStaticWindow
}

// DynamicMargin returns the remaining-TTL margin below which a dynamic lease is refetched.
func (b BrokerConfig) DynamicMargin() time.Duration {
	if b.DynamicMarginSeconds > 0 {
		return time.Duration(b.DynamicMarginSeconds) * time.Second
	}
	return lease.DefaultDynamicMargin
}

// Policy returns the freshness policy for the cache.
func (b BrokerConfig) Policy() lease.Policy {
	return lease.Policy{StaticWindow: b.StaticWindow(), DynamicMargin: b.DynamicMargin()}
}

// Threshold returns the session renewal threshold.
func (b BrokerConfig) Threshold() float64 {
	if b.RenewThreshold > 0 {
		return b.RenewThreshold
	}
	return 0.8
}

// RequestTimeout bounds a single credential request.
func (b BrokerConfig) RequestTimeout() time.Duration {
	if b.RequestTimeoutSeconds > 0 {
		return time.Duration(b.RequestTimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// WatchConfig configures scheduled refresh jobs.
type WatchConfig struct {
	Enabled bool       `json:"enabled" yaml:"enabled"`
	Jobs    []WatchJob `json:"jobs" yaml:"jobs"`
}

// WatchJob keeps one credential warm.
type WatchJob struct {
	Name     string `json:"name" yaml:"name"`
	Key      string `json:"key" yaml:"key"`
	Kind     string `json:"kind" yaml:"kind"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // Cron expression or @every. Default depends on kind.
}

// HTTPConfig configures the HTTP API served by `serve`.
type HTTPConfig struct {
	ListenAddr         string   `json:"listen_addr" yaml:"listen_addr"`                                         // Default: ":8080"
	APIKeys            []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`                           // Override: CREDBROKER_API_KEYS (comma-separated).
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"` // Per API key. Default: 120
	BurstSize          int      `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`                       // Default: 20
	MaxRequestBytes    int64    `json:"max_request_bytes,omitempty" yaml:"max_request_bytes,omitempty"`         // Default: 64 KiB
	AllowReveal        bool     `json:"allow_reveal,omitempty" yaml:"allow_reveal,omitempty"`                   // Return unredacted payloads.
	OpenAPIDocs        bool     `json:"openapi_docs,omitempty" yaml:"openapi_docs,omitempty"`
}

// Addr returns the listen address.
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimit returns requests per minute per API key.
func (h *HTTPConfig) RateLimit() int {
	if h != nil && h.RateLimitPerMinute > 0 {
		return h.RateLimitPerMinute
	}
	return 120
}

// Burst returns the rate limiter burst size.
func (h *HTTPConfig) Burst() int {
	if h != nil && h.BurstSize > 0 {
		return h.BurstSize
	}
	return 20
}

// MaxBody returns the request body limit in bytes.
func (h *HTTPConfig) MaxBody() int64 {
	if h != nil && h.MaxRequestBytes > 0 {
		return h.MaxRequestBytes
	}
	return 64 << 10
}

// MCPConfig configures the MCP tool server.
type MCPConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Transport   string `json:"transport,omitempty" yaml:"transport,omitempty"`     // "stdio" (default) or "http".
	ListenAddr  string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // For http. Default: ":8090"
	AllowReveal bool   `json:"allow_reveal,omitempty" yaml:"allow_reveal,omitempty"`
	// APIKeys guard the http transport. Empty = the http section's keys.
	APIKeys []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
}

// IdentityConfig enables caller-scoped credentials: the caller presents a
// signed JWT and receives only keys derived from its username.
type IdentityConfig struct {
	Secret          string `json:"secret,omitempty" yaml:"secret,omitempty"`                   // HMAC key. Override: CREDBROKER_IDENTITY_SECRET.
	PublicKeyFile   string `json:"public_key_file,omitempty" yaml:"public_key_file,omitempty"` // PEM RSA or ECDSA public key.
	Issuer          string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Audience        string `json:"audience,omitempty" yaml:"audience,omitempty"`
	StaticTemplate  string `json:"static_template,omitempty" yaml:"static_template,omitempty"`   // Default: "users/{user}/{service}"
	DynamicTemplate string `json:"dynamic_template,omitempty" yaml:"dynamic_template,omitempty"` // Default: "{user}"
	Header          string `json:"header,omitempty" yaml:"header,omitempty"`                     // Default: "X-Identity-Token"
}

// HeaderName returns the request header carrying the caller JWT.
func (i *IdentityConfig) HeaderName() string {
	if i != nil && i.Header != "" {
		return i.Header
	}
	return "X-Identity-Token"
}

// TransportName returns the MCP transport, defaulting to "stdio".
func (m *MCPConfig) TransportName() string {
	if m != nil && m.Transport != "" {
		return m.Transport
	}
	return "stdio"
}

// Addr returns the MCP HTTP listen address.
func (m *MCPConfig) Addr() string {
	if m != nil && m.ListenAddr != "" {
		return m.ListenAddr
	}
	return ":8090"
}

// AuditConfig configures the lease audit store.
type AuditConfig struct {
	Driver   string          `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// DriverName returns the configured driver, defaulting to "sqlite".
func (a *AuditConfig) DriverName() string {
	if a != nil && a.Driver != "" {
		return a.Driver
	}
	return "sqlite"
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// EventsConfig configures where lease events go.
type EventsConfig struct {
	Log  bool        `json:"log" yaml:"log"` // Log every lease issued.
	NATS *NATSConfig `json:"nats,omitempty" yaml:"nats,omitempty"`
}

// NATSConfig configures the NATS event sink.
type NATSConfig struct {
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"` // Default: "credbroker.lease"
	CredsFile     string `json:"creds_file,omitempty" yaml:"creds_file,omitempty"`
}

// DatabaseConfig describes a PostgreSQL database reached with dynamic credentials.
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"` // Default: 5432
	Name     string `json:"name" yaml:"name"`
	SSLMode  string `json:"sslmode,omitempty" yaml:"sslmode,omitempty"` // Default: "prefer"
	Role     string `json:"role" yaml:"role"`                           // Dynamic role under the database mount.
	MaxConns int32  `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
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
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "credbroker"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
	// Headers are sent with every export, e.g. a collector API key.
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Export timeout. Default: 10
}

// ExportTimeout returns the span export timeout.
func (t *TracingConfig) ExportTimeout() time.Duration {
	if t == nil || t.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// HealthConfig selects the dependencies checked by /readyz.
type HealthConfig struct {
	IncludeStore  bool `json:"include_store" yaml:"include_store"`
	IncludeAudit  bool `json:"include_audit" yaml:"include_audit"`
	IncludeEvents bool `json:"include_events" yaml:"include_events"`
}

// AnomalyConfig configures error-rate anomaly detection on store operations.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.credbroker/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/credbroker.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".credbroker", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path skips the file, leaving the environment as the only source.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

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
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".credbroker", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VAULT_ADDR"); v != "" {
		c.Store.Address = v
	}
	if v := os.Getenv("VAULT_NAMESPACE"); v != "" {
		c.Store.Namespace = v
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		c.Store.Auth.Token = v
	}
	if v := os.Getenv("VAULT_ROLE_ID"); v != "" {
		c.Store.Auth.RoleID = v
	}
	if v := os.Getenv("VAULT_SECRET_ID"); v != "" {
		c.Store.Auth.SecretID = v
	}
	if v := os.Getenv("VAULT_JWT"); v != "" {
		c.Store.Auth.JWT = v
	}
	if v := os.Getenv("CREDBROKER_IDENTITY_SECRET"); v != "" {
		if c.Identity == nil {
			c.Identity = &IdentityConfig{}
		}
		c.Identity.Secret = v
	}
	if v := os.Getenv("CREDBROKER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CREDBROKER_API_KEYS"); v != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.APIKeys = splitList(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
		return filepath.Join(home, ".credbroker", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// AuditDBPath returns the SQLite audit database path.
func (c *Config) AuditDBPath() string {
	if c.Audit != nil && c.Audit.SQLite != nil && c.Audit.SQLite.Path != "" {
		if p, err := resolvePath(c.Audit.SQLite.Path); err == nil {
			return p
		}
		return c.Audit.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.db")
}

// DefaultSchedule returns the refresh schedule used for a watch job of kind.
func DefaultSchedule(kind lease.Kind) string {
	switch kind {
	case lease.VersionedStatic:
		return "@every 30s"
	case lease.TimeBoundStatic:
		return "@every 10s"
	default:
		return "@every 5s"
	}
}

func (c *Config) validate() error {
	if c.Store.Address == "" {
		return errors.New("store.address is required (set VAULT_ADDR env var)")
	}
	if c.Store.TimeoutSeconds < 0 || c.Store.DefaultTTLSeconds < 0 {
		return errors.New("store timeouts must not be negative")
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if t := c.Broker.RenewThreshold; t < 0 || t >= 1 {
		return fmt.Errorf("broker.renew_threshold %v must be between 0 and 1 (exclusive)", t)
	}
	if c.Broker.StaticWindowSeconds < 0 || c.Broker.DynamicMarginSeconds < 0 || c.Broker.RequestTimeoutSeconds < 0 {
		return errors.New("broker durations must not be negative")
	}
	if c.Watch != nil {
		names := make(map[string]bool, len(c.Watch.Jobs))
		for i, job := range c.Watch.Jobs {
			if job.Name == "" {
				return fmt.Errorf("watch.jobs[%d].name is required", i)
			}
			if names[job.Name] {
				return fmt.Errorf("watch.jobs[%d]: duplicate job name %q", i, job.Name)
			}
			names[job.Name] = true
			if job.Key == "" {
				return fmt.Errorf("watch.jobs[%d] (%q): key is required", i, job.Name)
			}
			if _, err := lease.ParseKind(job.Kind); err != nil {
				return fmt.Errorf("watch.jobs[%d] (%q): %w", i, job.Name, err)
			}
		}
	}
	if c.MCP != nil {
		switch c.MCP.TransportName() {
		case "stdio", "http":
		default:
			return fmt.Errorf("mcp.transport %q is not supported (use stdio or http)", c.MCP.Transport)
		}
	}
	if c.Audit != nil {
		switch c.Audit.DriverName() {
		case "sqlite":
		case "postgres":
			if c.Audit.Postgres == nil || c.Audit.Postgres.DSN == "" {
				return errors.New("audit.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("audit.driver %q is not supported (use sqlite or postgres)", c.Audit.Driver)
		}
	}
	if c.Events != nil && c.Events.NATS != nil && c.Events.NATS.URL == "" {
		return errors.New("events.nats.url is required")
	}
	if id := c.Identity; id != nil {
		if (id.Secret == "") == (id.PublicKeyFile == "") {
			return errors.New("identity: set exactly one of secret or public_key_file")
		}
	}
	if c.Database != nil {
		if c.Database.Host == "" || c.Database.Name == "" {
			return errors.New("database.host and database.name are required")
		}
		if c.Database.Role == "" {
			return errors.New("database.role is required")
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	a := c.Store.Auth
	switch a.AuthMethod() {
	case "token":
		if a.Token == "" {
			return errors.New("store.auth.token is required (set VAULT_TOKEN env var)")
		}
	case "approle":
		if a.RoleID == "" {
			return errors.New("store.auth.role_id is required (set VAULT_ROLE_ID env var)")
		}
		if a.SecretID == "" && a.SecretIDFile == "" {
			return errors.New("store.auth.secret_id or secret_id_file is required (set VAULT_SECRET_ID env var)")
		}
	case "jwt":
		if a.JWT == "" && a.JWTFile == "" {
			return errors.New("store.auth.jwt or jwt_file is required (set VAULT_JWT env var)")
		}
		if a.Role == "" {
			return errors.New("store.auth.role is required for jwt")
		}
	case "kubernetes":
		if a.Role == "" {
			return errors.New("store.auth.role is required for kubernetes")
		}
	case "userpass":
		if a.Username == "" || a.Password == "" {
			return errors.New("store.auth.username and password are required for userpass")
		}
	default:
		return fmt.Errorf("store.auth.method %q is not supported (use token, approle, jwt, kubernetes, or userpass)", a.Method)
	}
	return nil
}
