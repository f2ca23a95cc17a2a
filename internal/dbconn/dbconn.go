// Package dbconn opens PostgreSQL pools whose logins come from dynamic
// database credentials issued by the broker.
//
// Every new physical connection asks the broker for the role's credential,
// so a short-lived lease is minted or reused transparently. A pooled
// connection is retired before the lease that created it expires.
package dbconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jkaninda/credbroker/internal/broker"
	"github.com/jkaninda/credbroker/internal/config"
	"github.com/jkaninda/credbroker/internal/lease"
)

// Default limits.
const (
	defaultPort        = 5432
	defaultSSLMode     = "prefer"
	defaultMaxConns    = 4
	defaultMaxLifetime = time.Hour
	retireMargin       = 5 * time.Second
)

// ErrMissingCredential means the dynamic credential lacked a username or password.
var ErrMissingCredential = errors.New("dynamic credential has no username or password")

// Resolver fetches credentials. *broker.Broker satisfies it.
type Resolver interface {
	Get(ctx context.Context, key string, kind lease.Kind) (*broker.Credential, error)
}

// Config describes the database and the dynamic role used to reach it.
type Config struct {
	Host     string
	Port     int
	Database string
	SSLMode  string
	Role     string
	MaxConns int32
}

// FromConfig maps the database config section.
func FromConfig(c *config.DatabaseConfig) Config {
	return Config{
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Name,
		SSLMode:  c.SSLMode,
		Role:     c.Role,
		MaxConns: c.MaxConns,
	}
}

// DSN returns the connection URL without user info.
func (c Config) DSN() string {
	port := c.Port
	if port <= 0 {
		port = defaultPort
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = defaultSSLMode
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return u.String()
}

// expiries remembers when the lease behind each database user expires.
// Entries are dropped once their lease lapses, so an unknown user means the
// connection outlived its credential.
type expiries struct {
	mu sync.Mutex
	at map[string]time.Time
}

func (e *expiries) set(user string, t, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for u, at := range e.at {
		if !at.IsZero() && !now.Before(at) {
			delete(e.at, u)
		}
	}
	e.at[user] = t
}

// usable reports whether a connection for user may still be handed out.
func (e *expiries) usable(user string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.at[user]
	switch {
	case !ok:
		return false
	case at.IsZero():
		return true
	case at.Sub(now) > retireMargin:
		return true
	}
	delete(e.at, user)
	return false
}

func (e *expiries) size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.at)
}

// BuildConfig returns a pool config that authenticates every new connection
// with a credential for cfg.Role.
func BuildConfig(cfg Config, creds Resolver, logger *slog.Logger) (*pgxpool.Config, error) {
	if cfg.Host == "" || cfg.Database == "" || cfg.Role == "" {
		return nil, errors.New("database host, name and role are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	pc.MaxConns = cfg.MaxConns
	if pc.MaxConns <= 0 {
		pc.MaxConns = defaultMaxConns
	}
	pc.MaxConnLifetime = defaultMaxLifetime

	exp := &expiries{at: make(map[string]time.Time)}

	pc.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		cred, err := creds.Get(ctx, cfg.Role, lease.DynamicLeased)
		if err != nil {
			return fmt.Errorf("fetching database credential for role %s: %w", cfg.Role, err)
		}
		user, pass := cred.Payload["username"], cred.Payload["password"]
		if user == "" || pass == "" {
			return ErrMissingCredential
		}
		cc.User = user
		cc.Password = pass
		exp.set(user, cred.ExpiresAt, time.Now())
		logger.DebugContext(ctx, "database connection using dynamic credential",
			slog.String("role", cfg.Role),
			slog.String("user", user),
			slog.Int64("remaining_ttl", cred.RemainingSeconds()),
		)
		return nil
	}

	// Connections whose lease is about to lapse are destroyed instead of handed out.
	pc.BeforeAcquire = func(_ context.Context, conn *pgx.Conn) bool {
		return exp.usable(conn.Config().User, time.Now())
	}

	return pc, nil
}

// Pool is a pgx pool backed by dynamic credentials.
type Pool struct {
	*pgxpool.Pool
	role string
}

// Open builds the pool and verifies a connection can be made.
func Open(ctx context.Context, cfg Config, creds Resolver, logger *slog.Logger) (*Pool, error) {
	pc, err := BuildConfig(cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Pool{Pool: pool, role: cfg.Role}, nil
}

// Identity reports who the database sees on the other end.
type Identity struct {
	Role        string `json:"role"`
	CurrentUser string `json:"current_user"`
	Database    string `json:"database"`
	Version     string `json:"server_version"`
}

// Check runs an identity query through the pool.
func (p *Pool) Check(ctx context.Context) (*Identity, error) {
	id := &Identity{Role: p.role}
	err := p.QueryRow(ctx, "SELECT current_user, current_database(), current_setting('server_version')").
		Scan(&id.CurrentUser, &id.Database, &id.Version)
	if err != nil {
		return nil, fmt.Errorf("running identity query: %w", err)
	}
	return id, nil
}
