// Package audit persists a record of every lease the broker fetched from the
// secret store. Records describe leases; credential values are never stored.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/credbroker/internal/events"
	"github.com/jkaninda/credbroker/internal/lease"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// LeaseRecord maps to the "lease_records" table. Append-only.
type LeaseRecord struct {
	ID         string            `gorm:"primaryKey;size:36" json:"id"`
	Key        string            `gorm:"column:lease_key;not null;index" json:"key"`
	Kind       string            `gorm:"not null;index" json:"kind"`
	IssuedAt   time.Time         `gorm:"not null;index" json:"issued_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	TTLSeconds int64             `json:"ttl_seconds"`
	Metadata   map[string]string `gorm:"type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (LeaseRecord) TableName() string { return "lease_records" }

// Config selects and configures the database backend.
type Config struct {
	Driver string // "sqlite" (default) or "postgres".

	// SQLite
	Path        string
	JournalMode string // Default: wal

	// PostgreSQL
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
}

// Store is a gorm-backed lease audit log. It implements events.Sink.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend. Call Migrate before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.Default()
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg, gormLogger(slogger))
	case DriverPostgres:
		db, err = openPostgres(cfg, gormLogger(slogger))
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	slogger.Info("audit store opened", slog.String("driver", driver))
	return &Store{db: db, driver: driver, logger: slogger}, nil
}

// Migrate creates or updates the audit table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&LeaseRecord{}); err != nil {
		return fmt.Errorf("migrating audit store: %w", err)
	}
	return nil
}

// Driver returns the backend name.
func (s *Store) Driver() string { return s.driver }

// Emit appends ev as a LeaseRecord.
func (s *Store) Emit(ctx context.Context, ev events.LeaseIssued) error {
	rec := LeaseRecord{
		ID:         ev.ID,
		Key:        ev.Key,
		Kind:       string(ev.Kind),
		IssuedAt:   ev.IssuedAt.UTC(),
		ExpiresAt:  ev.ExpiresAt.UTC(),
		TTLSeconds: ev.TTLSeconds,
		Metadata:   ev.Metadata,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("appending lease record: %w", err)
	}
	return nil
}

// Query filters Recent. Zero values match everything.
type Query struct {
	Key   string
	Kind  lease.Kind
	Limit int // Default: 50, capped at 1000.
}

// Recent returns lease records newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]LeaseRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	tx := s.db.WithContext(ctx).Order("issued_at DESC").Order("created_at DESC").Limit(limit)
	if q.Key != "" {
		tx = tx.Where("lease_key = ?", q.Key)
	}
	if q.Kind != "" {
		tx = tx.Where("kind = ?", string(q.Kind))
	}

	var records []LeaseRecord
	if err := tx.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("querying lease records: %w", err)
	}
	return records, nil
}

// Get returns a single record by event ID.
func (s *Store) Get(ctx context.Context, id string) (*LeaseRecord, error) {
	var rec LeaseRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading lease record %s: %w", id, err)
	}
	return &rec, nil
}

// Prune deletes records issued before cutoff and reports how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("issued_at < ?", cutoff.UTC()).Delete(&LeaseRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning lease records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection for readiness.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ErrNotFound is returned by Get for an unknown ID.
var ErrNotFound = errors.New("lease record not found")

var _ events.Sink = (*Store)(nil)

func gormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
