// Package events carries lease issuance notifications to audit and messaging
// sinks. Events describe a lease, never its payload.
package events

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/credbroker/internal/lease"
)

// LeaseIssued is emitted after every successful upstream fetch.
type LeaseIssued struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Kind       lease.Kind        `json:"kind"`
	IssuedAt   time.Time         `json:"issued_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	TTLSeconds int64             `json:"ttl_seconds"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewLeaseIssued describes l, issued for key.
func NewLeaseIssued(key string, l *lease.Lease) LeaseIssued {
	return LeaseIssued{
		ID:         uuid.NewString(),
		Key:        key,
		Kind:       l.Kind(),
		IssuedAt:   l.IssuedAt().UTC(),
		ExpiresAt:  l.ExpiresAt().UTC(),
		TTLSeconds: int64(l.TTL().Seconds()),
		Metadata:   maps.Clone(l.Metadata()),
	}
}

// Sink receives lease events.
type Sink interface {
	Emit(ctx context.Context, ev LeaseIssued) error
}

// Multi fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev LeaseIssued) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, ev LeaseIssued) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "lease issued",
		slog.String("event_id", ev.ID),
		slog.String("key", ev.Key),
		slog.String("kind", string(ev.Kind)),
		slog.Int64("ttl_seconds", ev.TTLSeconds),
		slog.Time("expires_at", ev.ExpiresAt),
	)
	return nil
}
