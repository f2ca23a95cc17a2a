// Package broker answers "give me a valid credential for key K of kind Kd".
// It keeps the broker session valid, serves leases from the cache and asks
// the secret store for new ones when the kind's freshness policy says so.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/credbroker/internal/cache"
	"github.com/jkaninda/credbroker/internal/events"
	"github.com/jkaninda/credbroker/internal/lease"
	"github.com/jkaninda/credbroker/internal/store"
)

// ErrInvalidRequest is returned for an empty key or unknown kind.
var ErrInvalidRequest = errors.New("invalid credential request")

// Sessions is the session manager as seen by the broker.
type Sessions interface {
	Ensure(ctx context.Context) (*store.Session, error)
	Invalidate()
}

// Credential is the answer to a Get. Payload is a copy owned by the caller.
type Credential struct {
	Key          string            `json:"key"`
	Kind         lease.Kind        `json:"kind"`
	Payload      map[string]string `json:"payload"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	IssuedAt     time.Time         `json:"issued_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	RemainingTTL time.Duration     `json:"-"`
}

// RemainingSeconds is RemainingTTL truncated to whole seconds.
func (c *Credential) RemainingSeconds() int64 {
	return int64(c.RemainingTTL / time.Second)
}

// Redacted returns a copy with sensitive payload fields masked.
func (c *Credential) Redacted() *Credential {
	r := *c
	r.Payload = lease.Redact(c.Payload)
	return &r
}

// Broker is safe for concurrent use.
type Broker struct {
	gateway  store.Gateway
	sessions Sessions
	cache    *cache.Cache
	timeout  time.Duration
	sink     events.Sink
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Broker.
func New(gw store.Gateway, sessions Sessions, c *cache.Cache, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		gateway:  gw,
		sessions: sessions,
		cache:    c,
		logger:   logger,
		now:      time.Now,
	}
}

// WithTimeout bounds every Get. Zero means only the caller's context applies.
func (b *Broker) WithTimeout(d time.Duration) *Broker {
	b.timeout = d
	return b
}

// WithSink sets where lease issuance events are sent.
func (b *Broker) WithSink(s events.Sink) *Broker {
	b.sink = s
	return b
}

// WithMetrics attaches Prometheus metrics. A nil value disables them.
func (b *Broker) WithMetrics(m *Metrics) *Broker {
	b.metrics = m
	return b
}

// WithClock replaces the time source used for remaining TTL.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// Get returns a credential for key that satisfies the freshness policy of kind.
// For static kinds key is a secret path; for dynamic leases it is a role name.
// Errors from the session manager, cache and gateway are returned unchanged,
// except that deadline expiry is reported as store.ErrTimeout.
func (b *Broker) Get(ctx context.Context, key string, kind lease.Kind) (*Credential, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	switch kind {
	case lease.VersionedStatic, lease.TimeBoundStatic, lease.DynamicLeased:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	start := time.Now()

	sess, err := b.sessions.Ensure(ctx)
	if err != nil {
		b.metrics.request(kind, "error", time.Since(start))
		return nil, timeoutError(err)
	}

	l, fetched, err := b.cache.Get(ctx, cache.Key{Namespace: string(kind), ID: key}, kind,
		func(ctx context.Context) (*lease.Lease, error) {
			return b.fetch(ctx, sess, key, kind)
		})
	if err != nil {
		b.metrics.request(kind, "error", time.Since(start))
		if store.IsForbidden(err) {
			b.sessions.Invalidate()
		}
		if store.IsNotFound(err) {
			b.logger.WarnContext(ctx, "credential not provisioned",
				slog.String("key", key),
				slog.String("kind", string(kind)),
			)
		}
		return nil, timeoutError(err)
	}

	result := "cached"
	if fetched {
		result = "fetched"
		b.issued(ctx, key, l)
	}
	b.metrics.request(kind, result, time.Since(start))

	return &Credential{
		Key:          key,
		Kind:         kind,
		Payload:      l.Value(),
		Metadata:     l.Metadata(),
		IssuedAt:     l.IssuedAt(),
		ExpiresAt:    l.ExpiresAt(),
		RemainingTTL: l.Remaining(b.now()),
	}, nil
}

func (b *Broker) fetch(ctx context.Context, sess *store.Session, key string, kind lease.Kind) (*lease.Lease, error) {
	if kind == lease.DynamicLeased {
		return b.gateway.GenerateDynamicSecret(ctx, sess, key)
	}
	return b.gateway.ReadStaticSecret(ctx, sess, kind, key)
}

// issued records a freshly fetched lease. Sink failures are logged and do not
// fail the request.
func (b *Broker) issued(ctx context.Context, key string, l *lease.Lease) {
	b.metrics.issued(l.Kind())
	b.logger.DebugContext(ctx, "lease fetched",
		slog.String("key", key),
		slog.String("kind", string(l.Kind())),
		slog.Duration("ttl", l.TTL()),
	)
	if b.sink == nil {
		return
	}
	if err := b.sink.Emit(context.WithoutCancel(ctx), events.NewLeaseIssued(key, l)); err != nil {
		b.logger.WarnContext(ctx, "lease event not delivered",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Session ensures the broker session and returns the store's view of it.
func (b *Broker) Session(ctx context.Context) (*store.SelfInfo, error) {
	sess, err := b.sessions.Ensure(ctx)
	if err != nil {
		return nil, timeoutError(err)
	}
	info, err := b.gateway.LookupSelf(ctx, sess)
	return info, timeoutError(err)
}

// Entity looks up an identity entity by name.
func (b *Broker) Entity(ctx context.Context, name string) (*store.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", ErrInvalidRequest)
	}
	sess, err := b.sessions.Ensure(ctx)
	if err != nil {
		return nil, timeoutError(err)
	}
	e, err := b.gateway.LookupEntity(ctx, sess, name)
	return e, timeoutError(err)
}

// Entry describes a cache entry without its payload.
type Entry struct {
	Key          string     `json:"key"`
	Kind         lease.Kind `json:"kind"`
	State        string     `json:"state"`
	Fresh        bool       `json:"fresh"`
	IssuedAt     time.Time  `json:"issued_at,omitzero"`
	ExpiresAt    time.Time  `json:"expires_at,omitzero"`
	RemainingTTL int64      `json:"remaining_ttl_seconds"`
}

// Entries lists cached leases for diagnostics.
func (b *Broker) Entries() []Entry {
	now := b.now()
	policy := b.cache.Policy()
	keys := b.cache.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		l, state := b.cache.Peek(k)
		e := Entry{Key: k.ID, Kind: lease.Kind(k.Namespace), State: state.String()}
		if l != nil {
			e.Fresh = policy.Fresh(l, now)
			e.IssuedAt = l.IssuedAt()
			e.ExpiresAt = l.ExpiresAt()
			e.RemainingTTL = int64(l.Remaining(now) / time.Second)
		}
		out = append(out, e)
	}
	return out
}

func timeoutError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, store.ErrTimeout) {
		return fmt.Errorf("%w: %w", store.ErrTimeout, err)
	}
	return err
}
