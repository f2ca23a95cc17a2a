// Package session owns the broker's own secret store token. It renews the
// token once it passes a fraction of its TTL and falls back to a full login
// when renewal is impossible.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/credbroker/internal/auth"
	"github.com/jkaninda/credbroker/internal/store"
)

// DefaultThreshold is the fraction of the TTL after which a session is renewed.
const DefaultThreshold = 0.8

// ErrSession matches every error returned when both renewal and login fail.
var ErrSession = errors.New("session unavailable")

// Error reports a failed renew-then-login sequence. Renew is nil when no
// session existed yet.
type Error struct {
	Renew error
	Login error
}

func (e *Error) Error() string {
	if e.Renew != nil {
		return fmt.Sprintf("session unavailable: renew failed: %v; login failed: %v", e.Renew, e.Login)
	}
	return fmt.Sprintf("session unavailable: login failed: %v", e.Login)
}

func (e *Error) Unwrap() []error {
	errs := []error{ErrSession}
	if e.Renew != nil {
		errs = append(errs, e.Renew)
	}
	if e.Login != nil {
		errs = append(errs, e.Login)
	}
	return errs
}

// State is the lifecycle state of the managed session.
type State int

const (
	Uninitialized State = iota
	Valid
	NearExpiry
	Invalid
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Valid:
		return "valid"
	case NearExpiry:
		return "near_expiry"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// Authenticator is the subset of the gateway the manager calls.
type Authenticator interface {
	Login(ctx context.Context, req store.LoginRequest) (*store.Session, error)
	RenewSelf(ctx context.Context, s *store.Session) (*store.Session, error)
}

// Manager keeps exactly one live session. Safe for concurrent use.
type Manager struct {
	auth      Authenticator
	source    auth.Source
	threshold float64
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	mu      sync.RWMutex
	current *store.Session
	invalid bool

	flight singleflight.Group
}

// NewManager creates a Manager. threshold must satisfy 0 < threshold < 1;
// zero selects DefaultThreshold.
func NewManager(gw Authenticator, src auth.Source, threshold float64, logger *slog.Logger) (*Manager, error) {
	if gw == nil {
		return nil, fmt.Errorf("session manager requires a gateway")
	}
	if src == nil {
		return nil, fmt.Errorf("session manager requires an auth source")
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("renew threshold must be between 0 and 1 (exclusive), got %v", threshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		auth:      gw,
		source:    src,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithMetrics attaches Prometheus metrics. A nil value disables them.
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Ensure returns a session that is not near expiry, renewing or logging in
// first when needed. Concurrent callers share one renew-or-login sequence.
// When the session is fresh no store call is made.
func (m *Manager) Ensure(ctx context.Context) (*store.Session, error) {
	if s := m.fresh(); s != nil {
		return s, nil
	}

	for {
		ch := m.flight.DoChan("session", func() (any, error) {
			// Another flight may have completed between the check above and here.
			if s := m.fresh(); s != nil {
				return s, nil
			}
			return m.refresh(ctx)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(*store.Session).Clone(), nil
			}
			// The sequence ran on another caller's context and that caller went away.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			return nil, res.Err
		}
	}
}

// Current returns a copy of the installed session, or nil.
func (m *Manager) Current() *store.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// State reports the lifecycle state at the current time.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.invalid:
		return Invalid
	case m.current == nil:
		return Uninitialized
	case m.nearExpiry(m.current, m.now()):
		return NearExpiry
	}
	return Valid
}

// Invalidate marks the session unusable so the next Ensure logs in again
// without attempting to renew the rejected token.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.invalid = true
	}
}

func (m *Manager) fresh() *store.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.invalid || m.nearExpiry(m.current, m.now()) {
		return nil
	}
	return m.current.Clone()
}

// nearExpiry reports elapsed >= threshold * ttl. Non-expiring sessions never are.
func (m *Manager) nearExpiry(s *store.Session, now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return float64(s.Elapsed(now)) >= m.threshold*float64(s.TTL)
}

func (m *Manager) refresh(ctx context.Context) (*store.Session, error) {
	m.mu.RLock()
	cur := m.current.Clone()
	invalid := m.invalid
	m.mu.RUnlock()

	var renewErr error
	if cur != nil && !invalid {
		renewed, err := m.auth.RenewSelf(ctx, cur)
		if err == nil {
			return m.install(renewed, "renew"), nil
		}
		renewErr = err
		m.metrics.refreshed("renew", false)
		m.logger.WarnContext(ctx, "session renewal failed, attempting re-login",
			slog.String("error", err.Error()),
			slog.Bool("not_renewable", errors.Is(err, store.ErrNotRenewable)),
		)
	}

	loginErr := m.login(ctx)
	if loginErr == nil {
		return m.Current(), nil
	}

	m.metrics.refreshed("login", false)
	if ctx.Err() == nil {
		m.mu.Lock()
		if m.current != nil {
			m.invalid = true
		}
		m.mu.Unlock()
	}
	m.logger.ErrorContext(ctx, "session login failed", slog.String("error", loginErr.Error()))
	return nil, &Error{Renew: renewErr, Login: loginErr}
}

func (m *Manager) login(ctx context.Context) error {
	req, err := m.source.LoginRequest(ctx)
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	s, err := m.auth.Login(ctx, req)
	if err != nil {
		return err
	}
	m.install(s, "login")
	return nil
}

// install atomically replaces the session. The issue time is taken from the
// manager clock when the response arrives.
func (m *Manager) install(s *store.Session, method string) *store.Session {
	s = s.Clone()
	s.IssuedAt = m.now()

	m.mu.Lock()
	m.current = s
	m.invalid = false
	m.mu.Unlock()

	m.metrics.refreshed(method, true)
	m.metrics.setTTL(s.TTL)
	m.logger.Info("session "+methodVerb(method),
		slog.String("method", method),
		slog.Duration("ttl", s.TTL),
		slog.Bool("renewable", s.Renewable),
	)
	return s.Clone()
}

func methodVerb(method string) string {
	if method == "renew" {
		return "renewed"
	}
	return "established"
}
