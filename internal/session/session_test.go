package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/credbroker/internal/auth"
	"github.com/jkaninda/credbroker/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAuth struct {
	logins   atomic.Int32
	renewals atomic.Int32

	ttl       time.Duration
	renewable bool
	loginErr  error
	renewErr  error
	block     chan struct{} // when set, Login waits for it to close
	onlyFirst bool          // block only the first Login
}

func (f *fakeAuth) Login(ctx context.Context, req store.LoginRequest) (*store.Session, error) {
	n := f.logins.Add(1)
	if f.block != nil && (!f.onlyFirst || n == 1) {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &store.Session{Token: "s." + req.Method, TTL: f.ttl, Renewable: f.renewable}, nil
}

func (f *fakeAuth) RenewSelf(_ context.Context, s *store.Session) (*store.Session, error) {
	f.renewals.Add(1)
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	return &store.Session{Token: s.Token, TTL: f.ttl, Renewable: true}, nil
}

func (f *fakeAuth) calls() (logins, renewals int32) {
	return f.logins.Load(), f.renewals.Load()
}

func newTestManager(t *testing.T, fa *fakeAuth, clock *fakeClock) *Manager {
	t.Helper()
	src, err := auth.New(auth.Config{Method: "token", Token: "s.bootstrap"})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	m, err := NewManager(fa, src, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m.WithClock(clock.Now)
}

func TestNewManager_Threshold(t *testing.T) {
	src, _ := auth.New(auth.Config{Method: "token", Token: "s.x"})
	for _, bad := range []float64{-0.1, 1, 1.5} {
		if _, err := NewManager(&fakeAuth{}, src, bad, nil); err == nil {
			t.Errorf("threshold %v: expected error", bad)
		}
	}
	m, err := NewManager(&fakeAuth{}, src, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.threshold != DefaultThreshold {
		t.Errorf("threshold = %v, want %v", m.threshold, DefaultThreshold)
	}
	if _, err := NewManager(nil, src, 0, nil); err == nil {
		t.Error("expected error for nil gateway")
	}
}

func TestEnsure_LoginOnFirstUse(t *testing.T) {
	fa := &fakeAuth{ttl: time.Hour, renewable: true}
	clock := newFakeClock()
	m := newTestManager(t, fa, clock)

	if m.State() != Uninitialized {
		t.Fatalf("State = %s, want uninitialized", m.State())
	}
	s, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if s.Token != "s.token" {
		t.Errorf("Token = %q", s.Token)
	}
	if !s.IssuedAt.Equal(clock.Now()) {
		t.Errorf("IssuedAt = %v, want manager clock %v", s.IssuedAt, clock.Now())
	}
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if logins, renewals := fa.calls(); logins != 1 || renewals != 0 {
		t.Errorf("logins=%d renewals=%d, want 1/0", logins, renewals)
	}
	if m.State() != Valid {
		t.Errorf("State = %s, want valid", m.State())
	}
}

func TestEnsure_NoStoreCallsBeforeThreshold(t *testing.T) {
	fa := &fakeAuth{ttl: 3600 * time.Second, renewable: true}
	clock := newFakeClock()
	m := newTestManager(t, fa, clock)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	clock.Advance(2879 * time.Second)
	for range 5 {
		if _, err := m.Ensure(context.Background()); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}
	if logins, renewals := fa.calls(); logins != 1 || renewals != 0 {
		t.Errorf("logins=%d renewals=%d, want 1/0", logins, renewals)
	}
}

func TestEnsure_RenewAtThreshold(t *testing.T) {
	fa := &fakeAuth{ttl: 3600 * time.Second, renewable: true}
	clock := newFakeClock()
	m := newTestManager(t, fa, clock)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	clock.Advance(2880 * time.Second)
	if m.State() != NearExpiry {
		t.Errorf("State = %s, want near_expiry", m.State())
	}

	s, err := m.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if logins, renewals := fa.calls(); logins != 1 || renewals != 1 {
		t.Errorf("logins=%d renewals=%d, want 1/1", logins, renewals)
	}
	if !s.IssuedAt.Equal(clock.Now()) {
		t.Errorf("renewed session IssuedAt = %v, want %v", s.IssuedAt, clock.Now())
	}

	// Renewal restarts the window.
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, renewals := fa.calls(); renewals != 1 {
		t.Errorf("renewals = %d, want 1", renewals)
	}
}

func TestEnsure_NotRenewableFallsBackToLogin(t *testing.T) {
	fa := &fakeAuth{ttl: 3600 * time.Second, renewable: true}
	clock := newFakeClock()
	m := newTestManager(t, fa, clock)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	fa.renewErr = store.ErrNotRenewable
	clock.Advance(2880 * time.Second)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if logins, renewals := fa.calls(); logins != 2 || renewals != 1 {
		t.Errorf("logins=%d renewals=%d, want 2/1", logins, renewals)
	}
	if m.State() != Valid {
		t.Errorf("State = %s, want valid", m.State())
	}
}

func TestEnsure_RenewAndLoginFail(t *testing.T) {
	fa := &fakeAuth{ttl: 100 * time.Second, renewable: true}
	clock := newFakeClock()
	m := newTestManager(t, fa, clock)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	fa.renewErr = &store.RejectedError{Status: 403, Message: "permission denied"}
	fa.loginErr = store.ErrStoreUnavailable
	clock.Advance(90 * time.Second)

	_, err := m.Ensure(context.Background())
	if !errors.Is(err, ErrSession) {
		t.Fatalf("expected ErrSession, got %v", err)
	}
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !store.IsForbidden(serr.Renew) {
		t.Errorf("Renew = %v, want forbidden", serr.Renew)
	}
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Error("login cause should be reachable through errors.Is")
	}
	if m.State() != Invalid {
		t.Errorf("State = %s, want invalid", m.State())
	}

	// Recovery on the next call.
	fa.renewErr, fa.loginErr = nil, nil
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure after recovery: %v", err)
	}
	if m.State() != Valid {
		t.Errorf("State = %s, want valid", m.State())
	}
}

func TestEnsure_InitialLoginFails(t *testing.T) {
	fa := &fakeAuth{loginErr: &store.RejectedError{Status: 400, Message: "invalid role"}}
	m := newTestManager(t, fa, newFakeClock())

	_, err := m.Ensure(context.Background())
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if serr.Renew != nil {
		t.Errorf("Renew = %v, want nil with no prior session", serr.Renew)
	}
	if _, renewals := fa.calls(); renewals != 0 {
		t.Errorf("renewals = %d, want 0", renewals)
	}
	if m.State() != Uninitialized {
		t.Errorf("State = %s, want uninitialized", m.State())
	}
}

func TestEnsure_ConcurrentCallersShareOneLogin(t *testing.T) {
	fa := &fakeAuth{ttl: time.Hour, block: make(chan struct{})}
	m := newTestManager(t, fa, newFakeClock())

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Ensure(context.Background())
			errs <- err
		}()
	}

	// Let the callers pile up behind the first login.
	deadline := time.Now().Add(2 * time.Second)
	for fa.logins.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(fa.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Ensure: %v", err)
		}
	}
	if logins := fa.logins.Load(); logins != 1 {
		t.Errorf("logins = %d, want 1", logins)
	}
}

func TestEnsure_WaiterContextCanceled(t *testing.T) {
	fa := &fakeAuth{ttl: time.Hour, block: make(chan struct{})}
	m := newTestManager(t, fa, newFakeClock())
	defer close(fa.block)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.Ensure(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEnsure_LeaderCancelRetriesForWaiter(t *testing.T) {
	fa := &fakeAuth{ttl: time.Hour, block: make(chan struct{}), onlyFirst: true}
	defer close(fa.block)
	m := newTestManager(t, fa, newFakeClock())

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.Ensure(leaderCtx)
		leaderErr <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for fa.logins.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	waiter := make(chan error, 1)
	go func() {
		_, err := m.Ensure(context.Background())
		waiter <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader err = %v, want canceled", err)
	}
	select {
	case err := <-waiter:
		if err != nil {
			t.Fatalf("waiter with live context: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not complete")
	}
	if logins := fa.logins.Load(); logins != 2 {
		t.Errorf("logins = %d, want 2", logins)
	}
	if m.State() != Valid {
		t.Errorf("State = %s, want valid", m.State())
	}
}

func TestEnsure_NonExpiringSession(t *testing.T) {
	fa := &fakeAuth{ttl: 0}
	clock := newFakeClock()
	m := newTestManager(t, fa, clock)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	clock.Advance(24 * 365 * time.Hour)
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if logins, renewals := fa.calls(); logins != 1 || renewals != 0 {
		t.Errorf("logins=%d renewals=%d, want 1/0", logins, renewals)
	}
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	fa := &fakeAuth{ttl: time.Hour, renewable: true}
	m := newTestManager(t, fa, newFakeClock())

	m.Invalidate() // no session yet: no-op
	if m.State() != Uninitialized {
		t.Errorf("State = %s, want uninitialized", m.State())
	}
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	m.Invalidate()
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if logins, renewals := fa.calls(); logins != 2 || renewals != 0 {
		t.Errorf("logins=%d renewals=%d, want 2/0", logins, renewals)
	}
	if m.State() != Valid {
		t.Errorf("State = %s, want valid", m.State())
	}
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	fa := &fakeAuth{ttl: time.Hour}
	m := newTestManager(t, fa, newFakeClock())
	if m.Current() != nil {
		t.Fatal("expected nil session before first use")
	}
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	c := m.Current()
	c.Token = "tampered"
	if m.Current().Token == "tampered" {
		t.Error("Current() exposed internal session")
	}
}

func TestMetrics_RecordsRefreshes(t *testing.T) {
	reg := prometheus.NewRegistry()
	fa := &fakeAuth{ttl: 100 * time.Second, renewable: true}
	clock := newFakeClock()
	m := newTestManager(t, fa, clock).WithMetrics(NewMetrics(reg))

	_, _ = m.Ensure(context.Background())
	fa.renewErr = store.ErrNotRenewable
	clock.Advance(80 * time.Second)
	_, _ = m.Ensure(context.Background())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "credbroker_session_refresh_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			key := ""
			for _, l := range metric.GetLabel() {
				key += l.GetValue() + "/"
			}
			counts[key] = metric.GetCounter().GetValue()
		}
	}
	if counts["login/success/"] != 2 {
		t.Errorf("login/success = %v, want 2", counts["login/success/"])
	}
	if counts["renew/error/"] != 1 {
		t.Errorf("renew/error = %v, want 1", counts["renew/error/"])
	}

	if NewMetrics(nil) != nil {
		t.Error("NewMetrics(nil) should return nil")
	}
}
