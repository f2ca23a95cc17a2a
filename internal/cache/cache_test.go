package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/credbroker/internal/lease"
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

// countingFetcher returns a new lease with a sequence number on every call.
type countingFetcher struct {
	calls atomic.Int32
	kind  lease.Kind
	ttl   time.Duration
	clock *fakeClock
	err   error
}

func (f *countingFetcher) fetch(context.Context) (*lease.Lease, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return lease.New(f.kind, map[string]string{"password": fmt.Sprintf("pw-%d", n)}, f.clock.Now(), f.ttl, nil), nil
}

func newTestCache(clock *fakeClock) *Cache {
	return New(lease.DefaultPolicy()).WithClock(clock.Now)
}

func TestGet_StaticScenario(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	f := &countingFetcher{kind: lease.VersionedStatic, ttl: time.Hour, clock: clock}
	key := Key{Namespace: "kv", ID: "users/alice/jira"}

	var payloads []map[string]string
	for i := range 3 {
		clock.Advance(300 * time.Millisecond)
		l, fetched, err := c.Get(context.Background(), key, lease.VersionedStatic, f.fetch)
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		if fetched != (i == 0) {
			t.Errorf("Get #%d fetched = %v", i, fetched)
		}
		payloads = append(payloads, l.Value())
	}

	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
	for i := 1; i < len(payloads); i++ {
		if !maps.Equal(payloads[0], payloads[i]) {
			t.Errorf("payload %d = %v, want %v", i, payloads[i], payloads[0])
		}
	}
}

func TestGet_StaticWindowExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	f := &countingFetcher{kind: lease.TimeBoundStatic, ttl: 24 * time.Hour, clock: clock}
	key := Key{Namespace: "static", ID: "app"}

	for _, step := range []time.Duration{0, 299 * time.Second, time.Second} {
		clock.Advance(step)
		if _, _, err := c.Get(context.Background(), key, lease.TimeBoundStatic, f.fetch); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	// Third call is at exactly 300s: the fixed window ignores the 24h store TTL.
	if n := f.calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

func TestGet_DynamicScenario(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	f := &countingFetcher{kind: lease.DynamicLeased, ttl: 30 * time.Second, clock: clock}
	key := Key{Namespace: "dynamic", ID: "alice"}

	get := func() *lease.Lease {
		t.Helper()
		l, _, err := c.Get(context.Background(), key, lease.DynamicLeased, f.fetch)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		return l
	}

	first := get() // t=0: fetch
	clock.Advance(15 * time.Second)
	if l := get(); l != first {
		t.Error("t=15: expected cache hit")
	}
	if got := first.Remaining(clock.Now()); got != 15*time.Second {
		t.Errorf("t=15: remaining = %v, want 15s", got)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("t=15: fetch calls = %d, want 1", n)
	}

	clock.Advance(7 * time.Second) // t=22, remaining 8s <= 10s margin
	if l := get(); l == first {
		t.Error("t=22: expected refetch")
	}
	if n := f.calls.Load(); n != 2 {
		t.Errorf("t=22: fetch calls = %d, want 2", n)
	}
}

func TestGet_ConcurrentCallersSingleFetch(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := Key{Namespace: "dynamic", ID: "alice"}

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context) (*lease.Lease, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return lease.New(lease.DynamicLeased, map[string]string{"username": "v-alice"}, clock.Now(), time.Minute, nil), nil
	}

	const callers = 50
	results := make(chan *lease.Lease, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		l, _, err := c.Get(context.Background(), key, lease.DynamicLeased, fetch)
		if err != nil {
			t.Errorf("Get: %v", err)
		}
		results <- l
	}()
	<-started

	if _, state := c.Peek(key); state != Refreshing {
		t.Errorf("state during fetch = %s, want refreshing", state)
	}

	for range callers - 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, fetched, err := c.Get(context.Background(), key, lease.DynamicLeased, fetch)
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			if fetched {
				t.Error("waiter reported running the fetch")
			}
			results <- l
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
	var first *lease.Lease
	for l := range results {
		if first == nil {
			first = l
		}
		if l != first {
			t.Error("callers observed different leases")
		}
	}
	if _, state := c.Peek(key); state != Idle {
		t.Errorf("state after fetch = %s, want idle", state)
	}
}

func TestGet_UnrelatedKeysFetchInParallel(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	var wg sync.WaitGroup
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})

	fetchA := func(context.Context) (*lease.Lease, error) {
		close(aStarted)
		select {
		case <-bStarted:
		case <-time.After(2 * time.Second):
			return nil, errors.New("fetch for b never started while a was in flight")
		}
		return lease.New(lease.VersionedStatic, nil, clock.Now(), time.Hour, nil), nil
	}
	fetchB := func(context.Context) (*lease.Lease, error) {
		close(bStarted)
		return lease.New(lease.VersionedStatic, nil, clock.Now(), time.Hour, nil), nil
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, _, err := c.Get(context.Background(), Key{"kv", "a"}, lease.VersionedStatic, fetchA); err != nil {
			t.Errorf("Get a: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-aStarted
		if _, _, err := c.Get(context.Background(), Key{"kv", "b"}, lease.VersionedStatic, fetchB); err != nil {
			t.Errorf("Get b: %v", err)
		}
	}()
	wg.Wait()

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	keys := c.Keys()
	if len(keys) != 2 || keys[0].ID != "a" || keys[1].ID != "b" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestGet_FailureDoesNotServeStale(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	f := &countingFetcher{kind: lease.DynamicLeased, ttl: 30 * time.Second, clock: clock}
	key := Key{Namespace: "dynamic", ID: "alice"}

	orig, _, err := c.Get(context.Background(), key, lease.DynamicLeased, f.fetch)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	clock.Advance(25 * time.Second)
	f.err = errors.New("store unavailable")
	l, fetched, err := c.Get(context.Background(), key, lease.DynamicLeased, f.fetch)
	if err == nil {
		t.Fatal("expected fetch error to propagate")
	}
	if l != nil {
		t.Error("stale lease served on failure")
	}
	if !fetched {
		t.Error("expected fetched=true for the failing call")
	}

	held, state := c.Peek(key)
	if held != orig {
		t.Error("failed fetch replaced the stored lease")
	}
	if state != Idle {
		t.Errorf("state = %s, want idle", state)
	}

	f.err = nil
	l, _, err = c.Get(context.Background(), key, lease.DynamicLeased, f.fetch)
	if err != nil {
		t.Fatalf("retry Get: %v", err)
	}
	if l == orig {
		t.Error("expected a new lease after retry")
	}
}

func TestGet_FailureIsolation(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	missing := &countingFetcher{kind: lease.VersionedStatic, clock: clock, err: errors.New("404 not found")}
	present := &countingFetcher{kind: lease.VersionedStatic, ttl: time.Hour, clock: clock}

	if _, _, err := c.Get(context.Background(), Key{"kv", "k1"}, lease.VersionedStatic, missing.fetch); err == nil {
		t.Fatal("expected error for k1")
	}
	for range 2 {
		if _, _, err := c.Get(context.Background(), Key{"kv", "k2"}, lease.VersionedStatic, present.fetch); err != nil {
			t.Fatalf("Get k2: %v", err)
		}
	}
	if n := present.calls.Load(); n != 1 {
		t.Errorf("k2 fetch calls = %d, want 1", n)
	}
	if l, _ := c.Peek(Key{"kv", "k1"}); l != nil {
		t.Error("k1 should hold no lease")
	}
}

func TestGet_TimeoutSharedWithWaiters(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := Key{Namespace: "dynamic", ID: "slow"}

	started := make(chan struct{})
	var once sync.Once
	slow := func(ctx context.Context) (*lease.Lease, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return nil, errors.New("waiter started its own fetch")
		}
	}

	leaderErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, _, err := c.Get(ctx, key, lease.DynamicLeased, slow)
		leaderErr <- err
	}()
	<-started

	_, _, waiterErr := c.Get(context.Background(), key, lease.DynamicLeased, slow)
	if !errors.Is(waiterErr, context.DeadlineExceeded) {
		t.Errorf("waiter err = %v, want deadline exceeded", waiterErr)
	}
	if err := <-leaderErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("leader err = %v, want deadline exceeded", err)
	}
	if l, state := c.Peek(key); l != nil || state != Idle {
		t.Errorf("entry after timeout: lease=%v state=%s, want nil/idle", l, state)
	}

	// A fresh attempt is possible afterwards.
	f := &countingFetcher{kind: lease.DynamicLeased, ttl: time.Minute, clock: clock}
	if _, _, err := c.Get(context.Background(), key, lease.DynamicLeased, f.fetch); err != nil {
		t.Fatalf("Get after timeout: %v", err)
	}
}

func TestGet_LeaderCancelRetriesForWaiter(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := Key{Namespace: "dynamic", ID: "alice"}

	var calls atomic.Int32
	started := make(chan struct{})
	fetch := func(ctx context.Context) (*lease.Lease, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return lease.New(lease.DynamicLeased, map[string]string{"username": "v-alice"}, clock.Now(), time.Minute, nil), nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.Get(leaderCtx, key, lease.DynamicLeased, fetch)
		leaderErr <- err
	}()
	<-started

	waiter := make(chan error, 1)
	go func() {
		l, _, err := c.Get(context.Background(), key, lease.DynamicLeased, fetch)
		if err == nil && l.Value()["username"] != "v-alice" {
			err = fmt.Errorf("unexpected lease %v", l.Value())
		}
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
	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

func TestGet_WrongKindRejected(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	f := &countingFetcher{kind: lease.VersionedStatic, ttl: time.Hour, clock: clock}
	key := Key{Namespace: "dynamic", ID: "alice"}

	if _, _, err := c.Get(context.Background(), key, lease.DynamicLeased, f.fetch); err == nil {
		t.Fatal("expected error for mismatched lease kind")
	}
	if l, _ := c.Peek(key); l != nil {
		t.Error("mismatched lease was installed")
	}

	nilFetch := func(context.Context) (*lease.Lease, error) { return nil, nil }
	if _, _, err := c.Get(context.Background(), key, lease.DynamicLeased, nilFetch); err == nil {
		t.Fatal("expected error for nil lease")
	}
}
