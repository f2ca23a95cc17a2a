package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/credbroker/internal/events"
	"github.com/jkaninda/credbroker/internal/lease"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "audit.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func event(key string, kind lease.Kind, issued time.Time) events.LeaseIssued {
	ttl := 30 * time.Second
	if kind.Static() {
		ttl = 0
	}
	return events.NewLeaseIssued(key, lease.New(kind,
		map[string]string{"password": "must-not-be-stored"}, issued, ttl,
		map[string]string{"role": key}))
}

func TestEmitAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	evs := []events.LeaseIssued{
		event("orders", lease.DynamicLeased, base),
		event("users/alice", lease.VersionedStatic, base.Add(time.Minute)),
		event("orders", lease.DynamicLeased, base.Add(2*time.Minute)),
	}
	for _, ev := range evs {
		if err := s.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	all, err := s.Recent(ctx, Query{})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("records = %d, want 3", len(all))
	}
	if all[0].ID != evs[2].ID {
		t.Errorf("newest first: got %s, want %s", all[0].ID, evs[2].ID)
	}
	if all[0].Metadata["role"] != "orders" {
		t.Errorf("metadata = %v", all[0].Metadata)
	}
	if all[0].TTLSeconds != 30 {
		t.Errorf("ttl = %d", all[0].TTLSeconds)
	}

	dyn, err := s.Recent(ctx, Query{Kind: lease.DynamicLeased, Limit: 1})
	if err != nil {
		t.Fatalf("Recent(kind): %v", err)
	}
	if len(dyn) != 1 || dyn[0].Kind != string(lease.DynamicLeased) {
		t.Errorf("kind filter = %+v", dyn)
	}

	byKey, err := s.Recent(ctx, Query{Key: "users/alice"})
	if err != nil {
		t.Fatalf("Recent(key): %v", err)
	}
	if len(byKey) != 1 || byKey[0].Key != "users/alice" {
		t.Errorf("key filter = %+v", byKey)
	}
}

func TestGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ev := event("orders", lease.DynamicLeased, time.Now().UTC().Truncate(time.Second))
	if err := s.Emit(ctx, ev); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Key != "orders" || !rec.ExpiresAt.Equal(ev.ExpiresAt) {
		t.Errorf("record = %+v", rec)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEmit_DuplicateIDFails(t *testing.T) {
	s := openTestStore(t)
	ev := event("k", lease.VersionedStatic, time.Now())
	if err := s.Emit(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := s.Emit(context.Background(), ev); err == nil {
		t.Error("expected primary key violation")
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, issued := range []time.Time{now.Add(-48 * time.Hour), now.Add(-25 * time.Hour), now} {
		if err := s.Emit(ctx, event("k", lease.VersionedStatic, issued)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	left, _ := s.Recent(ctx, Query{})
	if len(left) != 1 {
		t.Errorf("remaining = %d, want 1", len(left))
	}
}

func TestPingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(Config{Driver: "mysql"}, nil); err == nil {
		t.Error("expected unsupported driver error")
	}
	if _, err := Open(Config{}, nil); err == nil {
		t.Error("expected missing path error")
	}
	if _, err := Open(Config{Driver: DriverPostgres}, nil); err == nil {
		t.Error("expected missing dsn error")
	}
}
