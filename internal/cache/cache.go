// Package cache holds leases keyed by secret identity and guarantees at most
// one upstream fetch per key at any time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/credbroker/internal/lease"
)

// Key identifies a cache entry. Namespace separates identifier spaces that may
// collide, such as a KV path and a role with the same name.
type Key struct {
	Namespace string
	ID        string
}

func (k Key) String() string { return k.Namespace + ":" + k.ID }

// Fetcher retrieves a new lease from the store.
type Fetcher func(ctx context.Context) (*lease.Lease, error)

// RefreshState tells whether a fetch is in flight for an entry.
type RefreshState int

const (
	Idle RefreshState = iota
	Refreshing
)

func (s RefreshState) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

type entry struct {
	lease      *lease.Lease // nil until the first successful fetch
	refreshing bool
}

// Cache stores leases. Entries are created on first request and replaced on
// each successful fetch; they are never evicted. Leases are never mutated
// once installed.
type Cache struct {
	policy lease.Policy
	now    func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry

	flight singleflight.Group
}

// New creates an empty cache using policy for freshness decisions.
func New(policy lease.Policy) *Cache {
	return &Cache{
		policy:  policy,
		now:     time.Now,
		entries: make(map[Key]*entry),
	}
}

// WithClock replaces the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Policy returns the freshness policy.
func (c *Cache) Policy() lease.Policy { return c.policy }

// Get returns a fresh lease for key, calling fetch only when the cached lease
// is stale or absent. Callers arriving while a fetch is in flight wait for and
// share its result. Deadline failures are shared; a fetch canceled by another
// caller is retried on the waiter's own context. A failed fetch leaves the
// previous lease in place but it is not served. The bool result reports whether this call's fetch ran.
func (c *Cache) Get(ctx context.Context, key Key, kind lease.Kind, fetch Fetcher) (*lease.Lease, bool, error) {
	if l := c.lookup(key, kind); l != nil {
		return l, false, nil
	}

	for {
		// ran is written by the flight goroutine and read only after its result arrives.
		ran := false
		ch := c.flight.DoChan(key.String(), func() (any, error) {
			// A flight that finished after the lookup above may have installed a fresh lease.
			if l := c.lookup(key, kind); l != nil {
				return l, nil
			}
			c.setRefreshing(key, true)
			ran = true
			l, err := fetch(ctx)
			if err == nil {
				err = checkLease(key, kind, l)
			}
			c.finish(key, l, err)
			return l, err
		})

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(*lease.Lease), ran, nil
			}
			// The flight ran on another caller's context and that caller went away.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			return nil, ran, res.Err
		}
	}
}

// lookup returns the cached lease when it is fresh for kind.
func (c *Cache) lookup(key Key, kind lease.Kind) *lease.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.lease == nil || e.lease.Kind() != kind {
		return nil
	}
	if !c.policy.Fresh(e.lease, c.now()) {
		return nil
	}
	return e.lease
}

func (c *Cache) setRefreshing(key Key, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.refreshing = v
}

func (c *Cache) finish(key Key, l *lease.Lease, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	e.refreshing = false
	if err == nil {
		e.lease = l
	}
}

func checkLease(key Key, kind lease.Kind, l *lease.Lease) error {
	if l == nil {
		return fmt.Errorf("fetch for %s returned no lease", key)
	}
	if l.Kind() != kind {
		return fmt.Errorf("fetch for %s returned %s lease, want %s", key, l.Kind(), kind)
	}
	return nil
}

// Peek returns the stored lease for key, fresh or not, and its refresh state.
func (c *Cache) Peek(key Key) (*lease.Lease, RefreshState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, Idle
	}
	if e.refreshing {
		return e.lease, Refreshing
	}
	return e.lease, Idle
}

// Len returns the number of entries, including ones that never fetched successfully.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns a sorted snapshot of entry keys.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
