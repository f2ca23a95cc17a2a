// Package ratelimit limits requests per API key with independent token buckets.
// Buckets idle longer than the eviction window are dropped by Sweep.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const defaultIdleTTL = 10 * time.Minute

// Config configures the per-key limiter.
type Config struct {
	RequestsPerMinute int           // 0 = unlimited (Allow always succeeds).
	BurstSize         int           // 0 = RequestsPerMinute.
	IdleTTL           time.Duration // Buckets unused this long are evicted. Default: 10m
}

// Limiter is safe for concurrent use. One key cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*entry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter from cfg.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = defaultIdleTTL
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	return &Limiter{
		keys:    make(map[string]*entry),
		limit:   limit,
		burst:   burst,
		idleTTL: idle,
		now:     time.Now,
	}
}

// Allow consumes one token from key's bucket, returning ErrRateLimited when empty.
func (l *Limiter) Allow(key string) error {
	if l.limit == rate.Inf {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.keys[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	if !e.lim.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Sweep evicts idle buckets and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idleTTL)
	n := 0
	for k, e := range l.keys {
		if e.lastSeen.Before(cutoff) {
			delete(l.keys, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
