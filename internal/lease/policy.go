package lease

import "time"

const (
	// DefaultStaticWindow is how long static kinds are served from cache.
	DefaultStaticWindow = 300 * time.Second
	// DefaultDynamicMargin is the minimum remaining TTL for a dynamic lease to be served.
	DefaultDynamicMargin = 10 * time.Second
)

// Policy holds the freshness parameters for every kind.
type Policy struct {
	StaticWindow  time.Duration
	DynamicMargin time.Duration
}

// DefaultPolicy returns the default windows.
func DefaultPolicy() Policy {
	return Policy{StaticWindow: DefaultStaticWindow, DynamicMargin: DefaultDynamicMargin}
}

// Fresh reports whether l may be served at now without contacting the store.
//
// Static kinds are fresh while their age is below the fixed window, no matter
// what TTL the store reported. Dynamic leases are fresh while the remaining TTL
// is strictly greater than the safety margin.
func (p Policy) Fresh(l *Lease, now time.Time) bool {
	if l == nil {
		return false
	}
	switch l.kind {
	case VersionedStatic, TimeBoundStatic:
		return l.Age(now) < p.StaticWindow
	case DynamicLeased:
		return l.ttl-l.Age(now) > p.DynamicMargin
	}
	return false
}
