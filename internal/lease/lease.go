// Package lease defines the cached credential value handed out by the broker
// and the kind-tagged freshness policy applied to it.
package lease

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Kind selects the freshness rule applied to a Lease.
type Kind string

const (
	// VersionedStatic is a versioned key/value secret (KV v2).
	VersionedStatic Kind = "versioned_static"
	// TimeBoundStatic is a store-rotated static credential (database static role).
	TimeBoundStatic Kind = "time_bound_static"
	// DynamicLeased is a credential minted per request with a store-assigned lease.
	DynamicLeased Kind = "dynamic_leased"
)

// Kinds lists every supported kind in display order.
var Kinds = []Kind{VersionedStatic, TimeBoundStatic, DynamicLeased}

// ParseKind accepts the canonical names plus the short aliases used on the command line.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "versioned_static", "kv", "static":
		return VersionedStatic, nil
	case "time_bound_static", "static_creds", "static-creds":
		return TimeBoundStatic, nil
	case "dynamic_leased", "dynamic", "creds":
		return DynamicLeased, nil
	}
	return "", fmt.Errorf("unknown lease kind %q", s)
}

// Static reports whether the kind uses the fixed cache window.
func (k Kind) Static() bool {
	return k == VersionedStatic || k == TimeBoundStatic
}

func (k Kind) String() string { return string(k) }

// Lease is an immutable credential value plus its validity window.
// Refreshing a credential produces a new Lease; existing ones are never mutated.
type Lease struct {
	kind     Kind
	value    map[string]string
	issuedAt time.Time
	ttl      time.Duration
	metadata map[string]string
}

// New creates a Lease. The value and metadata maps are copied.
func New(kind Kind, value map[string]string, issuedAt time.Time, ttl time.Duration, metadata map[string]string) *Lease {
	if ttl < 0 {
		ttl = 0
	}
	return &Lease{
		kind:     kind,
		value:    maps.Clone(value),
		issuedAt: issuedAt,
		ttl:      ttl,
		metadata: maps.Clone(metadata),
	}
}

func (l *Lease) Kind() Kind { return l.kind }

// Value returns a copy of the credential payload.
func (l *Lease) Value() map[string]string {
	v := maps.Clone(l.value)
	if v == nil {
		v = map[string]string{}
	}
	return v
}

// Field returns a single payload field.
func (l *Lease) Field(name string) (string, bool) {
	v, ok := l.value[name]
	return v, ok
}

func (l *Lease) IssuedAt() time.Time { return l.issuedAt }

// TTL is the validity duration reported by the store at issuance.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Metadata returns a copy of the auxiliary fields (version, role, lease id).
func (l *Lease) Metadata() map[string]string {
	m := maps.Clone(l.metadata)
	if m == nil {
		m = map[string]string{}
	}
	return m
}

// Age is the time elapsed since issuance.
func (l *Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.issuedAt)
}

// Remaining is the unexpired part of the TTL, floored at zero.
func (l *Lease) Remaining(now time.Time) time.Duration {
	r := l.ttl - l.Age(now)
	if r < 0 {
		return 0
	}
	return r
}

func (l *Lease) ExpiresAt() time.Time { return l.issuedAt.Add(l.ttl) }
