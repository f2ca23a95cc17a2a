// Package store is the thin gateway to the external secret store.
// Each operation is a single round trip: no caching, no retries.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/jkaninda/credbroker/internal/lease"
)

// Gateway wraps the secret store operations the broker depends on.
type Gateway interface {
	// Login exchanges an identity credential for a new Session.
	Login(ctx context.Context, req LoginRequest) (*Session, error)
	// RenewSelf extends the TTL of s. Returns ErrNotRenewable when the store
	// reports the session cannot be renewed.
	RenewSelf(ctx context.Context, s *Session) (*Session, error)
	// LookupSelf introspects the session token. Diagnostics only.
	LookupSelf(ctx context.Context, s *Session) (*SelfInfo, error)
	// LookupEntity resolves an identity entity by name. Diagnostics only.
	LookupEntity(ctx context.Context, s *Session, name string) (*Entity, error)
	// ReadStaticSecret fetches a versioned or time-bound static secret.
	ReadStaticSecret(ctx context.Context, s *Session, kind lease.Kind, path string) (*lease.Lease, error)
	// GenerateDynamicSecret asks the store to mint fresh credentials for role.
	GenerateDynamicSecret(ctx context.Context, s *Session, role string) (*lease.Lease, error)
}

// LoginRequest is the opaque identity credential presented at login.
type LoginRequest struct {
	Method string         // approle, jwt, kubernetes, userpass, token
	Mount  string         // Auth mount path. Default: Method.
	Token  string         // token method only.
	Auth   api.AuthMethod // Performs the login call for every method but token.
}

// MountPath returns the effective auth mount.
func (r LoginRequest) MountPath() string {
	if r.Mount != "" {
		return r.Mount
	}
	return r.Method
}

// Session is the broker's own credential for talking to the store.
// Values are never modified after creation; renewal returns a new Session.
type Session struct {
	Token     string
	Accessor  string
	IssuedAt  time.Time
	TTL       time.Duration // 0 = the token does not expire.
	Renewable bool
	Policies  []string
	EntityID  string
}

// Elapsed is the time since the session was issued or last renewed.
func (s *Session) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.IssuedAt)
}

// ExpiresAt returns the zero time for non-expiring sessions.
func (s *Session) ExpiresAt() time.Time {
	if s.TTL <= 0 {
		return time.Time{}
	}
	return s.IssuedAt.Add(s.TTL)
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Policies = slices.Clone(s.Policies)
	return &c
}

// SelfInfo is what the store reports about the current token.
type SelfInfo struct {
	Accessor    string            `json:"accessor"`
	EntityID    string            `json:"entity_id"`
	DisplayName string            `json:"display_name"`
	Policies    []string          `json:"policies"`
	TTL         time.Duration     `json:"ttl"`
	Renewable   bool              `json:"renewable"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Entity is an identity entity known to the store.
type Entity struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Policies []string          `json:"policies"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Disabled bool              `json:"disabled"`
}
