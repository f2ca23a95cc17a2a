package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/jkaninda/credbroker/internal/lease"
)

const (
	defaultKVMount       = "secret"
	defaultDatabaseMount = "database"
	defaultStaticTTL     = time.Hour
)

// VaultConfig configures the HashiCorp Vault gateway.
type VaultConfig struct {
	Address       string
	Namespace     string
	Timeout       time.Duration // HTTP client timeout. 0 = client default.
	CACert        string
	TLSSkipVerify bool

	KVMount       string        // KV v2 mount. Default: "secret"
	DatabaseMount string        // Database secrets engine mount. Default: "database"
	DefaultTTL    time.Duration // TTL for static secrets when the store reports none. Default: 1h
}

// Vault implements Gateway against the Vault HTTP API.
// The underlying client never carries a token; each call clones it with the
// token of the session passed in, so one Vault is safe for concurrent use.
type Vault struct {
	client *api.Client
	cfg    VaultConfig
	now    func() time.Time
}

var _ Gateway = (*Vault)(nil)

// NewVault creates a Vault gateway. Retries are disabled: every operation is
// exactly one round trip.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.KVMount == "" {
		cfg.KVMount = defaultKVMount
	}
	if cfg.DatabaseMount == "" {
		cfg.DatabaseMount = defaultDatabaseMount
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultStaticTTL
	}
	cfg.KVMount = strings.Trim(cfg.KVMount, "/")
	cfg.DatabaseMount = strings.Trim(cfg.DatabaseMount, "/")

	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("reading vault environment: %w", config.Error)
	}
	config.Address = strings.TrimRight(cfg.Address, "/")
	config.MaxRetries = 0
	config.CloneHeaders = true
	if cfg.Timeout > 0 {
		config.Timeout = cfg.Timeout
	}
	if cfg.CACert != "" || cfg.TLSSkipVerify {
		if err := config.ConfigureTLS(&api.TLSConfig{
			CACert:   cfg.CACert,
			Insecure: cfg.TLSSkipVerify,
		}); err != nil {
			return nil, fmt.Errorf("configuring vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	// VAULT_TOKEN is picked up by NewClient; sessions are the only token source.
	client.ClearToken()
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	} else {
		client.ClearNamespace()
	}

	return &Vault{client: client, cfg: cfg, now: time.Now}, nil
}

// Address returns the configured Vault address.
func (v *Vault) Address() string { return v.client.Address() }

// Health reports whether Vault is reachable, initialized and unsealed.
func (v *Vault) Health(ctx context.Context) error {
	health, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return classify("sys/health", err)
	}
	if !health.Initialized {
		return fmt.Errorf("%w: vault is not initialized", ErrStoreUnavailable)
	}
	if health.Sealed {
		return fmt.Errorf("%w: vault is sealed", ErrStoreUnavailable)
	}
	return nil
}

func (v *Vault) withToken(token string) (*api.Client, error) {
	c, err := v.client.Clone()
	if err != nil {
		return nil, fmt.Errorf("cloning vault client: %w", err)
	}
	if token == "" {
		c.ClearToken()
	} else {
		c.SetToken(token)
	}
	return c, nil
}

// --- Auth ---

// Login exchanges req for a new session. The token method validates the
// supplied token with a lookup-self instead of calling a login endpoint.
func (v *Vault) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	if req.Method == "token" {
		return v.loginToken(ctx, req.Token)
	}

	if req.Auth == nil {
		return nil, fmt.Errorf("%s login: no auth method configured", req.Method)
	}

	path := "auth/" + strings.Trim(req.MountPath(), "/") + "/login"
	c, err := v.withToken("")
	if err != nil {
		return nil, err
	}
	secret, err := c.Auth().Login(ctx, checkedLogin{method: req.Auth, path: path})
	if err != nil {
		if errors.Is(err, ErrStoreMalformedResponse) {
			return nil, err
		}
		return nil, classify(path, err)
	}
	return sessionFromAuth(secret.Auth, v.now()), nil
}

// checkedLogin reports a login response without a client token as malformed.
type checkedLogin struct {
	method api.AuthMethod
	path   string
}

func (l checkedLogin) Login(ctx context.Context, c *api.Client) (*api.Secret, error) {
	secret, err := l.method.Login(ctx, c)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return nil, malformed(l.path, "response has no auth block")
	}
	return secret, nil
}

func (v *Vault) loginToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, &RejectedError{Status: http.StatusBadRequest, Message: "empty token", Path: "auth/token/lookup-self"}
	}
	info, err := v.LookupSelf(ctx, &Session{Token: token})
	if err != nil {
		return nil, err
	}
	return &Session{
		Token:     token,
		Accessor:  info.Accessor,
		IssuedAt:  v.now(),
		TTL:       info.TTL,
		Renewable: info.Renewable,
		Policies:  info.Policies,
		EntityID:  info.EntityID,
	}, nil
}

// RenewSelf extends the session TTL. The returned session keeps the same token.
func (v *Vault) RenewSelf(ctx context.Context, s *Session) (*Session, error) {
	const path = "auth/token/renew-self"
	if s == nil || s.Token == "" {
		return nil, fmt.Errorf("%s: no session to renew", path)
	}
	if !s.Renewable {
		return nil, ErrNotRenewable
	}

	c, err := v.withToken(s.Token)
	if err != nil {
		return nil, err
	}
	secret, err := c.Auth().Token().RenewSelfWithContext(ctx, 0)
	if err != nil {
		err = classify(path, err)
		if rej, ok := IsRejected(err); ok && rej.Status == http.StatusBadRequest &&
			strings.Contains(strings.ToLower(rej.Message), "not renewable") {
			return nil, fmt.Errorf("%w: %s", ErrNotRenewable, rej.Message)
		}
		return nil, err
	}
	if secret == nil || secret.Auth == nil {
		return nil, malformed(path, "response has no auth block")
	}

	renewed := sessionFromAuth(secret.Auth, v.now())
	if renewed.Token == "" {
		renewed.Token = s.Token
	}
	if renewed.EntityID == "" {
		renewed.EntityID = s.EntityID
	}
	return renewed, nil
}

// LookupSelf returns what Vault knows about the session token.
func (v *Vault) LookupSelf(ctx context.Context, s *Session) (*SelfInfo, error) {
	const path = "auth/token/lookup-self"
	if s == nil || s.Token == "" {
		return nil, fmt.Errorf("%s: no session", path)
	}

	c, err := v.withToken(s.Token)
	if err != nil {
		return nil, err
	}
	secret, err := c.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return nil, classify(path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, malformed(path, "response has no data")
	}

	info := &SelfInfo{
		EntityID:    stringValue(secret.Data["entity_id"]),
		DisplayName: stringValue(secret.Data["display_name"]),
	}
	if info.Accessor, err = secret.TokenAccessor(); err != nil {
		return nil, malformed(path, "accessor: %v", err)
	}
	if info.Policies, err = secret.TokenPolicies(); err != nil {
		return nil, malformed(path, "policies: %v", err)
	}
	if info.TTL, err = secret.TokenTTL(); err != nil {
		return nil, malformed(path, "ttl: %v", err)
	}
	if info.Renewable, err = secret.TokenIsRenewable(); err != nil {
		return nil, malformed(path, "renewable: %v", err)
	}
	if info.Meta, err = secret.TokenMetadata(); err != nil {
		return nil, malformed(path, "meta: %v", err)
	}
	return info, nil
}

// LookupEntity reads identity/entity/name/<name>.
func (v *Vault) LookupEntity(ctx context.Context, s *Session, name string) (*Entity, error) {
	path := "identity/entity/name/" + name
	secret, err := v.read(ctx, s, path)
	if err != nil {
		return nil, err
	}

	e := &Entity{
		ID:       stringValue(secret.Data["id"]),
		Name:     stringValue(secret.Data["name"]),
		Policies: stringSlice(secret.Data["policies"]),
		Metadata: stringMap(secret.Data["metadata"]),
	}
	if b, ok := secret.Data["disabled"].(bool); ok {
		e.Disabled = b
	}
	if e.ID == "" {
		return nil, malformed(path, "entity has no id")
	}
	return e, nil
}

// --- Secrets ---

// ReadStaticSecret reads a KV v2 secret (VersionedStatic) at <kv_mount>/data/<path>
// or the current credentials of a database static role (TimeBoundStatic) at
// <database_mount>/static-creds/<path>.
func (v *Vault) ReadStaticSecret(ctx context.Context, s *Session, kind lease.Kind, path string) (*lease.Lease, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("secret path is required")
	}
	switch kind {
	case lease.VersionedStatic:
		return v.readKV(ctx, s, path)
	case lease.TimeBoundStatic:
		return v.readStaticCreds(ctx, s, path)
	}
	return nil, fmt.Errorf("%w: %s is not a static kind", ErrUnsupportedKind, kind)
}

func (v *Vault) readKV(ctx context.Context, s *Session, path string) (*lease.Lease, error) {
	full := v.cfg.KVMount + "/data/" + path
	secret, err := v.read(ctx, s, full)
	if err != nil {
		return nil, err
	}

	raw, present := secret.Data["data"]
	if present && raw == nil {
		// A deleted or destroyed version still returns its metadata.
		return nil, &RejectedError{Status: http.StatusNotFound, Message: "secret version deleted", Path: full}
	}
	data, ok := raw.(map[string]any)
	if !ok {
		return nil, malformed(full, "expected data.data object")
	}

	meta := map[string]string{"path": path}
	if md, ok := secret.Data["metadata"].(map[string]any); ok {
		if ver := stringValue(md["version"]); ver != "" {
			meta["version"] = ver
		}
		if created := stringValue(md["created_time"]); created != "" {
			meta["created_time"] = created
		}
	}

	ttl := v.cfg.DefaultTTL
	if secret.LeaseDuration > 0 {
		ttl = time.Duration(secret.LeaseDuration) * time.Second
	}
	return lease.New(lease.VersionedStatic, stringMap(data), v.now(), ttl, meta), nil
}

func (v *Vault) readStaticCreds(ctx context.Context, s *Session, role string) (*lease.Lease, error) {
	full := v.cfg.DatabaseMount + "/static-creds/" + role
	secret, err := v.read(ctx, s, full)
	if err != nil {
		return nil, err
	}

	value := make(map[string]string, 2)
	for _, field := range []string{"username", "password"} {
		f := stringValue(secret.Data[field])
		if f == "" {
			return nil, malformed(full, "missing %s", field)
		}
		value[field] = f
	}

	meta := map[string]string{"role": role}
	if rot := stringValue(secret.Data["last_vault_rotation"]); rot != "" {
		meta["last_vault_rotation"] = rot
	}
	if period := stringValue(secret.Data["rotation_period"]); period != "" {
		meta["rotation_period"] = period
	}

	ttl := v.cfg.DefaultTTL
	if n, err := strconv.ParseInt(stringValue(secret.Data["ttl"]), 10, 64); err == nil && n > 0 {
		ttl = time.Duration(n) * time.Second
	}
	return lease.New(lease.TimeBoundStatic, value, v.now(), ttl, meta), nil
}

// GenerateDynamicSecret reads <database_mount>/creds/<role>, which mints a new
// credential pair on every call.
func (v *Vault) GenerateDynamicSecret(ctx context.Context, s *Session, role string) (*lease.Lease, error) {
	role = strings.Trim(role, "/")
	if role == "" {
		return nil, fmt.Errorf("role name is required")
	}
	full := v.cfg.DatabaseMount + "/creds/" + role
	secret, err := v.read(ctx, s, full)
	if err != nil {
		return nil, err
	}
	if len(secret.Data) == 0 {
		return nil, malformed(full, "response has no data")
	}
	if secret.LeaseDuration <= 0 {
		return nil, malformed(full, "dynamic secret has no lease duration")
	}

	meta := map[string]string{
		"role":      role,
		"lease_id":  secret.LeaseID,
		"renewable": strconv.FormatBool(secret.Renewable),
	}
	ttl := time.Duration(secret.LeaseDuration) * time.Second
	return lease.New(lease.DynamicLeased, stringMap(secret.Data), v.now(), ttl, meta), nil
}

// read performs a logical read. Vault answers a missing path with an empty
// 404, which the client library reports as (nil, nil).
func (v *Vault) read(ctx context.Context, s *Session, path string) (*api.Secret, error) {
	if s == nil || s.Token == "" {
		return nil, fmt.Errorf("%s: no session", path)
	}
	c, err := v.withToken(s.Token)
	if err != nil {
		return nil, err
	}
	secret, err := c.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, classify(path, err)
	}
	if secret == nil {
		return nil, &RejectedError{Status: http.StatusNotFound, Message: "not found", Path: path}
	}
	if secret.Data == nil {
		return nil, malformed(path, "response has no data")
	}
	return secret, nil
}

func sessionFromAuth(auth *api.SecretAuth, now time.Time) *Session {
	policies := auth.TokenPolicies
	if len(policies) == 0 {
		policies = auth.Policies
	}
	return &Session{
		Token:     auth.ClientToken,
		Accessor:  auth.Accessor,
		IssuedAt:  now,
		TTL:       time.Duration(auth.LeaseDuration) * time.Second,
		Renewable: auth.Renewable,
		Policies:  append([]string(nil), policies...),
		EntityID:  auth.EntityID,
	}
}

// classify maps a client error onto the gateway error taxonomy.
func classify(path string, err error) error {
	var (
		respErr *api.ResponseError
		netErr  net.Error
		synErr  *json.SyntaxError
		typeErr *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, path, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", path, err)
	case errors.As(err, &respErr):
		msg := strings.Join(respErr.Errors, "; ")
		switch respErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %s returned %d: %s", ErrStoreUnavailable, path, respErr.StatusCode, msg)
		}
		return &RejectedError{Status: respErr.StatusCode, Message: msg, Path: path}
	case errors.As(err, &synErr), errors.As(err, &typeErr),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return malformed(path, "decoding response: %v", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s: %w", ErrTimeout, path, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, path, err)
}

// --- Value conversion ---

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = stringValue(val)
	}
	return out
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, stringValue(item))
	}
	return out
}
