// Package httpapi exposes the credential broker over HTTP.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 64 KiB)
//   - Per-key rate limiting via token bucket
//   - Payloads redacted unless reveal is enabled and requested
//   - Caller-scoped credentials keyed by a verified identity JWT
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/credbroker/internal/audit"
	"github.com/jkaninda/credbroker/internal/auth"
	"github.com/jkaninda/credbroker/internal/broker"
	"github.com/jkaninda/credbroker/internal/lease"
	"github.com/jkaninda/credbroker/internal/observability"
	"github.com/jkaninda/credbroker/internal/ratelimit"
	"github.com/jkaninda/credbroker/internal/store"
	"github.com/jkaninda/credbroker/internal/watcher"
)

const defaultMaxRequestSize = 64 << 10

// DefaultIdentityHeader carries the caller JWT for caller-scoped credentials.
const DefaultIdentityHeader = "X-Identity-Token"

// Broker is the broker surface served over HTTP. *broker.Broker satisfies it.
type Broker interface {
	Get(ctx context.Context, key string, kind lease.Kind) (*broker.Credential, error)
	Session(ctx context.Context) (*store.SelfInfo, error)
	Entity(ctx context.Context, name string) (*store.Entity, error)
	Entries() []broker.Entry
}

// LeaseLog lists issued leases. *audit.Store satisfies it.
type LeaseLog interface {
	Recent(ctx context.Context, q audit.Query) ([]audit.LeaseRecord, error)
}

// WatchStatus reports watch job outcomes. *watcher.Watcher satisfies it.
type WatchStatus interface {
	Status() []watcher.Status
}

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string   // e.g., ":8080"
	EnableDocs     bool     // Serve OpenAPI docs.
	APIKeys        []string // Accepted bearer tokens. Empty = /v1 rejects every request.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 64 KiB default.
	AllowReveal    bool     // Honor reveal=true on credential requests.
	IdentityHeader string   // Header carrying the caller JWT. Default: "X-Identity-Token".

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	broker  Broker
	limiter *ratelimit.Limiter
	leases  LeaseLog       // nil = /v1/leases disabled.
	watch   WatchStatus    // nil = /v1/watch disabled.
	ident   *auth.Identity // nil = /v1/identity/credentials disabled.
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, b Broker, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = DefaultIdentityHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  cfg,
		broker:  b,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithLeaseLog enables /v1/leases.
func (g *Gateway) WithLeaseLog(l LeaseLog) *Gateway {
	g.leases = l
	return g
}

// WithWatchStatus enables /v1/watch.
func (g *Gateway) WithWatchStatus(w WatchStatus) *Gateway {
	g.watch = w
	return g
}

// WithIdentity enables /v1/identity/credentials.
func (g *Gateway) WithIdentity(id *auth.Identity) *Gateway {
	g.ident = id
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Credential Broker",
			Version: "v1",
		},
	)
}

// routes registers every endpoint. Split from Start for tests.
func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	g.group = g.okapi.Group("/v1", g.limitBody, g.authenticate, g.rateLimit)

	g.group.Post("/credentials", g.handleCredential,
		okapi.DocSummary("Get a credential, served from cache while fresh"),
		okapi.DocTags("Credentials"),
		okapi.DocRequestBody(CredentialRequest{}),
		okapi.DocResponse(CredentialResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Get("/session", g.handleSession,
		okapi.DocSummary("Describe the broker's own store session"),
		okapi.DocTags("Identity"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/entities/{name}", g.handleEntity,
		okapi.DocSummary("Look up an identity entity by name"),
		okapi.DocTags("Identity"),
		okapi.DocPathParam("name", "string", "Entity name"),
		okapi.DocResponse(store.Entity{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/cache", g.handleCache,
		okapi.DocSummary("List cached leases without payloads"),
		okapi.DocTags("Diagnostics"),
		okapi.DocResponse([]broker.Entry{}),
	)

	if g.ident != nil {
		g.group.Post("/identity/credentials", g.handleIdentityCredential,
			okapi.DocSummary("Get a credential scoped to the caller named by the identity token"),
			okapi.DocTags("Credentials"),
			okapi.DocRequestBody(IdentityCredentialRequest{}),
			okapi.DocResponse(CredentialResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}
	if g.leases != nil {
		g.group.Get("/leases", g.handleLeases,
			okapi.DocSummary("List recently issued leases"),
			okapi.DocTags("Diagnostics"),
			okapi.DocResponse([]audit.LeaseRecord{}),
		)
	}
	if g.watch != nil {
		g.group.Get("/watch", g.handleWatch,
			okapi.DocSummary("Show watch job status"),
			okapi.DocTags("Diagnostics"),
			okapi.DocResponse([]watcher.Status{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// CredentialRequest is the JSON body for POST /v1/credentials.
type CredentialRequest struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	Reveal bool   `json:"reveal,omitempty"` // Only honored when the server allows reveal.
}

// CredentialResponse is the JSON response for POST /v1/credentials.
type CredentialResponse struct {
	*broker.Credential
	RemainingTTL  int64  `json:"remaining_ttl_seconds"`
	Redacted      bool   `json:"redacted"`
	User          string `json:"user,omitempty"` // Set on caller-scoped requests.
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleCredential(c *okapi.Context) error {
	correlationID := newCorrelationID()

	var req CredentialRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Key) == "" {
		return c.AbortBadRequest("key is required")
	}
	kind, err := lease.ParseKind(req.Kind)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	g.logger.Info("http credential request",
		slog.String("caller", c.GetString("caller")),
		slog.String("correlation_id", correlationID),
		slog.String("key", req.Key),
		slog.String("kind", string(kind)),
	)

	cred, err := g.broker.Get(c.Context(), req.Key, kind)
	if err != nil {
		return g.fail(c, correlationID, err)
	}
	return c.OK(g.credentialResponse(cred, req.Reveal, "", correlationID))
}

// IdentityCredentialRequest is the JSON body for POST /v1/identity/credentials.
// The key is derived from the caller's username and Service.
type IdentityCredentialRequest struct {
	Service string `json:"service,omitempty"` // Required for static kinds.
	Kind    string `json:"kind"`
	Reveal  bool   `json:"reveal,omitempty"`
}

func (g *Gateway) handleIdentityCredential(c *okapi.Context) error {
	correlationID := newCorrelationID()

	var req IdentityCredentialRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	kind, err := lease.ParseKind(req.Kind)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	token := c.Header(g.config.IdentityHeader)
	if token == "" {
		return c.AbortUnauthorized("missing " + g.config.IdentityHeader + " header")
	}
	user, key, err := g.ident.Resolve(token, kind, req.Service)
	if err != nil {
		return g.fail(c, correlationID, err)
	}

	g.logger.Info("http identity credential request",
		slog.String("caller", c.GetString("caller")),
		slog.String("correlation_id", correlationID),
		slog.String("user", user),
		slog.String("key", key),
		slog.String("kind", string(kind)),
	)

	cred, err := g.broker.Get(c.Context(), key, kind)
	if err != nil {
		return g.fail(c, correlationID, err)
	}
	return c.OK(g.credentialResponse(cred, req.Reveal, user, correlationID))
}

// credentialResponse masks the payload unless reveal is both requested and allowed.
func (g *Gateway) credentialResponse(cred *broker.Credential, requested bool, user, correlationID string) CredentialResponse {
	reveal := requested && g.config.AllowReveal
	if !reveal {
		cred = cred.Redacted()
	}
	return CredentialResponse{
		Credential:    cred,
		RemainingTTL:  cred.RemainingSeconds(),
		Redacted:      !reveal,
		User:          user,
		CorrelationID: correlationID,
	}
}

// SessionResponse is the JSON response for GET /v1/session.
type SessionResponse struct {
	*store.SelfInfo
	TTLSeconds int64  `json:"ttl_seconds"`
	Username   string `json:"username,omitempty"`
}

func (g *Gateway) handleSession(c *okapi.Context) error {
	info, err := g.broker.Session(c.Context())
	if err != nil {
		return g.fail(c, newCorrelationID(), err)
	}
	return c.OK(SessionResponse{
		SelfInfo:   info,
		TTLSeconds: int64(info.TTL / time.Second),
		Username:   info.Meta["username"],
	})
}

func (g *Gateway) handleEntity(c *okapi.Context) error {
	e, err := g.broker.Entity(c.Context(), c.Param("name"))
	if err != nil {
		return g.fail(c, newCorrelationID(), err)
	}
	return c.OK(e)
}

func (g *Gateway) handleCache(c *okapi.Context) error {
	return c.OK(g.broker.Entries())
}

func (g *Gateway) handleLeases(c *okapi.Context) error {
	q := audit.Query{Key: c.Query("key")}
	if k := c.Query("kind"); k != "" {
		kind, err := lease.ParseKind(k)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		q.Kind = kind
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	records, err := g.leases.Recent(c.Context(), q)
	if err != nil {
		g.logger.Error("listing leases failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing leases failed")
	}
	return c.OK(records)
}

func (g *Gateway) handleWatch(c *okapi.Context) error {
	return c.OK(g.watch.Status())
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness answers Kubernetes liveness checks.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// fail logs err and writes the mapped error response.
func (g *Gateway) fail(c *okapi.Context, correlationID string, err error) error {
	code, msg := StatusFor(err)
	attrs := []any{
		slog.String("correlation_id", correlationID),
		slog.Int("status", code),
		slog.String("error", err.Error()),
	}
	if code >= http.StatusInternalServerError {
		g.logger.Error("broker request failed", attrs...)
	} else {
		g.logger.Warn("broker request rejected", attrs...)
	}
	return c.JSON(code, ErrorBody{Error: msg, CorrelationID: correlationID})
}

// --- Middleware ---

// authenticate validates the bearer API key and stores a caller label.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		apiKey, ok := BearerToken(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		caller, ok := MatchKey(g.config.APIKeys, apiKey)
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("caller", caller)
		return next(c)
	}
}

// rateLimit applies the per-caller token bucket.
func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Allow(c.GetString("caller")); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		return next(c)
	}
}

// limitBody caps the request body.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.ContentLength > g.config.MaxRequestSize {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		}
		return next(c)
	}
}

// --- Helpers ---

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// MatchKey compares candidate against every key in constant time and
// returns a stable label for the matching key.
func MatchKey(keys []string, candidate string) (string, bool) {
	matched := ""
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			matched = key
		}
	}
	if matched == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(matched))
	return "key-" + hex.EncodeToString(sum[:4]), true
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
