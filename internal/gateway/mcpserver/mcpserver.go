// Package mcpserver exposes the credential broker as MCP tools so agents can
// request credentials without holding a secret store token.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/credbroker/internal/auth"
	"github.com/jkaninda/credbroker/internal/broker"
	"github.com/jkaninda/credbroker/internal/gateway/httpapi"
	"github.com/jkaninda/credbroker/internal/lease"
	"github.com/jkaninda/credbroker/internal/observability"
)

// Tool names.
const (
	ToolGetCredential   = "get_credential"
	ToolSessionInfo     = "session_info"
	ToolLookupEntity    = "lookup_entity"
	ToolGetMyCredential = "get_my_credential"
)

// EndpointPath is where the http transport serves MCP.
const EndpointPath = "/mcp"

type identityTokenKey struct{}

// Config configures the MCP server.
type Config struct {
	Name        string // Server name reported on initialize. Default: "credbroker".
	Version     string
	Transport   string         // "stdio" or "http".
	ListenAddr  string         // For http.
	AllowReveal bool           // Honor reveal=true on get_credential.
	APIKeys     []string       // Bearer keys accepted by the http transport. Empty = every request rejected.
	Identity    *auth.Identity // nil = get_my_credential disabled.
	// IdentityHeader carries the caller JWT on the http transport. Default: "X-Identity-Token".
	IdentityHeader string
	// IdentityToken is the caller JWT for the stdio transport.
	IdentityToken string
	Metrics       *observability.MetricsCollector
}

// Server serves broker tools over MCP.
type Server struct {
	config Config
	broker httpapi.Broker
	logger *slog.Logger
	mcp    *server.MCPServer
	http   *http.Server
}

// New creates the MCP server and registers its tools.
func New(cfg Config, b httpapi.Broker, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "credbroker"
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = httpapi.DefaultIdentityHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
		mcp: server.NewMCPServer(cfg.Name, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	kinds := []string{string(lease.VersionedStatic), string(lease.TimeBoundStatic), string(lease.DynamicLeased)}

	s.mcp.AddTool(mcp.NewTool(ToolGetCredential,
		mcp.WithDescription("Get a credential from the secret store. Served from cache while fresh; sensitive fields are masked unless reveal is allowed."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Secret path, static role name, or dynamic role name")),
		mcp.WithString("kind", mcp.Required(), mcp.Enum(kinds...), mcp.Description("Lease kind")),
		mcp.WithBoolean("reveal", mcp.Description("Return unmasked values (only if the server allows it)")),
	), s.instrument(ToolGetCredential, s.handleGetCredential))

	s.mcp.AddTool(mcp.NewTool(ToolSessionInfo,
		mcp.WithDescription("Describe the broker's own secret store session: identity, policies and TTL."),
	), s.instrument(ToolSessionInfo, s.handleSessionInfo))

	s.mcp.AddTool(mcp.NewTool(ToolLookupEntity,
		mcp.WithDescription("Look up an identity entity by name."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Entity name")),
	), s.instrument(ToolLookupEntity, s.handleLookupEntity))

	if s.config.Identity != nil {
		s.mcp.AddTool(mcp.NewTool(ToolGetMyCredential,
			mcp.WithDescription("Get a credential scoped to the calling user. The user comes from the verified identity token, never from arguments."),
			mcp.WithString("service", mcp.Description("Service name, such as jira or github. Required for static kinds")),
			mcp.WithString("kind", mcp.Required(), mcp.Enum(kinds...), mcp.Description("Lease kind")),
			mcp.WithBoolean("reveal", mcp.Description("Return unmasked values (only if the server allows it)")),
		), s.instrument(ToolGetMyCredential, s.handleGetMyCredential))
	}
}

// Start serves on the configured transport and blocks until ctx is canceled
// or the transport fails.
func (s *Server) Start(ctx context.Context) error {
	switch s.config.Transport {
	case "", "stdio":
		s.logger.Info("mcp server starting", slog.String("transport", "stdio"))
		if s.config.IdentityToken != "" {
			ctx = context.WithValue(ctx, identityTokenKey{}, s.config.IdentityToken)
		}
		return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
	case "http":
		if len(s.config.APIKeys) == 0 {
			s.logger.Warn("mcp http transport has no api keys; every request will be rejected")
		}
		mux := http.NewServeMux()
		mux.Handle(EndpointPath, s.Handler())
		s.http = &http.Server{
			Addr:              s.config.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		s.logger.Info("mcp server starting",
			slog.String("transport", "http"),
			slog.String("addr", s.config.ListenAddr),
			slog.String("path", EndpointPath),
		)
		err := s.http.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unsupported mcp transport: %s", s.config.Transport)
	}
}

// Stop shuts down the http transport. Stdio exits with its context.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("mcp server stopping")
	return s.http.Shutdown(ctx)
}

// Handler returns the streamable HTTP transport behind bearer API key
// authentication. The identity header, when present, is passed to tools.
func (s *Server) Handler() http.Handler {
	streamable := server.NewStreamableHTTPServer(s.mcp,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if token := r.Header.Get(s.config.IdentityHeader); token != "" {
				return context.WithValue(ctx, identityTokenKey{}, token)
			}
			return ctx
		}),
	)
	return s.authenticate(streamable)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := ""
		key, ok := httpapi.BearerToken(r.Header.Get("Authorization"))
		if ok {
			caller, ok = httpapi.MatchKey(s.config.APIKeys, key)
		}
		if !ok {
			s.logger.Warn("mcp request rejected", slog.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Bearer realm="credbroker"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.Debug("mcp request", slog.String("caller", caller), slog.String("method", r.Method))
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

type toolHandler = func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// instrument counts tool calls. Tool failures are reported in the result, so
// err here only carries the failure for metrics.
func (s *Server) instrument(name string, h func(ctx context.Context, req mcp.CallToolRequest) (any, error)) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := h(ctx, req)
		s.config.Metrics.ToolCall(name, err)
		if err != nil {
			s.logger.WarnContext(ctx, "mcp tool failed",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(toolError(err)), nil
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// credentialResult is the get_credential payload.
type credentialResult struct {
	*broker.Credential
	RemainingTTL int64 `json:"remaining_ttl_seconds"`
	Redacted     bool  `json:"redacted"`
}

func (s *Server) handleGetCredential(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidRequest, err)
	}
	kind, err := lease.ParseKind(req.GetString("kind", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidRequest, err)
	}

	cred, err := s.broker.Get(ctx, key, kind)
	if err != nil {
		return nil, err
	}
	return s.result(cred, req.GetBool("reveal", false)), nil
}

// myCredentialResult is the get_my_credential payload.
type myCredentialResult struct {
	credentialResult
	User string `json:"user"`
}

func (s *Server) handleGetMyCredential(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	kind, err := lease.ParseKind(req.GetString("kind", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidRequest, err)
	}
	token, _ := ctx.Value(identityTokenKey{}).(string)
	if token == "" {
		return nil, fmt.Errorf("%w: no identity token presented", auth.ErrInvalidIdentity)
	}
	user, key, err := s.config.Identity.Resolve(token, kind, req.GetString("service", ""))
	if err != nil {
		return nil, err
	}

	cred, err := s.broker.Get(ctx, key, kind)
	if err != nil {
		return nil, err
	}
	return myCredentialResult{credentialResult: s.result(cred, req.GetBool("reveal", false)), User: user}, nil
}

func (s *Server) result(cred *broker.Credential, requested bool) credentialResult {
	reveal := requested && s.config.AllowReveal
	if !reveal {
		cred = cred.Redacted()
	}
	return credentialResult{Credential: cred, RemainingTTL: cred.RemainingSeconds(), Redacted: !reveal}
}

func (s *Server) handleSessionInfo(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
	return s.broker.Session(ctx)
}

func (s *Server) handleLookupEntity(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidRequest, err)
	}
	return s.broker.Entity(ctx, name)
}

// toolError renders err for the model: a status class plus the client-safe message.
func toolError(err error) string {
	code, msg := httpapi.StatusFor(err)
	if errors.Is(err, broker.ErrInvalidRequest) {
		msg = err.Error()
	}
	return fmt.Sprintf("%s (%d %s)", msg, code, http.StatusText(code))
}
