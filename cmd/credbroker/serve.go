package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/credbroker/internal/config"
	"github.com/jkaninda/credbroker/internal/gateway"
	"github.com/jkaninda/credbroker/internal/gateway/httpapi"
	"github.com/jkaninda/credbroker/internal/gateway/mcpserver"
	"github.com/jkaninda/credbroker/internal/observability"
	"github.com/jkaninda/credbroker/internal/ratelimit"
	"github.com/jkaninda/credbroker/internal/watcher"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve credentials over HTTP (and MCP over HTTP when enabled)",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so `credbroker --port :9000` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	sc, err := setup()
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	cfg, logger := sc.Config, sc.Logger

	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Log in up front so a bad credential surfaces at startup. A failure is
	// retried on the first request.
	if _, err := sc.Sessions.Ensure(ctx); err != nil {
		logger.Error("initial store login failed", slog.String("error", err.Error()))
	}

	health := sc.Obs.HealthOrNew(logger)
	sc.registerHealthChecks(health)

	var w *watcher.Watcher
	if cfg.Watch != nil && cfg.Watch.Enabled && len(cfg.Watch.Jobs) > 0 {
		w, err = newWatcher(sc)
		if err != nil {
			return err
		}
		cancelWatcher := w.Start(ctx)
		defer cancelWatcher()
	}

	gateways := buildGateways(ctx, sc, health, w)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config (set http or mcp.transport=http)")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

func buildGateways(ctx context.Context, sc *SharedComponents, health *observability.HealthChecker, w *watcher.Watcher) []gateway.Gateway {
	cfg, logger := sc.Config, sc.Logger
	var gws []gateway.Gateway

	if h := cfg.HTTP; h != nil {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: h.RateLimit(),
			BurstSize:         h.Burst(),
		})
		go sweepLimiter(ctx, limiter)

		httpCfg := httpapi.Config{
			ListenAddr:     h.Addr(),
			EnableDocs:     h.OpenAPIDocs,
			APIKeys:        h.APIKeys,
			MaxRequestSize: h.MaxBody(),
			AllowReveal:    h.AllowReveal,
			HealthChecker:  health,
		}
		if cfg.Identity != nil {
			httpCfg.IdentityHeader = cfg.Identity.HeaderName()
		}
		if sc.Obs != nil {
			httpCfg.Metrics = sc.Obs.Metrics
			httpCfg.MetricsRegistry = sc.Obs.Registry()
			if m := cfg.Observability.Metrics; m != nil {
				httpCfg.MetricsPath = m.Path
			}
			if sc.Obs.Tracer != nil {
				httpCfg.Tracer = sc.Obs.Tracer.Tracer()
			}
		}
		if len(h.APIKeys) == 0 {
			logger.Warn("http gateway has no api keys; every /v1 request will be rejected")
		}

		gw := httpapi.NewGateway(httpCfg, sc.Broker, limiter, logger)
		if sc.Audit != nil {
			gw.WithLeaseLog(sc.Audit)
		}
		if w != nil {
			gw.WithWatchStatus(w)
		}
		if sc.Identity != nil {
			gw.WithIdentity(sc.Identity)
		}
		gws = append(gws, gw)
		logger.Debug("gateway enabled", slog.String("type", "http"), slog.String("addr", h.Addr()))
	}

	if m := cfg.MCP; m != nil && m.Enabled && m.TransportName() == "http" {
		gws = append(gws, newMCPServer(sc, "http"))
		logger.Debug("gateway enabled", slog.String("type", "mcp"), slog.String("addr", m.Addr()))
	}
	return gws
}

// sweepLimiter evicts idle rate limiter buckets.
func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func newMCPServer(sc *SharedComponents, transport string) *mcpserver.Server {
	m := sc.Config.MCP
	cfg := mcpserver.Config{
		Version:     version,
		Transport:   transport,
		ListenAddr:  m.Addr(),
		AllowReveal: m != nil && m.AllowReveal,
		Identity:    sc.Identity,
	}
	if m != nil {
		cfg.APIKeys = m.APIKeys
	}
	if len(cfg.APIKeys) == 0 && sc.Config.HTTP != nil {
		cfg.APIKeys = sc.Config.HTTP.APIKeys
	}
	if id := sc.Config.Identity; id != nil {
		cfg.IdentityHeader = id.HeaderName()
		cfg.IdentityToken = goutils.Env("CREDBROKER_IDENTITY_TOKEN", "")
	}
	if sc.Obs != nil {
		cfg.Metrics = sc.Obs.Metrics
	}
	return mcpserver.New(cfg, sc.Broker, sc.Logger)
}

func newWatcher(sc *SharedComponents) (*watcher.Watcher, error) {
	jobs, err := watcher.JobsFromConfig(sc.Config.Watch)
	if err != nil {
		return nil, err
	}
	w, err := watcher.New(sc.Broker, jobs, sc.Logger)
	if err != nil {
		return nil, err
	}
	return w.WithMetrics(watcher.NewMetrics(sc.Obs.Registry())), nil
}
