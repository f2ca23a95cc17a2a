package observability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/credbroker/internal/config"
	"github.com/jkaninda/credbroker/internal/lease"
	"github.com/jkaninda/credbroker/internal/store"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.Registry() != nil {
		t.Error("nil Observability should have no registry")
	}
	if obs.HealthOrNew(nil) == nil {
		t.Error("HealthOrNew should always return a checker")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("features should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	gw := &mockGateway{}
	if obs.Wrap(gw) != store.Gateway(gw) {
		t.Error("Wrap should return the gateway unchanged when nothing is enabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.StoreRequestsTotal.WithLabelValues("login", "success").Inc()
	m.StoreErrorsTotal.WithLabelValues("login", "timeout").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	m.ToolCall("get_credential", nil)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"credbroker_store_requests_total",
		"credbroker_store_errors_total",
		"credbroker_http_requests_total",
		"credbroker_mcp_tool_calls_total",
		"credbroker_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}

	var nilCollector *MetricsCollector
	nilCollector.ToolCall("x", errors.New("boom"))
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if h.CheckHealth().Status != "ok" {
		t.Error("liveness should always be ok")
	}
}

func TestHealthChecker_Statuses(t *testing.T) {
	fail := func(context.Context) error { return errors.New("connection refused") }
	pass := func(context.Context) error { return nil }

	tests := []struct {
		name      string
		setup     func(h *HealthChecker)
		want      string
		wantReady bool
	}{
		{"all pass", func(h *HealthChecker) { h.AddCheck("store", pass); h.AddOptionalCheck("events", pass) }, "ok", true},
		{"optional fails", func(h *HealthChecker) { h.AddCheck("store", pass); h.AddOptionalCheck("events", fail) }, "degraded", true},
		{"required fails", func(h *HealthChecker) { h.AddCheck("store", fail); h.AddOptionalCheck("events", fail) }, "fail", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
			tt.setup(h)
			status := h.CheckReady(context.Background())
			if status.Status != tt.want {
				t.Errorf("status = %q, want %q", status.Status, tt.want)
			}
			if status.Ready() != tt.wantReady {
				t.Errorf("Ready() = %v, want %v", status.Ready(), tt.wantReady)
			}
			if len(status.Checks) != 2 {
				t.Errorf("checks = %d, want 2", len(status.Checks))
			}
		})
	}
}

func TestHealthChecker_TimeoutApplied(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, checks = %+v", status.Status, status.Checks)
	}
	if got := strings.Join(h.Names(), ","); got != "slow" {
		t.Errorf("Names = %q", got)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if rate, n := a.ErrorRate("test"); rate != 0 || n != 0 {
		t.Errorf("nil detector ErrorRate = %v/%d", rate, n)
	}
}

func TestAnomalyDetector_AlertsOncePerCrossing(t *testing.T) {
	var buf bytes.Buffer
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, slog.New(slog.NewTextHandler(&buf, nil)))

	for i := 0; i < 4; i++ {
		a.RecordSuccess("read_versioned_static")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("read_versioned_static")
	}

	rate, n := a.ErrorRate("read_versioned_static")
	if n != 10 || rate != 0.6 {
		t.Errorf("ErrorRate = %v over %d, want 0.6 over 10", rate, n)
	}
	if got := strings.Count(buf.String(), "anomaly detected"); got != 1 {
		t.Errorf("alerts = %d, want 1\n%s", got, buf.String())
	}

	for i := 0; i < 10; i++ {
		a.RecordSuccess("read_versioned_static")
	}
	if !strings.Contains(buf.String(), "recovered") {
		t.Error("expected recovery log")
	}
}

func TestAnomalyDetector_WindowPrunes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	a.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		a.RecordError("login")
	}
	now = now.Add(61 * time.Second)
	if rate, n := a.ErrorRate("login"); n != 0 || rate != 0 {
		t.Errorf("after window: rate=%v n=%d, want empty", rate, n)
	}
}

// --- InstrumentedGateway ---

type mockGateway struct {
	err    error
	called int
}

func (m *mockGateway) Login(context.Context, store.LoginRequest) (*store.Session, error) {
	m.called++
	if m.err != nil {
		return nil, m.err
	}
	return &store.Session{Token: "s.1", TTL: time.Hour}, nil
}

func (m *mockGateway) RenewSelf(context.Context, *store.Session) (*store.Session, error) {
	m.called++
	return nil, m.err
}

func (m *mockGateway) LookupSelf(context.Context, *store.Session) (*store.SelfInfo, error) {
	m.called++
	return &store.SelfInfo{}, m.err
}

func (m *mockGateway) LookupEntity(context.Context, *store.Session, string) (*store.Entity, error) {
	m.called++
	return &store.Entity{}, m.err
}

func (m *mockGateway) ReadStaticSecret(_ context.Context, _ *store.Session, kind lease.Kind, _ string) (*lease.Lease, error) {
	m.called++
	if m.err != nil {
		return nil, m.err
	}
	return lease.New(kind, map[string]string{"a": "b"}, time.Now(), 0, nil), nil
}

func (m *mockGateway) GenerateDynamicSecret(context.Context, *store.Session, string) (*lease.Lease, error) {
	m.called++
	if m.err != nil {
		return nil, m.err
	}
	return lease.New(lease.DynamicLeased, map[string]string{"a": "b"}, time.Now(), 30*time.Second, nil), nil
}

func TestInstrumentedGateway_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockGateway{}
	g := NewInstrumentedGateway(inner, metrics, nil, nil)

	if _, err := g.ReadStaticSecret(context.Background(), &store.Session{}, lease.VersionedStatic, "users/alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}
	val := counterValue(t, metrics.Registry, "credbroker_store_requests_total",
		prometheus.Labels{"operation": "read_versioned_static", "status": "success"})
	if val != 1 {
		t.Errorf("requests_total = %v, want 1", val)
	}
}

func TestInstrumentedGateway_ErrorClass(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockGateway{err: fmt.Errorf("%w: dial tcp", store.ErrStoreUnavailable)}
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5}, nil)
	g := NewInstrumentedGateway(inner, metrics, nil, anomaly)

	if _, err := g.GenerateDynamicSecret(context.Background(), &store.Session{}, "orders"); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want unavailable passed through", err)
	}
	val := counterValue(t, metrics.Registry, "credbroker_store_errors_total",
		prometheus.Labels{"operation": "generate_dynamic", "class": "unavailable"})
	if val != 1 {
		t.Errorf("errors_total = %v, want 1", val)
	}
	if rate, n := anomaly.ErrorRate("generate_dynamic"); rate != 1 || n != 1 {
		t.Errorf("anomaly rate = %v over %d", rate, n)
	}
}

func TestInstrumentedGateway_NotRenewableIsNotAFailure(t *testing.T) {
	metrics := NewMetricsCollector()
	g := NewInstrumentedGateway(&mockGateway{err: store.ErrNotRenewable}, metrics, nil, nil)

	if _, err := g.RenewSelf(context.Background(), &store.Session{}); !errors.Is(err, store.ErrNotRenewable) {
		t.Fatalf("err = %v", err)
	}
	val := counterValue(t, metrics.Registry, "credbroker_store_requests_total",
		prometheus.Labels{"operation": "renew_self", "status": "success"})
	if val != 1 {
		t.Errorf("renew_self success = %v, want 1", val)
	}
}

func TestInstrumentedGateway_NilEverything(t *testing.T) {
	g := NewInstrumentedGateway(&mockGateway{}, nil, nil, nil)
	if _, err := g.Login(context.Background(), store.LoginRequest{Method: "token"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{store.ErrTimeout, "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("x: %w", store.ErrStoreMalformedResponse), "malformed"},
		{&store.RejectedError{Status: http.StatusNotFound}, "not_found"},
		{&store.RejectedError{Status: http.StatusForbidden}, "rejected_403"},
		{context.Canceled, "canceled"},
		{errors.New("?"), "other"},
	}
	for _, tt := range tests {
		if got := ErrorClass(tt.err); got != tt.want {
			t.Errorf("ErrorClass(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/entities/alice": "/v1/entities/{name}",
		"/v1/entities/":      "/v1/entities/",
		"/v1/credentials":    "/v1/credentials",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- Tracing ---

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Endpoint: "localhost:4317"})
	if err != nil || ts != nil {
		t.Fatalf("disabled tracing = %v, %v; want nil, nil", ts, err)
	}
	if ts.Tracer() == nil {
		t.Error("nil setup should hand out a no-op tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown(nil) = %v", err)
	}
}

func TestNewTracerSetup_Protocols(t *testing.T) {
	for _, proto := range []string{"", "grpc", "http"} {
		ts, err := NewTracerSetup(&config.TracingConfig{
			Enabled:  true,
			Endpoint: "127.0.0.1:4317",
			Protocol: proto,
			Insecure: true,
			Headers:  map[string]string{"x-collector-key": "k"},
		})
		if err != nil {
			t.Fatalf("protocol %q: %v", proto, err)
		}
		_, span := ts.Tracer().Start(context.Background(), "store.read_static")
		span.End()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = ts.Shutdown(ctx)
		cancel()
	}

	if _, err := NewTracerSetup(&config.TracingConfig{Enabled: true, Protocol: "zipkin"}); err == nil {
		t.Error("expected error for unsupported protocol")
	}
}

func TestSamplerFor(t *testing.T) {
	tests := map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		2:    "AlwaysOnSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for rate, root := range tests {
		if got := samplerFor(rate).Description(); !strings.HasPrefix(got, "ParentBased{root:"+root) {
			t.Errorf("samplerFor(%v) = %s, want ParentBased with %s", rate, got, root)
		}
	}
}
