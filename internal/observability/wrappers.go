package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/credbroker/internal/lease"
	"github.com/jkaninda/credbroker/internal/store"
)

// --- InstrumentedGateway ---

func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, noop.Span{}
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// spanEnd marks span failed when err is non-nil and ends it.
func spanEnd(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// InstrumentedGateway wraps a store.Gateway with metrics, tracing, and anomaly detection.
type InstrumentedGateway struct {
	inner   store.Gateway
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedGateway wraps a secret store gateway with observability.
func NewInstrumentedGateway(inner store.Gateway, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedGateway {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedGateway{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

// Wrap returns gw unchanged when every observability feature is off.
func (o *Observability) Wrap(gw store.Gateway) store.Gateway {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return gw
	}
	return NewInstrumentedGateway(gw, o.Metrics, o.Tracer, o.Anomaly)
}

func (g *InstrumentedGateway) Login(ctx context.Context, req store.LoginRequest) (*store.Session, error) {
	ctx, span := startSpan(ctx, g.tracer, "store.login",
		attribute.String("store.auth_method", req.Method),
		attribute.String("store.auth_mount", req.MountPath()),
	)
	start := time.Now()
	s, err := g.inner.Login(ctx, req)
	g.observe("login", start, err)
	spanEnd(span, err)
	return s, err
}

func (g *InstrumentedGateway) RenewSelf(ctx context.Context, s *store.Session) (*store.Session, error) {
	ctx, span := startSpan(ctx, g.tracer, "store.renew_self")
	start := time.Now()
	out, err := g.inner.RenewSelf(ctx, s)
	// A non-renewable token is an expected outcome that falls back to login.
	if errors.Is(err, store.ErrNotRenewable) {
		g.observe("renew_self", start, nil)
		span.SetAttributes(attribute.Bool("store.renewable", false))
		spanEnd(span, nil)
		return out, err
	}
	g.observe("renew_self", start, err)
	spanEnd(span, err)
	return out, err
}

func (g *InstrumentedGateway) LookupSelf(ctx context.Context, s *store.Session) (*store.SelfInfo, error) {
	ctx, span := startSpan(ctx, g.tracer, "store.lookup_self")
	start := time.Now()
	info, err := g.inner.LookupSelf(ctx, s)
	g.observe("lookup_self", start, err)
	spanEnd(span, err)
	return info, err
}

func (g *InstrumentedGateway) LookupEntity(ctx context.Context, s *store.Session, name string) (*store.Entity, error) {
	ctx, span := startSpan(ctx, g.tracer, "store.lookup_entity",
		attribute.String("store.entity", name),
	)
	start := time.Now()
	e, err := g.inner.LookupEntity(ctx, s, name)
	g.observe("lookup_entity", start, err)
	spanEnd(span, err)
	return e, err
}

func (g *InstrumentedGateway) ReadStaticSecret(ctx context.Context, s *store.Session, kind lease.Kind, path string) (*lease.Lease, error) {
	ctx, span := startSpan(ctx, g.tracer, "store.read_static",
		attribute.String("lease.kind", string(kind)),
		attribute.String("lease.key", path),
	)
	start := time.Now()
	l, err := g.inner.ReadStaticSecret(ctx, s, kind, path)
	g.observe("read_"+string(kind), start, err)
	spanEnd(span, err)
	return l, err
}

func (g *InstrumentedGateway) GenerateDynamicSecret(ctx context.Context, s *store.Session, role string) (*lease.Lease, error) {
	ctx, span := startSpan(ctx, g.tracer, "store.generate_dynamic",
		attribute.String("lease.kind", string(lease.DynamicLeased)),
		attribute.String("lease.key", role),
	)
	start := time.Now()
	l, err := g.inner.GenerateDynamicSecret(ctx, s, role)
	if l != nil {
		span.SetAttributes(attribute.Int64("lease.ttl_seconds", int64(l.TTL().Seconds())))
	}
	g.observe("generate_dynamic", start, err)
	spanEnd(span, err)
	return l, err
}

func (g *InstrumentedGateway) observe(op string, start time.Time, err error) {
	if g.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
			g.metrics.StoreErrorsTotal.WithLabelValues(op, ErrorClass(err)).Inc()
		}
		g.metrics.StoreRequestsTotal.WithLabelValues(op, status).Inc()
		g.metrics.StoreRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	// A missing secret is a provisioning problem, not a store health signal.
	if g.anomaly != nil {
		if err != nil && !store.IsNotFound(err) {
			g.anomaly.RecordError(op)
		} else {
			g.anomaly.RecordSuccess(op)
		}
	}
}

// ErrorClass names the store error taxonomy bucket of err for metric labels.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, store.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, store.ErrStoreMalformedResponse):
		return "malformed"
	case errors.Is(err, store.ErrNotRenewable):
		return "not_renewable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	if re, ok := store.IsRejected(err); ok {
		if re.NotFound() {
			return "not_found"
		}
		return "rejected_" + strconv.Itoa(re.Status)
	}
	return "other"
}

// --- Compile-time interface checks ---

var _ store.Gateway = (*InstrumentedGateway)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
