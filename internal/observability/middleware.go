package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, latency and a server span for
// every HTTP request. Path labels are normalized so entity names do not
// explode metric cardinality.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := routeLabel(r.URL.Path)

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", route),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}

// routeLabel collapses path parameters of the broker API.
func routeLabel(path string) string {
	if rest, ok := strings.CutPrefix(path, "/v1/entities/"); ok && rest != "" {
		return "/v1/entities/{name}"
	}
	return path
}
