package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the process-wide Prometheus metrics for credbroker.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Secret store metrics.
	StoreRequestsTotal   *prometheus.CounterVec
	StoreRequestDuration *prometheus.HistogramVec
	StoreErrorsTotal     *prometheus.CounterVec

	// MCP tool metrics.
	MCPToolCallsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		StoreRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Subsystem: "store",
			Name:      "requests_total",
			Help:      "Total secret store requests.",
		}, []string{"operation", "status"}),

		StoreRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "credbroker",
			Subsystem: "store",
			Name:      "request_duration_seconds",
			Help:      "Secret store request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),

		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Secret store failures by error class.",
		}, []string{"operation", "class"}),

		MCPToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Total MCP tool calls.",
		}, []string{"tool", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "credbroker",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "credbroker",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.StoreRequestsTotal,
		m.StoreRequestDuration,
		m.StoreErrorsTotal,
		m.MCPToolCallsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ToolCall counts an MCP tool invocation. Safe on a nil collector.
func (m *MetricsCollector) ToolCall(tool string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MCPToolCallsTotal.WithLabelValues(tool, status).Inc()
}
