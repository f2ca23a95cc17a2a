package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/credbroker/internal/lease"
)

// Metrics holds Prometheus metrics for credential requests.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	LeasesIssued    *prometheus.CounterVec
}

// NewMetrics creates and registers broker metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Name:      "cache_requests_total",
			Help:      "Credential requests by kind and result (cached, fetched, error).",
		}, []string{"kind", "result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "credbroker",
			Subsystem: "broker",
			Name:      "request_duration_seconds",
			Help:      "Credential request duration in seconds.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
		LeasesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Name:      "leases_issued_total",
			Help:      "Leases fetched from the secret store.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.Requests, m.RequestDuration, m.LeasesIssued)
	return m
}

func (m *Metrics) request(kind lease.Kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(string(kind), result).Inc()
	m.RequestDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) issued(kind lease.Kind) {
	if m == nil {
		return
	}
	m.LeasesIssued.WithLabelValues(string(kind)).Inc()
}
