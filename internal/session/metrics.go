package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the session manager.
type Metrics struct {
	Refreshes  *prometheus.CounterVec
	TTLSeconds prometheus.Gauge
}

// NewMetrics creates and registers session metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Session renewals and logins by outcome.",
		}, []string{"method", "status"}),
		TTLSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "credbroker",
			Subsystem: "session",
			Name:      "ttl_seconds",
			Help:      "TTL of the currently installed session.",
		}),
	}

	reg.MustRegister(m.Refreshes, m.TTLSeconds)
	return m
}

func (m *Metrics) refreshed(method string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.Refreshes.WithLabelValues(method, status).Inc()
}

func (m *Metrics) setTTL(ttl time.Duration) {
	if m == nil {
		return
	}
	m.TTLSeconds.Set(ttl.Seconds())
}
