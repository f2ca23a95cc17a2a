package watcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/credbroker/internal/broker"
)

// Metrics holds Prometheus metrics for the credential watcher.
type Metrics struct {
	Runs         *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	RemainingTTL *prometheus.GaugeVec
}

// NewMetrics creates and registers watcher metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credbroker",
			Subsystem: "watcher",
			Name:      "runs_total",
			Help:      "Watch job runs by result (ok, not_found, timeout, error).",
		}, []string{"job", "result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "credbroker",
			Subsystem: "watcher",
			Name:      "run_duration_seconds",
			Help:      "Duration of each watch job run.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		RemainingTTL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "credbroker",
			Subsystem: "watcher",
			Name:      "remaining_ttl_seconds",
			Help:      "Remaining TTL of the credential observed by the last run.",
		}, []string{"job"}),
	}

	reg.MustRegister(m.Runs, m.RunDuration, m.RemainingTTL)
	return m
}

func (m *Metrics) observe(job, result string, d time.Duration, cred *broker.Credential) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(job, result).Inc()
	m.RunDuration.Observe(d.Seconds())
	if cred != nil {
		m.RemainingTTL.WithLabelValues(job).Set(float64(cred.RemainingSeconds()))
	}
}
