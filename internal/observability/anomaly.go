package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/credbroker/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	// minAnomalySamples is the number of outcomes needed before a rate is judged.
	minAnomalySamples = 5
)

// AnomalyDetector tracks per-operation error rates over a sliding window and
// warns when a rate crosses the configured threshold. A warning is logged once
// per crossing; the operation has to recover below the threshold to re-arm.
type AnomalyDetector struct {
	mu        sync.Mutex
	ops       map[string]*outcomeWindow
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type outcomeWindow struct {
	outcomes []outcome
	alerting bool
}

type outcome struct {
	at     time.Time
	failed bool
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyDetector{
		ops:       make(map[string]*outcomeWindow),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed store operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful store operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w, ok := a.ops[operation]
	if !ok {
		w = &outcomeWindow{}
		a.ops[operation] = w
	}
	w.outcomes = append(w.outcomes, outcome{at: now, failed: failed})
	w.prune(now.Add(-a.window))
	a.evaluate(operation, w)
}

// ErrorRate returns the current error rate of operation and the number of
// outcomes it was computed from.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.ops[operation]
	if !ok {
		return 0, 0
	}
	w.prune(a.now().Add(-a.window))
	return w.rate(), len(w.outcomes)
}

// evaluate must be called with a.mu held.
func (a *AnomalyDetector) evaluate(operation string, w *outcomeWindow) {
	if a.threshold <= 0 || len(w.outcomes) < minAnomalySamples {
		return
	}
	rate := w.rate()
	switch {
	case rate > a.threshold && !w.alerting:
		w.alerting = true
		a.logger.Warn("anomaly detected: high store error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", len(w.outcomes)),
		)
	case rate <= a.threshold && w.alerting:
		w.alerting = false
		a.logger.Info("store error rate recovered",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
}

func (w *outcomeWindow) rate() float64 {
	if len(w.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range w.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.outcomes))
}

// prune drops outcomes recorded before cutoff. Outcomes are appended in time order.
func (w *outcomeWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.outcomes) && w.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.outcomes = w.outcomes[i:]
	}
}
