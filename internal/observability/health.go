package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from the broker's dependencies.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check. Optional checks degrade readiness
// without failing it.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok", "degraded" or "fail"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether the status should be served as 200.
func (s HealthStatus) Ready() bool { return s.Status != "fail" }

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
	Latency string `json:"latency,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{logger: logger}
}

// AddCheck registers a required check. Its failure makes the broker not ready.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check})
}

// AddOptionalCheck registers a check whose failure only degrades readiness.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check, Optional: true})
}

func (h *HealthChecker) add(c HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// Names returns the registered check names, sorted.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks concurrently and returns aggregate
// readiness: "fail" if a required check fails, "degraded" if only optional
// checks fail, "ok" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]error, len(checks))
	latencies := make([]time.Duration, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			results[i] = c.Check(checkCtx)
			latencies[i] = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		err := results[i]
		if err == nil {
			status.Checks[c.Name] = CheckResult{Status: "ok", Latency: latencies[i].Round(time.Millisecond).String()}
			continue
		}
		status.Checks[c.Name] = CheckResult{Status: "fail", Message: err.Error()}
		if c.Optional {
			if status.Status == "ok" {
				status.Status = "degraded"
			}
		} else {
			status.Status = "fail"
		}
		h.logger.Warn("readiness check failed",
			slog.String("check", c.Name),
			slog.Bool("optional", c.Optional),
			slog.String("error", err.Error()),
		)
	}

	return status
}
