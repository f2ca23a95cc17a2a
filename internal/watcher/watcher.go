// Package watcher keeps configured credentials warm by requesting them from
// the broker on a cron schedule. A run that finds a fresh lease is a cache
// hit; a run near expiry triggers the refetch before a caller needs it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/credbroker/internal/broker"
	"github.com/jkaninda/credbroker/internal/config"
	"github.com/jkaninda/credbroker/internal/lease"
	"github.com/jkaninda/credbroker/internal/store"
)

// ErrUnknownJob is returned by RunOnce for a name that was never registered.
var ErrUnknownJob = errors.New("unknown watch job")

// Getter is the broker operation the watcher drives.
type Getter interface {
	Get(ctx context.Context, key string, kind lease.Kind) (*broker.Credential, error)
}

// Job keeps a single credential warm.
type Job struct {
	Name     string
	Key      string
	Kind     lease.Kind
	Schedule string // Cron expression or descriptor such as "@every 5s".
}

// Status is the last observed outcome of a job.
type Status struct {
	Name         string     `json:"name"`
	Key          string     `json:"key"`
	Kind         lease.Kind `json:"kind"`
	Schedule     string     `json:"schedule"`
	Runs         int64      `json:"runs"`
	Failures     int64      `json:"failures"`
	LastRun      time.Time  `json:"last_run,omitzero"`
	LastResult   string     `json:"last_result,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	RemainingTTL int64      `json:"remaining_ttl_seconds"`
}

// Watcher schedules Jobs. Safe for concurrent use.
type Watcher struct {
	getter  Getter
	jobs    map[string]Job
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	status map[string]*Status
}

// JobsFromConfig converts watch config entries into Jobs.
func JobsFromConfig(wc *config.WatchConfig) ([]Job, error) {
	if wc == nil {
		return nil, nil
	}
	jobs := make([]Job, 0, len(wc.Jobs))
	for _, j := range wc.Jobs {
		kind, err := lease.ParseKind(j.Kind)
		if err != nil {
			return nil, fmt.Errorf("watch job %q: %w", j.Name, err)
		}
		jobs = append(jobs, Job{Name: j.Name, Key: j.Key, Kind: kind, Schedule: j.Schedule})
	}
	return jobs, nil
}

// New validates jobs and returns a Watcher. Schedules are checked here so a
// bad schedule fails at startup.
func New(getter Getter, jobs []Job, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		getter:  getter,
		jobs:    make(map[string]Job, len(jobs)),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:  logger,
		timeout: 30 * time.Second,
		status:  make(map[string]*Status, len(jobs)),
	}
	for _, j := range jobs {
		if j.Name == "" || j.Key == "" {
			return nil, fmt.Errorf("watch job needs a name and key: %+v", j)
		}
		if _, dup := w.jobs[j.Name]; dup {
			return nil, fmt.Errorf("duplicate watch job %q", j.Name)
		}
		if j.Schedule == "" {
			j.Schedule = config.DefaultSchedule(j.Kind)
		}
		if _, err := w.parser.Parse(j.Schedule); err != nil {
			return nil, fmt.Errorf("watch job %q: parsing schedule %q: %w", j.Name, j.Schedule, err)
		}
		w.jobs[j.Name] = j
		w.status[j.Name] = &Status{Name: j.Name, Key: j.Key, Kind: j.Kind, Schedule: j.Schedule}
	}
	return w, nil
}

// WithMetrics attaches Prometheus metrics. A nil value disables them.
func (w *Watcher) WithMetrics(m *Metrics) *Watcher {
	w.metrics = m
	return w
}

// WithTimeout bounds each run. Default: 30s.
func (w *Watcher) WithTimeout(d time.Duration) *Watcher {
	if d > 0 {
		w.timeout = d
	}
	return w
}

// Start runs every job once, then on its schedule. Overlapping runs of the
// same job are skipped. The returned function stops the scheduler and waits
// for in-flight runs.
func (w *Watcher) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(
		cron.WithParser(w.parser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	for _, name := range w.names() {
		job := w.jobs[name]
		// Schedules were validated in New.
		_, _ = c.AddFunc(job.Schedule, func() { w.run(ctx, job) })
	}

	c.Start()
	warm := make(chan struct{})
	go func() {
		defer close(warm)
		w.RunAll(ctx)
	}()

	w.logger.InfoContext(ctx, "credential watcher started", slog.Int("jobs", len(w.jobs)))

	return func() {
		cancel()
		<-c.Stop().Done()
		<-warm
		w.logger.Info("credential watcher stopped")
	}
}

// RunAll runs every job once, concurrently, and waits for them.
func (w *Watcher) RunAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range w.names() {
		job := w.jobs[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx, job)
		}()
	}
	wg.Wait()
}

// RunOnce runs the named job immediately and returns its result.
func (w *Watcher) RunOnce(ctx context.Context, name string) (*broker.Credential, error) {
	job, ok := w.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return w.run(ctx, job)
}

// Status returns a snapshot of every job, sorted by name.
func (w *Watcher) Status() []Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Status, 0, len(w.status))
	for _, s := range w.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (w *Watcher) names() []string {
	names := make([]string, 0, len(w.jobs))
	for n := range w.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (w *Watcher) run(ctx context.Context, job Job) (*broker.Credential, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	cred, err := w.getter.Get(runCtx, job.Key, job.Kind)
	result := classify(err)

	w.record(job, start, result, cred, err)
	w.metrics.observe(job.Name, result, time.Since(start), cred)

	attrs := []any{
		slog.String("job", job.Name),
		slog.String("key", job.Key),
		slog.String("kind", string(job.Kind)),
	}
	switch result {
	case "ok":
		w.logger.DebugContext(ctx, "credential warm",
			append(attrs, slog.Int64("remaining_ttl", cred.RemainingSeconds()))...)
	case "not_found":
		w.logger.WarnContext(ctx, "watched credential is not provisioned", attrs...)
	default:
		w.logger.ErrorContext(ctx, "credential refresh failed",
			append(attrs, slog.String("error", err.Error()))...)
	}
	return cred, err
}

func (w *Watcher) record(job Job, at time.Time, result string, cred *broker.Credential, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status[job.Name]
	s.Runs++
	s.LastRun = at
	s.LastResult = result
	s.LastError = ""
	if err != nil {
		s.LastError = err.Error()
		if result != "not_found" {
			s.Failures++
		}
	}
	if cred != nil {
		s.RemainingTTL = cred.RemainingSeconds()
	}
}

// classify buckets a run outcome for logs and metrics.
func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case store.IsNotFound(err):
		return "not_found"
	case errors.Is(err, store.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
