package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
)

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// Timeout bounds a whole Run.
	// Default: 10 seconds
	Timeout time.Duration

	// CheckTimeout bounds one check. A check that overruns it is reported
	// unhealthy and the others still complete.
	// Default: Timeout
	CheckTimeout time.Duration

	// Concurrency caps the checks running at once. 1 runs them in
	// registration order.
	// Default: 0 (no cap)
	Concurrency int

	// Logger receives a record for every check that is not healthy.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// Report is the outcome of one Aggregator.Run.
type Report struct {
	Status    Status            `json:"status"`
	CheckedAt time.Time         `json:"checked_at"`
	Checks    map[string]Result `json:"checks,omitempty"`
}

// Aggregator runs named checkers and folds their results into the worst
// status. Registration order is kept.
type Aggregator struct {
	config AggregatorConfig

	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	name    string
	checker Checker
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(config AggregatorConfig) *Aggregator {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.CheckTimeout <= 0 || config.CheckTimeout > config.Timeout {
		config.CheckTimeout = config.Timeout
	}
	if config.Concurrency < 0 {
		config.Concurrency = 0
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	return &Aggregator{config: config}
}

// Register adds checker under name, or under checker.Name() when name is
// empty. A second registration under the same name replaces the first in
// place.
func (a *Aggregator) Register(name string, checker Checker) {
	if name == "" {
		name = checker.Name()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.entries {
		if a.entries[i].name == name {
			a.entries[i].checker = checker
			return
		}
	}
	a.entries = append(a.entries, entry{name: name, checker: checker})
}

// Unregister removes the checker registered under name and reports whether
// there was one.
func (a *Aggregator) Unregister(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.entries)
	a.entries = slices.DeleteFunc(a.entries, func(e entry) bool { return e.name == name })
	return len(a.entries) < n
}

// Names lists the registered checks in registration order.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, len(a.entries))
	for i, e := range a.entries {
		names[i] = e.name
	}
	return names
}

// Check runs the single check registered under name.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	idx := slices.IndexFunc(a.entries, func(e entry) bool { return e.name == name })
	var e entry
	if idx >= 0 {
		e = a.entries[idx]
	}
	a.mu.RUnlock()

	if idx < 0 {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCheck, name)
	}
	return a.run(ctx, e), nil
}

// Run executes every registered check under Timeout.
func (a *Aggregator) Run(ctx context.Context) Report {
	a.mu.RLock()
	entries := slices.Clone(a.entries)
	a.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		CheckedAt: time.Now(),
		Checks:    make(map[string]Result, len(entries)),
	}
	if len(entries) == 0 {
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	// Each goroutine owns one slot, and failures travel in the Result.
	results := make([]Result, len(entries))
	var g errgroup.Group
	if a.config.Concurrency > 0 {
		g.SetLimit(a.config.Concurrency)
	}
	for i, e := range entries {
		g.Go(func() error {
			results[i] = a.run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	for i, e := range entries {
		report.Checks[e.name] = results[i]
		report.Status = Worst(report.Status, results[i].Status)
	}
	return report
}

func (a *Aggregator) run(ctx context.Context, e entry) Result {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, a.config.CheckTimeout)
	defer cancel()

	result, err := resilience.Bounded(checkCtx, a.config.CheckTimeout, func() Result {
		return e.checker.Check(checkCtx)
	})
	if err != nil {
		result = Unhealthy(
			fmt.Sprintf("no result within %s", a.config.CheckTimeout),
			fmt.Errorf("%w: %w", ErrCheckTimeout, err))
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = start
	}

	if result.Status == StatusHealthy {
		return result
	}
	fields := []observe.Field{
		{Key: "check", Value: e.name},
		{Key: "status", Value: result.Status.String()},
		{Key: "detail", Value: result.Message},
	}
	if result.Err != nil {
		fields = append(fields, observe.Field{Key: "error", Value: result.Err.Error()})
	}
	if result.Status == StatusDegraded {
		a.config.Logger.Info(ctx, "health check degraded", fields...)
	} else {
		a.config.Logger.Warn(ctx, "health check failed", fields...)
	}
	return result
}

// Checker exposes the whole aggregator as one check named "aggregate".
// Details carry each check's status by name.
func (a *Aggregator) Checker() Checker {
	return Named("aggregate", func(ctx context.Context) Result {
		report := a.Run(ctx)

		details := make(map[string]any, len(report.Checks))
		failing := 0
		for name, r := range report.Checks {
			details[name] = r.Status.String()
			if r.Status != StatusHealthy {
				failing++
			}
		}

		result := Result{Status: report.Status, CheckedAt: report.CheckedAt, Details: details}
		if failing == 0 {
			result.Message = fmt.Sprintf("%d checks healthy", len(report.Checks))
		} else {
			result.Message = fmt.Sprintf("%d of %d checks %s", failing, len(report.Checks), report.Status)
		}
		return result
	})
}
