package health

import (
	"context"
	"encoding/json"
	"maps"
	"time"
)

// Status is the outcome of a check. Higher is worse.
type Status int

const (
	StatusHealthy Status = iota
	// StatusDegraded means pages are still served, some of them uncached.
	StatusDegraded
	StatusUnhealthy
)

var statusNames = [...]string{"healthy", "degraded", "unhealthy"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Worst returns the most severe of statuses, or StatusHealthy for none.
func Worst(statuses ...Status) Status {
	worst := StatusHealthy
	for _, s := range statuses {
		worst = max(worst, s)
	}
	return worst
}

// Result is what a Checker reports.
type Result struct {
	Status  Status
	Message string
	Details map[string]any

	// Duration and CheckedAt are filled in by the Aggregator when the
	// checker leaves them zero.
	Duration  time.Duration
	CheckedAt time.Time

	Err error
}

func newResult(status Status, message string, err error) Result {
	return Result{Status: status, Message: message, CheckedAt: time.Now(), Err: err}
}

// Healthy reports a working component.
func Healthy(message string) Result { return newResult(StatusHealthy, message, nil) }

// Degraded reports a component that works with reduced function.
func Degraded(message string) Result { return newResult(StatusDegraded, message, nil) }

// Unhealthy reports a component that does not work.
func Unhealthy(message string, err error) Result {
	return newResult(StatusUnhealthy, message, err)
}

// WithDetails returns r with details merged into its Details. The receiver
// is left untouched.
func (r Result) WithDetails(details map[string]any) Result {
	merged := make(map[string]any, len(r.Details)+len(details))
	maps.Copy(merged, r.Details)
	maps.Copy(merged, details)
	r.Details = merged
	return r
}

// With returns r with a single detail added.
func (r Result) With(key string, value any) Result {
	return r.WithDetails(map[string]any{key: value})
}

// MarshalJSON renders the result for the health endpoints.
func (r Result) MarshalJSON() ([]byte, error) {
	view := struct {
		Status   Status         `json:"status"`
		Message  string         `json:"message,omitempty"`
		Duration string         `json:"duration,omitempty"`
		Details  map[string]any `json:"details,omitempty"`
		Error    string         `json:"error,omitempty"`
	}{
		Status:  r.Status,
		Message: r.Message,
		Details: r.Details,
	}
	if r.Duration > 0 {
		view.Duration = r.Duration.String()
	}
	if r.Err != nil {
		view.Error = r.Err.Error()
	}
	return json.Marshal(view)
}

// Checker probes one component.
//
// Contract:
//   - Concurrency: Check may be called concurrently.
//   - Context: Check should return once ctx is done. The Aggregator stops
//     waiting at its per-check deadline either way.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Named wraps fn as a Checker.
func Named(name string, fn func(context.Context) Result) Checker {
	return funcChecker{name: name, fn: fn}
}

type funcChecker struct {
	name string
	fn   func(context.Context) Result
}

func (f funcChecker) Name() string                     { return f.name }
func (f funcChecker) Check(ctx context.Context) Result { return f.fn(ctx) }
