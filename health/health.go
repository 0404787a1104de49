// Package health reports the state of the broker connection, the consumers and
// the consumed queues.
package health

import (
	"context"
	"time"
)

// Status is the outcome of a health check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the result of one checker
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Checker performs a single health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates check results. Its status is the worst individual status.
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Healthy reports whether every check passed
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Run executes the checkers in order
func Run(ctx context.Context, checkers ...Checker) Report {
	report := Report{Status: StatusHealthy, Checks: make([]CheckResult, 0, len(checkers))}
	for _, checker := range checkers {
		result := checker.Check(ctx)
		if result.Status.severity() > report.Status.severity() {
			report.Status = result.Status
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}
