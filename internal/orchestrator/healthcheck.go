package orchestrator

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds each connectivity check.
const DefaultCheckTimeout = 30 * time.Second

// Check is one named connectivity probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// CheckResult is the outcome of one Check.
type CheckResult struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthCheckResult collects the outcome of every check.
type HealthCheckResult struct {
	Timestamp string        `json:"timestamp"`
	Checks    []CheckResult `json:"checks"`
	Healthy   bool          `json:"healthy"`
}

// HealthCheck runs the checks in parallel, each with its own timeout, so
// one slow endpoint cannot use up the other's budget. Results keep the
// order of checks.
func HealthCheck(ctx context.Context, timeout time.Duration, checks ...Check) *HealthCheckResult {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	result := &HealthCheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make([]CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	wg.Add(len(checks))
	for i, c := range checks {
		go func(i int, c Check) {
			defer wg.Done()
			start := time.Now()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			r := CheckResult{Name: c.Name}
			if err := c.Ping(checkCtx); err != nil {
				r.Error = err.Error()
			} else {
				r.Connected = true
			}
			r.LatencyMs = time.Since(start).Milliseconds()
			result.Checks[i] = r
		}(i, c)
	}
	wg.Wait()

	result.Healthy = len(checks) > 0
	for _, r := range result.Checks {
		if !r.Connected {
			result.Healthy = false
		}
	}
	return result
}
