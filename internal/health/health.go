// Package health aggregates named subsystem checks (database, chain RPC per
// network, background sweeper) for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	// Critical checks make the whole service unhealthy; others only degrade it.
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem. It must honour ctx.
type Checker func(ctx context.Context) Status

// Report is the aggregate of all checks.
type Report struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// Registry holds checkers and runs them concurrently on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

// NewRegistry creates a registry whose checks each get at most timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a critical checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterOptional adds a checker whose failure only degrades the report.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker in parallel and aggregates the result.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			st := nc.check(cctx)
			st.Name = nc.name
			st.Critical = nc.critical
			if cctx.Err() != nil && st.Healthy {
				st.Healthy = false
				st.Detail = "check timed out"
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	report := Report{Healthy: true, Checks: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			report.Healthy = false
		} else {
			report.Degraded = true
		}
	}
	return report
}
