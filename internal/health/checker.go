// Package health provides liveness and readiness probes over the broker's
// dependencies.
package health

import (
	"context"
	"sync"
	"time"
)

const (
	checkTimeout = 5 * time.Second
	// cacheWindow keeps probe storms from hammering the database and the
	// Docker daemon.
	cacheWindow = time.Second
)

// ReadinessChecker is implemented by dependencies that can verify they are
// ready to serve.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Dependency is one named readiness check. Optional dependencies degrade the
// service instead of failing readiness.
type Dependency struct {
	Name     string
	Check    ReadinessChecker
	Optional bool
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a single dependency check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// ServesTraffic reports whether the instance should stay in rotation. A
// degraded instance still serves.
func (r *Response) ServesTraffic() bool {
	return r.Status != StatusUnhealthy
}

// Checker performs health checks on the broker's dependencies.
type Checker struct {
	deps []Dependency

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker over the given dependencies.
func NewChecker(deps ...Dependency) *Checker {
	return &Checker{deps: deps}
}

// Liveness reports process liveness. It never consults dependencies; failing
// this probe should trigger a restart, and a broken database is not fixed by
// restarting the broker.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness checks every dependency, caching the result briefly. Failing this
// probe removes the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < cacheWindow {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult, len(c.deps))
	overall := StatusHealthy
	for _, dep := range c.deps {
		result := c.checkDependency(ctx, dep)
		checks[dep.Name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if dep.Optional {
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		} else {
			overall = StatusUnhealthy
		}
	}

	response := &Response{Status: overall, Checks: checks}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) checkDependency(ctx context.Context, dep Dependency) CheckResult {
	if dep.Check == nil {
		return CheckResult{Status: StatusUnhealthy, Message: dep.Name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := dep.Check.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown marks the service as shutting down so readiness fails
// immediately and load balancers drain the instance.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
