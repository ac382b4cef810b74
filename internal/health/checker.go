// Package health backs the liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies that can verify they are
// able to serve: the prediction runtime, the measurements store, the
// metadata store.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status classifies a component or the service as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is the outcome for one named dependency.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe response body.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// readinessCacheTTL is how long one readiness verdict is reused before the
// dependencies are asked again.
const readinessCacheTTL = time.Second

// Checker answers probes over a set of named dependencies.
type Checker struct {
	checks  map[string]ReadinessChecker
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker builds a checker over the given named dependencies.
func NewChecker(checks map[string]ReadinessChecker) *Checker {
	return &Checker{
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

// Liveness answers the restart probe. It deliberately touches nothing
// external: a wedged dependency must fail readiness, not liveness.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness answers the traffic probe by asking every dependency. An
// unhealthy response tells the load balancer to route around this
// instance.
func (c *Checker) Readiness(ctx context.Context) *Response {
	if resp, done := c.fastPath(); done {
		return resp
	}

	checks := make(map[string]CheckResult, len(c.checks))
	status := StatusHealthy
	for name, dep := range c.checks {
		res := c.checkOne(ctx, dep)
		checks[name] = res
		if res.Status != StatusHealthy {
			status = StatusUnhealthy
		}
	}
	resp := &Response{Status: status, Checks: checks}

	c.mu.Lock()
	c.cachedReady = resp
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return resp
}

// fastPath serves the shutdown short-circuit and the cached verdict, so
// probe storms do not hammer the dependencies.
func (c *Checker) fastPath() (*Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.shuttingDown {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}, true
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < readinessCacheTTL {
		return c.cachedReady, true
	}
	return nil, false
}

// checkOne asks a single dependency, bounded by the check timeout.
func (c *Checker) checkOne(ctx context.Context, dep ReadinessChecker) CheckResult {
	if dep == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := dep.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown flips readiness to unhealthy for the rest of this
// process's life, draining traffic ahead of the actual stop.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
