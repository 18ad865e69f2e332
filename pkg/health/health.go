// Package health aggregates named replica checks into healthy, degraded
// or unhealthy responses and serves them over HTTP.
package health

import (
	"time"
)

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		started: time.Now(),
		now:     time.Now,
		scopes: map[Scope]map[string]CheckFunc{
			ScopeAll:       {},
			ScopeReadiness: {},
			ScopeLiveness:  {},
		},
	}
}

// SetReplica installs the snapshot of replica identity and log position
// attached to every response.
func (hc *HealthChecker) SetReplica(fn func() Replica) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.replica = fn
}

// RegisterCheck registers a check reported by /health.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.register(ScopeAll, name, check)
}

// RegisterReadinessCheck registers a check reported by /health/ready.
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.register(ScopeReadiness, name, check)
}

// RegisterLivenessCheck registers a check reported by /health/live.
func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.register(ScopeLiveness, name, check)
}

func (hc *HealthChecker) register(scope Scope, name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.scopes[scope][name] = check
}

// Check performs all health checks
func (hc *HealthChecker) Check() Response {
	return hc.Run(ScopeAll)
}

// CheckReadiness performs readiness checks
func (hc *HealthChecker) CheckReadiness() Response {
	return hc.Run(ScopeReadiness)
}

// CheckLiveness performs liveness checks
func (hc *HealthChecker) CheckLiveness() Response {
	return hc.Run(ScopeLiveness)
}

// Run evaluates the checks of scope. They are copied under the read lock
// and evaluated outside it, so a slow check never blocks registration.
func (hc *HealthChecker) Run(scope Scope) Response {
	hc.mu.RLock()
	src := hc.scopes[scope]
	checks := make(map[string]CheckFunc, len(src))
	for name, fn := range src {
		checks[name] = fn
	}
	replica := hc.replica
	hc.mu.RUnlock()

	now := hc.now()
	response := Response{
		Status:        StatusHealthy,
		Timestamp:     now,
		UptimeSeconds: now.Sub(hc.started).Seconds(),
		Checks:        make(map[string]Check, len(checks)),
	}
	if replica != nil {
		r := replica()
		response.Replica = &r
	}

	for name, checkFunc := range checks {
		start := time.Now()
		check := checkFunc()
		check.Elapsed = time.Since(start)
		check.ElapsedMS = float64(check.Elapsed.Microseconds()) / 1000
		check.CheckedAt = start
		if check.Name == "" {
			check.Name = name
		}
		response.Checks[name] = check
		response.Status = worse(response.Status, check.Status)
	}

	return response
}

// worse returns the more severe of two statuses.
func worse(a, b Status) Status {
	if b.severity() > a.severity() {
		a = b
	}
	if a.severity() > StatusDegraded.severity() {
		return StatusUnhealthy
	}
	return a
}
