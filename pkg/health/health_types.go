package health

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/types"
)

// Status is the verdict of a replica check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses; unknown values count as unhealthy.
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

// Scope selects the endpoint a check is reported on.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeReadiness
	ScopeLiveness
)

// Check is the outcome of one named replica check.
type Check struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Elapsed   time.Duration  `json:"-"`
	ElapsedMS float64        `json:"elapsed_ms"`
}

// CheckFunc evaluates one check.
type CheckFunc func() Check

// Replica identifies the replica a response describes and where its log
// stands.
type Replica struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	StableLSN types.LSN `json:"stable_lsn"`
	TailLSN   types.LSN `json:"tail_lsn"`
}

// HealthChecker runs the registered checks of a replica process.
type HealthChecker struct {
	mu      sync.RWMutex
	started time.Time
	now     func() time.Time
	replica func() Replica
	scopes  map[Scope]map[string]CheckFunc
}

// Response is the body served by every health endpoint.
type Response struct {
	Status        Status           `json:"status"`
	Replica       *Replica         `json:"replica,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Checks        map[string]Check `json:"checks"`
}
