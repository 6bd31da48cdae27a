package ports

import "github.com/eleven-am/dagflow/internal/domain"

type HealthStatus struct {
	Healthy bool                   `json:"healthy"`
	Ready   bool                   `json:"ready"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckProvider reports liveness and readiness of a running instance.
type HealthCheckProvider interface {
	GetHealth() HealthStatus
}

// StatsProvider exposes the live engine state served on the debug endpoint.
type StatsProvider interface {
	Metrics() domain.ExecutionMetrics
	Active() []string
	BreakerMetrics() map[string]CircuitSnapshot
	RateLimits() map[string]TargetLimit
}

// CircuitResetter lets an operator close a target's circuit by hand.
type CircuitResetter interface {
	ResetCircuit(target string) bool
}
