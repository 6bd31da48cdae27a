package core

import (
	"context"
	"time"

	"github.com/eleven-am/dagflow/internal/ports"
)

const healthProbeTimeout = 2 * time.Second

var (
	_ ports.HealthCheckProvider = (*Manager)(nil)
	_ ports.StatsProvider       = (*Manager)(nil)
	_ ports.CircuitResetter     = (*Manager)(nil)
)

// GetHealth reports the manager unhealthy once stopped or when the state
// store stops answering, and ready only while started.
func (m *Manager) GetHealth() ports.HealthStatus {
	m.mu.Lock()
	started, stopped := m.started, m.stopped
	m.mu.Unlock()

	status := ports.HealthStatus{
		Healthy: !stopped,
		Ready:   started && !stopped,
		Details: map[string]interface{}{
			"storage":           string(m.Config().Storage.Backend),
			"active_executions": len(m.engine.List()),
			"tracing":           m.tracing.Enabled(),
		},
	}

	open := 0
	for _, b := range m.BreakerMetrics() {
		if b.State == ports.CircuitOpen {
			open++
		}
	}
	status.Details["open_circuits"] = open

	if stopped {
		status.Error = "manager stopped"
		return status
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()
	if _, err := m.store.List(ctx); err != nil {
		status.Healthy = false
		status.Ready = false
		status.Error = "state store: " + err.Error()
	}
	return status
}
