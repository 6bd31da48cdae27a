package core

import (
	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// breakerConfig resolves the settings for a target's breaker on first use,
// from whichever configuration is current at that moment.
func (m *Manager) breakerConfig(target string) ports.CircuitBreakerConfig {
	s := m.Config().BreakerFor(target)
	return ports.CircuitBreakerConfig{
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		Timeout:          s.Timeout,
		MaxRequests:      s.MaxRequests,
		CoolDown:         s.CoolDown,
		IsFailure:        countsAgainstCircuit,
		OnStateChange: func(name string, from, to ports.CircuitState) {
			m.logger.Warn("circuit breaker changed state", "target", name, "from", from.String(), "to", to.String())
		},
	}
}

// countsAgainstCircuit keeps caller mistakes from opening a healthy target's
// circuit.
func countsAgainstCircuit(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindIntegrationPermanent, domain.KindValidation, domain.KindCancelled:
		return false
	default:
		return true
	}
}
