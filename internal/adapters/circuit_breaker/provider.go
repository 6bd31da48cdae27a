package circuit_breaker

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/dagflow/internal/ports"
)

// ConfigFunc yields the settings for a target's breaker when it is first used.
type ConfigFunc func(target string) ports.CircuitBreakerConfig

// Provider lazily creates one Breaker per integration target.
type Provider struct {
	configFor ConfigFunc
	logger    *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewProvider(configFor ConfigFunc, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if configFor == nil {
		configFor = func(string) ports.CircuitBreakerConfig { return ports.CircuitBreakerConfig{} }
	}
	return &Provider{
		configFor: configFor,
		logger:    logger,
		breakers:  make(map[string]*Breaker),
	}
}

func (p *Provider) For(target string) ports.CircuitBreaker {
	return p.breaker(target)
}

func (p *Provider) breaker(target string) *Breaker {
	p.mu.RLock()
	b, ok := p.breakers[target]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[target]; ok {
		return b
	}

	config := p.configFor(target)
	b = NewBreaker(target, config, p.logger)
	p.breakers[target] = b
	p.logger.Debug("circuit breaker created",
		"component", "circuit-breaker",
		"target", target,
		"failure_threshold", b.config.FailureThreshold,
		"cool_down", b.config.CoolDown,
		"timeout", b.config.Timeout)
	return b
}

// Reset closes target's circuit. It reports false when the target has never
// been called.
func (p *Provider) Reset(target string) bool {
	p.mu.RLock()
	b, ok := p.breakers[target]
	p.mu.RUnlock()
	if ok {
		b.Reset()
	}
	return ok
}

func (p *Provider) Snapshots() map[string]ports.CircuitSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]ports.CircuitSnapshot, len(p.breakers))
	for target, b := range p.breakers {
		out[target] = b.Snapshot()
	}
	return out
}

var _ ports.CircuitBreakerProvider = (*Provider)(nil)
