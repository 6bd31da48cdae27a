package domain

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		InstanceID:     "dagflow-" + uuid.NewString()[:8],
		Engine:         DefaultEngineConfig(),
		Retry:          DefaultRetryPolicy(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		RateLimiter:    DefaultRateLimiterConfig(),
		Storage:        DefaultStorageConfig(),
		Events:         DefaultEventsConfig(),
		Gateway:        DefaultGatewayConfig(),
		Observability:  DefaultObservabilityConfig(),
		Tracing: TracingConfig{
			ServiceName: "dagflow",
			Environment: "development",
		},
		Transport: TransportConfig{
			BindAddress: "0.0.0.0",
			BindPort:    7070,
			MaxMsgSize:  4 << 20,
		},
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentNodes:   64,
		DefaultConcurrency:   8,
		NodeExecutionTimeout: 30 * time.Second,
		ExecutionTimeout:     0,
		MaxLoopIterations:    100,
		Fallback:             FallbackFailFast,
		ResumeOnStart:        true,
		RetainCompleted:      24 * time.Hour,
		PersistDefinition:    true,
	}
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled: true,
		Default: BreakerSettings{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
			MaxRequests:      1,
			CoolDown:         10 * time.Second,
		},
	}
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled: true,
		Default: RateLimitSettings{
			RequestsPerSecond: 50,
			BurstSize:         50,
			WaitTimeout:       5 * time.Second,
			CleanupInterval:   5 * time.Minute,
			KeyExpiry:         10 * time.Minute,
		},
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:    StorageMemory,
		GCInterval: 5 * time.Minute,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "dagflow:",
		},
	}
}

func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Shards:          8,
		BufferSize:      256,
		MaxRedeliveries: 3,
		RedeliveryDelay: 50 * time.Millisecond,
		RequestTimeout:  10 * time.Second,
		DedupCapacity:   4096,
	}
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		DefaultTimeout: 30 * time.Second,
		UserAgent:      "dagflow/1.0",
		Targets:        map[string]TargetConfig{},
		SecretEnv:      "DAGFLOW_SECRET_",
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:      true,
		Port:         9090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// LoadConfig overlays the YAML file at path onto DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewConfigError("yaml", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	if err := cfg.resolveOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveOverrides fills unset fields of every per-target override from the defaults.
func (c *Config) resolveOverrides() error {
	for name, override := range c.RateLimiter.TargetOverrides {
		if err := mergo.Merge(&override, c.RateLimiter.Default); err != nil {
			return NewConfigError("rate_limiter.target_overrides."+name, err)
		}
		c.RateLimiter.TargetOverrides[name] = override
	}
	for name, override := range c.CircuitBreaker.TargetOverrides {
		if err := mergo.Merge(&override, c.CircuitBreaker.Default); err != nil {
			return NewConfigError("circuit_breaker.target_overrides."+name, err)
		}
		c.CircuitBreaker.TargetOverrides[name] = override
	}
	for name, target := range c.Gateway.Targets {
		if target.RateLimit == nil {
			continue
		}
		limit := *target.RateLimit
		if err := mergo.Merge(&limit, c.RateLimiter.Default); err != nil {
			return NewConfigError("gateway.targets."+name+".rate_limit", err)
		}
		target.RateLimit = &limit
		c.Gateway.Targets[name] = target
	}
	return nil
}

// RateLimitFor returns the effective limit for target, gateway targets first.
func (c *Config) RateLimitFor(target string) RateLimitSettings {
	if t, ok := c.Gateway.Targets[target]; ok && t.RateLimit != nil {
		return *t.RateLimit
	}
	if o, ok := c.RateLimiter.TargetOverrides[target]; ok {
		return o
	}
	return c.RateLimiter.Default
}

func (c *Config) BreakerFor(target string) BreakerSettings {
	if o, ok := c.CircuitBreaker.TargetOverrides[target]; ok {
		return o
	}
	return c.CircuitBreaker.Default
}
