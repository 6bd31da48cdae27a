package dagflow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
)

type Config = domain.Config

type EngineConfig = domain.EngineConfig

type CircuitBreakerConfig = domain.CircuitBreakerConfig

type BreakerSettings = domain.BreakerSettings

type RateLimiterConfig = domain.RateLimiterConfig

type RateLimitSettings = domain.RateLimitSettings

type StorageConfig = domain.StorageConfig

type RedisConfig = domain.RedisConfig

type EventsConfig = domain.EventsConfig

type GatewayConfig = domain.GatewayConfig

// TargetConfig describes one integration target the gateway may call.
type TargetConfig = domain.TargetConfig

type ObservabilityConfig = domain.ObservabilityConfig

type TracingConfig = domain.TracingConfig

type TransportConfig = domain.TransportConfig

type TLSConfig = domain.TLSConfig

// FallbackPolicy decides what happens to the rest of the graph when a node
// fails past its retry policy.
type FallbackPolicy = domain.FallbackPolicy

const (
	FallbackFailFast    = domain.FallbackFailFast
	FallbackSkipBranch  = domain.FallbackSkipBranch
	FallbackPassThrough = domain.FallbackPassThrough
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

func DefaultRetryPolicy() RetryPolicy {
	return domain.DefaultRetryPolicy()
}

// LoadConfig reads a YAML file and overlays it on DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}

func ParseConfig(data []byte) (*Config, error) {
	return domain.ParseConfig(data)
}

// ConfigBuilder assembles a Config fluently, starting from DefaultConfig.
type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

// FromConfig starts a builder from a copy of an existing configuration.
func FromConfig(config *Config) *ConfigBuilder {
	c := *config
	return &ConfigBuilder{config: &c}
}

func (b *ConfigBuilder) WithInstanceID(id string) *ConfigBuilder {
	b.config.InstanceID = id
	return b
}

func (b *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	b.config.Logger = logger
	return b
}

func (b *ConfigBuilder) WithEngine(maxConcurrentNodes int, nodeTimeout time.Duration, maxLoopIterations int) *ConfigBuilder {
	b.config.WithEngineSettings(maxConcurrentNodes, nodeTimeout, maxLoopIterations)
	return b
}

func (b *ConfigBuilder) WithFallback(policy FallbackPolicy) *ConfigBuilder {
	b.config.Engine.Fallback = policy
	return b
}

func (b *ConfigBuilder) WithRetry(policy RetryPolicy) *ConfigBuilder {
	b.config.Retry = policy
	return b
}

func (b *ConfigBuilder) WithMemoryStore() *ConfigBuilder {
	b.config.Storage.Backend = domain.StorageMemory
	return b
}

func (b *ConfigBuilder) WithBadger(dataDir string) *ConfigBuilder {
	b.config.WithBadger(dataDir)
	return b
}

func (b *ConfigBuilder) WithRedis(addr string, db int) *ConfigBuilder {
	b.config.WithRedis(addr, db)
	return b
}

func (b *ConfigBuilder) WithTarget(name string, target TargetConfig) *ConfigBuilder {
	b.config.WithTarget(name, target)
	return b
}

// WithCircuitBreaker sets the default breaker settings for every target.
func (b *ConfigBuilder) WithCircuitBreaker(failureThreshold int, coolDown time.Duration) *ConfigBuilder {
	b.config.CircuitBreaker.Enabled = true
	b.config.CircuitBreaker.Default.FailureThreshold = failureThreshold
	b.config.CircuitBreaker.Default.CoolDown = coolDown
	return b
}

func (b *ConfigBuilder) WithRateLimit(requestsPerSecond float64, burst int) *ConfigBuilder {
	b.config.RateLimiter.Enabled = true
	b.config.RateLimiter.Default.RequestsPerSecond = requestsPerSecond
	b.config.RateLimiter.Default.BurstSize = burst
	return b
}

// WithGRPC enables the gRPC transport on address:port.
func (b *ConfigBuilder) WithGRPC(address string, port int) *ConfigBuilder {
	b.config.Transport.Enabled = true
	b.config.Transport.BindAddress = address
	b.config.Transport.BindPort = port
	return b
}

func (b *ConfigBuilder) WithTLS(certFile, keyFile, caFile string) *ConfigBuilder {
	b.config.Transport.TLS = &TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: caFile}
	return b
}

// WithObservability serves /health, /ready and /metrics on port. Zero
// disables the server.
func (b *ConfigBuilder) WithObservability(port int) *ConfigBuilder {
	b.config.Observability.Enabled = port > 0
	b.config.Observability.Port = port
	return b
}

// WithTracing exports spans over OTLP gRPC to endpoint.
func (b *ConfigBuilder) WithTracing(serviceName, endpoint string) *ConfigBuilder {
	b.config.Tracing.Enabled = true
	b.config.Tracing.ServiceName = serviceName
	b.config.Tracing.OTLPEndpoint = endpoint
	return b
}

func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dagflow configuration: %w", err)
	}
	c := *b.config
	return &c, nil
}

func (b *ConfigBuilder) MustBuild() *Config {
	config, err := b.Build()
	if err != nil {
		panic(err)
	}
	return config
}
