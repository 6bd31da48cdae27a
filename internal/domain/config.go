package domain

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	InstanceID string       `json:"instance_id" yaml:"instance_id"`
	Logger     *slog.Logger `json:"-" yaml:"-"`

	Engine         EngineConfig         `json:"engine" yaml:"engine"`
	Retry          RetryPolicy          `json:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimiter    RateLimiterConfig    `json:"rate_limiter" yaml:"rate_limiter"`
	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	Events         EventsConfig         `json:"events" yaml:"events"`
	Gateway        GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability  ObservabilityConfig  `json:"observability" yaml:"observability"`
	Tracing        TracingConfig        `json:"tracing" yaml:"tracing"`
	Transport      TransportConfig      `json:"transport" yaml:"transport"`
}

type EngineConfig struct {
	MaxConcurrentNodes   int            `json:"max_concurrent_nodes" yaml:"max_concurrent_nodes"`
	DefaultConcurrency   int            `json:"default_concurrency" yaml:"default_concurrency"`
	NodeExecutionTimeout time.Duration  `json:"node_execution_timeout" yaml:"node_execution_timeout"`
	ExecutionTimeout     time.Duration  `json:"execution_timeout" yaml:"execution_timeout"`
	MaxLoopIterations    int            `json:"max_loop_iterations" yaml:"max_loop_iterations"`
	Fallback             FallbackPolicy `json:"fallback" yaml:"fallback"`
	ResumeOnStart        bool           `json:"resume_on_start" yaml:"resume_on_start"`
	RetainCompleted      time.Duration  `json:"retain_completed" yaml:"retain_completed"`
	PersistDefinition    bool           `json:"persist_definition" yaml:"persist_definition"`
}

type CircuitBreakerConfig struct {
	Enabled         bool                       `json:"enabled" yaml:"enabled"`
	Default         BreakerSettings            `json:"default" yaml:"default"`
	TargetOverrides map[string]BreakerSettings `json:"target_overrides,omitempty" yaml:"target_overrides,omitempty"`
}

type BreakerSettings struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	MaxRequests      int           `json:"max_requests" yaml:"max_requests"`
	CoolDown         time.Duration `json:"cool_down" yaml:"cool_down"`
}

type RateLimiterConfig struct {
	Enabled         bool                         `json:"enabled" yaml:"enabled"`
	Default         RateLimitSettings            `json:"default" yaml:"default"`
	TargetOverrides map[string]RateLimitSettings `json:"target_overrides,omitempty" yaml:"target_overrides,omitempty"`
}

type RateLimitSettings struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	KeyExpiry         time.Duration `json:"key_expiry" yaml:"key_expiry"`
}

type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageBadger StorageBackend = "badger"
	StorageRedis  StorageBackend = "redis"
)

type StorageConfig struct {
	Backend    StorageBackend `json:"backend" yaml:"backend"`
	DataDir    string         `json:"data_dir" yaml:"data_dir"`
	GCInterval time.Duration  `json:"gc_interval" yaml:"gc_interval"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr      string        `json:"addr" yaml:"addr"`
	Password  string        `json:"-" yaml:"password"`
	DB        int           `json:"db" yaml:"db"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `json:"ttl" yaml:"ttl"`
}

type EventsConfig struct {
	Shards          int           `json:"shards" yaml:"shards"`
	BufferSize      int           `json:"buffer_size" yaml:"buffer_size"`
	MaxRedeliveries int           `json:"max_redeliveries" yaml:"max_redeliveries"`
	RedeliveryDelay time.Duration `json:"redelivery_delay" yaml:"redelivery_delay"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout"`
	DedupCapacity   int           `json:"dedup_capacity" yaml:"dedup_capacity"`
}

type GatewayConfig struct {
	DefaultTimeout time.Duration           `json:"default_timeout" yaml:"default_timeout"`
	UserAgent      string                  `json:"user_agent" yaml:"user_agent"`
	Targets        map[string]TargetConfig `json:"targets,omitempty" yaml:"targets,omitempty"`

	// Secrets maps credential references to literal values for local runs.
	Secrets   map[string]string `json:"-" yaml:"secrets,omitempty"`
	SecretEnv string            `json:"secret_env" yaml:"secret_env"`
}

type TargetConfig struct {
	BaseURL   string             `json:"base_url" yaml:"base_url"`
	Timeout   time.Duration      `json:"timeout" yaml:"timeout"`
	Headers   map[string]string  `json:"headers,omitempty" yaml:"headers,omitempty"`
	RateLimit *RateLimitSettings `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

type ObservabilityConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

type TracingConfig struct {
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	ServiceName  string            `json:"service_name" yaml:"service_name"`
	OTLPEndpoint string            `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	Insecure     bool              `json:"insecure" yaml:"insecure"`
	Environment  string            `json:"environment" yaml:"environment"`
	ResourceTags map[string]string `json:"resource_tags,omitempty" yaml:"resource_tags,omitempty"`
}

type TransportConfig struct {
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	BindAddress string     `json:"bind_address" yaml:"bind_address"`
	BindPort    int        `json:"bind_port" yaml:"bind_port"`
	MaxMsgSize  int        `json:"max_msg_size" yaml:"max_msg_size"`
	TLS         *TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

func (c *Config) WithEngineSettings(maxConcurrentNodes int, nodeTimeout time.Duration, maxLoopIterations int) *Config {
	c.Engine.MaxConcurrentNodes = maxConcurrentNodes
	c.Engine.NodeExecutionTimeout = nodeTimeout
	c.Engine.MaxLoopIterations = maxLoopIterations
	return c
}

func (c *Config) WithBadger(dataDir string) *Config {
	c.Storage.Backend = StorageBadger
	c.Storage.DataDir = dataDir
	return c
}

func (c *Config) WithRedis(addr string, db int) *Config {
	c.Storage.Backend = StorageRedis
	c.Storage.Redis.Addr = addr
	c.Storage.Redis.DB = db
	return c
}

func (c *Config) WithTarget(name string, target TargetConfig) *Config {
	if c.Gateway.Targets == nil {
		c.Gateway.Targets = make(map[string]TargetConfig)
	}
	c.Gateway.Targets[name] = target
	return c
}

func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return NewConfigError("instance_id", ErrInvalidInput)
	}
	if c.Engine.MaxConcurrentNodes <= 0 {
		return NewConfigError("engine.max_concurrent_nodes", ErrInvalidInput)
	}
	if c.Engine.DefaultConcurrency <= 0 {
		return NewConfigError("engine.default_concurrency", ErrInvalidInput)
	}
	if c.Engine.MaxLoopIterations <= 0 {
		return NewConfigError("engine.max_loop_iterations", ErrInvalidInput)
	}
	switch c.Engine.Fallback {
	case FallbackFailFast, FallbackSkipBranch, FallbackPassThrough:
	default:
		return NewConfigError("engine.fallback", fmt.Errorf("%w: %q", ErrInvalidInput, c.Engine.Fallback))
	}
	if c.Retry.MaxAttempts <= 0 {
		return NewConfigError("retry.max_attempts", ErrInvalidInput)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.DataDir == "" {
			return NewConfigError("storage.data_dir", ErrInvalidInput)
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return NewConfigError("storage.redis.addr", ErrInvalidInput)
		}
	default:
		return NewConfigError("storage.backend", fmt.Errorf("%w: %q", ErrInvalidInput, c.Storage.Backend))
	}

	for name, t := range c.Gateway.Targets {
		if t.RateLimit != nil && t.RateLimit.RequestsPerSecond <= 0 {
			return NewConfigError("gateway.targets."+name+".rate_limit", ErrInvalidInput)
		}
	}

	if c.Transport.Enabled && c.Transport.BindPort <= 0 {
		return NewConfigError("transport.bind_port", ErrInvalidInput)
	}
	if tls := c.Transport.TLS; tls != nil && tls.Enabled && (tls.CertFile == "" || tls.KeyFile == "") {
		return NewConfigError("transport.tls", ErrInvalidInput)
	}

	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
