package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/dagflow/internal/adapters/circuit_breaker"
	"github.com/eleven-am/dagflow/internal/adapters/configwatch"
	"github.com/eleven-am/dagflow/internal/adapters/engine"
	"github.com/eleven-am/dagflow/internal/adapters/events"
	"github.com/eleven-am/dagflow/internal/adapters/gateway"
	grpctransport "github.com/eleven-am/dagflow/internal/adapters/grpc"
	"github.com/eleven-am/dagflow/internal/adapters/nodes"
	"github.com/eleven-am/dagflow/internal/adapters/observability"
	"github.com/eleven-am/dagflow/internal/adapters/rate_limiter"
	"github.com/eleven-am/dagflow/internal/adapters/retry"
	"github.com/eleven-am/dagflow/internal/adapters/storage"
	"github.com/eleven-am/dagflow/internal/adapters/tracing"
	"github.com/eleven-am/dagflow/internal/adapters/validation"
	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const engineTracer = "github.com/eleven-am/dagflow/engine"

// Manager owns every component of a dagflow instance and their lifecycle.
type Manager struct {
	config *domain.Config
	logger *slog.Logger

	store     ports.StateStore
	bus       *events.Bus
	breakers  *circuit_breaker.Provider
	limiter   ports.RateLimiter
	retry     *retry.Controller
	gateway   *gateway.Gateway
	registry  *nodes.Registry
	validator *validation.Validator
	engine    *engine.Engine
	metrics   *observability.Metrics
	tracing   *tracing.Provider

	observability *observability.Server
	grpc          *grpctransport.Server
	watcher       *configwatch.Watcher

	configPath string
	listener   net.Listener

	cfgMu sync.RWMutex

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

type Option func(*options)

type options struct {
	store        ports.StateStore
	transport    ports.IntegrationTransport
	secrets      ports.SecretResolver
	tracing      []tracing.Option
	metrics      []observability.MetricsOption
	configPath   string
	grpcListener net.Listener
	behaviors    []ports.NodeBehavior
}

// WithStore replaces the store selected by the storage config.
func WithStore(store ports.StateStore) Option {
	return func(o *options) { o.store = store }
}

// WithIntegrationTransport replaces the HTTP transport the gateway sends through.
func WithIntegrationTransport(t ports.IntegrationTransport) Option {
	return func(o *options) { o.transport = t }
}

func WithSecretResolver(r ports.SecretResolver) Option {
	return func(o *options) { o.secrets = r }
}

func WithTracingOptions(opts ...tracing.Option) Option {
	return func(o *options) { o.tracing = append(o.tracing, opts...) }
}

func WithMetricsOptions(opts ...observability.MetricsOption) Option {
	return func(o *options) { o.metrics = append(o.metrics, opts...) }
}

// WithConfigFile hot-reloads gateway targets and rate limits from path once
// the manager starts.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithGRPCListener serves the gRPC transport on l instead of the configured port.
func WithGRPCListener(l net.Listener) Option {
	return func(o *options) { o.grpcListener = l }
}

// WithNodes registers extra node types next to the built-ins.
func WithNodes(behaviors ...ports.NodeBehavior) Option {
	return func(o *options) { o.behaviors = append(o.behaviors, behaviors...) }
}

// New validates cfg and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *domain.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("instance_id", cfg.InstanceID)

	m := &Manager{
		config:     cfg,
		logger:     logger.With("component", "manager"),
		configPath: o.configPath,
		listener:   o.grpcListener,
	}

	if err := m.build(ctx, o, logger); err != nil {
		_ = m.release(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Manager) build(ctx context.Context, o options, logger *slog.Logger) error {
	cfg := m.config

	store := o.store
	if store == nil {
		var err error
		store, err = storage.New(ctx, cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("create state store: %w", err)
		}
	}
	m.store = store

	tp, err := tracing.NewProvider(ctx, cfg.Tracing, logger, o.tracing...)
	if err != nil {
		return fmt.Errorf("create tracing provider: %w", err)
	}
	m.tracing = tp

	m.bus = events.NewBus(cfg.InstanceID, cfg.Events, logger)

	if cfg.CircuitBreaker.Enabled {
		m.breakers = circuit_breaker.NewProvider(m.breakerConfig, logger)
	}
	if cfg.RateLimiter.Enabled {
		m.limiter = rate_limiter.NewLimiter(cfg.RateLimiter.Default, logger)
	}

	var breakers ports.CircuitBreakerProvider
	if m.breakers != nil {
		breakers = m.breakers
	}
	m.retry = retry.NewController(breakers, logger)
	m.gateway = gateway.New(cfg, m.limiter, o.secrets, o.transport, logger)

	m.registry, err = nodes.NewDefaultRegistry(nodes.Dependencies{Gateway: m.gateway, Bus: m.bus}, logger)
	if err != nil {
		return fmt.Errorf("create node registry: %w", err)
	}
	for _, b := range o.behaviors {
		if err := m.registry.Register(b); err != nil {
			return fmt.Errorf("register node %s: %w", b.Spec().Type, err)
		}
	}
	m.validator = validation.NewValidator(m.registry, logger)

	metricOpts := []observability.MetricsOption{observability.WithBreakers(breakers)}
	if m.limiter != nil {
		metricOpts = append(metricOpts, observability.WithRateLimits(m.limiter))
	}
	metricOpts = append(metricOpts, o.metrics...)
	m.metrics, err = observability.NewMetrics(metricOpts...)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	m.engine, err = engine.NewEngine(cfg.Engine, cfg.Retry, engine.Dependencies{
		Registry:  m.registry,
		Validator: m.validator,
		Store:     m.store,
		Bus:       m.bus,
		Retry:     m.retry,
		Metrics:   m.metrics,
	}, logger, engine.WithTracer(tp.Tracer(engineTracer)), engine.WithSource(cfg.InstanceID))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if cfg.Observability.Enabled {
		m.observability = observability.NewServer(cfg.Observability, m, m, m.metrics, logger,
			observability.WithTracerProvider(tp.TracerProvider()))
	}

	if cfg.Transport.Enabled || m.listener != nil {
		serverOpts := []grpctransport.ServerOption{
			grpctransport.WithReadiness(func() bool { return m.GetHealth().Ready }, 0),
		}
		if m.listener != nil {
			serverOpts = append(serverOpts, grpctransport.WithListener(m.listener))
		}
		service := grpctransport.NewWorkflowService(m.engine, m.validator, logger)
		m.grpc = grpctransport.NewServer(cfg.Transport, service, logger, serverOpts...)
	}

	if m.configPath != "" {
		m.watcher, err = configwatch.New(m.configPath, m.applyConfig, logger, configwatch.WithRecorder(m.metrics))
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
	}
	return nil
}

// Start runs the event bus, resumes persisted executions and brings up the
// configured outer surfaces.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("manager: %w", domain.ErrClosed)
	}
	if m.started {
		return fmt.Errorf("manager: %w", domain.ErrAlreadyStarted)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.group, runCtx = errgroup.WithContext(runCtx)

	if err := m.bus.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start event bus: %w", err)
	}
	if err := m.engine.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start engine: %w", err)
	}

	if m.observability != nil {
		m.group.Go(func() error { return m.observability.Start(runCtx) })
	}
	if m.grpc != nil {
		if err := m.grpc.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start grpc server: %w", err)
		}
	}
	if m.watcher != nil {
		if err := m.watcher.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start config watcher: %w", err)
		}
	}

	m.started = true
	m.logger.Info("dagflow started",
		"storage", m.config.Storage.Backend,
		"grpc", m.grpc != nil,
		"observability", m.observability != nil,
		"tracing", m.tracing.Enabled())
	return nil
}

// Stop shuts every component down in reverse dependency order. Running
// executions stay resumable from their last persisted boundary.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, group := m.cancel, m.group
	m.mu.Unlock()

	m.logger.Info("stopping dagflow")

	var errs []error
	if m.watcher != nil {
		errs = append(errs, m.watcher.Stop())
	}
	if m.grpc != nil {
		errs = append(errs, m.grpc.Stop())
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		errs = append(errs, group.Wait())
	}
	errs = append(errs, m.engine.Stop(ctx))
	errs = append(errs, m.release(ctx))

	return errors.Join(errs...)
}

func (m *Manager) release(ctx context.Context) error {
	var errs []error
	if m.bus != nil {
		errs = append(errs, m.bus.Stop())
	}
	if m.limiter != nil {
		m.limiter.Close()
	}
	if m.store != nil {
		errs = append(errs, m.store.Close())
	}
	if m.tracing != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		errs = append(errs, m.tracing.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}

func (m *Manager) Submit(ctx context.Context, def domain.WorkflowDefinition, input interface{}, opts domain.ExecutionOptions) (string, error) {
	return m.engine.Submit(ctx, def, input, opts)
}

func (m *Manager) Status(ctx context.Context, executionID string) (*domain.ExecutionContext, error) {
	return m.engine.Status(ctx, executionID)
}

func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	return m.engine.Cancel(ctx, executionID)
}

func (m *Manager) Wait(ctx context.Context, executionID string) (*domain.ExecutionContext, error) {
	return m.engine.Wait(ctx, executionID)
}

func (m *Manager) Resume(ctx context.Context, executionID string) error {
	return m.engine.Resume(ctx, executionID)
}

// Run submits def and blocks until the execution is terminal.
func (m *Manager) Run(ctx context.Context, def domain.WorkflowDefinition, input interface{}, opts domain.ExecutionOptions) (*domain.ExecutionContext, error) {
	id, err := m.engine.Submit(ctx, def, input, opts)
	if err != nil {
		return nil, err
	}
	return m.engine.Wait(ctx, id)
}

func (m *Manager) Active() []string {
	return m.engine.List()
}

func (m *Manager) Validate(def domain.WorkflowDefinition) domain.ValidationReport {
	return m.validator.Validate(def)
}

func (m *Manager) ValidateAll(ctx context.Context, defs []domain.WorkflowDefinition) ([]domain.ValidationReport, error) {
	return m.validator.ValidateAll(ctx, defs)
}

// RegisterNode adds a node type. Definitions using it validate from then on.
func (m *Manager) RegisterNode(behavior ports.NodeBehavior) error {
	return m.registry.Register(behavior)
}

func (m *Manager) NodeTypes() []domain.NodeType {
	return m.registry.Types()
}

func (m *Manager) Subscribe(pattern string, handler ports.EventHandler) (unsubscribe func()) {
	return m.bus.Subscribe(pattern, handler)
}

func (m *Manager) Respond(topic string, handler ports.RequestHandler) (unsubscribe func()) {
	return m.bus.Respond(topic, handler)
}

func (m *Manager) Publish(ctx context.Context, topic string, payload interface{}, opts ...ports.PublishOption) error {
	return m.bus.Publish(ctx, topic, payload, opts...)
}

func (m *Manager) Metrics() domain.ExecutionMetrics {
	return m.engine.Metrics()
}

func (m *Manager) BreakerMetrics() map[string]ports.CircuitSnapshot {
	if m.breakers == nil {
		return map[string]ports.CircuitSnapshot{}
	}
	return m.breakers.Snapshots()
}

// RateLimits reports the limiter state of every target called so far.
func (m *Manager) RateLimits() map[string]ports.TargetLimit {
	if m.limiter == nil {
		return map[string]ports.TargetLimit{}
	}
	return m.limiter.Limits()
}

// ResetCircuit closes target's circuit and clears its counters. It reports
// false when breakers are disabled or target has not been called yet.
func (m *Manager) ResetCircuit(target string) bool {
	if m.breakers == nil {
		return false
	}
	ok := m.breakers.Reset(target)
	if ok {
		m.logger.Info("circuit reset", "target", target)
	}
	return ok
}

// ApplyConfig swaps in the reloadable parts of cfg: gateway targets, rate
// limits and the settings of circuit breakers created from now on.
func (m *Manager) ApplyConfig(cfg *domain.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.applyConfig(cfg)
}

func (m *Manager) applyConfig(cfg *domain.Config) error {
	m.cfgMu.Lock()
	current := *m.config
	current.Gateway = cfg.Gateway
	current.RateLimiter = cfg.RateLimiter
	current.CircuitBreaker.Default = cfg.CircuitBreaker.Default
	current.CircuitBreaker.TargetOverrides = cfg.CircuitBreaker.TargetOverrides
	m.config = &current
	m.cfgMu.Unlock()

	m.gateway.ApplyConfig(&current)
	m.logger.Info("applied configuration", "targets", len(current.Gateway.Targets))
	return nil
}

func (m *Manager) Config() *domain.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config
}

// GRPCAddress is empty when the transport is disabled.
func (m *Manager) GRPCAddress() string {
	if m.grpc == nil {
		return ""
	}
	return m.grpc.Addr()
}

func (m *Manager) ObservabilityAddress() string {
	if m.observability == nil {
		return ""
	}
	return m.observability.Addr()
}

// ReloadConfig re-reads the watched config file immediately.
func (m *Manager) ReloadConfig() error {
	if m.watcher == nil {
		return fmt.Errorf("no config file is watched: %w", domain.ErrInvalidConfig)
	}
	return m.watcher.Reload()
}
