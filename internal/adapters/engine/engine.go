package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const (
	defaultLoopBound   = 100
	persistTimeout     = 10 * time.Second
	instrumentationLib = "github.com/eleven-am/dagflow/engine"
)

// Dependencies are the collaborators the engine drives.
type Dependencies struct {
	Registry  ports.NodeRegistry
	Validator ports.Validator
	Store     ports.StateStore
	Bus       ports.EventBus
	Retry     ports.RetryController
	Metrics   ports.MetricsRecorder
}

type Engine struct {
	config domain.EngineConfig
	retry  domain.RetryPolicy
	source string
	deps   Dependencies
	sem    *semaphore.Weighted
	tracer trace.Tracer
	logger *slog.Logger
	stats  *domain.ExecutionMetrics
	now    func() time.Time
	newID  func() string

	mu      sync.RWMutex
	runs    map[string]*run
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Engine)

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSource sets the source stamped on published events.
func WithSource(source string) Option {
	return func(e *Engine) {
		e.source = source
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

func NewEngine(config domain.EngineConfig, retry domain.RetryPolicy, deps Dependencies, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil || deps.Validator == nil || deps.Store == nil || deps.Bus == nil || deps.Retry == nil {
		return nil, fmt.Errorf("engine: registry, validator, store, bus and retry controller are required: %w", domain.ErrInvalidConfig)
	}

	if config.MaxConcurrentNodes <= 0 {
		config.MaxConcurrentNodes = domain.DefaultEngineConfig().MaxConcurrentNodes
	}
	if config.DefaultConcurrency <= 0 {
		config.DefaultConcurrency = domain.DefaultEngineConfig().DefaultConcurrency
	}
	if config.Fallback == "" {
		config.Fallback = domain.FallbackFailFast
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config: config,
		retry:  retry,
		source: "engine",
		deps:   deps,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrentNodes)),
		tracer: otel.Tracer(instrumentationLib),
		logger: logger.With("component", "engine"),
		stats:  domain.NewExecutionMetrics(),
		now:    time.Now,
		newID:  uuid.NewString,
		runs:   make(map[string]*run),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

var _ ports.ExecutionEngine = (*Engine)(nil)

// Start resumes every persisted execution that had not reached a terminal
// status when resume on start is enabled.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting workflow engine",
		"max_concurrent_nodes", e.config.MaxConcurrentNodes,
		"resume_on_start", e.config.ResumeOnStart)

	if !e.config.ResumeOnStart {
		return nil
	}

	ids, err := e.deps.Store.List(ctx)
	if err != nil {
		return domain.NewSystemError("engine", "list_executions", err)
	}

	resumed := 0
	for _, id := range ids {
		if err := e.Resume(ctx, id); err != nil {
			if errors.Is(err, domain.ErrTerminal) {
				continue
			}
			e.logger.Warn("failed to resume execution", "execution_id", id, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		e.logger.Info("resumed executions", "count", resumed)
	}
	return nil
}

// Stop abandons running executions without finalising them; their last
// persisted boundary stays resumable.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.logger.Debug("stopping workflow engine")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Debug("workflow engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Submit(ctx context.Context, def domain.WorkflowDefinition, input interface{}, opts domain.ExecutionOptions) (string, error) {
	report := e.deps.Validator.Validate(def)
	if !report.Valid() {
		e.logger.Debug("rejected workflow", "workflow_id", def.ID, "errors", len(report.Errors()))
		return "", &domain.ValidationFailedError{Report: report}
	}

	def = def.Clone()
	p, err := newPlan(def, e.deps.Registry)
	if err != nil {
		return "", domain.NewSystemError("engine", "build_plan", err)
	}

	id := e.newID()
	exec := domain.NewExecutionContext(id, def, input, opts, e.now())
	if !e.config.PersistDefinition {
		exec.Definition = nil
	}

	r := newRun(id, p, exec, e.logger)
	if err := e.persist(ctx, r); err != nil {
		return "", err
	}
	r.publishSnapshot(exec)

	if err := e.launch(r); err != nil {
		return "", err
	}

	e.stats.ExecutionStarted()
	if e.deps.Metrics != nil {
		e.deps.Metrics.ExecutionStarted(def.ID)
	}
	e.logger.Info("execution submitted", "execution_id", id, "workflow_id", def.ID, "nodes", len(def.Nodes))
	return id, nil
}

func (e *Engine) launch(r *run) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine: %w", domain.ErrClosed)
	}
	if _, exists := e.runs[r.id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("execution %s: %w", r.id, domain.ErrAlreadyStarted)
	}
	e.runs[r.id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.coordinate(r)
	}()
	return nil
}

func (e *Engine) lookup(id string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	return r, ok
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

// Status returns the last snapshot that has been persisted and published.
func (e *Engine) Status(ctx context.Context, executionID string) (*domain.ExecutionContext, error) {
	if r, ok := e.lookup(executionID); ok {
		return r.Snapshot(), nil
	}
	exec, err := e.deps.Store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Cancel is idempotent: cancelling a terminal execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	if r, ok := e.lookup(executionID); ok {
		r.requestCancel()
		e.logger.Info("cancellation requested", "execution_id", executionID)
		return nil
	}

	exec, err := e.deps.Store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	from := exec.Status
	now := e.now()
	if exec.Results == nil {
		exec.Results = make(map[string]domain.NodeResult)
	}
	if exec.Definition == nil {
		e.logger.Warn("cancelling execution without a persisted definition; only recorded nodes are marked",
			"execution_id", executionID)
	}
	for _, n := range nodesOf(exec) {
		result, ok := exec.Results[n]
		if ok && result.Status != domain.NodeRunning {
			continue
		}
		exec.Results[n] = domain.NodeResult{NodeID: n, Status: domain.NodeCancelled, Attempts: result.Attempts,
			StartedAt: result.StartedAt, CompletedAt: now}
	}
	exec.Status = domain.ExecutionCancelled
	exec.CompletedAt = &now
	exec.Version++

	if err := e.deps.Store.Save(ctx, executionID, exec); err != nil {
		return domain.NewSystemError("engine", "save_cancelled", err)
	}
	e.publishStatus(ctx, exec, from)
	return nil
}

// nodesOf lists the definition's nodes, or the recorded ones when the
// definition was not persisted.
func nodesOf(exec *domain.ExecutionContext) []string {
	if exec.Definition == nil {
		ids := make([]string, 0, len(exec.Results))
		for id := range exec.Results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids
	}
	ids := make([]string, 0, len(exec.Definition.Nodes))
	for _, n := range exec.Definition.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Wait blocks until the execution reaches a terminal status, the engine
// stops, or ctx ends.
func (e *Engine) Wait(ctx context.Context, executionID string) (*domain.ExecutionContext, error) {
	r, ok := e.lookup(executionID)
	if !ok {
		return e.Status(ctx, executionID)
	}
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resume continues a persisted execution from its last recorded boundary.
// Nodes without a recorded result are dispatched again; a loop that was
// mid-iteration restarts from its first iteration.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	if _, ok := e.lookup(executionID); ok {
		return fmt.Errorf("execution %s: %w", executionID, domain.ErrAlreadyStarted)
	}

	exec, err := e.deps.Store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, domain.ErrTerminal)
	}
	if exec.Definition == nil {
		return fmt.Errorf("execution %s has no persisted definition: %w", executionID, domain.ErrInvalidInput)
	}

	p, err := newPlan(*exec.Definition, e.deps.Registry)
	if err != nil {
		return domain.NewSystemError("engine", "build_plan", err)
	}

	r := newRun(executionID, p, exec, e.logger)
	r.replay(e.fallbackFor)
	r.publishSnapshot(exec)

	e.logger.Info("resuming execution",
		"execution_id", executionID,
		"recorded", len(exec.Results),
		"ready", len(r.ready))
	return e.launch(r)
}

// List returns the ids of executions running in this process.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) Metrics() domain.ExecutionMetrics {
	return e.stats.Snapshot()
}

// policyFor resolves the retry policy of a node: its own policy, then the
// execution's, then MaxRetries on top of the engine default.
func (e *Engine) policyFor(node domain.Node, opts domain.ExecutionOptions) domain.RetryPolicy {
	switch {
	case node.Retry != nil:
		return node.Retry.Normalize()
	case opts.Retry != nil:
		return opts.Retry.Normalize()
	case opts.MaxRetries > 0:
		p := e.retry
		p.MaxAttempts = opts.MaxRetries + 1
		return p.Normalize()
	default:
		return e.retry.Normalize()
	}
}

func (e *Engine) fallbackFor(node domain.Node, opts domain.ExecutionOptions) domain.FallbackPolicy {
	switch node.OnError {
	case domain.OnErrorFail:
		return domain.FallbackFailFast
	case domain.OnErrorSkip:
		return domain.FallbackSkipBranch
	case domain.OnErrorContinue:
		return domain.FallbackPassThrough
	}
	if opts.Fallback != "" {
		return opts.Fallback
	}
	return e.config.Fallback
}

func (e *Engine) loopBound(p *plan, id string, opts domain.ExecutionOptions) int {
	if b, ok := p.behaviors[id].(ports.IterationBounder); ok {
		if n := b.MaxIterations(p.nodes[id]); n > 0 {
			return n
		}
	}
	if opts.MaxLoopIterations > 0 {
		return opts.MaxLoopIterations
	}
	if e.config.MaxLoopIterations > 0 {
		return e.config.MaxLoopIterations
	}
	return defaultLoopBound
}

func (e *Engine) concurrencyFor(opts domain.ExecutionOptions) int {
	if opts.MaxConcurrency > 0 {
		return opts.MaxConcurrency
	}
	return e.config.DefaultConcurrency
}

func (e *Engine) nodeTimeout(opts domain.ExecutionOptions) time.Duration {
	if opts.NodeTimeout > 0 {
		return opts.NodeTimeout
	}
	return e.config.NodeExecutionTimeout
}
