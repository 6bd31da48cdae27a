package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const meterName = "github.com/eleven-am/dagflow"

// Metrics records engine measurements twice: into its own Prometheus
// registry, served on /metrics, and through the process OpenTelemetry meter
// provider for OTLP export.
type Metrics struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	executionsActive   prometheus.Gauge

	nodesFinished *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	nodeRetries   *prometheus.CounterVec

	configReloads *prometheus.CounterVec

	otelExecutions metric.Int64Counter
	otelRetries    metric.Int64Counter
	otelTimeouts   metric.Int64Counter
	otelCircuit    metric.Int64Counter
	otelLatency    metric.Float64Histogram

	registry *prometheus.Registry
}

type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	meterProvider metric.MeterProvider
	breakers      ports.CircuitBreakerProvider
	limiter       ports.RateLimiter
	runtime       bool
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) { o.meterProvider = mp }
}

// WithBreakers exports the state of every circuit breaker known to p.
func WithBreakers(p ports.CircuitBreakerProvider) MetricsOption {
	return func(o *metricsOptions) { o.breakers = p }
}

// WithRateLimits exports per-target limiter counters from l.
func WithRateLimits(l ports.RateLimiter) MetricsOption {
	return func(o *metricsOptions) { o.limiter = l }
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() MetricsOption {
	return func(o *metricsOptions) { o.runtime = true }
}

func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := metricsOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_executions_started_total",
				Help: "Total number of workflow executions submitted or resumed",
			},
			[]string{"workflow_id"},
		),

		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_executions_finished_total",
				Help: "Total number of workflow executions by terminal status",
			},
			[]string{"workflow_id", "status"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagflow_execution_duration_seconds",
				Help:    "Wall time of finished executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"status"},
		),

		executionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_executions_active",
				Help: "Number of executions currently running",
			},
		),

		nodesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_nodes_finished_total",
				Help: "Total number of node results by type, status and error kind",
			},
			[]string{"node_type", "status", "error_kind"},
		),

		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagflow_node_duration_seconds",
				Help:    "Node execution latency in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node_type"},
		),

		nodeRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_node_retries_total",
				Help: "Total number of retry attempts performed by nodes",
			},
			[]string{"node_type"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.executionsActive,
		m.nodesFinished,
		m.nodeDuration,
		m.nodeRetries,
		m.configReloads,
	)
	if o.breakers != nil {
		registry.MustRegister(newBreakerCollector(o.breakers))
	}
	if o.limiter != nil {
		registry.MustRegister(newLimiterCollector(o.limiter))
	}
	if o.runtime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if err := m.initInstruments(o.meterProvider.Meter(meterName)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initInstruments(meter metric.Meter) error {
	var err error

	m.otelExecutions, err = meter.Int64Counter(
		"dagflow.node.executions_total",
		metric.WithDescription("Node executions partitioned by status"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return err
	}

	m.otelRetries, err = meter.Int64Counter(
		"dagflow.node.retries_total",
		metric.WithDescription("Retry attempts performed by nodes"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return err
	}

	m.otelTimeouts, err = meter.Int64Counter(
		"dagflow.node.timeout_total",
		metric.WithDescription("Nodes that failed on a timeout"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return err
	}

	m.otelCircuit, err = meter.Int64Counter(
		"dagflow.node.circuit_open_total",
		metric.WithDescription("Nodes rejected by an open circuit"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return err
	}

	m.otelLatency, err = meter.Float64Histogram(
		"dagflow.node.duration_ms",
		metric.WithDescription("Observed node execution latency"),
		metric.WithUnit("ms"),
	)
	return err
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ExecutionStarted(workflowID string) {
	m.executionsStarted.WithLabelValues(workflowID).Inc()
	m.executionsActive.Inc()
}

func (m *Metrics) ExecutionFinished(workflowID string, status domain.ExecutionStatus, duration time.Duration) {
	m.executionsActive.Dec()
	m.executionsFinished.WithLabelValues(workflowID, string(status)).Inc()
	m.executionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (m *Metrics) NodeFinished(ctx context.Context, n ports.NodeMetrics) {
	nodeType := string(n.NodeType)
	m.nodesFinished.WithLabelValues(nodeType, string(n.Status), string(n.ErrorKind)).Inc()
	if n.Duration > 0 {
		m.nodeDuration.WithLabelValues(nodeType).Observe(n.Duration.Seconds())
	}
	retries := n.Attempts - 1
	if retries > 0 {
		m.nodeRetries.WithLabelValues(nodeType).Add(float64(retries))
	}

	attrs := metric.WithAttributes(
		attribute.String("workflow.id", n.WorkflowID),
		attribute.String("node.id", n.NodeID),
		attribute.String("node.type", nodeType),
		attribute.String("node.status", string(n.Status)),
	)

	m.otelExecutions.Add(ctx, 1, attrs)
	if n.Duration > 0 {
		m.otelLatency.Record(ctx, float64(n.Duration)/float64(time.Millisecond), attrs)
	}
	if retries > 0 {
		m.otelRetries.Add(ctx, int64(retries), attrs)
	}
	switch n.ErrorKind {
	case domain.KindTimeout:
		m.otelTimeouts.Add(ctx, 1, attrs)
	case domain.KindCircuitOpen:
		m.otelCircuit.Add(ctx, 1, attrs)
	}
}

// ConfigReloaded counts a configuration reload attempt.
func (m *Metrics) ConfigReloaded(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.configReloads.WithLabelValues(status).Inc()
}

var _ ports.MetricsRecorder = (*Metrics)(nil)

// breakerCollector reads circuit breaker state on every scrape.
type breakerCollector struct {
	provider ports.CircuitBreakerProvider

	state    *prometheus.Desc
	requests *prometheus.Desc
	rejected *prometheus.Desc
	failures *prometheus.Desc
}

func newBreakerCollector(p ports.CircuitBreakerProvider) *breakerCollector {
	labels := []string{"target"}
	return &breakerCollector{
		provider: p,
		state: prometheus.NewDesc("dagflow_circuit_breaker_state",
			"Circuit breaker state (0=closed, 1=half-open, 2=open)", labels, nil),
		requests: prometheus.NewDesc("dagflow_circuit_breaker_requests_total",
			"Calls seen by the circuit breaker", labels, nil),
		rejected: prometheus.NewDesc("dagflow_circuit_breaker_rejected_total",
			"Calls rejected while the circuit was open", labels, nil),
		failures: prometheus.NewDesc("dagflow_circuit_breaker_failures_total",
			"Failures counted against the circuit", labels, nil),
	}
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.requests
	ch <- c.rejected
	ch <- c.failures
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for name, m := range c.provider.Snapshots() {
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(m.State), name)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(m.Requests), name)
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(m.Rejected), name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(m.Failures), name)
	}
}

type limiterCollector struct {
	limiter ports.RateLimiter

	admitted  *prometheus.Desc
	throttled *prometheus.Desc
	tokens    *prometheus.Desc
}

func newLimiterCollector(l ports.RateLimiter) *limiterCollector {
	labels := []string{"target"}
	return &limiterCollector{
		limiter: l,
		admitted: prometheus.NewDesc("dagflow_rate_limit_admitted_total",
			"Outbound calls admitted by the rate limiter", labels, nil),
		throttled: prometheus.NewDesc("dagflow_rate_limit_throttled_total",
			"Outbound calls refused by the rate limiter", labels, nil),
		tokens: prometheus.NewDesc("dagflow_rate_limit_tokens",
			"Tokens currently available", labels, nil),
	}
}

func (c *limiterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.admitted
	ch <- c.throttled
	ch <- c.tokens
}

func (c *limiterCollector) Collect(ch chan<- prometheus.Metric) {
	for name, l := range c.limiter.Limits() {
		ch <- prometheus.MustNewConstMetric(c.admitted, prometheus.CounterValue, float64(l.Admitted), name)
		ch <- prometheus.MustNewConstMetric(c.throttled, prometheus.CounterValue, float64(l.Throttled), name)
		ch <- prometheus.MustNewConstMetric(c.tokens, prometheus.GaugeValue, l.TokensAvailable, name)
	}
}
