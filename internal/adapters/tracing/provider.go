package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/eleven-am/dagflow/internal/domain"
)

const dialTimeout = 10 * time.Second

// Provider owns the tracer provider handed to the engine and the servers.
// A disabled provider hands out no-op tracers.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.TracerProvider
	logger *slog.Logger
}

type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
	global   bool
	sync     bool
}

// WithExporter replaces the OTLP exporter, mainly for tests.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithSyncExport exports spans as they end instead of batching them.
func WithSyncExport() Option {
	return func(o *options) { o.sync = true }
}

// AsGlobal installs the provider with otel.SetTracerProvider.
func AsGlobal() Option {
	return func(o *options) { o.global = true }
}

func NewProvider(ctx context.Context, config domain.TracingConfig, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracing")

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if !config.Enabled || (config.OTLPEndpoint == "" && o.exporter == nil) {
		logger.Debug("tracing disabled")
		return &Provider{tracer: noop.NewTracerProvider(), logger: logger}, nil
	}

	exporter := o.exporter
	if exporter == nil {
		var err error
		exporter, err = newOTLPExporter(ctx, config)
		if err != nil {
			return nil, domain.NewConfigError("tracing.otlp_endpoint", err)
		}
	}

	res, err := newResource(ctx, config)
	if err != nil {
		return nil, domain.NewConfigError("tracing", err)
	}

	processor := sdktrace.WithBatcher(exporter,
		sdktrace.WithMaxExportBatchSize(100),
		sdktrace.WithBatchTimeout(5*time.Second))
	if o.sync {
		processor = sdktrace.WithSyncer(exporter)
	}

	sdk := sdktrace.NewTracerProvider(processor, sdktrace.WithResource(res))
	if o.global {
		otel.SetTracerProvider(sdk)
	}

	logger.Info("tracing enabled", "service", config.ServiceName, "endpoint", config.OTLPEndpoint)
	return &Provider{sdk: sdk, tracer: sdk, logger: logger}, nil
}

func newOTLPExporter(ctx context.Context, config domain.TracingConfig) (sdktrace.SpanExporter, error) {
	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // surfaces dial errors without WithBlock
	))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	return exporter, nil
}

func newResource(ctx context.Context, config domain.TracingConfig) (*resource.Resource, error) {
	name := config.ServiceName
	if name == "" {
		name = "dagflow"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if config.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", config.Environment))
	}
	for k, v := range config.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
}

func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracer
}

func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracer.Tracer(name)
}

func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.ForceFlush(ctx)
}

// Shutdown flushes buffered spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	if err := p.sdk.Shutdown(ctx); err != nil {
		p.logger.Warn("tracing shutdown failed", "error", err)
		return err
	}
	return nil
}
