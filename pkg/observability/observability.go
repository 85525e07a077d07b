// Package observability provides OpenTelemetry tracing and RED-pattern
// metrics for the bargaining core: round rate, error rate by code, and
// round duration against the latency budget.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry disabled, so a
// bare process does not try to dial a collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bargaind",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the bargaining RED
// instruments. All record methods are safe on a disabled provider.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	roundCounter  metric.Int64Counter
	errorCounter  metric.Int64Counter
	roundDuration metric.Float64Histogram
	openSessions  metric.Int64UpDownCounter
	acceptCounter metric.Int64Counter
}

// New creates the observability provider. When cfg.Enabled is false nothing
// is exported and all record calls are no-ops.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{
		config: cfg,
		logger: logger.With("component", "observability"),
	}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer("atlasfare.bargain",
		trace.WithInstrumentationVersion(cfg.ServiceVersion),
	)
	p.meter = otel.Meter("atlasfare.bargain",
		metric.WithInstrumentationVersion(cfg.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.roundCounter, err = p.meter.Int64Counter("bargain.rounds.total",
		metric.WithDescription("Total bargaining rounds processed"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("bargain.errors.total",
		metric.WithDescription("Total round failures by error code"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	// Buckets bracket the 250ms response budget.
	p.roundDuration, err = p.meter.Float64Histogram("bargain.round.duration",
		metric.WithDescription("Round computation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.175, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}

	p.openSessions, err = p.meter.Int64UpDownCounter("bargain.sessions.open",
		metric.WithDescription("Currently open bargaining sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	p.acceptCounter, err = p.meter.Int64Counter("bargain.accepts.total",
		metric.WithDescription("Accepted offers"),
		metric.WithUnit("{accept}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("atlasfare.bargain")
	}
	return p.tracer
}

// StartSpan starts a span on the configured tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// SessionOpened bumps the open-session gauge.
func (p *Provider) SessionOpened(ctx context.Context) {
	if p.openSessions != nil {
		p.openSessions.Add(ctx, 1)
	}
}

// SessionClosed decrements the open-session gauge with the terminal outcome.
func (p *Provider) SessionClosed(ctx context.Context, outcome string) {
	if p.openSessions != nil {
		p.openSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordAccept counts an accepted offer.
func (p *Provider) RecordAccept(ctx context.Context, productType string) {
	if p.acceptCounter != nil {
		p.acceptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("product_type", productType)))
	}
}

// TrackRound traces and times one round computation. The returned func must
// be called with the round's outcome error (nil on success).
func (p *Provider) TrackRound(ctx context.Context, operation, productType string) (context.Context, func(err error, code string)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("product_type", productType),
	}

	ctx, span := p.StartSpan(ctx, "bargain.round",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.roundCounter != nil {
		p.roundCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error, code string) {
		if p.roundDuration != nil {
			p.roundDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(
					append(attrs, attribute.String("error.code", code))...))
			}
		}
		span.End()
	}
}
