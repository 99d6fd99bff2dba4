// Package observability wires OpenTelemetry tracing and metrics for the
// bridge daemon: OTLP gRPC export, plan/action RED instruments, and a
// span helper for the executor's hot path.
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

const instrumentationName = "llmos.bridge"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64 // 0.0-1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the local-daemon defaults. Telemetry is off
// unless the operator opts in.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "llmos-bridge",
		ServiceVersion: "2.0.0",
		Environment:    "local",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider holds the trace and metric providers plus the daemon's
// instrument set.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	plansTotal       metric.Int64Counter
	actionsTotal     metric.Int64Counter
	actionErrors     metric.Int64Counter
	actionDuration   metric.Float64Histogram
	activePlans      metric.Int64UpDownCounter
	pendingApprovals metric.Int64UpDownCounter
}

// Noop returns a disabled provider whose helpers record nothing.
func Noop() *Provider {
	return &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
	}
}

// NewWithMeter wires the instrument set over an existing meter, leaving
// OTLP export to New. Tests pass a meter backed by a manual reader.
func NewWithMeter(meter metric.Meter) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
		tracer: otel.Tracer(instrumentationName),
		meter:  meter,
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

// New builds the provider. With Enabled false it returns a no-op
// provider whose helpers are safe to call.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
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
		return fmt.Errorf("create trace exporter: %w", err)
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
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.plansTotal, err = p.meter.Int64Counter("llmos.plans.total",
		metric.WithDescription("Plans submitted, by terminal status"),
		metric.WithUnit("{plan}"))
	if err != nil {
		return err
	}

	p.actionsTotal, err = p.meter.Int64Counter("llmos.actions.total",
		metric.WithDescription("Actions dispatched to modules"),
		metric.WithUnit("{action}"))
	if err != nil {
		return err
	}

	p.actionErrors, err = p.meter.Int64Counter("llmos.actions.errors",
		metric.WithDescription("Failed actions, by error class"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}

	p.actionDuration, err = p.meter.Float64Histogram("llmos.action.duration",
		metric.WithDescription("Action execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0))
	if err != nil {
		return err
	}

	p.activePlans, err = p.meter.Int64UpDownCounter("llmos.plans.active",
		metric.WithDescription("Plans currently executing"),
		metric.WithUnit("{plan}"))
	if err != nil {
		return err
	}

	p.pendingApprovals, err = p.meter.Int64UpDownCounter("llmos.approvals.pending",
		metric.WithDescription("Approval requests awaiting a decision"),
		metric.WithUnit("{request}"))
	return err
}

// Shutdown flushes and stops both providers.
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

// Tracer returns the daemon tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the daemon meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordPlan counts one plan reaching a terminal status.
func (p *Provider) RecordPlan(ctx context.Context, status string) {
	if p.plansTotal != nil {
		p.plansTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// PlanStarted increments the active-plans gauge.
func (p *Provider) PlanStarted(ctx context.Context) {
	if p.activePlans != nil {
		p.activePlans.Add(ctx, 1)
	}
}

// PlanFinished decrements the active-plans gauge.
func (p *Provider) PlanFinished(ctx context.Context) {
	if p.activePlans != nil {
		p.activePlans.Add(ctx, -1)
	}
}

// ApprovalPending increments the pending-approvals gauge.
func (p *Provider) ApprovalPending(ctx context.Context) {
	if p.pendingApprovals != nil {
		p.pendingApprovals.Add(ctx, 1)
	}
}

// ApprovalResolved decrements the pending-approvals gauge.
func (p *Provider) ApprovalResolved(ctx context.Context) {
	if p.pendingApprovals != nil {
		p.pendingApprovals.Add(ctx, -1)
	}
}

// TrackAction opens a span for one action dispatch and returns a closer
// that records duration and outcome.
func (p *Provider) TrackAction(ctx context.Context, moduleID, actionName string) (context.Context, func(err error, class string)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("llmos.module", moduleID),
		attribute.String("llmos.action", actionName),
	}

	ctx, span := p.Tracer().Start(ctx, moduleID+"."+actionName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	if p.actionsTotal != nil {
		p.actionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error, class string) {
		if p.actionDuration != nil {
			p.actionDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.actionErrors != nil {
				p.actionErrors.Add(ctx, 1, metric.WithAttributes(
					append(attrs, attribute.String("error.class", class))...))
			}
		}
		span.End()
	}
}
