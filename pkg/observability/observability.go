// Package observability wires OpenTelemetry tracing and structured logging
// for the kernel. Tracing exports over OTLP gRPC; metrics use the global
// meter so deployments without a collector pay nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the telemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // collector address, e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults: sample everything, no
// export unless an endpoint is reachable.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "stratum-kernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider owns the tracer provider and the kernel's write-path metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	eventsPersisted metric.Int64Counter
	eventsRejected  metric.Int64Counter
	persistDuration metric.Float64Histogram
	replaysActive   metric.Int64UpDownCounter
}

// New initializes telemetry. With Enabled false the provider is inert and
// all recording methods are no-ops.
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
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init tracing: %w", err)
	}

	p.tracer = otel.Tracer("stratum.kernel",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
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

func (p *Provider) initMetrics() error {
	meter := otel.Meter("stratum.kernel")
	var err error

	p.eventsPersisted, err = meter.Int64Counter("kernel.events.persisted",
		metric.WithDescription("Events committed to the ledger"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.eventsRejected, err = meter.Int64Counter("kernel.events.rejected",
		metric.WithDescription("Candidate events rejected on the write path"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.persistDuration, err = meter.Float64Histogram("kernel.persist.duration",
		metric.WithDescription("Write-path latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	if err != nil {
		return err
	}

	p.replaysActive, err = meter.Int64UpDownCounter("kernel.replays.active",
		metric.WithDescription("Replay passes currently holding the write gate"),
		metric.WithUnit("{replay}"),
	)
	return err
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// Tracer returns the kernel tracer. Safe on a nil provider.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("stratum.kernel")
	}
	return p.tracer
}

// RecordPersisted counts one committed event. Safe on a nil provider, so the
// write path can carry an optional metrics hookup without guarding every
// call site.
func (p *Provider) RecordPersisted(ctx context.Context, eventType string) {
	if p != nil && p.eventsPersisted != nil {
		p.eventsPersisted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event.type", eventType),
		))
	}
}

// RecordRejected counts one rejected candidate by rejection code. Safe on a
// nil provider.
func (p *Provider) RecordRejected(ctx context.Context, code string) {
	if p != nil && p.eventsRejected != nil {
		p.eventsRejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rejection.code", code),
		))
	}
}

// RecordPersistDuration records one write-path latency sample. Safe on a nil
// provider.
func (p *Provider) RecordPersistDuration(ctx context.Context, d time.Duration) {
	if p != nil && p.persistDuration != nil {
		p.persistDuration.Record(ctx, d.Seconds())
	}
}

// ReplayStarted marks a replay holding the gate; call the returned func
// when the pass finishes. Safe on a nil provider.
func (p *Provider) ReplayStarted(ctx context.Context) func() {
	if p == nil || p.replaysActive == nil {
		return func() {}
	}
	p.replaysActive.Add(ctx, 1)
	return func() { p.replaysActive.Add(ctx, -1) }
}

// SetupLogger installs a JSON slog handler at the given level as the
// process default and returns it.
func SetupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
