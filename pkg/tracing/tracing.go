// Package tracing configures OpenTelemetry tracing for the join engine.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Exporter types
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config holds tracing configuration
type Config struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	Environment      string
	SamplingRate     float64
	ExporterType     string // "stdout", "otlp"
	ExporterEndpoint string
	Insecure         bool

	// Writer receives stdout exporter output; defaults to os.Stdout
	Writer io.Writer
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ServiceName:    "joinevents",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SamplingRate:   1.0,
		ExporterType:   ExporterStdout,
	}
}

// TracerProvider owns the process tracer provider and its exporter
type TracerProvider struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	enabled  bool
	logger   *zap.Logger
}

// NewProvider creates a tracer provider. When tracing is disabled every
// tracer it hands out is a no-op. When enabled it also becomes the global
// provider and installs W3C trace context propagation.
func NewProvider(ctx context.Context, config *Config, logger *zap.Logger) (*TracerProvider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if !config.Enabled {
		logger.Info("Distributed tracing is disabled")
		return &TracerProvider{
			provider: noop.NewTracerProvider(),
			logger:   logger,
		}, nil
	}

	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", config.ServiceName),
		attribute.String("service.version", config.ServiceVersion),
		attribute.String("deployment.environment", config.Environment),
	)

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)

	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Distributed tracing initialized",
		zap.String("service", config.ServiceName),
		zap.String("exporter", config.ExporterType),
		zap.String("endpoint", config.ExporterEndpoint),
		zap.Float64("sampling_rate", config.SamplingRate))

	return &TracerProvider{
		provider: sdk,
		sdk:      sdk,
		enabled:  true,
		logger:   logger,
	}, nil
}

func newExporter(ctx context.Context, config *Config) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case "", ExporterStdout:
		w := config.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil

	case ExporterOTLP:
		if config.ExporterEndpoint == "" {
			return nil, fmt.Errorf("otlp exporter requires an endpoint")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.ExporterEndpoint)}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exporter, nil

	default:
		return nil, fmt.Errorf("unknown exporter type %q", config.ExporterType)
	}
}

// Tracer returns a named tracer
func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	return tp.provider.Tracer(name)
}

// Enabled reports whether spans are exported
func (tp *TracerProvider) Enabled() bool {
	return tp.enabled
}

// Shutdown flushes pending spans and stops the exporter
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if !tp.enabled {
		return nil
	}

	tp.logger.Info("Shutting down tracing provider")
	return tp.sdk.Shutdown(ctx)
}

// TraceID returns the trace ID of the span in ctx, or "" without one
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanID returns the span ID of the span in ctx, or "" without one
func SpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// InjectTraceContext writes the W3C trace context of ctx into headers
func InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractTraceContext returns ctx carrying the remote span context in headers
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
