package observability

import (
	"context"
	"errors"
	"fmt"

	"canteenservice/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// shutdownChain collects provider shutdown funcs and runs them in order.
type shutdownChain struct {
	funcs []func(context.Context) error
}

func (s *shutdownChain) add(fn func(context.Context) error) {
	s.funcs = append(s.funcs, fn)
}

func (s *shutdownChain) run(ctx context.Context) error {
	var err error
	for _, fn := range s.funcs {
		err = errors.Join(err, fn(ctx))
	}
	s.funcs = nil
	return err
}

func newResource() (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// SetPropagator installs the TraceContext+Baggage propagator used for HTTP and Kafka headers.
func SetPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// SetupLoggingSDK initializes OpenTelemetry logging with the provided configuration
func SetupLoggingSDK(ctx context.Context, cfg *config.Config) (shutdown func(context.Context) error, err error) {
	chain := &shutdownChain{}
	shutdown = chain.run

	if !cfg.TelemetryEnabled() {
		return shutdown, nil
	}

	res, err := newResource()
	if err != nil {
		return nil, err
	}

	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(cfg.OtelEndpoint),
		otlploghttp.WithURLPath(config.LogsPath),
		otlploghttp.WithHeaders(map[string]string{"Authorization": cfg.OtelAuthHeader}),
	)
	if err != nil {
		return shutdown, fmt.Errorf("OTLP Log Exporter: %w", err)
	}

	logProcessor := sdklog.NewBatchProcessor(logExporter,
		sdklog.WithExportTimeout(config.ExportTimeout),
		sdklog.WithMaxQueueSize(config.MaxQueueSize),
	)
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(logProcessor),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(loggerProvider)
	chain.add(loggerProvider.Shutdown)

	return shutdown, nil
}

// SetupTracingSDK initializes OpenTelemetry tracing with the provided configuration.
// The returned provider is nil when export is disabled; callers fall back to the global provider.
func SetupTracingSDK(ctx context.Context, cfg *config.Config) (tp *sdktrace.TracerProvider, shutdown func(context.Context) error, err error) {
	chain := &shutdownChain{}
	shutdown = chain.run

	SetPropagator()

	if !cfg.TelemetryEnabled() {
		return nil, shutdown, nil
	}

	res, err := newResource()
	if err != nil {
		return nil, nil, err
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OtelEndpoint),
		otlptracehttp.WithURLPath(config.TracesPath),
		otlptracehttp.WithHeaders(map[string]string{"Authorization": cfg.OtelAuthHeader}),
	)
	if err != nil {
		return nil, shutdown, fmt.Errorf("OTLP Trace Exporter: %w", err)
	}

	traceProcessor := sdktrace.NewBatchSpanProcessor(traceExporter,
		sdktrace.WithExportTimeout(config.ExportTimeout),
		sdktrace.WithMaxQueueSize(config.MaxQueueSize),
	)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(traceProcessor),
	)
	otel.SetTracerProvider(tracerProvider)
	chain.add(tracerProvider.Shutdown)

	return tracerProvider, shutdown, nil
}

// SetupMetricsSDK initializes OpenTelemetry metrics export.
func SetupMetricsSDK(ctx context.Context, cfg *config.Config) (shutdown func(context.Context) error, err error) {
	chain := &shutdownChain{}
	shutdown = chain.run

	if !cfg.TelemetryEnabled() {
		return shutdown, nil
	}

	res, err := newResource()
	if err != nil {
		return nil, err
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.OtelEndpoint),
		otlpmetrichttp.WithURLPath(config.MetricsPath),
		otlpmetrichttp.WithHeaders(map[string]string{"Authorization": cfg.OtelAuthHeader}),
	)
	if err != nil {
		return shutdown, fmt.Errorf("OTLP Metric Exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(config.MetricsPeriod))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)
	chain.add(meterProvider.Shutdown)

	return shutdown, nil
}
