package observe

import (
	"context"
	"errors"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the global OpenTelemetry providers.
type ProviderConfig struct {
	// ServiceName defaults to "klesis".
	ServiceName string

	// ServiceVersion defaults to the main module version from build info.
	ServiceVersion string

	// MetricReader replaces the Prometheus exporter. Tests pass a
	// [sdkmetric.ManualReader].
	MetricReader sdkmetric.Reader

	// TraceExporter receives finished spans. When nil spans are recorded
	// but not exported.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs a meter provider (Prometheus-backed unless
// MetricReader is set) and a tracer provider as the OTel globals. The
// returned function flushes and shuts both down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "klesis"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = buildVersion()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	reader := cfg.MetricReader
	if reader == nil {
		if reader, err = promexporter.New(); err != nil {
			return nil, err
		}
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func buildVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "devel"
}
