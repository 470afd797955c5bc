package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitProvider_InstallsGlobals(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		MetricReader:  reader,
		TraceExporter: spans,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	m.RecordTransmission(context.Background(), "ok")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	if v, ok := rm.Resource.Set().Value("service.name"); !ok || v.AsString() != "klesis" {
		t.Errorf("service.name = %v, want klesis", v.AsString())
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name == "klesis.transmissions" {
				found = true
			}
		}
	}
	if !found {
		t.Error("klesis.transmissions not collected")
	}

	_, span := StartSpan(context.Background(), "probe")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := len(spans.GetSpans()); got != 1 {
		t.Errorf("exported spans = %d, want 1", got)
	}
}

func TestBuildVersion(t *testing.T) {
	t.Parallel()
	if buildVersion() == "" {
		t.Error("buildVersion() is empty")
	}
}
