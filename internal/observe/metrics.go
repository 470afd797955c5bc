// Package observe provides application-wide observability primitives for
// Klesis: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Klesis metrics.
const meterName = "github.com/klesis/klesis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EncodeDuration tracks codec encode latency.
	EncodeDuration metric.Float64Histogram

	// DecodeDuration tracks per-block codec decode latency.
	DecodeDuration metric.Float64Histogram

	// --- Counters ---

	// Transmissions counts finished transmit calls. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"rejected")
	Transmissions metric.Int64Counter

	// MessagesReceived counts decoded messages surfaced to the UI.
	MessagesReceived metric.Int64Counter

	// MessagesSuppressed counts decoded messages discarded while muted.
	MessagesSuppressed metric.Int64Counter

	// BlocksProcessed counts capture blocks run through the decoder.
	BlocksProcessed metric.Int64Counter

	// BlocksDropped counts device buffers discarded because the block handler
	// fell behind.
	BlocksDropped metric.Int64Counter

	// EncodeCacheLookups counts encode cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	EncodeCacheLookups metric.Int64Counter

	// --- Error counters ---

	// Errors counts transceiver errors. Use with attribute:
	//   attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// codec calls: decode runs once per ~85ms block, encode can take longer for
// slow protocols.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EncodeDuration, err = m.Float64Histogram("klesis.encode.duration",
		metric.WithDescription("Latency of codec encode calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("klesis.decode.duration",
		metric.WithDescription("Latency of per-block codec decode calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transmissions, err = m.Int64Counter("klesis.transmissions",
		metric.WithDescription("Total transmit calls by status."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("klesis.messages.received",
		metric.WithDescription("Total decoded messages surfaced to the UI."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSuppressed, err = m.Int64Counter("klesis.messages.suppressed",
		metric.WithDescription("Total decoded messages discarded while capture was muted."),
	); err != nil {
		return nil, err
	}
	if met.BlocksProcessed, err = m.Int64Counter("klesis.blocks.processed",
		metric.WithDescription("Total capture blocks fed to the decoder."),
	); err != nil {
		return nil, err
	}
	if met.BlocksDropped, err = m.Int64Counter("klesis.blocks.dropped",
		metric.WithDescription("Total device buffers dropped by a slow block handler."),
	); err != nil {
		return nil, err
	}
	if met.EncodeCacheLookups, err = m.Int64Counter("klesis.encode_cache.lookups",
		metric.WithDescription("Encode cache lookups by result."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("klesis.errors",
		metric.WithDescription("Total transceiver errors by kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("klesis.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransmission records a finished transmit call with its status.
func (m *Metrics) RecordTransmission(ctx context.Context, status string) {
	m.Transmissions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCacheLookup records an encode cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EncodeCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordError records a transceiver error of the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
