// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all telemetry-plane metrics.
const meterName = "github.com/MrWong99/telemetryplane"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HTTPRequestDuration tracks HTTP request processing time on C8's gateway.
	HTTPRequestDuration metric.Float64Histogram

	// VendorAPIDuration tracks outbound HTTP call latency to the vendor API and sinks.
	VendorAPIDuration metric.Float64Histogram

	// RiskScore tracks the distribution of per-event risk scores after update.
	RiskScore metric.Float64Histogram

	// --- Counters ---

	// ForwardedAudioChunks counts audio chunks successfully POSTed to the audio sink.
	ForwardedAudioChunks metric.Int64Counter

	// ForwardedEvents counts normalized events successfully POSTed to the event sink.
	ForwardedEvents metric.Int64Counter

	// ForwardFailures counts non-retryable or exhausted-retry sink/vendor failures.
	ForwardFailures metric.Int64Counter

	// AlertsRaised counts supervisor alerts raised, by alert_type and severity.
	AlertsRaised metric.Int64Counter

	// ReconnectCount counts vendor websocket reconnect attempts.
	ReconnectCount metric.Int64Counter

	// DecodeDrops counts audio packets dropped due to unsupported/truncated encoding.
	DecodeDrops metric.Int64Counter

	// --- Gauges ---

	// ActiveAudioHookConnections tracks currently open AudioHook websocket connections.
	ActiveAudioHookConnections metric.Int64UpDownCounter

	// ActiveSSESubscribers tracks currently connected SSE stream subscribers.
	ActiveSSESubscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// HTTP and websocket round-trips in this domain.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HTTPRequestDuration, err = m.Float64Histogram("telemetryplane.http.request.duration",
		metric.WithDescription("HTTP request latency on the SSE gateway by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VendorAPIDuration, err = m.Float64Histogram("telemetryplane.vendor_api.duration",
		metric.WithDescription("Latency of outbound HTTP calls to the vendor API and sinks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RiskScore, err = m.Float64Histogram("telemetryplane.risk_score",
		metric.WithDescription("Distribution of per-event risk scores after update."),
		metric.WithExplicitBucketBoundaries(0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	); err != nil {
		return nil, err
	}

	if met.ForwardedAudioChunks, err = m.Int64Counter("telemetryplane.audio.chunks.forwarded",
		metric.WithDescription("Total audio chunks successfully forwarded to the audio sink."),
	); err != nil {
		return nil, err
	}
	if met.ForwardedEvents, err = m.Int64Counter("telemetryplane.events.forwarded",
		metric.WithDescription("Total normalized events successfully forwarded to the event sink."),
	); err != nil {
		return nil, err
	}
	if met.ForwardFailures, err = m.Int64Counter("telemetryplane.forward.failures",
		metric.WithDescription("Total forwarding failures to sinks or the vendor API."),
	); err != nil {
		return nil, err
	}
	if met.AlertsRaised, err = m.Int64Counter("telemetryplane.alerts.raised",
		metric.WithDescription("Total supervisor alerts raised by alert_type and severity."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectCount, err = m.Int64Counter("telemetryplane.connector.reconnects",
		metric.WithDescription("Total vendor websocket reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.DecodeDrops, err = m.Int64Counter("telemetryplane.audiohook.decode_drops",
		metric.WithDescription("Total audio packets dropped due to unsupported or truncated encoding."),
	); err != nil {
		return nil, err
	}

	if met.ActiveAudioHookConnections, err = m.Int64UpDownCounter("telemetryplane.audiohook.active_connections",
		metric.WithDescription("Number of currently open AudioHook websocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSSESubscribers, err = m.Int64UpDownCounter("telemetryplane.sse.active_subscribers",
		metric.WithDescription("Number of currently connected SSE stream subscribers."),
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

// RecordForwardedAudioChunk records one audio chunk successfully forwarded.
func (m *Metrics) RecordForwardedAudioChunk(ctx context.Context) {
	m.ForwardedAudioChunks.Add(ctx, 1)
}

// RecordForwardedEvent records one normalized event successfully forwarded.
func (m *Metrics) RecordForwardedEvent(ctx context.Context) {
	m.ForwardedEvents.Add(ctx, 1)
}

// RecordForwardFailure records a sink or vendor-API forwarding failure.
func (m *Metrics) RecordForwardFailure(ctx context.Context, target string) {
	m.ForwardFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

// RecordAlert records a supervisor alert raised with its type and severity.
func (m *Metrics) RecordAlert(ctx context.Context, alertType, severity string) {
	m.AlertsRaised.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("alert_type", alertType),
			attribute.String("severity", severity),
		),
	)
}

// RecordReconnect records one vendor websocket reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	m.ReconnectCount.Add(ctx, 1)
}

// RecordDecodeDrop records one dropped audio packet with its media format.
func (m *Metrics) RecordDecodeDrop(ctx context.Context, format string) {
	m.DecodeDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("media_format", format)))
}
