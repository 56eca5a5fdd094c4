// Package observe provides application-wide observability primitives for
// voxcart: OpenTelemetry metrics, tracing helpers, and structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxcart metrics.
const meterName = "github.com/voxcart/voxcart"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks the create→initiate→prompt→audio-start
	// session handshake latency.
	HandshakeDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency. Use with
	// attribute.String("tool", ...).
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// AudioBlocksCaptured counts microphone blocks published as outbound
	// audio events.
	AudioBlocksCaptured metric.Int64Counter

	// AudioChunksPlayed counts inbound model audio chunks handed to the
	// playback worker.
	AudioChunksPlayed metric.Int64Counter

	// AudioChunksDropped counts playback chunks dropped because the render
	// queue was full or playback was degraded.
	AudioChunksDropped metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionRestarts counts automatic session restarts. Use with
	//   attribute.String("reason", "time_limit"|"model_timeout")
	SessionRestarts metric.Int64Counter

	// SessionErrors counts remote errors that stopped a stream.
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// StreamingActive is 1 while audio is streaming, 0 otherwise.
	StreamingActive metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for session-handshake and tool-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HandshakeDuration, err = m.Float64Histogram("voxcart.session.handshake.duration",
		metric.WithDescription("Latency of the remote session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxcart.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AudioBlocksCaptured, err = m.Int64Counter("voxcart.audio.blocks_captured",
		metric.WithDescription("Total capture blocks published as outbound audio events."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksPlayed, err = m.Int64Counter("voxcart.audio.chunks_played",
		metric.WithDescription("Total inbound audio chunks handed to the playback worker."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksDropped, err = m.Int64Counter("voxcart.audio.chunks_dropped",
		metric.WithDescription("Total playback chunks dropped by the render queue."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxcart.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionRestarts, err = m.Int64Counter("voxcart.session.restarts",
		metric.WithDescription("Total automatic session restarts by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("voxcart.session.errors",
		metric.WithDescription("Total remote errors that stopped a stream."),
	); err != nil {
		return nil, err
	}

	if met.StreamingActive, err = m.Int64UpDownCounter("voxcart.streaming.active",
		metric.WithDescription("Whether audio is currently streaming."),
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
			panic("observe: default metrics init: " + err.Error())
		}
	})
	return defaultMetrics
}
