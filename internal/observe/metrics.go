// Package observe provides application-wide observability primitives for
// VoxBridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all VoxBridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks speaker turn length, from gate opening to the
	// turn-complete boundary.
	TurnDuration metric.Float64Histogram

	// UpstreamConnectDuration tracks how long opening an upstream channel
	// takes, from session start to upstream readiness.
	UpstreamConnectDuration metric.Float64Histogram

	// --- Counters ---

	// GateTransitions counts speech gate state changes. Use with attribute:
	//   attribute.String("to", ...)
	GateTransitions metric.Int64Counter

	// BargeIns counts interruptions of active playback by user speech.
	BargeIns metric.Int64Counter

	// Reconnects counts client reconnection attempts. Use with attribute:
	//   attribute.String("status", ...) — "ok" or "failed"
	Reconnects metric.Int64Counter

	// DroppedChunks counts audio chunks discarded because a forwarding
	// channel was full.
	DroppedChunks metric.Int64Counter

	// RelayedAudioBytes counts audio bytes relayed between client and
	// upstream. Use with attribute:
	//   attribute.String("direction", ...) — "to_upstream" or "to_client"
	RelayedAudioBytes metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts upstream channel failures. Use with attribute:
	//   attribute.String("provider", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live interpretation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingAudioBytes tracks audio buffered across all sessions awaiting
	// upstream readiness.
	PendingAudioBytes metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for live-speech latencies: sub-second upstream dials up to whole spoken turns.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voxbridge.turn.duration",
		metric.WithDescription("Speaker turn length from gate opening to turn completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnectDuration, err = m.Float64Histogram("voxbridge.upstream.connect.duration",
		metric.WithDescription("Latency of opening an upstream translation channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.GateTransitions, err = m.Int64Counter("voxbridge.gate.transitions",
		metric.WithDescription("Speech gate state changes by target state."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxbridge.barge_ins",
		metric.WithDescription("Playback interruptions caused by user speech."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxbridge.client.reconnects",
		metric.WithDescription("Client reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("voxbridge.audio.dropped_chunks",
		metric.WithDescription("Audio chunks discarded because a forwarding channel was full."),
	); err != nil {
		return nil, err
	}
	if met.RelayedAudioBytes, err = m.Int64Counter("voxbridge.audio.relayed_bytes",
		metric.WithDescription("Audio bytes relayed by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("voxbridge.upstream.errors",
		metric.WithDescription("Upstream channel failures by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live interpretation sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingAudioBytes, err = m.Int64UpDownCounter("voxbridge.pending_audio_bytes",
		metric.WithDescription("Audio buffered across all sessions awaiting upstream readiness."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
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

// RecordGateTransition records one speech gate state change.
func (m *Metrics) RecordGateTransition(ctx context.Context, to string) {
	m.GateTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("to", to)),
	)
}

// RecordReconnect records one client reconnection attempt with its outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordRelayedAudio records relayed audio volume for one direction.
func (m *Metrics) RecordRelayedAudio(ctx context.Context, direction string, bytes int) {
	m.RelayedAudioBytes.Add(ctx, int64(bytes),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordUpstreamError records one upstream channel failure.
func (m *Metrics) RecordUpstreamError(ctx context.Context, provider string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
