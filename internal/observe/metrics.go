// Package observe provides application-wide observability primitives for
// lenshub: OpenTelemetry metrics and the SDK provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all lenshub metrics.
const meterName = "github.com/openglass/lenshub"

// Metrics holds all OpenTelemetry metric instruments for the hub.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of live user sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveApps tracks the number of App transports currently connected
	// across all sessions.
	ActiveApps metric.Int64UpDownCounter

	// ActiveRTMPStreams tracks the number of tracked RTMP streams.
	ActiveRTMPStreams metric.Int64UpDownCounter

	// --- Counters ---

	// AppLifecycleEvents counts App start/stop/resurrect events. Use with
	// attributes: attribute.String("event", ...), attribute.String("package", ...)
	AppLifecycleEvents metric.Int64Counter

	// RelayedMessages counts data_stream sends to Apps by stream type.
	RelayedMessages metric.Int64Counter

	// AudioBytes counts device audio bytes ingested.
	AudioBytes metric.Int64Counter

	// WebhookAttempts counts App webhook POSTs. Use with attributes:
	// attribute.String("kind", ...), attribute.String("status", ...)
	WebhookAttempts metric.Int64Counter

	// RTMPAckTimeouts counts keep-alive ACK deadline misses.
	RTMPAckTimeouts metric.Int64Counter

	// PhotoRequests counts photo requests by outcome
	// (attribute.String("outcome", "completed"|"timeout"|"custom_webhook")).
	PhotoRequests metric.Int64Counter

	// MicStateSends counts microphone_state_change messages sent to devices.
	MicStateSends metric.Int64Counter

	// --- Latency histograms ---

	// WebhookDuration tracks App webhook round-trip latency.
	WebhookDuration metric.Float64Histogram

	// AppStartDuration tracks time from startApp to CONNECTION_ACK.
	AppStartDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// webhook and App handshake latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lenshub.active_sessions",
		metric.WithDescription("Number of live user sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveApps, err = m.Int64UpDownCounter("lenshub.active_apps",
		metric.WithDescription("Number of connected App transports across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRTMPStreams, err = m.Int64UpDownCounter("lenshub.active_rtmp_streams",
		metric.WithDescription("Number of tracked RTMP streams."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AppLifecycleEvents, err = m.Int64Counter("lenshub.app.lifecycle_events",
		metric.WithDescription("App lifecycle events by event kind and package."),
	); err != nil {
		return nil, err
	}
	if met.RelayedMessages, err = m.Int64Counter("lenshub.relay.messages",
		metric.WithDescription("Data-stream messages relayed to Apps by stream type."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("lenshub.audio.bytes",
		metric.WithDescription("Device audio bytes ingested."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.WebhookAttempts, err = m.Int64Counter("lenshub.webhook.attempts",
		metric.WithDescription("App webhook POST attempts by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.RTMPAckTimeouts, err = m.Int64Counter("lenshub.rtmp.ack_timeouts",
		metric.WithDescription("RTMP keep-alive ACK deadline misses."),
	); err != nil {
		return nil, err
	}
	if met.PhotoRequests, err = m.Int64Counter("lenshub.photo.requests",
		metric.WithDescription("Photo requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.MicStateSends, err = m.Int64Counter("lenshub.mic.state_sends",
		metric.WithDescription("Microphone state messages sent to devices."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.WebhookDuration, err = m.Float64Histogram("lenshub.webhook.duration",
		metric.WithDescription("App webhook round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AppStartDuration, err = m.Float64Histogram("lenshub.app.start_duration",
		metric.WithDescription("Time from start request to App connection ACK."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordAppEvent records an App lifecycle event counter increment with the
// standard attribute set.
func (m *Metrics) RecordAppEvent(ctx context.Context, event, packageName string) {
	m.AppLifecycleEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("package", packageName),
		))
}

// RecordWebhookAttempt records one webhook POST attempt with its outcome.
func (m *Metrics) RecordWebhookAttempt(ctx context.Context, kind, status string) {
	m.WebhookAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		))
}
