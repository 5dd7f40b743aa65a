// Package observe provides application-wide observability primitives for
// careloop: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all careloop metrics.
const meterName = "github.com/hospiq/careloop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AvatarCreateDuration tracks live-avatar session creation latency,
	// from provider request to published media stream.
	AvatarCreateDuration metric.Float64Histogram

	// SignalingDuration tracks WebRTC setup latency, from remote offer to
	// first inbound media track.
	SignalingDuration metric.Float64Histogram

	// CoordinatorRequestDuration tracks coordinator REST call latency.
	// Use with attribute.String("op", ...).
	CoordinatorRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ModeSwitches counts player mode transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ModeSwitches metric.Int64Counter

	// InactivityReverts counts live→loop reverts driven by the
	// inactivity poll.
	InactivityReverts metric.Int64Counter

	// Interactions counts recorded user interactions. Use with attribute:
	//   attribute.String("source", ...) — "message", "transcript", "touch"
	Interactions metric.Int64Counter

	// AvatarResets counts forced avatar connection resets.
	AvatarResets metric.Int64Counter

	// SpeakRetries counts speak attempts that needed a reset-and-retry.
	SpeakRetries metric.Int64Counter

	// SpeechRestarts counts recognition engine restarts. Use with attribute:
	//   attribute.String("cause", ...) — "ended", "no_speech", "aborted"
	SpeechRestarts metric.Int64Counter

	// SpeechErrors counts terminal recognition errors. Use with attribute:
	//   attribute.String("kind", ...)
	SpeechErrors metric.Int64Counter

	// CoordinatorErrors counts failed coordinator REST calls. Use with
	// attribute.String("op", ...).
	CoordinatorErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveAvatarConnections tracks open live-avatar connections
	// (0 or 1 by construction; the gauge makes violations visible).
	ActiveAvatarConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive session-setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AvatarCreateDuration, err = m.Float64Histogram("careloop.avatar.create.duration",
		metric.WithDescription("Latency of live-avatar session creation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SignalingDuration, err = m.Float64Histogram("careloop.signaling.duration",
		metric.WithDescription("Latency from remote offer to first inbound media track."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CoordinatorRequestDuration, err = m.Float64Histogram("careloop.coordinator.request.duration",
		metric.WithDescription("Latency of coordinator REST calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ModeSwitches, err = m.Int64Counter("careloop.player.mode_switches",
		metric.WithDescription("Total player mode transitions by from/to mode."),
	); err != nil {
		return nil, err
	}
	if met.InactivityReverts, err = m.Int64Counter("careloop.player.inactivity_reverts",
		metric.WithDescription("Total live-to-loop reverts driven by the inactivity poll."),
	); err != nil {
		return nil, err
	}
	if met.Interactions, err = m.Int64Counter("careloop.player.interactions",
		metric.WithDescription("Total recorded user interactions by input source."),
	); err != nil {
		return nil, err
	}
	if met.AvatarResets, err = m.Int64Counter("careloop.avatar.resets",
		metric.WithDescription("Total forced avatar connection resets."),
	); err != nil {
		return nil, err
	}
	if met.SpeakRetries, err = m.Int64Counter("careloop.avatar.speak_retries",
		metric.WithDescription("Total speak attempts that required a reset-and-retry."),
	); err != nil {
		return nil, err
	}
	if met.SpeechRestarts, err = m.Int64Counter("careloop.speech.restarts",
		metric.WithDescription("Total recognition engine restarts by cause."),
	); err != nil {
		return nil, err
	}
	if met.SpeechErrors, err = m.Int64Counter("careloop.speech.errors",
		metric.WithDescription("Total terminal recognition errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.CoordinatorErrors, err = m.Int64Counter("careloop.coordinator.errors",
		metric.WithDescription("Total failed coordinator REST calls by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("careloop.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAvatarConnections, err = m.Int64UpDownCounter("careloop.active_avatar_connections",
		metric.WithDescription("Number of open live-avatar connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("careloop.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordModeSwitch records a player mode transition.
func (m *Metrics) RecordModeSwitch(ctx context.Context, from, to string) {
	m.ModeSwitches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordInteraction records a user interaction by input source.
func (m *Metrics) RecordInteraction(ctx context.Context, source string) {
	m.Interactions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordSpeechRestart records a recognition engine restart by cause.
func (m *Metrics) RecordSpeechRestart(ctx context.Context, cause string) {
	m.SpeechRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordCoordinatorCall records a coordinator request's latency and, when
// failed is true, its error counter.
func (m *Metrics) RecordCoordinatorCall(ctx context.Context, op string, seconds float64, failed bool) {
	m.CoordinatorRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("op", op)),
	)
	if failed {
		m.CoordinatorErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", op)),
		)
	}
}
