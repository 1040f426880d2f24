// Package observe provides application-wide observability primitives for
// Earshot: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Earshot metrics.
const meterName = "github.com/voximind/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// RecognitionDuration tracks wake-to-final latency of a recognition.
	RecognitionDuration metric.Float64Histogram

	// SessionDuration tracks total session lifetime.
	SessionDuration metric.Float64Histogram

	// FramesIngested counts audio frames accepted from clients.
	FramesIngested metric.Int64Counter

	// FramesDropped counts frames shed under backpressure. Use with
	// attribute: attribute.String("reason", ...) — "overflow" for
	// drop-oldest evictions, "stage" for per-stage queue shedding.
	FramesDropped metric.Int64Counter

	// WakeHits counts accepted wake-phrase detections.
	WakeHits metric.Int64Counter

	// Interruptions counts barge-ins (wake during active recognition).
	Interruptions metric.Int64Counter

	// SessionEvents counts outbound session events. Use with attribute:
	//   attribute.String("type", ...)
	SessionEvents metric.Int64Counter

	// EngineErrors counts inference engine failures. Use with attribute:
	//   attribute.String("stage", ...)
	EngineErrors metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.RecognitionDuration, err = m.Float64Histogram("earshot.recognition.duration",
		metric.WithDescription("Latency from wake to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("earshot.session.duration",
		metric.WithDescription("Total session lifetime."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIngested, err = m.Int64Counter("earshot.frames.ingested",
		metric.WithDescription("Total audio frames accepted from clients."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("earshot.frames.dropped",
		metric.WithDescription("Total frames shed under backpressure, by reason."),
	); err != nil {
		return nil, err
	}
	if met.WakeHits, err = m.Int64Counter("earshot.wake.hits",
		metric.WithDescription("Total accepted wake-phrase detections."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("earshot.interruptions",
		metric.WithDescription("Total barge-ins during active recognition."),
	); err != nil {
		return nil, err
	}
	if met.SessionEvents, err = m.Int64Counter("earshot.session.events",
		metric.WithDescription("Total outbound session events by type."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EngineErrors, err = m.Int64Counter("earshot.engine.errors",
		metric.WithDescription("Total inference engine failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordSessionEvent records an outbound session event counter increment.
func (m *Metrics) RecordSessionEvent(ctx context.Context, typ string) {
	m.SessionEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", typ)),
	)
}

// RecordFrameDrop records a shed frame with the standard reason attribute.
func (m *Metrics) RecordFrameDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordEngineError records an inference engine failure counter increment.
func (m *Metrics) RecordEngineError(ctx context.Context, stage string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
