// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Start outcomes recorded on [Metrics.SessionStarts].
const (
	StartOK            = "ok"
	StartAlreadyActive = "already_active"
	StartInitFailed    = "init_failed"
	StartStreamFailed  = "stream_failed"
	StartCanceled      = "canceled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionStarts counts Start calls by outcome. Use with attribute:
	//   attribute.String("status", ...)
	SessionStarts metric.Int64Counter

	// ActiveSessions tracks the number of sessions outside Idle (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- Engine ---

	// EngineInitDuration tracks engine Initialize latency.
	EngineInitDuration metric.Float64Histogram

	// EngineStreamStartDuration tracks engine StartStream latency.
	EngineStreamStartDuration metric.Float64Histogram

	// EngineErrors counts failed engine calls. Use with attribute:
	//   attribute.String("op", "initialize"|"start_stream"|"release"|"stop")
	EngineErrors metric.Int64Counter

	// --- Results ---

	// ResultsDispatched counts results delivered to subscribers. Use with
	// attribute: attribute.Bool("final", ...)
	ResultsDispatched metric.Int64Counter

	// MalformedEvents counts engine events dropped because they could not be
	// decoded.
	MalformedEvents metric.Int64Counter

	// LateEventsDropped counts engine events discarded after unsubscription.
	LateEventsDropped metric.Int64Counter

	// --- Resources ---

	// ReleaseErrors counts failed resource releases. Use with attribute:
	//   attribute.String("resource", ...)
	ReleaseErrors metric.Int64Counter

	// --- Outer surfaces ---

	// UIClients tracks connected WebSocket UI clients.
	UIClients metric.Int64UpDownCounter

	// SinkDropped counts results a sink discarded because its queue was full.
	// Use with attribute: attribute.String("sink", ...)
	SinkDropped metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Model
// loading can take several seconds on mobile-class hardware.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.SessionStarts, err = m.Int64Counter("livescribe.session.starts",
		metric.WithDescription("Total session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.active_sessions",
		metric.WithDescription("Number of sessions outside the idle state."),
	); err != nil {
		return nil, err
	}

	// Engine.
	if met.EngineInitDuration, err = m.Float64Histogram("livescribe.engine.init.duration",
		metric.WithDescription("Latency of engine initialization (model load)."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineStreamStartDuration, err = m.Float64Histogram("livescribe.engine.stream_start.duration",
		metric.WithDescription("Latency of opening an engine stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("livescribe.engine.errors",
		metric.WithDescription("Total failed engine calls by operation."),
	); err != nil {
		return nil, err
	}

	// Results.
	if met.ResultsDispatched, err = m.Int64Counter("livescribe.results.dispatched",
		metric.WithDescription("Total transcription results delivered to subscribers."),
	); err != nil {
		return nil, err
	}
	if met.MalformedEvents, err = m.Int64Counter("livescribe.events.malformed",
		metric.WithDescription("Total engine events dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.LateEventsDropped, err = m.Int64Counter("livescribe.events.late_dropped",
		metric.WithDescription("Total engine events discarded after unsubscription."),
	); err != nil {
		return nil, err
	}

	// Resources.
	if met.ReleaseErrors, err = m.Int64Counter("livescribe.release.errors",
		metric.WithDescription("Total failed resource releases by resource."),
	); err != nil {
		return nil, err
	}

	// Outer surfaces.
	if met.UIClients, err = m.Int64UpDownCounter("livescribe.ui.clients",
		metric.WithDescription("Number of connected WebSocket UI clients."),
	); err != nil {
		return nil, err
	}
	if met.SinkDropped, err = m.Int64Counter("livescribe.sink.dropped",
		metric.WithDescription("Total results dropped by a full sink queue."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
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

// RecordSessionStart records one Start attempt with the given outcome and
// tags the span in ctx with it.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	trace.SpanFromContext(ctx).SetAttributes(AttrOutcome.String(status))
}

// RecordEngineCall records the latency of an engine call and, when err is
// non-nil, an engine error for op. Only "initialize" and "start_stream" have
// latency histograms.
func (m *Metrics) RecordEngineCall(ctx context.Context, op string, d time.Duration, err error) {
	switch op {
	case "initialize":
		m.EngineInitDuration.Record(ctx, d.Seconds())
	case "start_stream":
		m.EngineStreamStartDuration.Record(ctx, d.Seconds())
	}
	if err != nil {
		m.EngineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// RecordResult records one delivered result.
func (m *Metrics) RecordResult(ctx context.Context, final bool) {
	m.ResultsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("final", strconv.FormatBool(final))))
}

// RecordReleaseError records one failed release of resource.
func (m *Metrics) RecordReleaseError(ctx context.Context, resource string) {
	m.ReleaseErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

// RecordSinkDrop records one result dropped by sink.
func (m *Metrics) RecordSinkDrop(ctx context.Context, sink string) {
	m.SinkDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}
