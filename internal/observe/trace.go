package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the livescribe tracer.
const tracerName = "github.com/MrWong99/livescribe"

// Span names of the session lifecycle.
const (
	SpanSessionStart      = "session.start"
	SpanEngineInitialize  = "engine.initialize"
	SpanEngineStartStream = "engine.start_stream"
)

// Span attribute keys.
const (
	AttrSessionID     = attribute.Key("livescribe.session.id")
	AttrOutcome       = attribute.Key("livescribe.session.outcome")
	AttrEngine        = attribute.Key("livescribe.engine")
	AttrModel         = attribute.Key("livescribe.model")
	AttrAudioCategory = attribute.Key("livescribe.audio.category")
	AttrAudioMode     = attribute.Key("livescribe.audio.mode")
)

type sessionIDKey struct{}

// WithSessionID returns a copy of ctx carrying the session id. Spans started
// by [StartEngineSpan] and loggers from [Logger] pick it up.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionID returns the session id stored by [WithSessionID], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// Tracer returns the package-level [trace.Tracer] for livescribe. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering one Start call and stores the
// session id in the returned context.
func StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx = WithSessionID(ctx, sessionID)
	return StartSpan(ctx, SpanSessionStart, trace.WithAttributes(AttrSessionID.String(sessionID)))
}

// StartEngineSpan starts a span for one engine call. The session id in ctx,
// if any, is attached.
func StartEngineSpan(ctx context.Context, name, engine string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{AttrEngine.String(engine)}, attrs...)
	if id := SessionID(ctx); id != "" {
		all = append(all, AttrSessionID.String(id))
	}
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}

// EndSpan ends span, first marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx and with the session_id from [WithSessionID].
// Without either, the default slog logger is returned unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	return l
}
