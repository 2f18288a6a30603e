package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/callbridge"

// Attribute keys shared by call spans.
const (
	KeySessionID       = attribute.Key("callbridge.session_id")
	KeyStreamSid       = attribute.Key("callbridge.stream_sid")
	KeyTranscriptLines = attribute.Key("callbridge.transcript_lines")
	KeyCallSid         = attribute.Key("twilio.call_sid")
)

// StartSpan starts a span on the global tracer provider. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartCallSpan starts the span covering one relayed call and returns a
// logger carrying the session id and the span's trace ids.
func StartCallSpan(ctx context.Context, sessionID string) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := StartSpan(ctx, "relay.call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(KeySessionID.String(sessionID)),
	)
	return ctx, span, CallLogger(ctx, sessionID)
}

// TraceID returns the trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default with trace_id and span_id attached when ctx
// carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// CallLogger is [Logger] with the call's session id attached. Every log line
// of a relay session goes through it.
func CallLogger(ctx context.Context, sessionID string) *slog.Logger {
	return Logger(ctx).With(slog.String("session_id", sessionID))
}
