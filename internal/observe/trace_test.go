package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTestTracer installs an in-memory exporter as the global tracer for the
// duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureDefaultLogger routes slog.Default into a buffer for the duration of
// the test.
func captureDefaultLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}

	useTestTracer(t)
	ctx, span := StartSpan(context.Background(), "postcall.process")
	defer span.End()
	if got, want := TraceID(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("TraceID = %q, want %q", got, want)
	}
}

func TestStartCallSpan(t *testing.T) {
	exp := useTestTracer(t)
	buf := captureDefaultLogger(t)

	ctx, span, log := StartCallSpan(context.Background(), "CA9")
	log.Info("call started")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "relay.call" || s.SpanKind != trace.SpanKindServer {
		t.Errorf("span = %q kind %v", s.Name, s.SpanKind)
	}
	if s.InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", s.InstrumentationScope.Name, tracerName)
	}
	found := false
	for _, a := range s.Attributes {
		if a.Key == KeySessionID && a.Value.AsString() == "CA9" {
			found = true
		}
	}
	if !found {
		t.Error("span missing session id attribute")
	}

	logged := buf.String()
	for _, want := range []string{"session_id=CA9", "trace_id=" + TraceID(ctx), "span_id="} {
		if !strings.Contains(logged, want) {
			t.Errorf("log line missing %s: %s", want, logged)
		}
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureDefaultLogger(t)

	CallLogger(context.Background(), "CA1").Info("no span")

	logged := buf.String()
	if strings.Contains(logged, "trace_id") {
		t.Errorf("trace_id logged without a span: %s", logged)
	}
	if !strings.Contains(logged, "session_id=CA1") {
		t.Errorf("session_id missing: %s", logged)
	}
}
