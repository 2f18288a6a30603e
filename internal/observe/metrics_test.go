package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue returns the value of the int64 sum data point whose attribute
// key equals value.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"callbridge.call.duration", m.CallDuration},
		{"callbridge.handshake.latency", m.HandshakeLatency},
		{"callbridge.postcall.duration", m.PostCallDuration},
		{"callbridge.provider.duration", m.ProviderDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRelayCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, DirectionToAI)
	m.RecordFrame(ctx, DirectionToAI)
	m.RecordFrame(ctx, DirectionToTelephony)
	m.RecordMalformed(ctx, LinkTelephony)
	m.RecordLinkError(ctx, LinkAI)
	m.RecordUnaddressed(ctx, "buffered", 3)
	m.RecordTranscriptLine(ctx, "User")

	rm := collect(t, reader)

	if got := counterValue(t, rm, "callbridge.frames.relayed", "direction", DirectionToAI); got != 2 {
		t.Errorf("frames to_ai = %d, want 2", got)
	}
	if got := counterValue(t, rm, "callbridge.frames.relayed", "direction", DirectionToTelephony); got != 1 {
		t.Errorf("frames to_telephony = %d, want 1", got)
	}
	if got := counterValue(t, rm, "callbridge.frames.malformed", "link", LinkTelephony); got != 1 {
		t.Errorf("malformed telephony = %d, want 1", got)
	}
	if got := counterValue(t, rm, "callbridge.link.errors", "link", LinkAI); got != 1 {
		t.Errorf("link errors ai = %d, want 1", got)
	}
	if got := counterValue(t, rm, "callbridge.audio.unaddressed", "outcome", "buffered"); got != 3 {
		t.Errorf("unaddressed buffered = %d, want 3", got)
	}
	if got := counterValue(t, rm, "callbridge.transcript.lines", "speaker", "User"); got != 1 {
		t.Errorf("transcript lines User = %d, want 1", got)
	}
}

func TestPostCallRecording(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPostCall(ctx, 1.5, "saved")
	m.RecordPostCall(ctx, 0.1, "skipped")
	m.RecordPostCall(ctx, 0.2, "saved")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "callbridge.postcall.outcomes", "outcome", "saved"); got != 2 {
		t.Errorf("saved = %d, want 2", got)
	}
	hist, ok := findMetric(rm, "callbridge.postcall.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 3 {
		t.Errorf("postcall.duration = %+v, want 3 samples", hist)
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "extract", "ok")
	m.RecordProviderRequest(ctx, "openai", "extract", "ok")
	m.RecordProviderRequest(ctx, "openai", "extract", "error")
	m.RecordProviderError(ctx, "openai", "extract")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "callbridge.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("requests ok = %d, want 2", got)
	}
	if got := counterValue(t, rm, "callbridge.provider.errors", "provider", "openai"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestActiveCalls(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive.
	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "callbridge.active_calls")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric is not a sum with data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active_calls = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
