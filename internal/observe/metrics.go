// Package observe provides application-wide observability primitives for
// callbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Link names used as the "link" attribute.
const (
	LinkTelephony = "telephony"
	LinkAI        = "ai"
)

// Directions used as the "direction" attribute of frame counters.
const (
	DirectionToAI        = "to_ai"
	DirectionToTelephony = "to_telephony"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Calls ---

	// ActiveCalls tracks the number of relay sessions currently registered.
	ActiveCalls metric.Int64UpDownCounter

	// CallDuration tracks the time from telephony accept to teardown.
	CallDuration metric.Float64Histogram

	// HandshakeLatency tracks the time from AI dial start to the
	// session.update handshake being sent.
	HandshakeLatency metric.Float64Histogram

	// --- Relay counters ---

	// FramesRelayed counts audio frames forwarded. Use with attribute:
	//   attribute.String("direction", DirectionToAI|DirectionToTelephony)
	FramesRelayed metric.Int64Counter

	// MalformedFrames counts frames that failed to decode. Use with attribute:
	//   attribute.String("link", LinkTelephony|LinkAI)
	MalformedFrames metric.Int64Counter

	// UnaddressedAudio counts AI audio received before the stream handle was
	// known. Use with attribute:
	//   attribute.String("outcome", "buffered"|"dropped"|"forwarded"|"flushed")
	UnaddressedAudio metric.Int64Counter

	// TranscriptLines counts transcript lines appended. Use with attribute:
	//   attribute.String("speaker", ...)
	TranscriptLines metric.Int64Counter

	// LinkErrors counts link failures. Use with attribute:
	//   attribute.String("link", LinkTelephony|LinkAI)
	LinkErrors metric.Int64Counter

	// --- Post-call ---

	// PostCallDuration tracks the time to extract and persist one call.
	PostCallDuration metric.Float64Histogram

	// PostCallOutcomes counts post-call jobs. Use with attribute:
	//   attribute.String("outcome", "saved"|"skipped"|"extract_failed"|"save_failed")
	PostCallOutcomes metric.Int64Counter

	// --- Providers ---

	// ProviderDuration tracks extraction provider latency. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider round trips and handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// callBuckets defines histogram bucket boundaries (in seconds) for whole
// phone calls.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Calls.
	if met.ActiveCalls, err = m.Int64UpDownCounter("callbridge.active_calls",
		metric.WithDescription("Number of relay sessions currently registered."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callbridge.call.duration",
		metric.WithDescription("Duration of relayed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeLatency, err = m.Float64Histogram("callbridge.handshake.latency",
		metric.WithDescription("Time from AI dial to session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Relay counters.
	if met.FramesRelayed, err = m.Int64Counter("callbridge.frames.relayed",
		metric.WithDescription("Audio frames forwarded by direction."),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("callbridge.frames.malformed",
		metric.WithDescription("Frames that failed to decode by link."),
	); err != nil {
		return nil, err
	}
	if met.UnaddressedAudio, err = m.Int64Counter("callbridge.audio.unaddressed",
		metric.WithDescription("AI audio received before the stream handle was known, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptLines, err = m.Int64Counter("callbridge.transcript.lines",
		metric.WithDescription("Transcript lines appended by speaker."),
	); err != nil {
		return nil, err
	}
	if met.LinkErrors, err = m.Int64Counter("callbridge.link.errors",
		metric.WithDescription("Link failures by link."),
	); err != nil {
		return nil, err
	}

	// Post-call.
	if met.PostCallDuration, err = m.Float64Histogram("callbridge.postcall.duration",
		metric.WithDescription("Latency of post-call extraction and persistence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostCallOutcomes, err = m.Int64Counter("callbridge.postcall.outcomes",
		metric.WithDescription("Post-call jobs by outcome."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderDuration, err = m.Float64Histogram("callbridge.provider.duration",
		metric.WithDescription("Latency of extraction provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("callbridge.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callbridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
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

// RecordFrame counts one relayed audio frame.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordMalformed counts one undecodable frame on link.
func (m *Metrics) RecordMalformed(ctx context.Context, link string) {
	m.MalformedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("link", link)))
}

// RecordUnaddressed counts n unaddressed audio deltas with the given outcome.
func (m *Metrics) RecordUnaddressed(ctx context.Context, outcome string, n int) {
	m.UnaddressedAudio.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTranscriptLine counts one appended transcript line.
func (m *Metrics) RecordTranscriptLine(ctx context.Context, speaker string) {
	m.TranscriptLines.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordLinkError counts one link failure.
func (m *Metrics) RecordLinkError(ctx context.Context, link string) {
	m.LinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("link", link)))
}

// RecordPostCall records the duration and outcome of one post-call job.
func (m *Metrics) RecordPostCall(ctx context.Context, seconds float64, outcome string) {
	m.PostCallDuration.Record(ctx, seconds)
	m.PostCallOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderDuration records the latency of one provider call.
func (m *Metrics) RecordProviderDuration(ctx context.Context, provider string, seconds float64) {
	m.ProviderDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("provider", provider)))
}
