// Package observe provides application-wide observability primitives for
// pinyin: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all pinyin metrics.
const meterName = "github.com/MrWong99/pinyin"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// FramesCaptured counts frames accepted into the pipeline.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because the frame queue was full.
	FramesDropped metric.Int64Counter

	// VADErrors counts frames the voice activity classifier failed to score.
	VADErrors metric.Int64Counter

	// --- Segmentation ---

	// SegmentsEmitted counts closed utterance segments. Use with attribute:
	//   attribute.String("reason", "silence"|"max_length"|"stop")
	SegmentsEmitted metric.Int64Counter

	// SegmentDuration tracks the audio length of emitted segments.
	SegmentDuration metric.Float64Histogram

	// --- Transcription and translation ---

	// TranscriptionDuration tracks speech model latency per segment.
	TranscriptionDuration metric.Float64Histogram

	// PiecesRejected counts transcript pieces dropped by the no-speech filter.
	PiecesRejected metric.Int64Counter

	// TranslationDuration tracks translation latency per job.
	TranslationDuration metric.Float64Histogram

	// TranslationFailures counts jobs whose output was marked failed. Use
	// with attribute:
	//   attribute.String("reason", ...)
	TranslationFailures metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while recording, 0 otherwise.
	ActiveSessions metric.Int64UpDownCounter

	// WebSocketClients tracks connected UI clients.
	WebSocketClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for model
// latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// segmentBuckets covers typical utterance lengths in seconds.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("pinyin.frames.captured",
		metric.WithDescription("Total audio frames accepted into the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("pinyin.frames.dropped",
		metric.WithDescription("Total audio frames dropped on a full frame queue."),
	); err != nil {
		return nil, err
	}
	if met.VADErrors, err = m.Int64Counter("pinyin.vad.errors",
		metric.WithDescription("Total frames the VAD failed to score."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("pinyin.segments.emitted",
		metric.WithDescription("Total utterance segments emitted by close reason."),
	); err != nil {
		return nil, err
	}
	if met.PiecesRejected, err = m.Int64Counter("pinyin.transcription.pieces_rejected",
		metric.WithDescription("Total transcript pieces rejected by the no-speech filter."),
	); err != nil {
		return nil, err
	}
	if met.TranslationFailures, err = m.Int64Counter("pinyin.translation.failures",
		metric.WithDescription("Total translation jobs marked failed by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("pinyin.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("pinyin.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SegmentDuration, err = m.Float64Histogram("pinyin.segment.duration",
		metric.WithDescription("Audio length of emitted utterance segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("pinyin.transcription.duration",
		metric.WithDescription("Latency of segment transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = m.Float64Histogram("pinyin.translation.duration",
		metric.WithDescription("Latency of transcript translation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("pinyin.active_sessions",
		metric.WithDescription("Number of recording sessions in progress."),
	); err != nil {
		return nil, err
	}
	if met.WebSocketClients, err = m.Int64UpDownCounter("pinyin.websocket.clients",
		metric.WithDescription("Number of connected WebSocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pinyin.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegment records one emitted segment of length seconds.
func (m *Metrics) RecordSegment(ctx context.Context, reason string, seconds float64) {
	m.SegmentsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SegmentDuration.Record(ctx, seconds)
}

// RecordTranslationFailure records one failed translation job.
func (m *Metrics) RecordTranslationFailure(ctx context.Context, reason string) {
	m.TranslationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
