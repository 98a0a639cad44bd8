package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/pinyin"

// Span attribute keys shared by the pipeline stages.
const (
	AttrSegmentID  = attribute.Key("pinyin.segment.id")
	AttrGeneration = attribute.Key("pinyin.generation")
)

// Tracer returns the pinyin tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type segmentKey struct{}

type segmentRef struct {
	id         string
	generation uint64
}

// SegmentSpan starts a span for work on one utterance segment. The segment ID
// and recording generation are set on the span and stored in the returned
// context, where [Logger] and [SegmentFrom] find them.
func SegmentSpan(ctx context.Context, name, segmentID string, generation uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, segmentKey{}, segmentRef{id: segmentID, generation: generation})
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, AttrSegmentID.String(segmentID), AttrGeneration.Int64(int64(generation)))
	all = append(all, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}

// SegmentFrom returns the segment stored by [SegmentSpan].
func SegmentFrom(ctx context.Context) (id string, generation uint64, ok bool) {
	ref, ok := ctx.Value(segmentKey{}).(segmentRef)
	return ref.id, ref.generation, ok
}

// TraceID returns the hex trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with the trace, span and segment found in
// ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if id, gen, ok := SegmentFrom(ctx); ok {
		l = l.With("segment_id", id, "generation", gen)
	}
	return l
}
