package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/provider/stt"
)

// DefaultNoSpeechThreshold is the no-speech probability at or above which a
// transcript piece is dropped.
const DefaultNoSpeechThreshold = 0.85

// Corrector rewrites accepted transcript text before it is translated, e.g.
// to fix misheard glossary terms.
type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

// Transcriber runs the speech model over closed segments and keeps the pieces
// the model is confident contain speech. It is safe for concurrent use if the
// provider and corrector are.
type Transcriber struct {
	provider  stt.Provider
	name      string
	threshold float64
	language  string
	converter audio.FormatConverter
	corrector Corrector
	metrics   *observe.Metrics
}

// TranscriberOption configures a [Transcriber].
type TranscriberOption func(*Transcriber)

// WithNoSpeechThreshold sets the rejection threshold. Pieces with a
// no-speech probability below it are accepted.
func WithNoSpeechThreshold(p float64) TranscriberOption {
	return func(t *Transcriber) {
		if p > 0 && p <= 1 {
			t.threshold = p
		}
	}
}

// WithLanguage passes a language hint to the speech model.
func WithLanguage(lang string) TranscriberOption {
	return func(t *Transcriber) { t.language = lang }
}

// WithCorrector applies c to every non-empty transcript.
func WithCorrector(c Corrector) TranscriberOption {
	return func(t *Transcriber) { t.corrector = c }
}

// WithProviderName labels metrics with the provider name.
func WithProviderName(name string) TranscriberOption {
	return func(t *Transcriber) { t.name = name }
}

// WithTranscriberMetrics overrides the metrics sink.
func WithTranscriberMetrics(m *observe.Metrics) TranscriberOption {
	return func(t *Transcriber) { t.metrics = m }
}

// NewTranscriber returns a Transcriber for p.
func NewTranscriber(p stt.Provider, opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{
		provider:  p,
		name:      "stt",
		threshold: DefaultNoSpeechThreshold,
		converter: audio.FormatConverter{Target: audio.SpeechFormat},
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Threshold returns the no-speech rejection threshold.
func (t *Transcriber) Threshold() float64 { return t.threshold }

// Transcribe runs the model over seg, which must be final. Model failures are
// returned as *InferenceError; a transcript with no accepted text returns
// [ErrEmptyTranscript].
func (t *Transcriber) Transcribe(ctx context.Context, seg *Segment) (Transcript, error) {
	out := Transcript{SegmentID: seg.ID, Generation: seg.Generation}
	if !seg.IsFinal {
		return out, fmt.Errorf("pipeline: segment %s is still open", seg.ID)
	}

	ctx, span := observe.SegmentSpan(ctx, "pipeline.transcribe", seg.ID, seg.Generation,
		attribute.Float64("segment.seconds", seg.Duration().Seconds()),
	)
	defer span.End()

	start := time.Now()
	text, accepted, rejected, err := t.run(ctx, seg)
	t.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
	if rejected > 0 {
		t.metrics.PiecesRejected.Add(ctx, int64(rejected))
	}
	out.Accepted, out.Rejected = accepted, rejected

	if err != nil {
		t.metrics.RecordProviderRequest(ctx, t.name, "stt", "error")
		t.metrics.RecordProviderError(ctx, t.name, "stt")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, &InferenceError{SegmentID: seg.ID, Err: err}
	}
	t.metrics.RecordProviderRequest(ctx, t.name, "stt", "ok")

	if text != "" && t.corrector != nil {
		corrected, cerr := t.corrector.Correct(ctx, text)
		if cerr != nil {
			observe.Logger(ctx).Warn("transcript correction failed, using raw text",
				"segment_id", seg.ID,
				"err", cerr,
			)
		} else {
			text = corrected
		}
	}

	out.Text = text
	out.IsComplete = true
	span.SetAttributes(
		attribute.Int("pieces.accepted", accepted),
		attribute.Int("pieces.rejected", rejected),
	)
	if text == "" {
		return out, ErrEmptyTranscript
	}
	return out, nil
}

func (t *Transcriber) run(ctx context.Context, seg *Segment) (text string, accepted, rejected int, err error) {
	pcm := t.converter.ConvertPCM(seg.PCM(), seg.Format())
	pieces, err := t.provider.Transcribe(ctx, stt.Request{
		PCM:        pcm,
		SampleRate: t.converter.Target.SampleRate,
		Channels:   t.converter.Target.Channels,
		Language:   t.language,
	})
	if err != nil {
		return "", 0, 0, err
	}

	var b strings.Builder
	for piece, perr := range pieces {
		if perr != nil {
			return "", accepted, rejected, perr
		}
		if piece.NoSpeechProb >= t.threshold {
			rejected++
			slog.Debug("transcript piece rejected",
				"segment_id", seg.ID,
				"no_speech_prob", piece.NoSpeechProb,
				"text", piece.Text,
			)
			continue
		}
		accepted++
		appendPiece(&b, piece.Text)
	}
	if err := ctx.Err(); err != nil {
		return "", accepted, rejected, err
	}
	return b.String(), accepted, rejected, nil
}

// appendPiece joins piece text. Latin words are separated by a single space;
// CJK text is joined directly.
func appendPiece(b *strings.Builder, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if b.Len() > 0 {
		last, _ := utf8.DecodeLastRuneInString(b.String())
		first, _ := utf8.DecodeRuneInString(text)
		if !isCJK(last) && !isCJK(first) {
			b.WriteByte(' ')
		}
	}
	b.WriteString(text)
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r) ||
		(r >= 0x3000 && r <= 0x303F) || // CJK punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // full-width forms
}

