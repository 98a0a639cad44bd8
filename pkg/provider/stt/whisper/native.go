package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider by running whisper.cpp in-process
// through its Go bindings (requires cgo and libwhisper). The model is loaded
// once by [NewNative] and shared; each call gets a fresh context.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint

	// whisper.cpp contexts are heavy; inference is serialised per model.
	mu sync.Mutex
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default recognition language.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads sets the number of inference threads. Zero keeps the
// library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative loads the model at modelPath.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: %q: %w", stt.ErrModelLoad, modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements stt.Provider. Inference runs to completion before
// the first piece is yielded.
//
// The bindings expose per-token probabilities but no segment-level
// no-speech estimate, so NoSpeechProb is reported as one minus the mean
// token probability of the segment.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (iter.Seq2[stt.Piece, error], error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	conv := audio.FormatConverter{Target: audio.SpeechFormat}
	pcm := conv.ConvertPCM(req.PCM, audio.Format{SampleRate: req.SampleRate, Channels: max(req.Channels, 1)})
	samples := pcmToFloat32(pcm)

	p.mu.Lock()
	defer p.mu.Unlock()

	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var pieces []stt.Piece
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		pieces = append(pieces, stt.Piece{
			Text:         seg.Text,
			NoSpeechProb: noSpeechFromTokens(seg.Tokens),
			Start:        seg.Start,
			End:          seg.End,
		})
	}
	return stt.Pieces(pieces...), nil
}

func noSpeechFromTokens(tokens []whisperlib.Token) float64 {
	if len(tokens) == 0 {
		return 1
	}
	var sum float64
	for _, t := range tokens {
		sum += float64(t.P)
	}
	return 1 - sum/float64(len(tokens))
}
