package resilience

import (
	"context"
	"iter"

	"github.com/MrWong99/pinyin/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across speech models.
//
// An utterance is short and finite, so each attempt is drained completely
// before it counts as a success: a model that fails half way through a
// segment falls over to the next one just like a model that never started.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an STTFallback with primary as the preferred model.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another speech model.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Statuses reports the breaker state of every model.
func (f *STTFallback) Statuses() []BreakerStatus { return f.group.Statuses() }

// Transcribe runs req against the first healthy model that completes it.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (iter.Seq2[stt.Piece, error], error) {
	pieces, err := ExecuteWithResult(ctx, f.group, func(p stt.Provider) ([]stt.Piece, error) {
		seq, err := p.Transcribe(ctx, req)
		if err != nil {
			return nil, err
		}
		return stt.Collect(seq)
	})
	if err != nil {
		return nil, err
	}
	return stt.Pieces(pieces...), nil
}
