// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider transcribes one complete, finite utterance at a time. The result
// is a finite sequence of pieces, each carrying the model's own estimate that
// the piece is not speech at all, so callers can drop hallucinated text from
// silent or noisy audio. Pieces arrive in time order and the sequence can be
// ranged over exactly once.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ErrModelLoad is wrapped by constructors whose model file could not be
// opened or parsed.
var ErrModelLoad = errors.New("stt: model load failed")

// Request is one utterance to transcribe.
type Request struct {
	// PCM is 16-bit little-endian audio, interleaved when Channels > 1.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int

	// Channels of PCM.
	Channels int

	// Language is a BCP-47 or ISO 639-1 hint. Empty lets the backend decide.
	Language string
}

// Piece is one unit of recognised text, usually a sentence or clause.
type Piece struct {
	Text string

	// NoSpeechProb is the model's probability that this piece was produced
	// from non-speech audio, in [0, 1].
	NoSpeechProb float64

	// Start and End are offsets into the request audio.
	Start time.Duration
	End   time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe runs the model over req and returns its pieces. An error
	// returned directly means the request never started; an error yielded by
	// the sequence means inference failed part way and no further pieces
	// follow.
	Transcribe(ctx context.Context, req Request) (iter.Seq2[Piece, error], error)
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Piece, error]) ([]Piece, error) {
	var out []Piece
	for p, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Pieces returns a sequence that yields ps in order.
func Pieces(ps ...Piece) iter.Seq2[Piece, error] {
	return func(yield func(Piece, error) bool) {
		for _, p := range ps {
			if !yield(p, nil) {
				return
			}
		}
	}
}
