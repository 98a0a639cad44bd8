// Package mock provides a test double for stt.Provider.
//
// The mock returns the same scripted pieces for every call unless Func is
// set. Gate lets a test hold a transcription in flight:
//
//	gate := make(chan struct{})
//	p := &mock.Provider{Pieces: []stt.Piece{{Text: "hi"}}, Gate: gate}
//	// ... start work, assert on in-flight behaviour ...
//	close(gate)
package mock

import (
	"context"
	"iter"
	"sync"

	"github.com/MrWong99/pinyin/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Ctx context.Context
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Pieces are yielded by every call.
	Pieces []stt.Piece

	// Err, if non-nil, is returned directly from Transcribe.
	Err error

	// StreamErr, if non-nil, is yielded after Pieces.
	StreamErr error

	// Gate, if non-nil, blocks Transcribe until it is closed or the call's
	// context is done.
	Gate <-chan struct{}

	// Func, if set, replaces the scripted behaviour entirely.
	Func func(ctx context.Context, req stt.Request) (iter.Seq2[stt.Piece, error], error)

	// Calls records every call to Transcribe.
	Calls []TranscribeCall

	// Started is signalled (non-blocking) at the start of each call.
	Started chan struct{}
}

// Transcribe records the call and returns the scripted result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (iter.Seq2[stt.Piece, error], error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Req: req})
	fn, gate, started := p.Func, p.Gate, p.Started
	pieces := append([]stt.Piece(nil), p.Pieces...)
	err, streamErr := p.Err, p.StreamErr
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return func(yield func(stt.Piece, error) bool) {
		for _, pc := range pieces {
			if !yield(pc, nil) {
				return
			}
		}
		if streamErr != nil {
			yield(stt.Piece{}, streamErr)
		}
	}, nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ stt.Provider = (*Provider)(nil)
