// Package mock provides test doubles for the vad package interfaces.
//
// Session returns scripted probabilities in order, which makes it the usual
// way to drive segmentation tests frame by frame:
//
//	sess := &mock.Session{Probabilities: []float64{0.1, 0.9, 0.9, 0.2}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/pinyin/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new default Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Probabilities are returned by successive ProcessFrame calls. Once
	// exhausted, Default is returned.
	Probabilities []float64

	// Default is returned after Probabilities runs out.
	Default float64

	// Errs, when set, is consulted at the same index as Probabilities; a
	// non-nil entry is returned as the error for that call.
	Errs []error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Frames holds a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessFrame records the frame and returns the next scripted probability.
func (s *Session) ProcessFrame(frame []byte) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.Frames)
	s.Frames = append(s.Frames, append([]byte(nil), frame...))
	if i < len(s.Errs) && s.Errs[i] != nil {
		return 0, s.Errs[i]
	}
	if i < len(s.Probabilities) {
		return s.Probabilities[i], nil
	}
	return s.Default, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Calls returns the number of frames processed so far.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

var _ vad.SessionHandle = (*Session)(nil)
