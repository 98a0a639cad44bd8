// Package mock provides an in-memory [audio.Capturer] for unit tests.
//
// The mock never spawns goroutines on its own: tests push samples and errors
// through [Capturer.Emit] and [Capturer.Fail], which invoke the callbacks
// registered by the last successful Start, exactly as a device thread would.
//
//	c := &mock.Capturer{AudioFormat: audio.Format{SampleRate: 16000, Channels: 1}}
//	src, _ := audio.NewSource(c)
//	_ = src.Open()
//	c.Emit(make([]int16, 320))
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/pinyin/pkg/audio"
)

// ErrNotStarted is returned by Emit and Fail when the capturer is stopped.
var ErrNotStarted = errors.New("mock: capturer not started")

// Capturer is a mock implementation of [audio.Capturer].
type Capturer struct {
	mu sync.Mutex

	// AudioFormat is returned by [Capturer.Format].
	AudioFormat audio.Format

	// StartErr is returned by [Capturer.Start] when non-nil.
	StartErr error

	// StopErr is returned by [Capturer.Stop].
	StopErr error

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int

	running   bool
	onSamples func([]int16)
	onError   func(error)
}

var _ audio.Capturer = (*Capturer)(nil)

// Format implements [audio.Capturer].
func (c *Capturer) Format() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.AudioFormat
}

// Start implements [audio.Capturer].
func (c *Capturer) Start(onSamples func([]int16), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	if c.StartErr != nil {
		return c.StartErr
	}
	c.running = true
	c.onSamples = onSamples
	c.onError = onError
	return nil
}

// Stop implements [audio.Capturer].
func (c *Capturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls++
	c.running = false
	return c.StopErr
}

// Running reports whether Start succeeded without a later Stop or Fail.
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Emit delivers samples to the registered callback on the caller's goroutine.
func (c *Capturer) Emit(samples []int16) error {
	c.mu.Lock()
	fn := c.onSamples
	running := c.running
	c.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	fn(samples)
	return nil
}

// Fail reports err through the registered error callback and marks the
// capturer stopped.
func (c *Capturer) Fail(err error) error {
	c.mu.Lock()
	fn := c.onError
	running := c.running
	c.running = false
	c.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	fn(err)
	return nil
}
