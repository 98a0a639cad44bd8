package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Capturer is the device boundary. Implementations deliver interleaved int16
// samples in [Capturer.Format] to onSamples, possibly from a real-time thread,
// and report a fatal device condition (including end of input) through
// onError. After onError the capturer is considered stopped.
type Capturer interface {
	Format() Format
	Start(onSamples func([]int16), onError func(error)) error
	Stop() error
}

// DefaultQueueSize is the frame channel capacity used when none is configured.
// At 20 ms frames this buffers roughly five seconds of audio.
const DefaultQueueSize = 256

// Source is the frame source of the pipeline. It owns the capture device and
// turns its callback into a bounded channel of frames, gated by a recording
// epoch that the control loop flips without blocking the capture thread.
type Source struct {
	capturer  Capturer
	frameDur  time.Duration
	queueSize int
	onDrop    func()

	frames chan AudioFrame
	errs   chan error

	epoch       atomic.Uint64
	dropped     atomic.Uint64
	warnedEpoch atomic.Uint64

	mu      sync.Mutex
	running bool
	failed  bool
	framer  *Framer

	closeOnce sync.Once
	done      chan struct{}
}

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithFrameDuration sets the duration of emitted frames.
func WithFrameDuration(d time.Duration) SourceOption {
	return func(s *Source) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// WithQueueSize sets the capacity of the frame channel.
func WithQueueSize(n int) SourceOption {
	return func(s *Source) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithDropHook registers fn to be called, on the capture thread, for every
// frame discarded because the frame channel was full. fn must not block.
func WithDropHook(fn func()) SourceOption {
	return func(s *Source) { s.onDrop = fn }
}

// NewSource wraps c. The device is not opened until [Source.Open].
func NewSource(c Capturer, opts ...SourceOption) (*Source, error) {
	if c == nil {
		return nil, errors.New("audio: capturer must not be nil")
	}
	if err := c.Format().Validate(); err != nil {
		return nil, err
	}
	s := &Source{
		capturer:  c,
		frameDur:  DefaultFrameDuration,
		queueSize: DefaultQueueSize,
		errs:      make(chan error, 4),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.frames = make(chan AudioFrame, s.queueSize)
	s.framer = NewFramer(c.Format(), s.frameDur)
	return s, nil
}

// Format returns the format of emitted frames.
func (s *Source) Format() Format { return s.capturer.Format() }

// FrameDuration returns the exact duration of emitted frames.
func (s *Source) FrameDuration() time.Duration { return s.framer.FrameDuration() }

// Frames returns the frame stream. It is lazy, never restarts and is not
// closed; consumers select on [Source.Done] for shutdown.
func (s *Source) Frames() <-chan AudioFrame { return s.frames }

// Errors delivers a [*CaptureError] whenever the device fails or ends.
func (s *Source) Errors() <-chan error { return s.errs }

// Done is closed by [Source.Close].
func (s *Source) Done() <-chan struct{} { return s.done }

// Dropped returns the number of frames discarded on overflow.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }

// Running reports whether the capture device is open.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Open starts the capture device if it is not already running. After a device
// failure the capturer is stopped and started again. Calling Open on a running
// source is a no-op.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return errors.New("audio: source closed")
	default:
	}
	if s.running {
		return nil
	}
	if s.failed {
		if err := s.capturer.Stop(); err != nil {
			slog.Debug("audio: stop after failure", "err", err)
		}
		s.failed = false
	}
	if err := s.capturer.Start(s.onSamples, s.onError); err != nil {
		return &CaptureError{Reason: "open device", Err: err}
	}
	s.running = true
	slog.Info("audio: capture started",
		"format", s.Format().String(),
		"frame", s.FrameDuration(),
	)
	return nil
}

// SetEpoch opens the recording gate for epoch. Frames are emitted only while
// the gate is open and carry the epoch they were captured in. epoch must be
// non-zero.
func (s *Source) SetEpoch(epoch uint64) {
	s.epoch.Store(epoch)
}

// Pause closes the recording gate. Samples captured while paused are
// discarded on the capture thread.
func (s *Source) Pause() {
	s.epoch.Store(0)
}

// Close stops the device and releases the source. Safe to call more than once.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Pause()
		s.mu.Lock()
		active := s.running || s.failed
		s.running = false
		s.failed = false
		close(s.done)
		s.mu.Unlock()
		// Stop outside the lock: a device watchdog may be blocked in onError.
		if active {
			err = s.capturer.Stop()
		}
	})
	if err != nil {
		return fmt.Errorf("audio: close source: %w", err)
	}
	return nil
}

// onSamples runs on the capture thread and must never block.
func (s *Source) onSamples(samples []int16) {
	s.framer.Write(samples, s.epoch.Load(), s.push)
}

func (s *Source) push(f AudioFrame) {
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
		if s.warnedEpoch.Swap(f.Epoch) != f.Epoch {
			slog.Warn("audio: frame queue full, dropping frames", "epoch", f.Epoch)
		}
	}
}

func (s *Source) onError(err error) {
	s.mu.Lock()
	s.running = false
	s.failed = true
	s.mu.Unlock()

	var ce *CaptureError
	if !errors.As(err, &ce) {
		reason := "device failure"
		if errors.Is(err, ErrEndOfInput) {
			reason = "end of input"
		}
		ce = &CaptureError{Reason: reason, Err: err}
	}
	select {
	case s.errs <- ce:
	default:
		slog.Warn("audio: capture error dropped, error queue full", "err", ce)
	}
}
