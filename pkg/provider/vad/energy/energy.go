// Package energy implements a dependency-free [vad.Engine] that scores frames
// by their RMS level.
//
// The RMS level in dBFS is mapped through a logistic curve centred on a
// configurable speech level, then smoothed with an exponential moving average
// so single clicks do not open a segment. It is a reasonable detector for a
// close microphone in a quiet room and a baseline for tests.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/provider/vad"
)

const (
	defaultSpeechLevel = -40.0 // dBFS
	defaultSlope       = 3.0   // dB per logistic unit
	defaultSmoothing   = 0.6   // weight of the newest frame
	silenceFloor       = -96.0 // dBFS reported for digital silence
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Engine creates energy-based VAD sessions.
type Engine struct {
	speechLevel float64
	slope       float64
	smoothing   float64
}

var _ vad.Engine = (*Engine)(nil)

// Option configures an [Engine].
type Option func(*Engine)

// WithSpeechLevel sets the level in dBFS at which a frame scores 0.5.
func WithSpeechLevel(db float64) Option {
	return func(e *Engine) { e.speechLevel = db }
}

// WithSlope sets how many dB above or below the speech level move the score
// one logistic unit. Smaller values make the detector more decisive.
func WithSlope(db float64) Option {
	return func(e *Engine) {
		if db > 0 {
			e.slope = db
		}
	}
}

// WithSmoothing sets the weight of the newest frame in the moving average.
// 1 disables smoothing.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) {
		if alpha > 0 && alpha <= 1 {
			e.smoothing = alpha
		}
	}
}

// New returns an energy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		speechLevel: defaultSpeechLevel,
		slope:       defaultSlope,
		smoothing:   defaultSmoothing,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}
	if ch < 1 || ch > 2 {
		return nil, fmt.Errorf("energy: unsupported channel count %d", cfg.Channels)
	}
	return &session{engine: e, channels: ch}, nil
}

type session struct {
	engine   *Engine
	channels int
	last     float64
	primed   bool
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (float64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(frame)%(2*s.channels) != 0 {
		return 0, fmt.Errorf("energy: frame of %d bytes is not a whole number of %d-channel samples", len(frame), s.channels)
	}
	if s.channels == 2 {
		frame = audio.StereoToMono(frame)
	}
	p := s.engine.score(Level(frame))
	if s.primed {
		a := s.engine.smoothing
		p = a*p + (1-a)*s.last
	}
	s.last = p
	s.primed = true
	return p, nil
}

func (s *session) Reset() {
	s.last = 0
	s.primed = false
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

func (e *Engine) score(db float64) float64 {
	return 1 / (1 + math.Exp(-(db-e.speechLevel)/e.slope))
}

// RMS returns the root-mean-square of 16-bit little-endian PCM in sample
// units (0 to 32768).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range audio.PCMToSamples(pcm) {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Level returns the RMS level of pcm in dBFS.
func Level(pcm []byte) float64 {
	rms := RMS(pcm)
	if rms < 1 {
		return silenceFloor
	}
	return 20 * math.Log10(rms/32768)
}
