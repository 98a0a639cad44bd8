// Package audio defines the frame type that flows through the transcription
// pipeline, the device boundary ([Capturer]) and the [Source] that turns a
// capture callback into a bounded, gated stream of fixed-duration frames.
//
// Device backends live in sub-packages (audio/portaudio, audio/wavfile) so the
// pipeline never depends on cgo or on a particular input.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// AudioFrame is a short, fixed-duration slice of captured audio.
// Frames are immutable once produced; ownership moves with the value.
type AudioFrame struct {
	// Data holds 16-bit little-endian PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture time of the first sample relative to the
	// first sample the source ever captured. Monotonically increasing.
	Timestamp time.Duration

	// Epoch identifies the recording session the frame was captured in.
	Epoch uint64
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// End returns Timestamp + Duration.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// PCMDuration returns the duration of n bytes of 16-bit PCM.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format as e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate reports whether the format can be framed.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("audio: channels must be 1 or 2, got %d", f.Channels)
	}
	return nil
}

// SpeechFormat is the format speech models expect.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// ErrEndOfInput is wrapped by a [CaptureError] when a finite input (a file)
// has been fully replayed.
var ErrEndOfInput = errors.New("audio: end of input")

// CaptureError reports that the capture device failed or ended. It is fatal
// to the current recording session but not to the process.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return "audio: capture: " + e.Reason
	}
	return fmt.Sprintf("audio: capture: %s: %v", e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
