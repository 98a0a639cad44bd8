// Package vad defines the Engine interface for voice activity detection
// backends.
//
// An engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing history
// so independent streams never share state. Segmentation decisions (when an
// utterance starts or ends) are not made here: a session only scores frames.
//
// ProcessFrame is synchronous and must not block; it runs once per captured
// frame on the pipeline's hot path.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the rate of the PCM frames passed to ProcessFrame, in Hz.
	SampleRate int

	// Channels of the PCM frames. Multi-channel frames are scored on the
	// average of all channels.
	Channels int

	// FrameSizeMs is the nominal frame duration. Backends that operate on
	// fixed windows reject frames of a different size.
	FrameSizeMs int
}

// SessionHandle is an active VAD session for a single audio stream.
// A SessionHandle is not safe for concurrent use.
type SessionHandle interface {
	// ProcessFrame scores one frame of little-endian 16-bit PCM and returns a
	// speech probability in [0.0, 1.0].
	ProcessFrame(frame []byte) (float64, error)

	// Reset clears accumulated state without closing the session. Call it
	// whenever the stream is interrupted so history from the previous
	// recording does not bleed into the next.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent NewSession calls.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
