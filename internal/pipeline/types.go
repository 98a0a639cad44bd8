// Package pipeline implements the voice-activity-segmented transcription and
// translation chain and the control loop that supervises it.
//
// Data flows one way:
//
//	audio.Source → Classifier → Rechunker → Transcriber → Dispatcher → Sink
//
// The [Controller] owns the recording state. Frames are classified and
// segmented on a single goroutine, segments are transcribed one at a time in
// the order they close, and translations run on the [Dispatcher] so model
// latency never backs up capture. Translated output is always emitted in the
// order the segments closed.
package pipeline

import (
	"fmt"
	"time"

	"github.com/MrWong99/pinyin/pkg/audio"
)

// VadTag is a frame together with its speech probability.
type VadTag struct {
	Frame       audio.AudioFrame
	Probability float64
}

// CloseReason records why a segment was closed.
type CloseReason string

const (
	// CloseSilence: trailing silence reached the end window.
	CloseSilence CloseReason = "silence"
	// CloseMaxLength: the segment reached the configured maximum length.
	CloseMaxLength CloseReason = "max_length"
	// CloseStop: recording was stopped while the segment was open.
	CloseStop CloseReason = "stop"
)

// Segment is one utterance: a run of frames bounded by detected speech,
// including pre-roll and trailing silence. A closed segment is immutable.
type Segment struct {
	ID string

	// Generation is the recording session the segment belongs to.
	Generation uint64

	// Frames in capture order.
	Frames []audio.AudioFrame

	// PreRoll is the number of leading frames captured before speech was
	// detected.
	PreRoll int

	// StartedAt and EndedAt are capture offsets of the first and last frame.
	StartedAt time.Duration
	EndedAt   time.Duration

	IsFinal bool
	Reason  CloseReason
}

// Duration returns the audio length of the segment.
func (s *Segment) Duration() time.Duration {
	return s.EndedAt - s.StartedAt
}

// Format returns the audio format of the segment's frames.
func (s *Segment) Format() audio.Format {
	if len(s.Frames) == 0 {
		return audio.Format{}
	}
	return audio.Format{SampleRate: s.Frames[0].SampleRate, Channels: s.Frames[0].Channels}
}

// PCM concatenates the frames' sample data.
func (s *Segment) PCM() []byte {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Data)
	}
	pcm := make([]byte, 0, n)
	for _, f := range s.Frames {
		pcm = append(pcm, f.Data...)
	}
	return pcm
}

// Transcript is the accepted text of one segment.
type Transcript struct {
	SegmentID  string
	Generation uint64
	Text       string
	IsComplete bool

	// Accepted and Rejected count pieces kept and dropped by the no-speech
	// filter.
	Accepted int
	Rejected int
}

// Job is one transcript queued for translation.
type Job struct {
	SegmentID   string
	Generation  uint64
	SourceText  string
	SubmittedAt time.Time
}

// Result is the outcome of a [Job]. Results leave the [Dispatcher] in
// submission order.
type Result struct {
	Job        Job
	Translated string

	// Err is a *TranslationError when the job failed.
	Err error

	// Marker is set on drain markers, which carry no translation.
	Marker bool

	CompletedAt time.Time
}

// Failed reports whether the job produced no translation.
func (r Result) Failed() bool { return r.Err != nil }

// Record is one line of the output stream.
type Record struct {
	SegmentID  string    `json:"segment_id"`
	Original   string    `json:"original_text"`
	Translated string    `json:"translated_text"`
	Failed     bool      `json:"failed,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Mode is the recording state owned by the [Controller].
type Mode int32

const (
	ModeIdle Mode = iota
	ModeListening
	ModeStopping
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeListening:
		return "listening"
	case ModeStopping:
		return "stopping"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// MarshalText renders the mode by name in JSON events.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// EventKind names an observable pipeline transition.
type EventKind string

const (
	EventSegmentOpened    EventKind = "segment_opened"
	EventSegmentClosed    EventKind = "segment_closed"
	EventTranscriptReady  EventKind = "transcript_ready"
	EventTranslationReady EventKind = "translation_ready"
	EventError            EventKind = "error"
	EventModeChanged      EventKind = "mode_changed"
)

// Event is emitted by the [Controller] for every observable transition.
type Event struct {
	Kind      EventKind `json:"kind"`
	SegmentID string    `json:"segment_id,omitempty"`
	Text      string    `json:"text,omitempty"`

	// Failed is set on translation_ready when no translation is available.
	Failed bool `json:"failed,omitempty"`

	// ErrorKind and Message are set on error events.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`

	// Mode is set on mode_changed.
	Mode Mode `json:"mode"`

	Time time.Time `json:"time"`
}

// Sink receives the controller's output. Both methods are called from the
// control loop goroutine in emission order and must not block for long.
type Sink interface {
	HandleEvent(ev Event)
	WriteRecord(rec Record) error
}
