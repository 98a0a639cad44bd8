package pipeline

import (
	"errors"
	"fmt"

	"github.com/MrWong99/pinyin/pkg/audio"
)

// Error kinds carried by [EventError] events.
const (
	KindCapture     = "capture"
	KindModelLoad   = "model_load"
	KindInference   = "inference"
	KindTranslation = "translation"
	KindInternal    = "internal"
)

var (
	// ErrEmptyTranscript is returned by [Transcriber.Transcribe] when no piece
	// survived the no-speech filter. No translation job is created for it.
	ErrEmptyTranscript = errors.New("pipeline: empty transcript")

	// ErrQueueFull is returned by [Dispatcher.Submit] when the translation
	// queue is at capacity. The job still produces a failed result in order.
	ErrQueueFull = errors.New("pipeline: translation queue full")

	// ErrAbandoned marks work discarded because its session ended.
	ErrAbandoned = errors.New("pipeline: abandoned")

	// ErrClosed is returned after the component has shut down.
	ErrClosed = errors.New("pipeline: closed")
)

// ModelLoadError reports that a model could not be opened. It is fatal at
// startup.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("pipeline: load model %q: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports that the speech model failed on one segment. The
// segment is skipped and the pipeline continues.
type InferenceError struct {
	SegmentID string
	Err       error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("pipeline: transcribe segment %s: %v", e.SegmentID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// TranslationError reports that one translation job failed. Only that
// segment's translated output is affected.
type TranslationError struct {
	SegmentID string
	Err       error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("pipeline: translate segment %s: %v", e.SegmentID, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) string {
	var (
		capErr   *audio.CaptureError
		loadErr  *ModelLoadError
		infErr   *InferenceError
		transErr *TranslationError
	)
	switch {
	case errors.As(err, &capErr):
		return KindCapture
	case errors.As(err, &loadErr):
		return KindModelLoad
	case errors.As(err, &infErr):
		return KindInference
	case errors.As(err, &transErr), errors.Is(err, ErrQueueFull):
		return KindTranslation
	default:
		return KindInternal
	}
}
