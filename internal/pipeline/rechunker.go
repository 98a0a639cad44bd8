package pipeline

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/pinyin/pkg/audio"
)

// State is the segmentation state of a [Rechunker].
type State int

const (
	// StateWaiting: no open segment.
	StateWaiting State = iota
	// StateAccumulating: a segment is open and receiving speech.
	StateAccumulating
	// StateTrailing: a segment is open and counting trailing silence.
	StateTrailing
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateAccumulating:
		return "accumulating"
	case StateTrailing:
		return "trailing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RechunkerConfig holds the segmentation parameters.
type RechunkerConfig struct {
	// EndThreshold is the probability below which a frame counts as silence.
	EndThreshold float64

	// EndWindow is how much continuous silence, the first silent frame
	// included, closes a segment. Zero closes on the first silent frame.
	EndWindow time.Duration

	// TimeBeforeSpeech is the pre-roll kept ahead of the first speech frame.
	TimeBeforeSpeech time.Duration

	// MaxSegment closes a segment once it is this long. Zero disables it.
	MaxSegment time.Duration
}

// Validate reports invalid parameters.
func (c RechunkerConfig) Validate() error {
	if c.EndThreshold <= 0 || c.EndThreshold > 1 {
		return fmt.Errorf("pipeline: end threshold must be in (0, 1], got %v", c.EndThreshold)
	}
	if c.EndWindow < 0 || c.TimeBeforeSpeech < 0 || c.MaxSegment < 0 {
		return fmt.Errorf("pipeline: segmenter durations must not be negative")
	}
	return nil
}

// Step reports what a single [Rechunker.Push] did.
type Step struct {
	// Opened is the ID of the segment opened by this frame.
	Opened string

	// Closed is the segment closed by this frame.
	Closed *Segment
}

// Rechunker turns a stream of tagged frames into utterance segments. At most
// one segment is open at a time. It is not safe for concurrent use.
type Rechunker struct {
	cfg   RechunkerConfig
	newID func() string

	generation uint64
	state      State

	preroll    []audio.AudioFrame
	prerollDur time.Duration

	open    *Segment
	silence time.Duration
}

// RechunkerOption configures a [Rechunker].
type RechunkerOption func(*Rechunker)

// WithSegmentIDs replaces the segment ID generator (uuid by default).
func WithSegmentIDs(fn func() string) RechunkerOption {
	return func(r *Rechunker) { r.newID = fn }
}

// NewRechunker returns a Rechunker in [StateWaiting].
func NewRechunker(cfg RechunkerConfig, opts ...RechunkerOption) (*Rechunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Rechunker{cfg: cfg, newID: uuid.NewString}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// State returns the current state.
func (r *Rechunker) State() State { return r.state }

// Config returns the active parameters.
func (r *Rechunker) Config() RechunkerConfig { return r.cfg }

// Reset discards all buffered audio and starts a new generation with cfg.
// It is called when a recording session starts.
func (r *Rechunker) Reset(generation uint64, cfg RechunkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg = cfg
	r.generation = generation
	r.state = StateWaiting
	r.open = nil
	r.silence = 0
	r.preroll = nil
	r.prerollDur = 0
	return nil
}

// Push feeds one tagged frame.
func (r *Rechunker) Push(tag VadTag) Step {
	speech := tag.Probability >= r.cfg.EndThreshold

	switch r.state {
	case StateWaiting:
		if !speech {
			r.remember(tag.Frame)
			return Step{}
		}
		r.begin(tag.Frame)
		if seg := r.checkLength(); seg != nil {
			return Step{Opened: seg.ID, Closed: seg}
		}
		return Step{Opened: r.open.ID}

	case StateAccumulating:
		r.append(tag.Frame)
		if !speech {
			// The first silent frame already counts toward the end window.
			r.state = StateTrailing
			r.silence = tag.Frame.Duration()
			if r.silence >= r.cfg.EndWindow {
				return Step{Closed: r.close(CloseSilence)}
			}
		}
		return Step{Closed: r.checkLength()}

	case StateTrailing:
		r.append(tag.Frame)
		if speech {
			r.state = StateAccumulating
			r.silence = 0
			return Step{Closed: r.checkLength()}
		}
		r.silence += tag.Frame.Duration()
		if r.silence >= r.cfg.EndWindow {
			return Step{Closed: r.close(CloseSilence)}
		}
		return Step{Closed: r.checkLength()}
	}
	return Step{}
}

// Cancel ends segmentation for a stop request. An open segment always holds
// confirmed speech, so it is closed and returned as final. In Waiting nothing
// is returned. The pre-roll buffer is cleared either way.
func (r *Rechunker) Cancel() *Segment {
	var seg *Segment
	if r.open != nil {
		seg = r.close(CloseStop)
	}
	r.state = StateWaiting
	r.preroll = nil
	r.prerollDur = 0
	return seg
}

// remember appends f to the rolling pre-roll buffer and trims it to the
// shortest suffix that still covers TimeBeforeSpeech.
func (r *Rechunker) remember(f audio.AudioFrame) {
	r.preroll = append(r.preroll, f)
	r.prerollDur += f.Duration()
	for len(r.preroll) > 0 && r.prerollDur-r.preroll[0].Duration() >= r.cfg.TimeBeforeSpeech {
		r.prerollDur -= r.preroll[0].Duration()
		r.preroll[0] = audio.AudioFrame{}
		r.preroll = r.preroll[1:]
	}
}

func (r *Rechunker) begin(f audio.AudioFrame) {
	frames := make([]audio.AudioFrame, 0, len(r.preroll)+64)
	frames = append(frames, r.preroll...)
	frames = append(frames, f)
	r.open = &Segment{
		ID:         r.newID(),
		Generation: r.generation,
		Frames:     frames,
		PreRoll:    len(r.preroll),
		StartedAt:  frames[0].Timestamp,
		EndedAt:    f.End(),
	}
	r.preroll = nil
	r.prerollDur = 0
	r.state = StateAccumulating
	r.silence = 0
}

func (r *Rechunker) append(f audio.AudioFrame) {
	r.open.Frames = append(r.open.Frames, f)
	r.open.EndedAt = f.End()
}

func (r *Rechunker) checkLength() *Segment {
	if r.cfg.MaxSegment <= 0 || r.open.Duration() < r.cfg.MaxSegment {
		return nil
	}
	return r.close(CloseMaxLength)
}

func (r *Rechunker) close(reason CloseReason) *Segment {
	seg := r.open
	seg.IsFinal = true
	seg.Reason = reason
	r.open = nil
	r.state = StateWaiting
	r.silence = 0

	// After a silence close the trailing silence becomes the next segment's
	// pre-roll. A length cut ends mid-speech; reseeding from it would
	// transcribe the same audio twice.
	r.preroll = nil
	r.prerollDur = 0
	if reason == CloseSilence {
		for i := len(seg.Frames) - 1; i >= 0 && r.prerollDur < r.cfg.TimeBeforeSpeech; i-- {
			r.prerollDur += seg.Frames[i].Duration()
			r.preroll = append(r.preroll, seg.Frames[i])
		}
		slices.Reverse(r.preroll)
	}
	return seg
}
