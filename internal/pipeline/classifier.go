package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/provider/vad"
)

// Classifier tags frames with a speech probability. It wraps one VAD session
// and is not safe for concurrent use; the frame worker is its only caller.
type Classifier struct {
	session vad.SessionHandle
	metrics *observe.Metrics
	errors  uint64
}

// NewClassifier opens a VAD session for frames of format f and duration d.
func NewClassifier(engine vad.Engine, f audio.Format, d time.Duration, metrics *observe.Metrics) (*Classifier, error) {
	if engine == nil {
		return nil, fmt.Errorf("pipeline: classifier: nil VAD engine")
	}
	session, err := engine.NewSession(vad.Config{
		SampleRate:  f.SampleRate,
		Channels:    f.Channels,
		FrameSizeMs: int(d / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: classifier: open VAD session: %w", err)
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Classifier{session: session, metrics: metrics}, nil
}

// Classify scores one frame. A VAD failure is logged and the frame is tagged
// as silence; it never stops the pipeline.
func (c *Classifier) Classify(ctx context.Context, frame audio.AudioFrame) VadTag {
	p, err := c.session.ProcessFrame(frame.Data)
	if err != nil {
		c.errors++
		c.metrics.VADErrors.Add(ctx, 1)
		// First failure, then every 500th.
		if c.errors == 1 || c.errors%500 == 0 {
			slog.Warn("vad: frame scoring failed, treating as silence",
				"timestamp", frame.Timestamp,
				"failures", c.errors,
				"err", err,
			)
		}
		return VadTag{Frame: frame, Probability: 0}
	}
	return VadTag{Frame: frame, Probability: clampProbability(p)}
}

// Reset clears the session's smoothing history between recordings.
func (c *Classifier) Reset() {
	c.session.Reset()
	c.errors = 0
}

// Close releases the VAD session.
func (c *Classifier) Close() error {
	return c.session.Close()
}

func clampProbability(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
