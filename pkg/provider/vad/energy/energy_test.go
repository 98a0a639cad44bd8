package energy_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/provider/vad"
	"github.com/MrWong99/pinyin/pkg/provider/vad/energy"
)

// tone returns n samples of a square wave with the given amplitude.
func tone(n int, amp int16) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.SamplesToPCM(s)
}

func newSession(t *testing.T, opts ...energy.Option) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New(opts...).NewSession(vad.Config{SampleRate: 16000, Channels: 1, FrameSizeMs: 20})
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	return sess
}

func TestLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{name: "digital silence", pcm: tone(320, 0), want: -96},
		{name: "full scale", pcm: tone(320, 32767), want: 0},
		{name: "half scale", pcm: tone(320, 16384), want: -6.02},
		{name: "empty", pcm: nil, want: -96},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := energy.Level(tt.pcm); math.Abs(got-tt.want) > 0.05 {
				t.Errorf("Level() = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestSession_ScoresLoudAboveQuiet(t *testing.T) {
	t.Parallel()

	sess := newSession(t, energy.WithSmoothing(1))
	quiet, err := sess.ProcessFrame(tone(320, 30))
	if err != nil {
		t.Fatalf("ProcessFrame() error: %v", err)
	}
	loud, err := sess.ProcessFrame(tone(320, 8000))
	if err != nil {
		t.Fatalf("ProcessFrame() error: %v", err)
	}
	if quiet >= 0.1 {
		t.Errorf("quiet frame scored %.3f, want < 0.1", quiet)
	}
	if loud <= 0.9 {
		t.Errorf("loud frame scored %.3f, want > 0.9", loud)
	}
}

func TestSession_SpeechLevelIsMidpoint(t *testing.T) {
	t.Parallel()

	// A square wave of amplitude 328 sits at about -40 dBFS.
	sess := newSession(t, energy.WithSmoothing(1), energy.WithSpeechLevel(energy.Level(tone(320, 328))))
	p, _ := sess.ProcessFrame(tone(320, 328))
	if math.Abs(p-0.5) > 1e-9 {
		t.Errorf("frame at speech level scored %.4f, want 0.5", p)
	}
}

func TestSession_SmoothingAndReset(t *testing.T) {
	t.Parallel()

	sess := newSession(t, energy.WithSmoothing(0.5))
	_, _ = sess.ProcessFrame(tone(320, 0))
	p, _ := sess.ProcessFrame(tone(320, 32767))
	if p < 0.45 || p > 0.55 {
		t.Errorf("smoothed probability = %.3f, want about 0.5", p)
	}

	sess.Reset()
	p, _ = sess.ProcessFrame(tone(320, 32767))
	if p < 0.99 {
		t.Errorf("probability after Reset = %.3f, want unsmoothed > 0.99", p)
	}
}

func TestSession_RangeAndErrors(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	for _, amp := range []int16{0, 1, 100, 1000, 32767} {
		p, err := sess.ProcessFrame(tone(320, amp))
		if err != nil {
			t.Fatalf("ProcessFrame() error: %v", err)
		}
		if p < 0 || p > 1 {
			t.Errorf("amplitude %d scored %.3f outside [0,1]", amp, p)
		}
	}
	if _, err := sess.ProcessFrame([]byte{1, 2, 3}); err == nil {
		t.Error("ProcessFrame() accepted a misaligned frame")
	}

	_ = sess.Close()
	if _, err := sess.ProcessFrame(tone(320, 0)); !errors.Is(err, energy.ErrClosed) {
		t.Errorf("ProcessFrame() after Close error = %v, want ErrClosed", err)
	}
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	e := energy.New()
	if _, err := e.NewSession(vad.Config{SampleRate: 0}); err == nil {
		t.Error("NewSession() accepted zero sample rate")
	}
	if _, err := e.NewSession(vad.Config{SampleRate: 16000, Channels: 3}); err == nil {
		t.Error("NewSession() accepted three channels")
	}
	sess, err := e.NewSession(vad.Config{SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("NewSession() stereo error: %v", err)
	}
	if _, err := sess.ProcessFrame(tone(640, 1000)); err != nil {
		t.Errorf("stereo ProcessFrame() error: %v", err)
	}
}
