package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/pinyin/pkg/audio"
)

func collect(f *audio.Framer, chunks [][]int16, epoch uint64) []audio.AudioFrame {
	var out []audio.AudioFrame
	for _, c := range chunks {
		f.Write(c, epoch, func(fr audio.AudioFrame) { out = append(out, fr) })
	}
	return out
}

func TestFramer_SlicesIrregularChunks(t *testing.T) {
	t.Parallel()

	// 1 kHz mono, 10 ms frames -> 10 samples per frame.
	f := audio.NewFramer(audio.Format{SampleRate: 1000, Channels: 1}, 10*time.Millisecond)
	frames := collect(f, [][]int16{make([]int16, 7), make([]int16, 18), make([]int16, 6)}, 1)

	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, fr := range frames {
		if want := time.Duration(i) * 10 * time.Millisecond; fr.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, fr.Timestamp, want)
		}
		if fr.Duration() != 10*time.Millisecond {
			t.Errorf("frame %d duration = %v, want 10ms", i, fr.Duration())
		}
		if fr.Epoch != 1 {
			t.Errorf("frame %d epoch = %d, want 1", i, fr.Epoch)
		}
	}
}

func TestFramer_PausedSamplesAdvanceClock(t *testing.T) {
	t.Parallel()

	f := audio.NewFramer(audio.Format{SampleRate: 1000, Channels: 1}, 10*time.Millisecond)
	if got := collect(f, [][]int16{make([]int16, 25)}, 0); len(got) != 0 {
		t.Fatalf("paused framer emitted %d frames", len(got))
	}
	frames := collect(f, [][]int16{make([]int16, 10)}, 2)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Timestamp != 25*time.Millisecond {
		t.Errorf("timestamp = %v, want 25ms", frames[0].Timestamp)
	}
}

func TestFramer_EpochChangeDropsPartialFrame(t *testing.T) {
	t.Parallel()

	f := audio.NewFramer(audio.Format{SampleRate: 1000, Channels: 1}, 10*time.Millisecond)
	collect(f, [][]int16{make([]int16, 6)}, 1)
	frames := collect(f, [][]int16{make([]int16, 10)}, 2)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Epoch != 2 || frames[0].Timestamp != 6*time.Millisecond {
		t.Errorf("frame = epoch %d at %v, want epoch 2 at 6ms", frames[0].Epoch, frames[0].Timestamp)
	}
}

func TestFramer_Stereo(t *testing.T) {
	t.Parallel()

	f := audio.NewFramer(audio.Format{SampleRate: 1000, Channels: 2}, 10*time.Millisecond)
	frames := collect(f, [][]int16{make([]int16, 40)}, 1)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if len(frames[0].Data) != 40 {
		t.Errorf("frame bytes = %d, want 40", len(frames[0].Data))
	}
	if frames[1].Timestamp != 10*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 10ms", frames[1].Timestamp)
	}
}
