package whisper

import (
	"math"
	"testing"

	"github.com/MrWong99/pinyin/pkg/audio"
)

func TestPcmToFloat32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value int16
		want  float32
	}{
		{"max positive", 32767, 32767.0 / 32768.0},
		{"max negative", -32768, -1.0},
		{"zero", 0, 0.0},
		{"mid negative", -16384, -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := pcmToFloat32(audio.SamplesToPCM([]int16{tt.value}))
			if len(out) != 1 {
				t.Fatalf("got %d samples, want 1", len(out))
			}
			if math.Abs(float64(out[0]-tt.want)) > 1e-6 {
				t.Errorf("pcmToFloat32(%d) = %f, want %f", tt.value, out[0], tt.want)
			}
		})
	}
}

func TestPcmToFloat32_OddByteCount(t *testing.T) {
	t.Parallel()

	if out := pcmToFloat32([]byte{0, 0, 1}); len(out) != 1 {
		t.Errorf("got %d samples, want 1 (trailing byte ignored)", len(out))
	}
	if out := pcmToFloat32(nil); len(out) != 0 {
		t.Errorf("got %d samples for empty input", len(out))
	}
}
