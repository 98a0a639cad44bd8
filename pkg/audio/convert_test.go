package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/pinyin/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	t.Parallel()

	got := audio.PCMToSamples(audio.MonoToStereo(audio.SamplesToPCM([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("MonoToStereo() = %v, want %v", got, want)
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	t.Parallel()

	// Two complete samples followed by a stray byte.
	stereo := audio.MonoToStereo([]byte{0x64, 0x00, 0xC8, 0x00, 0xFF})
	if len(stereo) != 8 {
		t.Fatalf("MonoToStereo() len = %d, want 8", len(stereo))
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{name: "average", in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "max stays in range", in: []int16{32767, 32767}, want: []int16{32767}},
		{name: "min stays in range", in: []int16{-32768, -32768}, want: []int16{-32768}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.PCMToSamples(audio.StereoToMono(audio.SamplesToPCM(tt.in)))
			if !slices.Equal(got, tt.want) {
				t.Errorf("StereoToMono() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		stereo   bool
		in       []int16
		src, dst int
		wantLen  int
	}{
		{name: "mono same rate", in: []int16{1, 2, 3}, src: 48000, dst: 48000, wantLen: 3},
		{name: "mono upsample 3x", in: []int16{1000, 2000}, src: 16000, dst: 48000, wantLen: 6},
		{name: "mono downsample 3x", in: []int16{1, 2, 3, 4, 5, 6}, src: 48000, dst: 16000, wantLen: 2},
		{name: "mono zero src rate", in: []int16{1, 2}, src: 0, dst: 48000, wantLen: 2},
		{name: "mono negative src rate", in: []int16{1, 2}, src: -1, dst: 48000, wantLen: 2},
		{name: "stereo upsample 3x", stereo: true, in: []int16{100, 200, 300, 400}, src: 16000, dst: 48000, wantLen: 12},
		{name: "stereo zero dst rate", stereo: true, in: []int16{1, 2, 3, 4}, src: 48000, dst: 0, wantLen: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcm := audio.SamplesToPCM(tt.in)
			var out []byte
			if tt.stereo {
				out = audio.ResampleStereo16(pcm, tt.src, tt.dst)
			} else {
				out = audio.ResampleMono16(pcm, tt.src, tt.dst)
			}
			if got := len(out) / 2; got != tt.wantLen {
				t.Errorf("samples = %d, want %d", got, tt.wantLen)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	t.Parallel()

	got := audio.PCMToSamples(audio.ResampleMono16(audio.SamplesToPCM([]int16{1000, 2000}), 16000, 48000))
	if got[0] != 1000 {
		t.Errorf("first sample = %d, want 1000", got[0])
	}
	if last := got[len(got)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample = %d, want close to 2000", last)
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.SpeechFormat}
	frame := audio.AudioFrame{Data: audio.SamplesToPCM([]int16{100, 200}), SampleRate: 16000, Channels: 1}
	got := conv.Convert(frame)
	if &got.Data[0] != &frame.Data[0] {
		t.Error("Convert() copied data for a matching format")
	}
}

func TestFormatConverter_ToSpeechFormat(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.SpeechFormat}
	// 48 kHz stereo, 6 frames -> 16 kHz mono, 2 samples.
	in := audio.SamplesToPCM([]int16{100, 300, 100, 300, 100, 300, 500, 700, 500, 700, 500, 700})
	got := conv.Convert(audio.AudioFrame{Data: in, SampleRate: 48000, Channels: 2, Epoch: 7})

	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Fatalf("Convert() format = %dHz %dch, want 16000Hz 1ch", got.SampleRate, got.Channels)
	}
	if got.Epoch != 7 {
		t.Errorf("Convert() epoch = %d, want 7", got.Epoch)
	}
	want := []int16{200, 600}
	if s := audio.PCMToSamples(got.Data); !slices.Equal(s, want) {
		t.Errorf("Convert() samples = %v, want %v", s, want)
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{16000, 22050} {
		conv := audio.FormatConverter{Target: audio.SpeechFormat}
		got := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: rate, Channels: 1})
		if len(got.Data) != 0 {
			t.Errorf("rate %d: Convert() kept %d bytes of misaligned data", rate, len(got.Data))
		}
		if got.SampleRate != 16000 {
			t.Errorf("rate %d: Convert() sample rate = %d, want target 16000", rate, got.SampleRate)
		}
	}
}

func TestPCMDuration(t *testing.T) {
	t.Parallel()

	frame := audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	if got := frame.Duration(); got.Milliseconds() != 20 {
		t.Errorf("Duration() = %v, want 20ms", got)
	}
	if got := audio.PCMDuration(640, 0, 1); got != 0 {
		t.Errorf("PCMDuration() with zero rate = %v, want 0", got)
	}
}
