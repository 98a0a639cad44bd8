package whisper

import "github.com/MrWong99/pinyin/pkg/audio"

// pcmToFloat32 scales mono 16-bit PCM to [-1, 1) as whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	in := audio.PCMToSamples(pcm)
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}
