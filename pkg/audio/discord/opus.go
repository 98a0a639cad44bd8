package discord

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/pinyin/pkg/audio"
)

// discordFormat is what every voice packet decodes to.
var discordFormat = audio.Format{SampleRate: 48000, Channels: 2}

// samplesPerChannel is one 20 ms packet at 48 kHz.
const samplesPerChannel = 960

// streamIdle is how long a speaker may be silent before its decoder is freed.
const streamIdle = time.Minute

// speakerStream decodes the packets of one SSRC. Opus decoding is stateful
// across packets, so every speaker needs its own decoder.
type speakerStream struct {
	dec      *gopus.Decoder
	lastSeen time.Time
}

func newSpeakerStream() (*speakerStream, error) {
	dec, err := gopus.NewDecoder(discordFormat.SampleRate, discordFormat.Channels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &speakerStream{dec: dec}, nil
}

// decode returns one packet as interleaved 16-bit PCM in [discordFormat].
func (s *speakerStream) decode(packet []byte) ([]byte, error) {
	samples, err := s.dec.Decode(packet, samplesPerChannel, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.SamplesToPCM(samples), nil
}

// speakerStreams tracks the decoders of everyone in the channel. It is owned
// by the receive loop.
type speakerStreams map[uint32]*speakerStream

// get returns the stream for ssrc, creating it on first use.
func (m speakerStreams) get(ssrc uint32, now time.Time) (*speakerStream, error) {
	s, ok := m[ssrc]
	if !ok {
		var err error
		if s, err = newSpeakerStream(); err != nil {
			return nil, err
		}
		m[ssrc] = s
	}
	s.lastSeen = now
	return s, nil
}

// prune frees decoders of speakers silent for longer than [streamIdle].
func (m speakerStreams) prune(now time.Time) {
	for ssrc, s := range m {
		if now.Sub(s.lastSeen) > streamIdle {
			delete(m, ssrc)
		}
	}
}
