// Package wavfile replays WAV files through the [audio.Capturer] contract and
// encodes PCM buffers as WAV payloads.
//
// Replay is paced in real time by default so the pipeline sees the same
// timing it would see from a microphone. End of file is reported through the
// error callback as [audio.ErrEndOfInput].
package wavfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/youpy/go-wav"

	"github.com/MrWong99/pinyin/pkg/audio"
)

const defaultChunk = 20 * time.Millisecond

// Capturer replays a 16-bit PCM WAV file.
type Capturer struct {
	path     string
	format   audio.Format
	realtime bool
	chunk    time.Duration

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

var _ audio.Capturer = (*Capturer)(nil)

// Option configures a [Capturer].
type Option func(*Capturer)

// WithRealtime controls pacing. When false the file is delivered as fast as
// the consumer accepts it.
func WithRealtime(on bool) Option {
	return func(c *Capturer) { c.realtime = on }
}

// WithChunk sets the amount of audio delivered per callback.
func WithChunk(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.chunk = d
		}
	}
}

// Open reads the header of the WAV file at path and returns a Capturer for it.
func Open(path string, opts ...Option) (*Capturer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()

	format, err := readFormat(wav.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("wavfile: %q: %w", path, err)
	}
	c := &Capturer{
		path:     path,
		format:   format,
		realtime: true,
		chunk:    defaultChunk,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func readFormat(r *wav.Reader) (audio.Format, error) {
	wf, err := r.Format()
	if err != nil {
		return audio.Format{}, fmt.Errorf("read format: %w", err)
	}
	if wf.AudioFormat != wav.AudioFormatPCM {
		return audio.Format{}, fmt.Errorf("unsupported encoding %d, want PCM", wf.AudioFormat)
	}
	if wf.BitsPerSample != 16 {
		return audio.Format{}, fmt.Errorf("unsupported bit depth %d, want 16", wf.BitsPerSample)
	}
	f := audio.Format{SampleRate: int(wf.SampleRate), Channels: int(wf.NumChannels)}
	return f, f.Validate()
}

// Format implements [audio.Capturer].
func (c *Capturer) Format() audio.Format { return c.format }

// Start implements [audio.Capturer]. Every Start replays the file from the
// beginning.
func (c *Capturer) Start(onSamples func([]int16), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("wavfile: open %q: %w", c.path, err)
	}
	r := wav.NewReader(f)
	if _, err := readFormat(r); err != nil {
		f.Close()
		return fmt.Errorf("wavfile: %q: %w", c.path, err)
	}

	stop := make(chan struct{})
	c.stop = stop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer f.Close()
		if err := c.replay(r, stop, onSamples); err != nil {
			onError(err)
		}
	}()
	return nil
}

// Stop implements [audio.Capturer].
func (c *Capturer) Stop() error {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	c.wg.Wait()
	return nil
}

// replay returns nil when stopped, ErrEndOfInput at end of file and any read
// error otherwise.
func (c *Capturer) replay(r *wav.Reader, stop <-chan struct{}, onSamples func([]int16)) error {
	perChunk := uint32(int64(c.format.SampleRate) * int64(c.chunk) / int64(time.Second))
	if perChunk == 0 {
		perChunk = 1
	}
	var tick <-chan time.Time
	if c.realtime {
		t := time.NewTicker(c.chunk)
		defer t.Stop()
		tick = t.C
	}

	buf := make([]int16, 0, int(perChunk)*c.format.Channels)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		samples, err := r.ReadSamples(perChunk)
		if len(samples) > 0 {
			buf = buf[:0]
			for _, s := range samples {
				for ch := range c.format.Channels {
					buf = append(buf, int16(s.Values[ch]))
				}
			}
			onSamples(buf)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("wavfile: %s: %w", c.path, audio.ErrEndOfInput)
		}
		if err != nil {
			return fmt.Errorf("wavfile: read %s: %w", c.path, err)
		}

		if tick != nil {
			select {
			case <-stop:
				return nil
			case <-tick:
			}
		}
	}
}

// Encode writes pcm as a 16-bit PCM WAV stream in format f.
func Encode(w io.Writer, pcm []byte, f audio.Format) error {
	samples := audio.PCMToSamples(pcm)
	frames := len(samples) / f.Channels
	ww := wav.NewWriter(w, uint32(frames), uint16(f.Channels), uint32(f.SampleRate), 16)

	out := make([]wav.Sample, frames)
	for i := range out {
		for ch := range f.Channels {
			out[i].Values[ch] = int(samples[i*f.Channels+ch])
		}
	}
	if err := ww.WriteSamples(out); err != nil {
		return fmt.Errorf("wavfile: encode: %w", err)
	}
	return nil
}

// EncodeBytes is [Encode] into a new buffer.
func EncodeBytes(pcm []byte, f audio.Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, pcm, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
