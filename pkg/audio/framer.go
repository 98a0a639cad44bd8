package audio

import "time"

// DefaultFrameDuration is the frame length used when none is configured.
const DefaultFrameDuration = 20 * time.Millisecond

// Framer slices an arbitrary-length stream of interleaved int16 samples into
// fixed-duration [AudioFrame]s. Timestamps are derived from the running sample
// count, so they advance with captured audio even while frames are discarded.
//
// A Framer is owned by a single goroutine (the capture callback).
type Framer struct {
	format   Format
	frameLen int // interleaved samples per frame
	buf      []int16
	bufStart int64 // per-channel sample index of buf[0]
	pos      int64 // per-channel samples seen so far
	epoch    uint64
}

// NewFramer returns a Framer producing frames of d in format f.
// d is rounded down to a whole number of samples, with a minimum of one.
func NewFramer(f Format, d time.Duration) *Framer {
	perChannel := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	if perChannel < 1 {
		perChannel = 1
	}
	return &Framer{
		format:   f,
		frameLen: perChannel * f.Channels,
	}
}

// FrameDuration returns the exact duration of frames this Framer produces.
func (f *Framer) FrameDuration() time.Duration {
	return PCMDuration(f.frameLen*2, f.format.SampleRate, f.format.Channels)
}

// Write appends samples captured during epoch and calls emit for every
// complete frame. An epoch of zero means "not recording": the samples only
// advance the clock. A change of epoch discards any partial frame so frames
// never straddle two recording sessions.
func (f *Framer) Write(samples []int16, epoch uint64, emit func(AudioFrame)) {
	if epoch != f.epoch {
		f.buf = f.buf[:0]
		f.epoch = epoch
	}
	start := f.pos
	f.pos += int64(len(samples) / f.format.Channels)
	if epoch == 0 {
		return
	}
	if len(f.buf) == 0 {
		f.bufStart = start
	}
	f.buf = append(f.buf, samples...)

	n := 0
	for len(f.buf)-n >= f.frameLen {
		emit(AudioFrame{
			Data:       SamplesToPCM(f.buf[n : n+f.frameLen]),
			SampleRate: f.format.SampleRate,
			Channels:   f.format.Channels,
			Timestamp:  f.offset(f.bufStart),
			Epoch:      epoch,
		})
		n += f.frameLen
		f.bufStart += int64(f.frameLen / f.format.Channels)
	}
	if n > 0 {
		f.buf = f.buf[:copy(f.buf, f.buf[n:])]
	}
}

func (f *Framer) offset(sample int64) time.Duration {
	return time.Duration(sample) * time.Second / time.Duration(f.format.SampleRate)
}
