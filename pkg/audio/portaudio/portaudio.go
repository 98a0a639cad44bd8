// Package portaudio implements [audio.Capturer] on top of the PortAudio
// library. It requires cgo and a system PortAudio installation.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/pinyin/pkg/audio"
)

const (
	defaultFramesPerBuffer = 320
	defaultStallTimeout    = 2 * time.Second
)

// ErrStalled is reported when the device stops delivering audio.
var ErrStalled = errors.New("portaudio: input stalled")

// Capturer records from a PortAudio input device.
type Capturer struct {
	device          string
	format          audio.Format
	framesPerBuffer int
	stallTimeout    time.Duration

	mu       sync.Mutex
	stream   *pa.Stream
	stop     chan struct{}
	watchers sync.WaitGroup
	last     atomic.Int64
}

var _ audio.Capturer = (*Capturer)(nil)

// Option configures a [Capturer].
type Option func(*Capturer)

// WithDevice selects the input device whose name contains name
// (case-insensitive). The default input device is used when empty.
func WithDevice(name string) Option {
	return func(c *Capturer) { c.device = name }
}

// WithFramesPerBuffer sets the PortAudio callback buffer size per channel.
func WithFramesPerBuffer(n int) Option {
	return func(c *Capturer) {
		if n > 0 {
			c.framesPerBuffer = n
		}
	}
}

// WithStallTimeout sets how long the device may go without delivering
// samples before it is reported as failed. Zero disables the check.
func WithStallTimeout(d time.Duration) Option {
	return func(c *Capturer) { c.stallTimeout = d }
}

// New returns a Capturer recording in format f.
func New(f audio.Format, opts ...Option) *Capturer {
	c := &Capturer{
		format:          f,
		framesPerBuffer: defaultFramesPerBuffer,
		stallTimeout:    defaultStallTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Format implements [audio.Capturer].
func (c *Capturer) Format() audio.Format { return c.format }

// Start implements [audio.Capturer]. It initialises PortAudio, opens the
// selected device and starts streaming into onSamples.
func (c *Capturer) Start(onSamples func([]int16), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}

	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	dev, err := c.selectDevice()
	if err != nil {
		_ = pa.Terminate()
		return err
	}
	slog.Info("portaudio: using input device",
		"device", dev.Name,
		"defaultSampleRate", dev.DefaultSampleRate,
		"maxInputChannels", dev.MaxInputChannels,
	)

	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: c.format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.format.SampleRate),
		FramesPerBuffer: c.framesPerBuffer,
	}
	c.last.Store(time.Now().UnixNano())
	stream, err := pa.OpenStream(params, func(in []int16) {
		c.last.Store(time.Now().UnixNano())
		onSamples(in)
	})
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}

	c.stream = stream
	c.stop = make(chan struct{})
	if c.stallTimeout > 0 {
		c.watchers.Add(1)
		go c.watch(c.stop, onError)
	}
	return nil
}

// Stop implements [audio.Capturer].
func (c *Capturer) Stop() error {
	c.mu.Lock()
	stream := c.stream
	stop := c.stop
	c.stream = nil
	c.stop = nil
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	close(stop)
	c.watchers.Wait()

	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}

// watch reports a stalled device once and exits.
func (c *Capturer) watch(stop <-chan struct{}, onError func(error)) {
	defer c.watchers.Done()
	ticker := time.NewTicker(c.stallTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, c.last.Load()))
			if idle >= c.stallTimeout {
				onError(fmt.Errorf("%w: no audio for %s", ErrStalled, idle.Truncate(time.Millisecond)))
				return
			}
		}
	}
}

func (c *Capturer) selectDevice() (*pa.DeviceInfo, error) {
	if c.device == "" {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	want := strings.ToLower(c.device)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no input device matching %q", c.device)
}

// InputDevices lists the names of all devices with at least one input channel.
func InputDevices() ([]string, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer pa.Terminate()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}
