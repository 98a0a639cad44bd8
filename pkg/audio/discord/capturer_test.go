package discord

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/pinyin/pkg/audio"
)

// Opus silence frame: 0xF8 0xFF 0xFE (3 bytes).
var silenceOpus = []byte{0xF8, 0xFF, 0xFE}

// ─── test helpers ─────────────────────────────────────────────────────────────

type fakeVoice struct {
	mu     sync.Mutex
	vc     *discordgo.VoiceConnection
	joins  int
	leaves int
}

func (f *fakeVoice) counts() (joins, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.leaves
}

// newTestCapturer returns a Capturer whose voice connection is a pair of
// plain channels instead of a Discord websocket.
func newTestCapturer(t *testing.T, f audio.Format, opts ...Option) (*Capturer, *fakeVoice) {
	t.Helper()
	c, err := New(&discordgo.Session{}, "guild-test", "channel-test", f, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	fv := &fakeVoice{}
	c.join = func() (*discordgo.VoiceConnection, error) {
		fv.mu.Lock()
		defer fv.mu.Unlock()
		fv.joins++
		fv.vc = &discordgo.VoiceConnection{OpusRecv: make(chan *discordgo.Packet, 16)}
		return fv.vc, nil
	}
	c.leave = func(*discordgo.VoiceConnection) error {
		fv.mu.Lock()
		defer fv.mu.Unlock()
		fv.leaves++
		return nil
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c, fv
}

type sampleSink struct {
	mu      sync.Mutex
	batches [][]int16
	errs    []error
}

func (s *sampleSink) onSamples(b []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
}

func (s *sampleSink) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *sampleSink) wait(t *testing.T, batches, errs int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		ok := len(s.batches) >= batches && len(s.errs) >= errs
		s.mu.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d batches, %d errors", batches, errs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	tests := []struct {
		name    string
		session *discordgo.Session
		guild   string
		channel string
		format  audio.Format
	}{
		{name: "nil session", guild: "g", channel: "c", format: audio.SpeechFormat},
		{name: "missing guild", session: s, channel: "c", format: audio.SpeechFormat},
		{name: "missing channel", session: s, guild: "g", format: audio.SpeechFormat},
		{name: "bad format", session: s, guild: "g", channel: "c", format: audio.Format{SampleRate: 16000, Channels: 3}},
	}
	for _, tt := range tests {
		if _, err := New(tt.session, tt.guild, tt.channel, tt.format); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestOpen_RequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestCapturer_DecodesAndConverts(t *testing.T) {
	t.Parallel()

	c, fv := newTestCapturer(t, audio.SpeechFormat)
	sink := &sampleSink{}
	if err := c.Start(sink.onSamples, sink.onError); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := c.Start(sink.onSamples, sink.onError); err == nil {
		t.Error("second Start() should fail")
	}

	fv.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	sink.wait(t, 1, 0)

	sink.mu.Lock()
	got := len(sink.batches[0])
	sink.mu.Unlock()
	// 20 ms at 16 kHz mono.
	if got != 320 {
		t.Errorf("samples = %d, want 320", got)
	}
}

func TestCapturer_FollowsOneSpeaker(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	var mu sync.Mutex
	c, fv := newTestCapturer(t, audio.SpeechFormat, WithSpeakerHold(time.Second))
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	sink := &sampleSink{}
	if err := c.Start(sink.onSamples, sink.onError); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	fv.vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: silenceOpus}
	sink.wait(t, 1, 0)

	// A second speaker inside the hold time is ignored.
	fv.vc.OpusRecv <- &discordgo.Packet{SSRC: 2, Opus: silenceOpus}
	fv.vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: silenceOpus}
	sink.wait(t, 2, 0)

	// After the hold time the second speaker takes over.
	advance(2 * time.Second)
	fv.vc.OpusRecv <- &discordgo.Packet{SSRC: 2, Opus: silenceOpus}
	sink.wait(t, 3, 0)

	time.Sleep(20 * time.Millisecond)
	sink.mu.Lock()
	n := len(sink.batches)
	sink.mu.Unlock()
	if n != 3 {
		t.Errorf("batches = %d, want 3", n)
	}
}

func TestCapturer_ConnectionClosed(t *testing.T) {
	t.Parallel()

	c, fv := newTestCapturer(t, audio.SpeechFormat)
	sink := &sampleSink{}
	if err := c.Start(sink.onSamples, sink.onError); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	close(fv.vc.OpusRecv)
	sink.wait(t, 0, 1)

	sink.mu.Lock()
	err := sink.errs[0]
	sink.mu.Unlock()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("onError(%v), want ErrConnectionClosed", err)
	}
}

func TestCapturer_StopIdempotent(t *testing.T) {
	t.Parallel()

	c, fv := newTestCapturer(t, audio.SpeechFormat)
	sink := &sampleSink{}
	if err := c.Start(sink.onSamples, sink.onError); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	for i := range 3 {
		if err := c.Stop(); err != nil {
			t.Fatalf("Stop[%d]: unexpected error: %v", i, err)
		}
	}
	if joins, leaves := fv.counts(); joins != 1 || leaves != 1 {
		t.Errorf("joins = %d, leaves = %d; want 1, 1", joins, leaves)
	}

	// A stopped capturer can be started again.
	if err := c.Start(sink.onSamples, sink.onError); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	if joins, _ := fv.counts(); joins != 2 {
		t.Errorf("joins = %d, want 2", joins)
	}
}

func TestSpeakerStreams_Prune(t *testing.T) {
	t.Parallel()

	streams := make(speakerStreams)
	start := time.Unix(0, 0)
	if _, err := streams.get(1, start); err != nil {
		t.Fatalf("get(1) error: %v", err)
	}
	if _, err := streams.get(2, start.Add(50*time.Second)); err != nil {
		t.Fatalf("get(2) error: %v", err)
	}

	streams.prune(start.Add(90 * time.Second))
	if _, ok := streams[1]; ok {
		t.Error("idle stream 1 was not pruned")
	}
	if _, ok := streams[2]; !ok {
		t.Error("recent stream 2 was pruned")
	}
}
