// Package discord provides an [audio.Capturer] that listens to a Discord
// voice channel via the bwmarrin/discordgo library. Incoming Opus packets are
// decoded, converted to the configured capture format and handed to the frame
// source like microphone samples.
//
// A voice channel carries one Opus stream per speaker. The capturer follows
// one speaker at a time: it locks onto the first SSRC it hears and switches
// only after that speaker has been quiet for the hold time.
package discord

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/pinyin/pkg/audio"
)

var _ audio.Capturer = (*Capturer)(nil)

// DefaultSpeakerHold is how long the followed speaker may be silent before
// another speaker is picked up.
const DefaultSpeakerHold = time.Second

// ErrConnectionClosed is reported through onError when Discord closes the
// voice connection.
var ErrConnectionClosed = errors.New("discord: voice connection closed")

// Capturer joins a voice channel while started and leaves it on Stop.
//
// Capturer is safe for concurrent use.
type Capturer struct {
	session   *discordgo.Session
	guildID   string
	channelID string
	format    audio.Format
	hold      time.Duration
	now       func() time.Time

	// join opens the voice connection. Overridden in tests.
	join func() (*discordgo.VoiceConnection, error)
	// leave tears it down again. Overridden in tests.
	leave func(*discordgo.VoiceConnection) error

	mu   sync.Mutex
	vc   *discordgo.VoiceConnection
	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a [Capturer].
type Option func(*Capturer)

// WithSpeakerHold sets how long the followed speaker may pause before the
// capturer switches to someone else.
func WithSpeakerHold(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.hold = d
		}
	}
}

// New creates a Capturer for one voice channel. session must already be open;
// see [Open] for a convenience that logs in with a bot token. Samples are
// delivered in format f.
func New(session *discordgo.Session, guildID, channelID string, f audio.Format, opts ...Option) (*Capturer, error) {
	if session == nil {
		return nil, errors.New("discord: nil session")
	}
	if guildID == "" || channelID == "" {
		return nil, errors.New("discord: guild and channel IDs are required")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	c := &Capturer{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		format:    f,
		hold:      DefaultSpeakerHold,
		now:       time.Now,
	}
	// mute=true: the capturer never speaks. deaf=false: it must hear.
	c.join = func() (*discordgo.VoiceConnection, error) {
		return session.ChannelVoiceJoin(guildID, channelID, true, false)
	}
	c.leave = func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() }
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Open logs in with a bot token and returns an open session with the voice
// state intent set.
func Open(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return session, nil
}

// Format implements [audio.Capturer].
func (c *Capturer) Format() audio.Format { return c.format }

// Start implements [audio.Capturer]. It joins the voice channel and starts
// decoding. Starting a running capturer is an error.
func (c *Capturer) Start(onSamples func([]int16), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc != nil {
		return errors.New("discord: capturer already started")
	}
	vc, err := c.join()
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", c.channelID, err)
	}
	c.vc = vc
	c.done = make(chan struct{})
	c.wg.Add(1)
	go func(done <-chan struct{}) {
		defer c.wg.Done()
		c.recvLoop(vc, done, onSamples, onError)
	}(c.done)
	slog.Info("discord: listening", "guild_id", c.guildID, "channel_id", c.channelID)
	return nil
}

// Stop implements [audio.Capturer]. It leaves the voice channel. Stopping a
// stopped capturer is a no-op.
func (c *Capturer) Stop() error {
	c.mu.Lock()
	vc, done := c.vc, c.done
	c.vc, c.done = nil, nil
	c.mu.Unlock()
	if vc == nil {
		return nil
	}
	close(done)
	c.wg.Wait()
	if err := c.leave(vc); err != nil {
		return fmt.Errorf("discord: leave voice channel: %w", err)
	}
	return nil
}

// Close stops the capturer and closes the session.
func (c *Capturer) Close() error {
	err := c.Stop()
	if cerr := c.session.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("discord: close session: %w", cerr))
	}
	return err
}

// recvLoop reads Opus packets, follows one speaker, decodes and converts the
// audio, and hands the samples to onSamples.
func (c *Capturer) recvLoop(vc *discordgo.VoiceConnection, done <-chan struct{}, onSamples func([]int16), onError func(error)) {
	streams := make(speakerStreams)
	conv := audio.FormatConverter{Target: c.format}
	prune := time.NewTicker(streamIdle)
	defer prune.Stop()

	var (
		speaker   uint32
		locked    bool
		lastHeard time.Time
	)

	for {
		select {
		case <-done:
			return
		case <-prune.C:
			streams.prune(c.now())
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				onError(ErrConnectionClosed)
				return
			}
			if pkt == nil {
				continue
			}

			now := c.now()
			if locked && pkt.SSRC != speaker && now.Sub(lastHeard) < c.hold {
				continue
			}
			if !locked || pkt.SSRC != speaker {
				slog.Debug("discord: following speaker", "ssrc", pkt.SSRC)
			}
			speaker, locked, lastHeard = pkt.SSRC, true, now

			stream, err := streams.get(pkt.SSRC, now)
			if err != nil {
				slog.Error("discord: no decoder for speaker", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			pcm, err := stream.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: dropping undecodable packet", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			out := conv.ConvertPCM(pcm, discordFormat)
			if len(out) == 0 {
				continue
			}
			onSamples(audio.PCMToSamples(out))
		}
	}
}
