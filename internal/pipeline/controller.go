package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/provider/vad"
)

const (
	// DefaultPollInterval is how long the control loop waits for an event
	// before re-checking control state.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultDrainTimeout bounds how long a stop waits for in-flight
	// transcription and translation before abandoning them.
	DefaultDrainTimeout = 15 * time.Second

	commandBuffer = 16
	noteBuffer    = 64
	segmentBuffer = 16
)

// ErrCommandQueueFull is returned by [Controller.Send] when commands arrive
// faster than the control loop consumes them.
var ErrCommandQueueFull = errors.New("pipeline: command queue full")

// Command is a control signal for the [Controller].
type Command int

const (
	CmdStart Command = iota + 1
	CmdStop
	CmdQuit
	// CmdToggle starts when idle and stops otherwise.
	CmdToggle
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdQuit:
		return "quit"
	case CmdToggle:
		return "toggle"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// ParseCommand maps "start", "stop", "quit" and "toggle" to a Command.
func ParseCommand(s string) (Command, error) {
	switch s {
	case "start", "start_recording":
		return CmdStart, nil
	case "stop", "stop_recording":
		return CmdStop, nil
	case "quit":
		return CmdQuit, nil
	case "toggle":
		return CmdToggle, nil
	default:
		return 0, fmt.Errorf("pipeline: unknown command %q", s)
	}
}

// FrameSource is the capture side of the pipeline. [audio.Source] implements
// it.
type FrameSource interface {
	Format() audio.Format
	FrameDuration() time.Duration
	Frames() <-chan audio.AudioFrame
	Errors() <-chan error
	Open() error
	SetEpoch(epoch uint64)
	Pause()
}

var _ FrameSource = (*audio.Source)(nil)

// Config holds the controller's timing and segmentation settings.
type Config struct {
	Segmenter    RechunkerConfig
	PollInterval time.Duration
	DrainTimeout time.Duration
}

// Controller is the control loop. It owns the recording mode and the session
// state, runs the long-lived frame and transcription workers, and emits
// events and output records to the [Sink] in order.
//
// Commands are delivered by message passing through [Controller.Send]; the
// mode is only ever changed by the goroutine running [Controller.Run].
type Controller struct {
	src         FrameSource
	classifier  *Classifier
	rechunker   *Rechunker
	transcriber *Transcriber
	dispatcher  *Dispatcher
	sink        Sink
	metrics     *observe.Metrics
	now         func() time.Time

	poll         time.Duration
	drainTimeout time.Duration
	segCfg       atomic.Pointer[RechunkerConfig]

	cmds  chan Command
	notes chan note
	segQ  chan segWork

	fc     frameControl
	fcWake chan struct{}

	mode    atomic.Int32
	gen     atomic.Uint64
	pending atomic.Int64
	running atomic.Bool
	done    chan struct{}

	// Owned by the Run goroutine.
	sess     *session
	quitting bool
}

// session is the per-recording state. It exists from Start until the stop
// has drained or been abandoned.
type session struct {
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time
	open     string // ID of the open segment
	jobs     []Job  // submitted, result not yet emitted
	drainBy  time.Time
	stopping bool
}

// frameControl tells the frame worker which generation to segment. It is
// written by the control loop and read by the worker; neither blocks the
// other.
type frameControl struct {
	mu     sync.Mutex
	gen    uint64
	active bool
	cfg    RechunkerConfig
	ctx    context.Context
}

type noteKind int

const (
	noteOpened noteKind = iota
	noteClosed
	noteTranscript
	noteDrained
)

type note struct {
	kind       noteKind
	gen        uint64
	segmentID  string
	segment    *Segment
	transcript Transcript
	err        error
}

type segWork struct {
	ctx   context.Context
	seg   *Segment
	gen   uint64
	flush bool
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithSink sets the receiver of events and output records.
func WithSink(s Sink) ControllerOption {
	return func(c *Controller) { c.sink = s }
}

// WithControllerMetrics overrides the metrics sink.
func WithControllerMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the wall clock used for event timestamps.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithRechunkerOptions passes options to the controller's [Rechunker].
func WithRechunkerOptions(opts ...RechunkerOption) ControllerOption {
	return func(c *Controller) {
		for _, o := range opts {
			o(c.rechunker)
		}
	}
}

// NewController wires the pipeline stages. The VAD session is opened for the
// source's format immediately.
func NewController(src FrameSource, engine vad.Engine, t *Transcriber, d *Dispatcher, cfg Config, opts ...ControllerOption) (*Controller, error) {
	if src == nil || t == nil || d == nil {
		return nil, errors.New("pipeline: controller needs a source, transcriber and dispatcher")
	}
	rc, err := NewRechunker(cfg.Segmenter)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		src:          src,
		rechunker:    rc,
		transcriber:  t,
		dispatcher:   d,
		sink:         nopSink{},
		now:          time.Now,
		poll:         cfg.PollInterval,
		drainTimeout: cfg.DrainTimeout,
		cmds:         make(chan Command, commandBuffer),
		notes:        make(chan note, noteBuffer),
		segQ:         make(chan segWork, segmentBuffer),
		fcWake:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if c.poll <= 0 {
		c.poll = DefaultPollInterval
	}
	if c.drainTimeout <= 0 {
		c.drainTimeout = DefaultDrainTimeout
	}
	segCfg := cfg.Segmenter
	c.segCfg.Store(&segCfg)
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.classifier, err = NewClassifier(engine, src.Format(), src.FrameDuration(), c.metrics)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Send delivers cmd to the control loop without blocking.
func (c *Controller) Send(cmd Command) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// Mode returns the current recording mode.
func (c *Controller) Mode() Mode { return Mode(c.mode.Load()) }

// Generation returns the number of the current or last recording session.
func (c *Controller) Generation() uint64 { return c.gen.Load() }

// PendingJobs returns the number of translations submitted but not emitted.
func (c *Controller) PendingJobs() int { return int(c.pending.Load()) }

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// SetSegmenter replaces the segmentation parameters. They apply from the next
// recording session.
func (c *Controller) SetSegmenter(cfg RechunkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.segCfg.Store(&cfg)
	return nil
}

// Run runs the control loop and its workers until Quit is processed or ctx
// is cancelled. Cancelling ctx acts like Quit: the open segment is closed and
// in-flight work drains, bounded by the drain timeout, before Run returns nil.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: controller already running")
	}
	defer close(c.done)

	// Workers outlive ctx so a cancelled Run can still drain.
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.frameWorker(workCtx)
	}()
	go func() {
		defer wg.Done()
		c.transcriptionWorker(workCtx)
	}()
	go func() {
		defer wg.Done()
		if err := c.dispatcher.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("pipeline: dispatcher stopped", "err", err)
		}
	}()
	defer func() {
		stopWorkers()
		wg.Wait()
		if err := c.classifier.Close(); err != nil {
			slog.Warn("pipeline: close VAD session", "err", err)
		}
	}()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	cancelled := ctx.Done()
	for {
		select {
		case <-cancelled:
			cancelled = nil
			c.quitting = true
			if c.sess == nil {
				return nil
			}
			slog.Info("pipeline: shutting down, draining current recording", "generation", c.sess.gen)
			c.stop()

		case cmd := <-c.cmds:
			if c.handleCommand(cmd) {
				return nil
			}

		case n := <-c.notes:
			c.handleNote(n)

		case r := <-c.dispatcher.Results():
			c.handleResult(r)

		case err := <-c.src.Errors():
			c.handleCaptureError(err)

		case <-ticker.C:
		}

		// Poll: re-check deadlines and quit state after every wake-up.
		if c.sess != nil && c.sess.stopping && !c.now().Before(c.sess.drainBy) {
			slog.Warn("pipeline: drain timed out, abandoning in-flight work",
				"generation", c.sess.gen,
				"pending_jobs", len(c.sess.jobs),
			)
			c.abandon("drain timeout")
		}
		if c.quitting && c.sess == nil {
			return nil
		}
	}
}

// handleCommand applies cmd and reports whether Run should return.
func (c *Controller) handleCommand(cmd Command) bool {
	slog.Debug("pipeline: command", "command", cmd, "mode", c.Mode())
	switch cmd {
	case CmdToggle:
		if c.Mode() == ModeIdle {
			c.start()
		} else {
			c.stop()
		}
	case CmdStart:
		c.start()
	case CmdStop:
		c.stop()
	case CmdQuit:
		c.quitting = true
		if c.sess == nil {
			return true
		}
		c.stop()
	default:
		slog.Warn("pipeline: ignoring unknown command", "command", cmd)
	}
	return false
}

func (c *Controller) start() {
	if c.sess != nil {
		slog.Debug("pipeline: start ignored", "mode", c.Mode())
		return
	}
	if c.quitting {
		return
	}
	if err := c.src.Open(); err != nil {
		c.emitError(err)
		return
	}

	gen := c.gen.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	c.sess = &session{gen: gen, ctx: ctx, cancel: cancel, started: c.now()}

	c.fc.mu.Lock()
	c.fc.gen = gen
	c.fc.active = true
	c.fc.cfg = *c.segCfg.Load()
	c.fc.ctx = ctx
	c.fc.mu.Unlock()
	c.wakeFrameWorker()

	c.src.SetEpoch(gen)
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.setMode(ModeListening)
	slog.Info("pipeline: recording started", "generation", gen)
}

// stop closes the capture gate and tells the frame worker to force-close the
// open segment. The session ends when the drain marker comes back from the
// dispatcher or when the drain timeout passes.
func (c *Controller) stop() {
	if c.sess == nil || c.sess.stopping {
		return
	}
	c.src.Pause()
	c.sess.stopping = true
	c.sess.drainBy = c.now().Add(c.drainTimeout)

	c.fc.mu.Lock()
	c.fc.active = false
	c.fc.mu.Unlock()
	c.wakeFrameWorker()

	c.setMode(ModeStopping)
	slog.Info("pipeline: stopping", "generation", c.sess.gen, "pending_jobs", len(c.sess.jobs))
}

// finish ends the current session after a complete drain.
func (c *Controller) finish() {
	s := c.sess
	s.cancel()
	c.sess = nil
	c.pending.Store(0)
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.setMode(ModeIdle)
	slog.Info("pipeline: recording stopped",
		"generation", s.gen,
		"duration", c.now().Sub(s.started).Round(time.Millisecond),
	)
}

// abandon ends the current session immediately. Late results of its
// generation are discarded.
func (c *Controller) abandon(reason string) {
	if c.sess == nil {
		return
	}
	c.src.Pause()
	c.fc.mu.Lock()
	c.fc.active = false
	c.fc.mu.Unlock()
	c.wakeFrameWorker()

	s := c.sess
	s.cancel()
	c.sess = nil
	c.pending.Store(0)
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.setMode(ModeIdle)
	slog.Info("pipeline: recording abandoned",
		"generation", s.gen,
		"reason", reason,
		"dropped_jobs", len(s.jobs),
	)
}

func (c *Controller) live(gen uint64) bool {
	return c.sess != nil && c.sess.gen == gen
}

func (c *Controller) handleNote(n note) {
	if !c.live(n.gen) {
		return
	}
	switch n.kind {
	case noteOpened:
		c.sess.open = n.segmentID
		c.emit(Event{Kind: EventSegmentOpened, SegmentID: n.segmentID})

	case noteClosed:
		if c.sess.open == n.segment.ID {
			c.sess.open = ""
		}
		c.metrics.RecordSegment(c.sess.ctx, string(n.segment.Reason), n.segment.Duration().Seconds())
		c.emit(Event{Kind: EventSegmentClosed, SegmentID: n.segment.ID})

	case noteTranscript:
		c.handleTranscript(n)

	case noteDrained:
		if err := c.dispatcher.Mark(n.gen); err != nil {
			slog.Warn("pipeline: queue drain marker", "err", err)
		}
	}
}

func (c *Controller) handleTranscript(n note) {
	tr := n.transcript
	switch {
	case errors.Is(n.err, ErrEmptyTranscript):
		slog.Debug("pipeline: empty transcript dropped",
			"segment_id", tr.SegmentID,
			"rejected_pieces", tr.Rejected,
		)
		return
	case n.err != nil:
		slog.Warn("pipeline: transcription failed", "segment_id", tr.SegmentID, "err", n.err)
		c.emitError(n.err)
		return
	}

	c.emit(Event{Kind: EventTranscriptReady, SegmentID: tr.SegmentID, Text: tr.Text})

	job := Job{
		SegmentID:   tr.SegmentID,
		Generation:  tr.Generation,
		SourceText:  tr.Text,
		SubmittedAt: c.now(),
	}
	err := c.dispatcher.Submit(c.sess.ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		// The dispatcher still emits a failed result in this job's place.
		slog.Warn("pipeline: translation queue full", "segment_id", job.SegmentID)
	default:
		c.emitError(err)
		return
	}
	c.sess.jobs = append(c.sess.jobs, job)
	c.pending.Store(int64(len(c.sess.jobs)))
}

func (c *Controller) handleResult(r Result) {
	if !c.live(r.Job.Generation) {
		return
	}
	if r.Marker {
		if c.sess.stopping {
			c.finish()
		}
		return
	}
	if len(c.sess.jobs) > 0 && c.sess.jobs[0].SegmentID == r.Job.SegmentID {
		c.sess.jobs = c.sess.jobs[1:]
	}
	c.pending.Store(int64(len(c.sess.jobs)))

	rec := Record{
		SegmentID:  r.Job.SegmentID,
		Original:   r.Job.SourceText,
		Translated: r.Translated,
		Failed:     r.Failed(),
		Timestamp:  r.CompletedAt,
	}
	if r.Failed() {
		c.emitError(r.Err)
	}
	if err := c.sink.WriteRecord(rec); err != nil {
		slog.Warn("pipeline: write output record", "segment_id", rec.SegmentID, "err", err)
	}
	c.emit(Event{
		Kind:      EventTranslationReady,
		SegmentID: r.Job.SegmentID,
		Text:      r.Translated,
		Failed:    r.Failed(),
	})
}

func (c *Controller) handleCaptureError(err error) {
	slog.Error("pipeline: capture failed", "err", err, "mode", c.Mode())
	c.emitError(err)
	c.stop()
}

func (c *Controller) setMode(m Mode) {
	if Mode(c.mode.Swap(int32(m))) == m {
		return
	}
	c.emit(Event{Kind: EventModeChanged, Mode: m})
}

func (c *Controller) emit(ev Event) {
	ev.Mode = c.Mode()
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	c.sink.HandleEvent(ev)
}

func (c *Controller) emitError(err error) {
	c.emit(Event{
		Kind:      EventError,
		SegmentID: segmentOf(err),
		ErrorKind: KindOf(err),
		Message:   err.Error(),
	})
}

func segmentOf(err error) string {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie.SegmentID
	}
	var te *TranslationError
	if errors.As(err, &te) {
		return te.SegmentID
	}
	return ""
}

func (c *Controller) wakeFrameWorker() {
	select {
	case c.fcWake <- struct{}{}:
	default:
	}
}

// note delivers n to the control loop, giving up when ctx ends.
func (c *Controller) note(ctx context.Context, n note) bool {
	select {
	case c.notes <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

// frameWorker is the single owner of the classifier and rechunker.
func (c *Controller) frameWorker(ctx context.Context) {
	var (
		gen     uint64
		active  bool
		sessCtx context.Context
	)

	flush := func(g uint64) bool {
		select {
		case c.segQ <- segWork{gen: g, flush: true}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// apply brings the worker up to date with the frame control: it
	// force-closes the open segment of a session that ended and resets for a
	// new one.
	apply := func() bool {
		c.fc.mu.Lock()
		wantGen, wantActive, cfg, wantCtx := c.fc.gen, c.fc.active, c.fc.cfg, c.fc.ctx
		c.fc.mu.Unlock()

		if active && (wantGen != gen || !wantActive) {
			if seg := c.rechunker.Cancel(); seg != nil {
				if !c.closeSegment(ctx, sessCtx, seg) {
					return false
				}
			}
			if !flush(gen) {
				return false
			}
			active = false
		}
		if wantGen == gen {
			return true
		}
		if !wantActive {
			// Started and stopped before a single frame arrived.
			gen = wantGen
			return flush(gen)
		}
		c.classifier.Reset()
		if err := c.rechunker.Reset(wantGen, cfg); err != nil {
			slog.Error("pipeline: invalid segmenter config, keeping previous", "err", err)
			_ = c.rechunker.Reset(wantGen, c.rechunker.Config())
		}
		gen, active, sessCtx = wantGen, true, wantCtx
		return true
	}

	frames := c.src.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.fcWake:
			if !apply() {
				return
			}
		case f := <-frames:
			if !apply() {
				return
			}
			if !active || f.Epoch != gen {
				continue
			}
			c.metrics.FramesCaptured.Add(ctx, 1)
			step := c.rechunker.Push(c.classifier.Classify(ctx, f))
			if step.Opened != "" {
				if !c.note(ctx, note{kind: noteOpened, gen: gen, segmentID: step.Opened}) {
					return
				}
			}
			if step.Closed != nil {
				if !c.closeSegment(ctx, sessCtx, step.Closed) {
					return
				}
			}
		}
	}
}

func (c *Controller) closeSegment(ctx, sessCtx context.Context, seg *Segment) bool {
	slog.Debug("pipeline: segment closed",
		"segment_id", seg.ID,
		"reason", seg.Reason,
		"frames", len(seg.Frames),
		"duration", seg.Duration(),
	)
	if !c.note(ctx, note{kind: noteClosed, gen: seg.Generation, segment: seg}) {
		return false
	}
	select {
	case c.segQ <- segWork{ctx: sessCtx, seg: seg, gen: seg.Generation}:
		return true
	case <-ctx.Done():
		return false
	}
}

// transcriptionWorker transcribes segments one at a time in close order.
func (c *Controller) transcriptionWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-c.segQ:
			if w.flush {
				if !c.note(ctx, note{kind: noteDrained, gen: w.gen}) {
					return
				}
				continue
			}
			if w.ctx.Err() != nil {
				continue // session abandoned
			}
			tr, err := c.transcriber.Transcribe(w.ctx, w.seg)
			if !c.note(ctx, note{kind: noteTranscript, gen: w.gen, transcript: tr, err: err}) {
				return
			}
		}
	}
}

type nopSink struct{}

func (nopSink) HandleEvent(Event)         {}
func (nopSink) WriteRecord(Record) error { return nil }
