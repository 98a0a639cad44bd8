// Package app wires the pinyin subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the control loop with its inputs and the HTTP
// server, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStdin, WithStdout,
// WithSink, WithMetrics). When an option is not provided, New falls back to
// the process streams and the global metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pinyin/internal/config"
	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/internal/output"
	"github.com/MrWong99/pinyin/internal/pipeline"
	"github.com/MrWong99/pinyin/internal/terminal"
	"github.com/MrWong99/pinyin/internal/transcript"
	"github.com/MrWong99/pinyin/internal/transcript/llmcorrect"
	"github.com/MrWong99/pinyin/internal/transcript/phonetic"
	"github.com/MrWong99/pinyin/pkg/audio"
)

// App owns all subsystem lifetimes and orchestrates the pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	stdin  io.Reader
	stdout io.Writer
	extra  []pipeline.Sink

	// Subsystems, initialised in New and torn down in Shutdown.
	source     *audio.Source
	controller *pipeline.Controller
	hub        *output.Hub
	server     *http.Server
	startedAt  time.Time

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStdin replaces os.Stdin as the keyboard input.
func WithStdin(r io.Reader) Option {
	return func(a *App) { a.stdin = r }
}

// WithStdout replaces os.Stdout as the console output.
func WithStdout(w io.Writer) Option {
	return func(a *App) { a.stdout = w }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSink adds s to the configured output sinks.
func WithSink(s pipeline.Sink) Option {
	return func(a *App) { a.extra = append(a.extra, s) }
}

// WithLogLevel lets [App.ApplyConfig] change the log level at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by [BuildProviders].
// The App takes ownership of providers and closes them in Shutdown.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		stdin:     os.Stdin,
		stdout:    os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil || providers.Capturer == nil || providers.STT == nil || providers.LLM == nil {
		return nil, errors.New("app: audio, stt and llm providers are required")
	}
	a.closers = append(a.closers, providers.Close)

	// ── 1. Frame source ──────────────────────────────────────────────────
	if err := a.initSource(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init source: %w", err))
	}

	// ── 2. Transcriber ───────────────────────────────────────────────────
	transcriber, err := a.initTranscriber()
	if err != nil {
		return nil, a.abort(fmt.Errorf("app: init transcriber: %w", err))
	}

	// ── 3. Translation dispatcher ────────────────────────────────────────
	dispatcher, err := a.initDispatcher()
	if err != nil {
		return nil, a.abort(fmt.Errorf("app: init dispatcher: %w", err))
	}

	// ── 4. Output sinks ──────────────────────────────────────────────────
	sink, err := a.initSinks()
	if err != nil {
		return nil, a.abort(fmt.Errorf("app: init output: %w", err))
	}

	// ── 5. Controller ────────────────────────────────────────────────────
	a.controller, err = pipeline.NewController(a.source, providers.VAD, transcriber, dispatcher,
		pipeline.Config{
			Segmenter:    segmenterConfig(cfg.Segmenter),
			PollInterval: cfg.Control.PollInterval,
			DrainTimeout: cfg.Control.DrainTimeout,
		},
		pipeline.WithSink(sink),
		pipeline.WithControllerMetrics(a.metrics),
	)
	if err != nil {
		return nil, a.abort(fmt.Errorf("app: init controller: %w", err))
	}

	// ── 6. HTTP server ───────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// abort releases what New has acquired so far and returns err.
func (a *App) abort(err error) error {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSource wraps the capturer in a framing source.
func (a *App) initSource(ctx context.Context) error {
	src, err := audio.NewSource(a.providers.Capturer,
		audio.WithFrameDuration(a.cfg.Audio.FrameDuration),
		audio.WithQueueSize(a.cfg.Audio.QueueSize),
		audio.WithDropHook(func() { a.metrics.FramesDropped.Add(ctx, 1) }),
	)
	if err != nil {
		return err
	}
	a.source = src
	a.closers = append([]func() error{src.Close}, a.closers...)
	slog.Info("frame source ready",
		"format", src.Format().String(),
		"frame", src.FrameDuration(),
	)
	return nil
}

// initTranscriber builds the speech-to-text stage and its glossary corrector.
func (a *App) initTranscriber() (*pipeline.Transcriber, error) {
	tc := a.cfg.Transcription
	opts := []pipeline.TranscriberOption{
		pipeline.WithNoSpeechThreshold(tc.NoSpeechThreshold),
		pipeline.WithLanguage(tc.Language),
		pipeline.WithProviderName(a.providers.STTName),
		pipeline.WithTranscriberMetrics(a.metrics),
	}

	if len(tc.Glossary) > 0 {
		var gopts []transcript.Option
		if tc.Phonetic {
			gopts = append(gopts, transcript.WithPhoneticMatcher(phonetic.New()))
		}
		if tc.LLMCorrection {
			gopts = append(gopts, transcript.WithLLMCorrector(
				llmcorrect.New(a.providers.LLM, llmcorrect.WithLanguage(tc.Language)),
			))
		}
		g, err := transcript.New(tc.Glossary, gopts...)
		if err != nil {
			return nil, fmt.Errorf("glossary: %w", err)
		}
		opts = append(opts, pipeline.WithCorrector(g))
		slog.Info("glossary loaded",
			"terms", len(tc.Glossary),
			"phonetic", tc.Phonetic,
			"llm_correction", tc.LLMCorrection,
		)
	}

	return pipeline.NewTranscriber(a.providers.STT, opts...), nil
}

// initDispatcher builds the translator and the ordered dispatcher.
func (a *App) initDispatcher() (*pipeline.Dispatcher, error) {
	tc := a.cfg.Translation
	translator, err := pipeline.NewLLMTranslator(a.providers.LLM,
		pipeline.WithSystemPrompt(tc.SystemPrompt),
		pipeline.WithLanguages(tc.SourceLanguage, tc.TargetLanguage),
		pipeline.WithStreaming(tc.Streaming),
		pipeline.WithTemperature(tc.Temperature),
		pipeline.WithMaxTokens(tc.MaxTokens),
	)
	if err != nil {
		return nil, err
	}
	return pipeline.NewDispatcher(translator,
		pipeline.WithMaxInFlight(tc.MaxInFlight),
		pipeline.WithQueueSize(tc.QueueSize),
		pipeline.WithTranslateTimeout(tc.Timeout),
		pipeline.WithTranslatorName(a.providers.LLMName),
		pipeline.WithDispatcherMetrics(a.metrics),
	), nil
}

// initSinks assembles the console, record file and WebSocket outputs.
func (a *App) initSinks() (pipeline.Sink, error) {
	oc := a.cfg.Output
	var sinks output.Fanout

	if oc.Console {
		sinks = append(sinks, output.NewConsole(a.stdout,
			output.WithWidth(oc.ConsoleWidth),
			output.WithStatus(a.cfg.Control.Keyboard),
		))
	}

	if oc.RecordFile != "" {
		f, err := os.OpenFile(oc.RecordFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open record file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		sinks = append(sinks, output.NewJSONLines(f))
		slog.Info("writing records", "path", oc.RecordFile)
	}

	if oc.WebSocket {
		a.hub = output.NewHub(
			output.WithCommandHandler(func(cmd pipeline.Command) error {
				return a.controller.Send(cmd)
			}),
			output.WithHubMetrics(a.metrics),
		)
		// The hub goes first so clients get a going-away close before the
		// server stops.
		a.closers = append([]func() error{a.hub.Close}, a.closers...)
		sinks = append(sinks, a.hub)
	}

	sinks = append(sinks, a.extra...)
	return sinks, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the control loop until a quit command is processed or ctx is
// cancelled. Keyboard input and the HTTP server run alongside it and stop
// when the control loop returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.startedAt = time.Now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return a.controller.Run(gctx)
	})

	if a.cfg.Control.Keyboard {
		keys := terminal.New(a.stdin, a.controller.Send, terminal.WithHelp(a.stdout))
		g.Go(func() error {
			// Keyboard end of input leaves the other inputs in charge.
			return keys.Run(gctx)
		})
	}

	if a.server != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.server.Addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Control.AutoStart {
		if err := a.controller.Send(pipeline.CmdStart); err != nil {
			slog.Warn("auto start failed", "err", err)
		}
	}

	slog.Info("app running",
		"keyboard", a.cfg.Control.Keyboard,
		"websocket", a.hub != nil,
		"auto_start", a.cfg.Control.AutoStart,
	)
	return g.Wait()
}

// Send forwards cmd to the control loop.
func (a *App) Send(cmd pipeline.Command) error {
	return a.controller.Send(cmd)
}

// ApplyConfig applies the hot-reloadable parts of a config change. Settings
// listed in diff.RestartRequired are logged and otherwise ignored.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.SegmenterChanged {
		if err := a.controller.SetSegmenter(segmenterConfig(diff.NewSegmenter)); err != nil {
			slog.Warn("segmenter change rejected", "err", err)
		} else {
			slog.Info("segmenter updated, applies from next recording",
				"end_threshold", diff.NewSegmenter.EndThreshold,
				"end_window", diff.NewSegmenter.EndWindow,
				"time_before_speech", diff.NewSegmenter.TimeBeforeSpeech,
				"max_segment", diff.NewSegmenter.MaxSegment,
			)
		}
	}
	for _, field := range diff.RestartRequired {
		slog.Warn("config change requires restart", "field", field)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases every subsystem. It is safe to call more than once; only
// the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func segmenterConfig(c config.SegmenterConfig) pipeline.RechunkerConfig {
	return pipeline.RechunkerConfig{
		EndThreshold:     c.EndThreshold,
		EndWindow:        c.EndWindow,
		TimeBeforeSpeech: c.TimeBeforeSpeech,
		MaxSegment:       c.MaxSegment,
	}
}
