// Command pinyin listens to the microphone, transcribes each utterance and
// prints it next to its translation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/pinyin/internal/app"
	"github.com/MrWong99/pinyin/internal/config"
	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/internal/pipeline"
	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/audio/discord"
	"github.com/MrWong99/pinyin/pkg/audio/portaudio"
	"github.com/MrWong99/pinyin/pkg/audio/wavfile"
	"github.com/MrWong99/pinyin/pkg/provider/llm"
	"github.com/MrWong99/pinyin/pkg/provider/llm/anyllm"
	"github.com/MrWong99/pinyin/pkg/provider/llm/openai"
	"github.com/MrWong99/pinyin/pkg/provider/stt"
	"github.com/MrWong99/pinyin/pkg/provider/stt/whisper"
	"github.com/MrWong99/pinyin/pkg/provider/vad"
	"github.com/MrWong99/pinyin/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available input devices and exit")
	watch := flag.Bool("watch", true, "reload the log level and segmenter settings when the config file changes")
	flag.Parse()

	if *listDevices {
		names, err := portaudio.InputDevices()
		if err != nil {
			fmt.Fprintf(os.Stderr, "pinyin: %v\n", err)
			return 1
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pinyin: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pinyin: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("pinyin starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "pinyin",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}
	slog.Debug("telemetry ready", "instance_id", tel.InstanceID)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels})

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err, "kind", pipeline.KindOf(err))
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// A second signal kills the process instead of waiting for the drain.
		stop()
		slog.Info("draining current recording, press Ctrl+C again to force quit")
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level), app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages. capture is the format live
// input devices are opened with.
func registerBuiltinProviders(reg *config.Registry, capture audio.Format) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every backend except openai goes through any-llm and shares the same
	// pattern: optional APIKey + optional BaseURL.
	for _, providerName := range anyllm.Backends {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// openai uses the official SDK, which also serves any OpenAI-compatible
	// endpoint through BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.APIKey != "" {
			opts = append(opts, whisper.WithAPIKey(entry.APIKey))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ep := optString(entry.Options, "endpoint"); ep != "" {
			opts = append(opts, whisper.WithEndpoint(ep))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optFloat(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if v, ok := entry.Options["speech_level_db"]; ok {
			opts = append(opts, energy.WithSpeechLevel(toFloat(v)))
		}
		if v, ok := entry.Options["slope_db"]; ok {
			opts = append(opts, energy.WithSlope(toFloat(v)))
		}
		if v, ok := entry.Options["smoothing"]; ok {
			opts = append(opts, energy.WithSmoothing(toFloat(v)))
		}
		return energy.New(opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	// wavfile takes its format from the file header.

	reg.RegisterAudio("portaudio", func(entry config.ProviderEntry) (audio.Capturer, error) {
		var opts []portaudio.Option
		if dev := optString(entry.Options, "device"); dev != "" {
			opts = append(opts, portaudio.WithDevice(dev))
		}
		if n := optFloat(entry.Options, "frames_per_buffer"); n > 0 {
			opts = append(opts, portaudio.WithFramesPerBuffer(int(n)))
		}
		if d := optDuration(entry.Options, "stall_timeout"); d > 0 {
			opts = append(opts, portaudio.WithStallTimeout(d))
		}
		return portaudio.New(capture, opts...), nil
	})

	reg.RegisterAudio("wavfile", func(entry config.ProviderEntry) (audio.Capturer, error) {
		opts := []wavfile.Option{wavfile.WithRealtime(optBool(entry.Options, "realtime", true))}
		if d := optDuration(entry.Options, "chunk"); d > 0 {
			opts = append(opts, wavfile.WithChunk(d))
		}
		return wavfile.Open(optString(entry.Options, "file"), opts...)
	})

	reg.RegisterAudio("discord", func(entry config.ProviderEntry) (audio.Capturer, error) {
		session, err := discord.Open(entry.APIKey)
		if err != nil {
			return nil, err
		}
		c, err := discord.New(session,
			optString(entry.Options, "guild_id"),
			optString(entry.Options, "channel_id"),
			capture,
			discord.WithSpeakerHold(optDuration(entry.Options, "speaker_hold")),
		)
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		return c, nil
	})

	for _, kind := range []string{"audio", "vad", "stt", "llm"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         pinyin · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printRow("Languages", cfg.Translation.SourceLanguage+" → "+cfg.Translation.TargetLanguage)
	printRow("Glossary", fmt.Sprintf("%d terms", len(cfg.Transcription.Glossary)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	if cfg.Control.Keyboard {
		printRow("Keys", "r = record, q = quit")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}


// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number. YAML decodes integers as int and decimals as
// float64; both are accepted.
func optFloat(opts map[string]any, key string) float64 {
	return toFloat(opts[key])
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// optBool extracts a boolean, returning def when the key is absent.
func optBool(opts map[string]any, key string, def bool) bool {
	if b, ok := opts[key].(bool); ok {
		return b
	}
	return def
}

// optDuration parses a Go duration string such as "500ms".
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
