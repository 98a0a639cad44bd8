package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"audio": {"portaudio", "wavfile", "discord"},
	"vad":   {"energy"},
	"stt":   {"whisper", "whisper-native"},
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s must not be negative", cfg.Audio.FrameDuration))
	}
	if cfg.Audio.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_size %d must not be negative", cfg.Audio.QueueSize))
	}

	// Segmenter
	seg := cfg.Segmenter
	if seg.EndThreshold < 0 || seg.EndThreshold > 1 {
		errs = append(errs, fmt.Errorf("segmenter.end_threshold %.2f is out of range [0, 1]", seg.EndThreshold))
	}
	if seg.EndWindow < 0 {
		errs = append(errs, fmt.Errorf("segmenter.end_window %s must not be negative", seg.EndWindow))
	}
	if seg.TimeBeforeSpeech < 0 {
		errs = append(errs, fmt.Errorf("segmenter.time_before_speech %s must not be negative", seg.TimeBeforeSpeech))
	}
	if seg.MaxSegment < 0 {
		errs = append(errs, fmt.Errorf("segmenter.max_segment %s must not be negative", seg.MaxSegment))
	}
	if seg.MaxSegment > 0 && seg.MaxSegment <= seg.EndWindow {
		errs = append(errs, fmt.Errorf("segmenter.max_segment %s must exceed end_window %s", seg.MaxSegment, seg.EndWindow))
	}

	// Transcription
	if th := cfg.Transcription.NoSpeechThreshold; th <= 0 || th > 1 {
		errs = append(errs, fmt.Errorf("transcription.no_speech_threshold %.2f is out of range (0, 1]", th))
	}
	termsSeen := make(map[string]int, len(cfg.Transcription.Glossary))
	for i, term := range cfg.Transcription.Glossary {
		prefix := fmt.Sprintf("transcription.glossary[%d]", i)
		if term.Text == "" {
			errs = append(errs, fmt.Errorf("%s.term is required", prefix))
			continue
		}
		if prev, ok := termsSeen[term.Text]; ok {
			errs = append(errs, fmt.Errorf("%s.term %q is a duplicate of glossary[%d]", prefix, term.Text, prev))
		}
		termsSeen[term.Text] = i
	}
	if cfg.Transcription.LLMCorrection && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("transcription.llm_correction requires providers.llm"))
	}

	// Translation
	tr := cfg.Translation
	if tr.Temperature < 0 || tr.Temperature > 2 {
		errs = append(errs, fmt.Errorf("translation.temperature %.2f is out of range [0, 2]", tr.Temperature))
	}
	if tr.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("translation.max_tokens %d must not be negative", tr.MaxTokens))
	}
	if tr.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("translation.max_in_flight %d must not be negative", tr.MaxInFlight))
	}
	if tr.MaxInFlight > 1 {
		slog.Warn("translation.max_in_flight above 1 keeps result order but increases load on the model", "max_in_flight", tr.MaxInFlight)
	}
	if tr.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("translation.queue_size %d must not be negative", tr.QueueSize))
	}
	if tr.Timeout < 0 {
		errs = append(errs, fmt.Errorf("translation.timeout %s must not be negative", tr.Timeout))
	}

	// Control
	if cfg.Control.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("control.poll_interval %s must not be negative", cfg.Control.PollInterval))
	}
	if cfg.Control.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("control.drain_timeout %s must not be negative", cfg.Control.DrainTimeout))
	}

	// Output
	if cfg.Output.WebSocket && cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("output.websocket requires server.listen_addr"))
	}
	if cfg.Output.ConsoleWidth != 0 && cfg.Output.ConsoleWidth < 20 {
		errs = append(errs, fmt.Errorf("output.console_width %d is below the minimum of 20", cfg.Output.ConsoleWidth))
	}
	if !cfg.Control.Keyboard && !cfg.Control.AutoStart && !cfg.Output.WebSocket {
		slog.Warn("no control input configured; enable control.keyboard, control.auto_start or output.websocket to start recording")
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.Audio.Name == "wavfile" {
		if s, _ := cfg.Providers.Audio.Options["file"].(string); s == "" {
			errs = append(errs, errors.New("providers.audio.options.file is required for the wavfile provider"))
		}
	}
	if cfg.Providers.Audio.Name == "discord" {
		if cfg.Providers.Audio.APIKey == "" {
			errs = append(errs, errors.New("providers.audio.api_key (bot token) is required for the discord provider"))
		}
		for _, key := range []string{"guild_id", "channel_id"} {
			if s, _ := cfg.Providers.Audio.Options[key].(string); s == "" {
				errs = append(errs, fmt.Errorf("providers.audio.options.%s is required for the discord provider", key))
			}
		}
	}
	br := cfg.Providers.Breaker
	if br.MaxFailures < 0 || br.HalfOpenMax < 0 || br.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
