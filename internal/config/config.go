// Package config provides the configuration schema, loader, watcher and
// provider registry for the pinyin transcription and translation service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/pinyin/internal/transcript"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Translation   TranslationConfig   `yaml:"translation"`
	Control       ControlConfig       `yaml:"control"`
	Output        OutputConfig        `yaml:"output"`
	Providers     ProvidersConfig     `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (health, metrics and
	// the WebSocket UI). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig describes the capture format and framing.
type AudioConfig struct {
	// SampleRate and Channels request a capture format. File input uses the
	// file's own format.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameDuration is the length of one frame. Default: 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// QueueSize bounds the frames buffered between capture and the
	// classifier. Default: 256.
	QueueSize int `yaml:"queue_size"`
}

// SegmenterConfig holds the rechunker parameters.
type SegmenterConfig struct {
	// EndThreshold is the speech probability below which a frame is silence.
	EndThreshold float64 `yaml:"end_threshold"`

	// EndWindow is how much trailing silence closes a segment.
	EndWindow time.Duration `yaml:"end_window"`

	// TimeBeforeSpeech is the pre-roll kept ahead of detected speech.
	TimeBeforeSpeech time.Duration `yaml:"time_before_speech"`

	// MaxSegment bounds segment length. Zero means unlimited.
	MaxSegment time.Duration `yaml:"max_segment"`
}

// TranscriptionConfig configures the speech model stage.
type TranscriptionConfig struct {
	// Language is the spoken language hint passed to the speech model.
	Language string `yaml:"language"`

	// NoSpeechThreshold rejects pieces whose no-speech probability reaches
	// it. Default: 0.85.
	NoSpeechThreshold float64 `yaml:"no_speech_threshold"`

	// Glossary lists domain terms corrected before translation.
	Glossary []transcript.Term `yaml:"glossary"`

	// Phonetic enables phonetic matching of Latin-script glossary terms.
	Phonetic bool `yaml:"phonetic"`

	// LLMCorrection asks the translation model to review glossary terms.
	LLMCorrection bool `yaml:"llm_correction"`
}

// TranslationConfig configures the translation stage.
type TranslationConfig struct {
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`

	// SystemPrompt overrides the built-in prompt. {{source}} and {{target}}
	// are replaced by the language names.
	SystemPrompt string `yaml:"system_prompt"`

	// Streaming requests streamed completions and joins them.
	Streaming bool `yaml:"streaming"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// MaxInFlight bounds concurrent translations. Default: 1.
	MaxInFlight int `yaml:"max_in_flight"`

	// QueueSize bounds jobs waiting for translation. Default: 32.
	QueueSize int `yaml:"queue_size"`

	// Timeout bounds one translation call. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// ControlConfig configures the control loop and its inputs.
type ControlConfig struct {
	// PollInterval is how often the loop re-checks control state while
	// idle. Default: 50ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DrainTimeout bounds how long a stop waits for in-flight work.
	// Default: 15s.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// Keyboard enables the terminal keys: r toggles recording, q quits.
	Keyboard bool `yaml:"keyboard"`

	// AutoStart begins recording immediately.
	AutoStart bool `yaml:"auto_start"`
}

// OutputConfig selects where results go.
type OutputConfig struct {
	// Console prints original and translation side by side on stdout.
	Console bool `yaml:"console"`

	// ConsoleWidth is the total width of the two columns. Default: 100.
	ConsoleWidth int `yaml:"console_width"`

	// WebSocket serves events and records on /ws and accepts commands.
	WebSocket bool `yaml:"websocket"`

	// RecordFile appends every record as a JSON line. Empty disables it.
	RecordFile string `yaml:"record_file"`
}

// ProvidersConfig declares which implementation backs each boundary. Each
// entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Audio ProviderEntry `yaml:"audio"`
	VAD   ProviderEntry `yaml:"vad"`
	STT   ProviderEntry `yaml:"stt"`
	LLM   ProviderEntry `yaml:"llm"`

	// STTFallbacks and LLMFallbacks are tried in order when the primary
	// fails or its circuit breaker is open.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breakers guarding model backends.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider, or a model file for local
	// backends.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// Defaults.
const (
	DefaultEndThreshold      = 0.5
	DefaultEndWindow         = 600 * time.Millisecond
	DefaultTimeBeforeSpeech  = 300 * time.Millisecond
	DefaultMaxSegment        = 30 * time.Second
	DefaultFrameDuration     = 20 * time.Millisecond
	DefaultNoSpeechThreshold = 0.85
	DefaultConsoleWidth      = 100
)

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.FrameDuration == 0 {
		c.Audio.FrameDuration = DefaultFrameDuration
	}
	if c.Segmenter.EndThreshold == 0 {
		c.Segmenter.EndThreshold = DefaultEndThreshold
	}
	if c.Segmenter.EndWindow == 0 {
		c.Segmenter.EndWindow = DefaultEndWindow
	}
	if c.Segmenter.TimeBeforeSpeech == 0 {
		c.Segmenter.TimeBeforeSpeech = DefaultTimeBeforeSpeech
	}
	if c.Segmenter.MaxSegment == 0 {
		c.Segmenter.MaxSegment = DefaultMaxSegment
	}
	if c.Transcription.NoSpeechThreshold == 0 {
		c.Transcription.NoSpeechThreshold = DefaultNoSpeechThreshold
	}
	if c.Translation.SourceLanguage == "" {
		c.Translation.SourceLanguage = "Chinese"
	}
	if c.Translation.TargetLanguage == "" {
		c.Translation.TargetLanguage = "English"
	}
	if c.Output.ConsoleWidth == 0 {
		c.Output.ConsoleWidth = DefaultConsoleWidth
	}
	if c.Providers.VAD.Name == "" {
		c.Providers.VAD.Name = "energy"
	}
	if c.Providers.Audio.Name == "" {
		c.Providers.Audio.Name = "portaudio"
	}
}
