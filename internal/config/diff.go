package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/pinyin/internal/transcript"
)

// ConfigDiff describes what changed between two configs.
//
// Log level applies immediately and segmenter parameters apply at the next
// start of recording. Everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SegmenterChanged bool
	NewSegmenter     SegmenterConfig

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SegmenterChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Segmenter != new.Segmenter {
		d.SegmenterChanged = true
		d.NewSegmenter = new.Segmenter
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !transcriptionEqual(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if old.Translation != new.Translation {
		d.RestartRequired = append(d.RestartRequired, "translation")
	}
	if old.Control != new.Control {
		d.RestartRequired = append(d.RestartRequired, "control")
	}
	if old.Output != new.Output {
		d.RestartRequired = append(d.RestartRequired, "output")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}

	return d
}

func transcriptionEqual(a, b TranscriptionConfig) bool {
	if a.Language != b.Language || a.NoSpeechThreshold != b.NoSpeechThreshold ||
		a.Phonetic != b.Phonetic || a.LLMCorrection != b.LLMCorrection {
		return false
	}
	return slices.EqualFunc(a.Glossary, b.Glossary, func(x, y transcript.Term) bool {
		return x.Text == y.Text && slices.Equal(x.Aliases, y.Aliases)
	})
}
