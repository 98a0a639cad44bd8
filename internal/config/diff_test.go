package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/pinyin/internal/config"
	"github.com/MrWong99/pinyin/internal/transcript"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Transcription.Glossary = []transcript.Term{{Text: "通义千问", Aliases: []string{"通一千文"}}}
	cfg.Providers.Audio.Options = map[string]any{"device": "USB"}

	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := validConfig()
	new := validConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_SegmenterChanged(t *testing.T) {
	t.Parallel()
	old := validConfig()
	new := validConfig()
	new.Segmenter.EndWindow = 900 * time.Millisecond

	d := config.Diff(old, new)
	if !d.SegmenterChanged {
		t.Fatal("expected SegmenterChanged=true")
	}
	if d.NewSegmenter.EndWindow != 900*time.Millisecond {
		t.Errorf("NewSegmenter.EndWindow = %s", d.NewSegmenter.EndWindow)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("segmenter changes should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{
			name:   "listen address",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":9090" },
			want:   []string{"server"},
		},
		{
			name:   "frame duration",
			mutate: func(c *config.Config) { c.Audio.FrameDuration = 40 * time.Millisecond },
			want:   []string{"audio"},
		},
		{
			name: "glossary alias",
			mutate: func(c *config.Config) {
				c.Transcription.Glossary = []transcript.Term{{Text: "通义千问", Aliases: []string{"同义千问"}}}
			},
			want: []string{"transcription"},
		},
		{
			name:   "target language",
			mutate: func(c *config.Config) { c.Translation.TargetLanguage = "Japanese" },
			want:   []string{"translation"},
		},
		{
			name: "provider and output",
			mutate: func(c *config.Config) {
				c.Output.Console = true
				c.Providers.LLM.Model = "gpt-4o"
			},
			want: []string{"output", "providers"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := validConfig()
			old.Transcription.Glossary = []transcript.Term{{Text: "通义千问", Aliases: []string{"通一千文"}}}
			new := validConfig()
			new.Transcription.Glossary = []transcript.Term{{Text: "通义千问", Aliases: []string{"通一千文"}}}
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.want)
			}
			if d.LogLevelChanged || d.SegmenterChanged {
				t.Errorf("unexpected hot changes: %+v", d)
			}
		})
	}
}
