package app

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/pinyin/internal/config"
	"github.com/MrWong99/pinyin/internal/pipeline"
	"github.com/MrWong99/pinyin/internal/resilience"
	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/provider/llm"
	"github.com/MrWong99/pinyin/pkg/provider/stt"
	"github.com/MrWong99/pinyin/pkg/provider/vad"
)

// Providers holds one value per backend slot. STT and LLM are usually
// fallback groups; their breaker states feed the readiness check.
type Providers struct {
	Capturer audio.Capturer
	VAD      vad.Engine
	STT      stt.Provider
	LLM      llm.Provider

	// STTName and LLMName label metrics and logs.
	STTName string
	LLMName string

	// STTBreakers and LLMBreakers report circuit breaker states. Nil when
	// the provider is not wrapped.
	STTBreakers func() []resilience.BreakerStatus
	LLMBreakers func() []resilience.BreakerStatus

	closers []func() error
}

// Close releases providers that hold native resources.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *Providers) track(v any) {
	if c, ok := v.(io.Closer); ok {
		p.closers = append(p.closers, c.Close)
	}
}

// BuildProviders instantiates every provider named in cfg through reg and
// wraps the speech and language models with their fallbacks behind circuit
// breakers.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	fail := func(err error) (*Providers, error) {
		ps.Close()
		return nil, err
	}

	capturer, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return fail(fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err))
	}
	ps.Capturer = capturer
	ps.track(capturer)
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	engine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return fail(fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err))
	}
	ps.VAD = engine
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	br := cfg.Providers.Breaker
	breaker := func(name string) resilience.FallbackConfig {
		return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:         name,
			MaxFailures:  br.MaxFailures,
			ResetTimeout: br.ResetTimeout,
			HalfOpenMax:  br.HalfOpenMax,
		}}
	}

	// ── STT ──────────────────────────────────────────────────────────────
	primarySTT, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return fail(fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, asModelLoad(cfg.Providers.STT, err)))
	}
	ps.track(primarySTT)
	sttGroup := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, breaker(cfg.Providers.STT.Name))
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	for i, entry := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return fail(fmt.Errorf("create stt fallback %d %q: %w", i, entry.Name, asModelLoad(entry, err)))
		}
		ps.track(p)
		sttGroup.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "fallback", i)
	}
	ps.STT = sttGroup
	ps.STTName = cfg.Providers.STT.Name
	ps.STTBreakers = sttGroup.Statuses

	// ── LLM ──────────────────────────────────────────────────────────────
	primaryLLM, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return fail(fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err))
	}
	llmGroup := resilience.NewLLMFallback(primaryLLM, cfg.Providers.LLM.Name, breaker(cfg.Providers.LLM.Name))
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)
	for i, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return fail(fmt.Errorf("create llm fallback %d %q: %w", i, entry.Name, err))
		}
		llmGroup.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallback", i)
	}
	ps.LLM = llmGroup
	ps.LLMName = cfg.Providers.LLM.Name
	ps.LLMBreakers = llmGroup.Statuses

	return ps, nil
}

// asModelLoad types a speech model load failure as [pipeline.ModelLoadError]
// so it is reported with the model_load kind. Other errors pass through.
func asModelLoad(entry config.ProviderEntry, err error) error {
	if !errors.Is(err, stt.ErrModelLoad) {
		return err
	}
	return &pipeline.ModelLoadError{Model: cmp.Or(entry.Model, entry.Name), Err: err}
}
