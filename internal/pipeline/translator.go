package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/pinyin/pkg/provider/llm"
)

// Translator translates one transcript. A call is atomic from the
// dispatcher's point of view even if the backend streams internally.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// TranslatorFunc adapts a function to [Translator].
type TranslatorFunc func(ctx context.Context, text string) (string, error)

// Translate calls f.
func (f TranslatorFunc) Translate(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// DefaultSystemPrompt is used when no prompt is configured. {source} and
// {target} are replaced with the configured languages.
const DefaultSystemPrompt = "You are a simultaneous interpreter. Translate the user's {source} speech " +
	"transcript into natural {target}. The transcript comes from speech recognition and may " +
	"contain recognition errors; translate the intended meaning. Reply with the translation only, " +
	"without notes, quotes or romanisation."

// LLMTranslator implements [Translator] on an [llm.Provider].
type LLMTranslator struct {
	provider     llm.Provider
	systemPrompt string
	stream       bool
	temperature  float64
	maxTokens    int
}

var _ Translator = (*LLMTranslator)(nil)

type translatorConfig struct {
	prompt      string
	source      string
	target      string
	stream      bool
	temperature float64
	maxTokens   int
}

// TranslatorOption configures an [LLMTranslator].
type TranslatorOption func(*translatorConfig)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(prompt string) TranslatorOption {
	return func(c *translatorConfig) {
		if prompt != "" {
			c.prompt = prompt
		}
	}
}

// WithLanguages sets the source and target language names used in the prompt.
func WithLanguages(source, target string) TranslatorOption {
	return func(c *translatorConfig) {
		if source != "" {
			c.source = source
		}
		if target != "" {
			c.target = target
		}
	}
}

// WithStreaming makes the translator read the response as a stream and join
// the chunks.
func WithStreaming(on bool) TranslatorOption {
	return func(c *translatorConfig) { c.stream = on }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) TranslatorOption {
	return func(c *translatorConfig) { c.temperature = t }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) TranslatorOption {
	return func(c *translatorConfig) { c.maxTokens = n }
}

// NewLLMTranslator returns a translator backed by p.
func NewLLMTranslator(p llm.Provider, opts ...TranslatorOption) (*LLMTranslator, error) {
	if p == nil {
		return nil, errors.New("pipeline: translator: nil LLM provider")
	}
	cfg := translatorConfig{
		prompt: DefaultSystemPrompt,
		source: "Chinese",
		target: "English",
	}
	for _, o := range opts {
		o(&cfg)
	}
	prompt := strings.NewReplacer("{source}", cfg.source, "{target}", cfg.target).Replace(cfg.prompt)
	return &LLMTranslator{
		provider:     p,
		systemPrompt: prompt,
		stream:       cfg.stream && p.Capabilities().SupportsStreaming,
		temperature:  cfg.temperature,
		maxTokens:    cfg.maxTokens,
	}, nil
}

// SystemPrompt returns the rendered system prompt.
func (t *LLMTranslator) SystemPrompt() string { return t.systemPrompt }

// Translate implements [Translator].
func (t *LLMTranslator) Translate(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty source text")
	}
	req := llm.CompletionRequest{
		SystemPrompt: t.systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  t.temperature,
		MaxTokens:    t.maxTokens,
	}

	if window := t.provider.Capabilities().ContextWindow; window > 0 {
		n, err := t.provider.CountTokens(append([]llm.Message{{Role: llm.RoleSystem, Content: t.systemPrompt}}, req.Messages...))
		if err == nil && n > window {
			return "", fmt.Errorf("transcript needs %d tokens, model context is %d", n, window)
		}
	}

	var out string
	var err error
	if t.stream {
		out, err = t.streamed(ctx, req)
	} else {
		out, err = t.complete(ctx, req)
	}
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("model returned an empty translation")
	}
	return out, nil
}

func (t *LLMTranslator) complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	resp, err := t.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("nil completion response")
	}
	return resp.Content, nil
}

func (t *LLMTranslator) streamed(ctx context.Context, req llm.CompletionRequest) (string, error) {
	ch, err := t.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishReasonError {
			return "", fmt.Errorf("stream: %s", chunk.Text)
		}
		b.WriteString(chunk.Text)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}
