// Package llmcorrect asks a language model to fix glossary terms that the
// speech model misrecognised.
//
// The [Corrector] sends the transcript with the glossary to an
// [llm.Provider] and expects JSON back: the corrected text plus a list of
// substitutions. Every change in the returned text is checked against that
// list and undeclared edits are reverted, so the model can only swap glossary
// terms and never rephrase the sentence before it is translated.
//
// An unparseable reply leaves the text unchanged and is not an error.
package llmcorrect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/pinyin/pkg/provider/llm"
)

const defaultTemperature = 0.1

const systemPromptTemplate = `You fix speech recognition errors in a %s transcript.

Rules:
- ONLY correct words or characters that are misrecognised versions of the glossary terms below.
- Do NOT translate, rephrase, or change punctuation.
- Be conservative. If you are not confident, leave the text unchanged.
- Write corrected terms exactly as they appear in the glossary.

Glossary:
%s
Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected transcript>",
  "corrections": [
    {"original": "<text as transcribed>", "corrected": "<glossary term>", "confidence": <0.0-1.0>}
  ]
}

If nothing needs correcting, return an empty corrections array and corrected_text equal to the input.`

// Correction is one substitution reported by the model and confirmed against
// the text.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

type llmResponse struct {
	CorrectedText string `json:"corrected_text"`
	Corrections   []struct {
		Original   string  `json:"original"`
		Corrected  string  `json:"corrected"`
		Confidence float64 `json:"confidence"`
	} `json:"corrections"`
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) {
		c.temperature = temp
	}
}

// WithLanguage names the transcript language in the prompt. Default:
// "Chinese".
func WithLanguage(lang string) Option {
	return func(c *Corrector) {
		if lang != "" {
			c.language = lang
		}
	}
}

// Corrector is safe for concurrent use.
type Corrector struct {
	llm         llm.Provider
	temperature float64
	language    string
}

// New returns a [Corrector] backed by provider.
func New(provider llm.Provider, opts ...Option) *Corrector {
	c := &Corrector{
		llm:         provider,
		temperature: defaultTemperature,
		language:    "Chinese",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct asks the model to fix misrecognised glossary terms in text.
//
// Provider errors and cancellation are returned. A reply that is not valid
// JSON returns text unchanged with nil corrections and a nil error.
func (c *Corrector) Correct(ctx context.Context, text string, terms []string) (string, []Correction, error) {
	if len(terms) == 0 || strings.TrimSpace(text) == "" {
		return text, nil, nil
	}

	req := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(c.language, terms),
		Temperature:  c.temperature,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: text},
		},
	}

	resp, err := c.llm.Complete(ctx, req)
	if err != nil {
		return text, nil, fmt.Errorf("llmcorrect: complete: %w", err)
	}
	if resp == nil {
		return text, nil, nil
	}

	corrected, corrections, parseErr := parseResponse(resp.Content, text)
	if parseErr != nil {
		return text, nil, nil //nolint:nilerr // unparseable reply keeps the original text
	}
	verified, confirmed := verifyCorrectedText(text, corrected, corrections)
	return verified, confirmed, nil
}

func buildSystemPrompt(language string, terms []string) string {
	var sb strings.Builder
	for _, t := range terms {
		sb.WriteString("- ")
		sb.WriteString(t)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(systemPromptTemplate, language, sb.String())
}

// parseResponse decodes the model's JSON after stripping code fences.
func parseResponse(content, originalText string) (string, []Correction, error) {
	var r llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return "", nil, fmt.Errorf("llmcorrect: parse response: %w", err)
	}
	if r.CorrectedText == "" {
		return originalText, nil, nil
	}

	corrections := make([]Correction, 0, len(r.Corrections))
	for _, c := range r.Corrections {
		if c.Original == c.Corrected || c.Original == "" {
			continue
		}
		corrections = append(corrections, Correction{
			Original:   c.Original,
			Corrected:  c.Corrected,
			Confidence: c.Confidence,
		})
	}
	return r.CorrectedText, corrections, nil
}

// stripMarkdown removes ```json fences some models wrap around JSON.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
