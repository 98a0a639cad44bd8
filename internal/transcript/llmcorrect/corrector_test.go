package llmcorrect_test

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/pinyin/internal/transcript/llmcorrect"
	"github.com/MrWong99/pinyin/pkg/provider/llm"
	"github.com/MrWong99/pinyin/pkg/provider/llm/mock"
)

func reply(content string) *mock.Provider {
	return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

var terms = []string{"通义千问", "Kubernetes"}

func TestCorrector_Prompt(t *testing.T) {
	t.Parallel()

	provider := reply(`{"corrected_text": "用通义千问翻译", "corrections": []}`)
	c := llmcorrect.New(provider, llmcorrect.WithLanguage("Mandarin"), llmcorrect.WithTemperature(0.5))

	if _, _, err := c.Correct(context.Background(), "用通一千文翻译", terms); err != nil {
		t.Fatalf("Correct() error: %v", err)
	}
	if provider.CompleteCallCount() != 1 {
		t.Fatalf("Complete calls = %d, want 1", provider.CompleteCallCount())
	}
	req := provider.CompleteCalls[0].Req
	for _, term := range terms {
		if !strings.Contains(req.SystemPrompt, term) {
			t.Errorf("system prompt missing term %q", term)
		}
	}
	if !strings.Contains(req.SystemPrompt, "Mandarin transcript") {
		t.Errorf("system prompt does not name the language:\n%s", req.SystemPrompt)
	}
	if req.Temperature != 0.5 {
		t.Errorf("Temperature = %v, want 0.5", req.Temperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "用通一千文翻译" {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestCorrector_AppliesDeclaredCorrections(t *testing.T) {
	t.Parallel()

	provider := reply(`{
  "corrected_text": "用通义千问部署到Kubernetes",
  "corrections": [
    {"original": "通一千文", "corrected": "通义千问", "confidence": 0.9},
    {"original": "库伯内提斯", "corrected": "Kubernetes", "confidence": 0.8}
  ]
}`)
	c := llmcorrect.New(provider)

	got, corrections, err := c.Correct(context.Background(), "用通一千文部署到库伯内提斯", terms)
	if err != nil {
		t.Fatalf("Correct() error: %v", err)
	}
	if got != "用通义千问部署到Kubernetes" {
		t.Errorf("Correct() = %q", got)
	}
	if len(corrections) != 2 {
		t.Fatalf("got %d corrections, want 2", len(corrections))
	}
	if corrections[1].Original != "库伯内提斯" || corrections[1].Corrected != "Kubernetes" || corrections[1].Confidence != 0.8 {
		t.Errorf("corrections[1] = %+v", corrections[1])
	}
}

func TestCorrector_RevertsUndeclaredRewrites(t *testing.T) {
	t.Parallel()

	// The model also "improved" the sentence; only the term swap survives.
	provider := reply(`{"corrected_text": "通义千问的回答不错", "corrections": [{"original": "通一千文", "corrected": "通义千问", "confidence": 0.9}]}`)
	c := llmcorrect.New(provider)

	got, _, err := c.Correct(context.Background(), "通一千文的回答很好", terms)
	if err != nil {
		t.Fatalf("Correct() error: %v", err)
	}
	if got != "通义千问的回答很好" {
		t.Errorf("Correct() = %q, want %q", got, "通义千问的回答很好")
	}
}

func TestCorrector_UnusableReplies(t *testing.T) {
	t.Parallel()

	const text = "部署到库伯内提斯"
	tests := []struct {
		name     string
		provider *mock.Provider
		want     string
	}{
		{name: "prose", provider: reply("I cannot help with that."), want: text},
		{name: "empty corrected text", provider: reply(`{"corrected_text": "", "corrections": []}`), want: text},
		{name: "nil response", provider: &mock.Provider{}, want: text},
		{name: "markdown fences", provider: reply("```json\n{\"corrected_text\": \"部署到Kubernetes\", \"corrections\": [{\"original\": \"库伯内提斯\", \"corrected\": \"Kubernetes\"}]}\n```"), want: "部署到Kubernetes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _, err := llmcorrect.New(tt.provider).Correct(context.Background(), text, terms)
			if err != nil {
				t.Fatalf("Correct() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Correct() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCorrector_SkipsWithoutTerms(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	c := llmcorrect.New(provider)

	for _, in := range []struct {
		text  string
		terms []string
	}{
		{"你好", nil},
		{"   ", terms},
	} {
		got, corrections, err := c.Correct(context.Background(), in.text, in.terms)
		if err != nil {
			t.Fatalf("Correct() error: %v", err)
		}
		if got != in.text || corrections != nil {
			t.Errorf("Correct(%q) = %q, %v; want unchanged", in.text, got, corrections)
		}
	}
	if provider.CompleteCallCount() != 0 {
		t.Errorf("Complete calls = %d, want 0", provider.CompleteCallCount())
	}
}

func TestCorrector_ProviderError(t *testing.T) {
	t.Parallel()

	c := llmcorrect.New(&mock.Provider{CompleteErr: context.DeadlineExceeded})
	got, _, err := c.Correct(context.Background(), "用通一千文", terms)
	if err == nil {
		t.Fatal("expected error from provider failure")
	}
	if got != "用通一千文" {
		t.Errorf("Correct() = %q, want the input back", got)
	}
}
