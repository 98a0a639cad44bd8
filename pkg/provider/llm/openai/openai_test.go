package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/pinyin/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, key, model string
		wantErr          bool
	}{
		{name: "missing key", key: "", model: "gpt-4o", wantErr: true},
		{name: "missing model", key: "sk-test", model: "", wantErr: true},
		{name: "valid", key: "sk-test", model: "gpt-4o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.key, tt.model, WithBaseURL("https://example.com"), WithOrganization("org-1"))
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Translate to English.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "你好"},
			{Role: llm.RoleAssistant, Content: "Hello"},
		},
		Temperature: 0.2,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("buildParams() error: %v", err)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil || params.Messages[1].OfUser == nil || params.Messages[2].OfAssistant == nil {
		t.Error("messages not mapped to system, user, assistant")
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
}

func TestBuildParams_Errors(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("buildParams() accepted an empty request")
	}
	if _, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "tool", Content: "x"}}}); err == nil {
		t.Error("buildParams() accepted an unknown role")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model   string
		context int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"o3-mini", 200_000},
		{"qwen2.5-7b-instruct", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.context {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.context)
			}
			if caps.MaxOutputTokens <= 0 || !caps.SupportsStreaming {
				t.Errorf("caps = %+v", caps)
			}
		})
	}
}

func TestComplete_AgainstServer(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":0,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":7,"completion_tokens":1,"total_tokens":8}}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Translate to English.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "你好"}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("Content = %q, want Hello", resp.Content)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("TotalTokens = %d, want 8", resp.Usage.TotalTokens)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("request model = %v", gotBody["model"])
	}
}

func TestStreamCompletion_AgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":0,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", part)
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":0,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"))
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "你好"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error: %v", err)
	}
	var text strings.Builder
	var finish string
	for c := range ch {
		text.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text.String() != "Hello" || finish != "stop" {
		t.Errorf("stream = %q finish %q, want Hello/stop", text.String(), finish)
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	n, err := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "你好世界"}})
	if err != nil {
		t.Fatalf("CountTokens() error: %v", err)
	}
	if n != 8 {
		t.Errorf("CountTokens() = %d, want 8 (4 runes + 4 overhead)", n)
	}
}
