// Package llm defines the Provider interface for large language model
// backends.
//
// The pipeline uses an LLM as its translation model: a system prompt carries
// the instruction and the source text travels as the single user message.
// Backends live in sub-packages (llm/openai, llm/anyllm) so the pipeline never
// couples to an SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or
// the context is cancelled.
package llm

import (
	"context"
	"unicode/utf8"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a chunk whose Text holds a stream error.
const FinishReasonError = "error"

// Message is a single message in a conversation.
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation. Must be non-empty.
	Messages []Message

	// Temperature in [0.0, 2.0]. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the completion. Zero leaves the backend default.
	MaxTokens int

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string
}

// Chunk is one fragment of a streaming completion.
type Chunk struct {
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// FinishReasonError when the stream failed after it started.
	FinishReason string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// ModelCapabilities describes static limits of a model.
type ModelCapabilities struct {
	ContextWindow     int
	MaxOutputTokens   int
	SupportsStreaming bool
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts a completion and returns a channel of chunks.
	// The initial error is non-nil only when the stream could not start;
	// later failures arrive as a chunk with FinishReasonError. The channel is
	// never nil when err is nil and callers must drain it.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. It may overcount but
	// should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns constant metadata about the model.
	Capabilities() ModelCapabilities
}

// EstimateTokens is the shared estimate used by backends without a
// tokenizer: four ASCII bytes per token, one token per non-ASCII rune (CJK
// text tokenizes at roughly one token per character) and four tokens of
// per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		ascii, other := 0, 0
		for _, r := range m.Content {
			if r < utf8.RuneSelf {
				ascii++
			} else {
				other++
			}
		}
		total += (ascii+3)/4 + other + 4
	}
	return total
}
