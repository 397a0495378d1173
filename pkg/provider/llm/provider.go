// Package llm defines the text-completion backend used to write post-session
// reports.
//
// A Provider wraps a hosted or local model API (OpenAI, Anthropic, a local
// Ollama instance and so on) behind a single blocking Complete call. Reports
// are produced once per finished session, so there is no streaming surface.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the backend answers without any choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// Role is the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the prompt.
type Message struct {
	Role    Role
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries the prompt. At least one message is required.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages with the system role.
	SystemPrompt string

	// Messages is the ordered prompt.
	Messages []Message

	// Temperature in [0, 2]. Zero uses the backend default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the backend default.
	MaxTokens int
}

// Validate reports whether req can be sent.
func (req CompletionRequest) Validate() error {
	if len(req.Messages) == 0 {
		return errors.New("llm: request has no messages")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return errors.New("llm: temperature out of range [0, 2]")
	}
	return nil
}

// CompletionResponse is the model's answer.
type CompletionResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Provider is the abstraction over any completion backend. Complete must
// return promptly once ctx is cancelled.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// EstimateTokens approximates the prompt size of msgs at roughly four
// characters per token plus a small per-message overhead. It never
// undercounts by much for Latin text.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
