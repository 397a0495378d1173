package anyllm

import (
	"context"
	"errors"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/gtodrill/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You write assessor reports.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Session log"},
		},
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != "You write assessor reports." {
		t.Errorf("first message = %+v, want system prompt", params.Messages[0])
	}
	if params.Messages[1].Role != "user" || params.Messages[1].ContentString() != "Session log" {
		t.Errorf("second message = %+v", params.Messages[1])
	}
}

func TestBuildParams_NoSystemPrompt(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(params.Messages))
	}
}

func TestBuildParams_OptionalFields(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}

	params := p.buildParams(llm.CompletionRequest{Messages: msgs})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("zero values should leave temperature and max tokens unset")
	}

	params = p.buildParams(llm.CompletionRequest{Messages: msgs, Temperature: 0.4, MaxTokens: 800})
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature = %v, want 0.4", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 800 {
		t.Errorf("max tokens = %v, want 800", params.MaxTokens)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
	}{
		{"empty backend", "", "gpt-4o"},
		{"empty model", "openai", ""},
		{"unsupported backend", "fakecloud", "some-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.backend, tt.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
		want string
	}{
		{"openai", func() (*Provider, error) { return New("OpenAI", "gpt-4o", anyllmlib.WithAPIKey("sk-test")) }, "openai"},
		{"anthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}, "anthropic"},
		{"ollama", func() (*Provider, error) { return NewOllama("llama3") }, "ollama"},
		{"llamacpp", func() (*Provider, error) { return New("llamacpp", "llama3") }, "llamacpp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.want)
			}
		})
	}
}

// ── Complete ──────────────────────────────────────────────────────────────────

func TestComplete_RejectsEmptyRequest(t *testing.T) {
	p, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected validation error")
	} else if errors.Is(err, llm.ErrEmptyResponse) {
		t.Errorf("validation error should not be ErrEmptyResponse: %v", err)
	}
}
