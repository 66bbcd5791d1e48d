// Package llm adapts hosted language-model APIs to the completion service
// used by AI_PROMPT.
package llm

import (
	"context"
	"strings"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages     []*Message `json:"messages"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Temperature  float64    `json:"temperature"`
	MaxTokens    int        `json:"max_tokens,omitempty"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Client is the interface for LLM clients
type Client interface {
	// CompleteWithRequest sends a completion request and returns the response
	CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	// Complete is a simplified version for single prompt
	Complete(ctx context.Context, prompt string) (string, error)
	// Stream sends a streaming completion request. callback receives the
	// text fragments in arrival order.
	Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error
	// GetModelName returns the model name
	GetModelName() string
}

// userPrompt builds the single-turn request used by Complete
func userPrompt(prompt string) *CompletionRequest {
	return &CompletionRequest{
		Messages: []*Message{
			{Role: "user", Content: prompt},
		},
		Temperature: 1.0,
	}
}

func normalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	switch r {
	case "system", "assistant":
		return r
	default:
		return "user"
	}
}
