package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	genai "google.golang.org/genai"
)

// GoogleGenAIClient implements the Client interface using the official Google GenAI SDK.
type GoogleGenAIClient struct {
	modelName string
	client    *genai.Client
}

// GoogleOption configures a GoogleGenAIClient
type GoogleOption func(*genai.ClientConfig)

// WithGoogleBaseURL overrides the Gemini API endpoint
func WithGoogleBaseURL(url string) GoogleOption {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPOptions.BaseURL = strings.TrimSpace(url)
	}
}

// WithGoogleHTTPClient replaces the HTTP client
func WithGoogleHTTPClient(c *http.Client) GoogleOption {
	return func(cfg *genai.ClientConfig) { cfg.HTTPClient = c }
}

// NewGoogleAIClient creates a Google GenAI client for the provided model.
func NewGoogleAIClient(ctx context.Context, apiKey, modelName string, opts ...GoogleOption) (Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("google genai client requires an API key")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}

	return &GoogleGenAIClient{
		modelName: normalizeGoogleModelName(modelName),
		client:    client,
	}, nil
}

func (c *GoogleGenAIClient) GetModelName() string {
	return c.modelName
}

func (c *GoogleGenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.CompleteWithRequest(ctx, userPrompt(prompt))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *GoogleGenAIClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("google genai completion request cannot be nil")
	}
	contents := convertMessagesToGenAI(req.Messages)
	if len(contents) == 0 {
		return &CompletionResponse{}, nil
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.modelName, contents, buildGenAIGenerationConfig(req))
	if err != nil {
		return nil, fmt.Errorf("google genai completion failed: %w", err)
	}
	return buildCompletionResponse(resp), nil
}

func (c *GoogleGenAIClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	if req == nil {
		return fmt.Errorf("google genai completion request cannot be nil")
	}
	contents := convertMessagesToGenAI(req.Messages)
	if len(contents) == 0 {
		return nil
	}

	stream := c.client.Models.GenerateContentStream(ctx, c.modelName, contents, buildGenAIGenerationConfig(req))
	for result, err := range stream {
		if err != nil {
			return fmt.Errorf("google genai stream failed: %w", err)
		}
		if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
			continue
		}
		chunk := collectTextFromContent(result.Candidates[0].Content)
		if chunk == "" {
			continue
		}
		if err := callback(chunk); err != nil {
			return err
		}
	}
	return nil
}

func buildCompletionResponse(resp *genai.GenerateContentResponse) *CompletionResponse {
	if resp == nil || len(resp.Candidates) == 0 {
		stop := ""
		if resp != nil && resp.PromptFeedback != nil {
			stop = string(resp.PromptFeedback.BlockReason)
		}
		return &CompletionResponse{StopReason: stop}
	}

	candidate := resp.Candidates[0]
	stopReason := string(candidate.FinishReason)
	if stopReason == "" {
		stopReason = candidate.FinishMessage
	}
	return &CompletionResponse{
		Content:    collectTextFromContent(candidate.Content),
		StopReason: stopReason,
	}
}

func collectTextFromContent(content *genai.Content) string {
	if content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func convertMessagesToGenAI(messages []*Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if normalizeRole(msg.Role) == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func buildGenAIGenerationConfig(req *CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

func normalizeGoogleModelName(modelName string) string {
	trimmed := strings.TrimSpace(modelName)
	if trimmed == "" {
		return "models/gemini-2.0-flash"
	}

	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "models/") || strings.HasPrefix(lowered, "publishers/") {
		return trimmed
	}
	return "models/" + trimmed
}
