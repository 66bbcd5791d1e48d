package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/codefionn/orbit/internal/consts"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient implements the Client interface with the OpenAI chat
// completions API. A base URL turns it into a client for any
// OpenAI-compatible server such as Ollama or vLLM.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// OpenAIOption configures an OpenAIClient
type OpenAIOption func(*openAIOptions)

type openAIOptions struct {
	baseURL    string
	httpClient *http.Client
}

// WithOpenAIBaseURL points the client at an OpenAI-compatible endpoint
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *openAIOptions) { o.baseURL = strings.TrimSpace(url) }
}

// WithOpenAIHTTPClient replaces the HTTP client
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(o *openAIOptions) { o.httpClient = c }
}

// NewOpenAIClient constructs a client for the OpenAI chat completions API
func NewOpenAIClient(apiKey, modelName string, opts ...OpenAIOption) (Client, error) {
	var o openAIOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := strings.TrimSpace(apiKey)
	if key == "" && o.baseURL == "" {
		return nil, fmt.Errorf("openai client requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultOpenAIModel
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: consts.Timeout2Minutes}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(httpClient),
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}

	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

func (c *OpenAIClient) GetModelName() string {
	return c.model
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.CompleteWithRequest(ctx, userPrompt(prompt))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *OpenAIClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return &CompletionResponse{StopReason: "stop"}, nil
	}

	first := completion.Choices[0]
	stopReason := first.FinishReason
	if strings.TrimSpace(stopReason) == "" {
		stopReason = "stop"
	}
	return &CompletionResponse{
		Content:    first.Message.Content,
		StopReason: stopReason,
	}, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	params, err := c.buildParams(req)
	if err != nil {
		return err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := callback(choice.Delta.Content); err != nil {
				return err
			}
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream failed: %w", err)
	}
	return nil
}

func (c *OpenAIClient) buildParams(req *CompletionRequest) (openai.ChatCompletionNewParams, error) {
	if req == nil {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("openai completion request cannot be nil")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		switch normalizeRole(msg.Role) {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	if len(messages) == 0 {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("no messages provided")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params, nil
}
