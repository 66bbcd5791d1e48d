package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultResponseTokenEstimate = 512
	minTokenEstimate             = 8
)

// rateLimitedClient wraps another Client and enforces request and token-based throttling.
type rateLimitedClient struct {
	delegate Client
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewRateLimitedClient returns a Client that throttles calls to
// requestsPerMinute requests and tokensPerMinute estimated tokens. A value
// <= 0 disables that budget; with both disabled base is returned as is.
func NewRateLimitedClient(base Client, requestsPerMinute, tokensPerMinute int) Client {
	if base == nil {
		return base
	}
	if requestsPerMinute <= 0 && tokensPerMinute <= 0 {
		return base
	}

	client := &rateLimitedClient{delegate: base}
	if requestsPerMinute > 0 {
		client.requests = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}
	if tokensPerMinute > 0 {
		client.tokens = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60), tokensPerMinute)
	}
	return client
}

func (c *rateLimitedClient) wait(ctx context.Context, tokens int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.requests != nil {
		if err := c.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if c.tokens != nil && tokens > 0 {
		// a single request larger than the whole budget waits for a full bucket
		if burst := c.tokens.Burst(); tokens > burst {
			tokens = burst
		}
		if err := c.tokens.WaitN(ctx, tokens); err != nil {
			return err
		}
	}
	return nil
}

func (c *rateLimitedClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.wait(ctx, estimateTokensForPrompt(prompt)); err != nil {
		return "", err
	}
	return c.delegate.Complete(ctx, prompt)
}

func (c *rateLimitedClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := c.wait(ctx, estimateTokensForRequest(req)); err != nil {
		return nil, err
	}
	return c.delegate.CompleteWithRequest(ctx, req)
}

func (c *rateLimitedClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	if err := c.wait(ctx, estimateTokensForRequest(req)); err != nil {
		return err
	}
	return c.delegate.Stream(ctx, req, callback)
}

func (c *rateLimitedClient) GetModelName() string {
	return c.delegate.GetModelName()
}

func estimateTokensForPrompt(prompt string) int {
	estimated := EstimateTokenCount(prompt)
	if estimated < minTokenEstimate {
		estimated = minTokenEstimate
	}
	return estimated + defaultResponseTokenEstimate
}

func estimateTokensForRequest(req *CompletionRequest) int {
	if req == nil {
		return defaultResponseTokenEstimate
	}

	tokens := EstimateTokenCount(req.SystemPrompt)
	for _, msg := range req.Messages {
		tokens += EstimateTokenCountForMessage(msg)
	}
	if tokens < minTokenEstimate {
		tokens = minTokenEstimate
	}

	if req.MaxTokens > 0 {
		return tokens + req.MaxTokens
	}
	return tokens + defaultResponseTokenEstimate
}
