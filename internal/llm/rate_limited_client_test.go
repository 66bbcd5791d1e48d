package llm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClient struct {
	mu      sync.Mutex
	calls   []time.Time
	reqs    []*CompletionRequest
	chunks  []string
	content string
	err     error
}

func (f *fakeClient) recordCall(req *CompletionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	f.reqs = append(f.reqs, req)
}

func (f *fakeClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.recordCall(req)
	if f.err != nil {
		return nil, f.err
	}
	content := f.content
	if content == "" {
		content = "ok"
	}
	return &CompletionResponse{Content: content}, nil
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	f.recordCall(userPrompt(prompt))
	return "ok", f.err
}

func (f *fakeClient) Stream(ctx context.Context, req *CompletionRequest, callback func(chunk string) error) error {
	f.recordCall(req)
	for _, c := range f.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := callback(c); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeClient) GetModelName() string {
	return "fake"
}

func (f *fakeClient) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]time.Time, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeClient) lastRequest() *CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil
	}
	return f.reqs[len(f.reqs)-1]
}

func TestRateLimitedClientEnforcesRequestRate(t *testing.T) {
	base := &fakeClient{}
	// 1200 per minute is one request every 50ms
	client := NewRateLimitedClient(base, 1200, 0)

	ctx := context.Background()
	if _, err := client.Complete(ctx, "first"); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}
	if _, err := client.Complete(ctx, "second"); err != nil {
		t.Fatalf("second completion failed: %v", err)
	}

	times := base.callTimes()
	if len(times) != 2 {
		t.Fatalf("expected 2 calls recorded, got %d", len(times))
	}

	const interval = 50 * time.Millisecond
	diff := times[1].Sub(times[0])
	if diff+5*time.Millisecond < interval {
		t.Fatalf("expected delay of at least %v (got %v)", interval, diff)
	}
}

func TestRateLimitedClientPassthroughWhenDisabled(t *testing.T) {
	base := &fakeClient{}
	client := NewRateLimitedClient(base, 0, 0)

	if client != base {
		t.Fatalf("expected rate limiter to return base client when disabled")
	}
}

func TestRateLimitedClientEnforcesTokenBudget(t *testing.T) {
	base := &fakeClient{}
	const tokensPerMinute = 200
	client := NewRateLimitedClient(base, 0, tokensPerMinute)

	req := &CompletionRequest{
		Messages: []*Message{
			{Role: "user", Content: strings.Repeat("a", 400)}, // ~100 tokens
		},
		MaxTokens: 32,
	}

	if _, err := client.CompleteWithRequest(context.Background(), req); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.CompleteWithRequest(timeoutCtx, req); err == nil {
		t.Fatalf("expected second request to be throttled and respect context timeout")
	}

	if got := len(base.callTimes()); got != 1 {
		t.Fatalf("expected only first request to reach delegate, got %d", got)
	}
}

func TestRateLimitedClientStreamHonoursCancel(t *testing.T) {
	base := &fakeClient{chunks: []string{"a"}}
	client := NewRateLimitedClient(base, 1, 0)

	if err := client.Stream(context.Background(), userPrompt("x"), func(string) error { return nil }); err != nil {
		t.Fatalf("first stream failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Stream(ctx, userPrompt("y"), func(string) error { return nil }); err == nil {
		t.Fatalf("expected cancelled context to abort the wait")
	}
	if got := client.GetModelName(); got != "fake" {
		t.Fatalf("GetModelName = %q", got)
	}
}
