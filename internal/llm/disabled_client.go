package llm

import "context"

type notConfiguredError struct{}

func (notConfiguredError) Error() string {
	return "llm: no completion backend configured"
}

func (notConfiguredError) PublicMessage() string {
	return "AI offline: configure an API key on the server"
}

// ErrNotConfigured is returned by the disabled client. Its PublicMessage is
// safe to show to operators.
var ErrNotConfigured error = notConfiguredError{}

// disabledClient stands in when no API key is configured
type disabledClient struct {
	model string
}

// NewDisabledClient returns a Client whose every call fails with
// ErrNotConfigured
func NewDisabledClient(model string) Client {
	return &disabledClient{model: model}
}

func (c *disabledClient) CompleteWithRequest(context.Context, *CompletionRequest) (*CompletionResponse, error) {
	return nil, ErrNotConfigured
}

func (c *disabledClient) Complete(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (c *disabledClient) Stream(context.Context, *CompletionRequest, func(string) error) error {
	return ErrNotConfigured
}

func (c *disabledClient) GetModelName() string {
	return c.model
}
