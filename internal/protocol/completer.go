package protocol

import "context"

// Completer turns a prompt into response text. Errors must be returned
// distinctly from an empty response.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// StreamCompleter additionally produces the response incrementally. onChunk
// is called in arrival order; the returned string is the full text.
type StreamCompleter interface {
	Completer
	CompleteStream(ctx context.Context, prompt string, onChunk func(chunk string) error) (string, error)
}

// CompleterFunc adapts a function to Completer
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

// Complete calls f
func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
