// Package providers holds the chat-completion clients the daemon uses
// for stop-output summarization.
package providers

import "context"

// Client is a single-shot completion client.
type Client interface {
	// Complete sends one prompt and returns the assistant text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// DefaultModel returns the client's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// CompletionRequest is the input for a Complete call.
type CompletionRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}
