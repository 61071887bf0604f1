package loom

import "context"

// Provider abstracts the LLM backend. Implementations must be safe for
// concurrent use; the engine shares one Provider across all jobs.
type Provider interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}
