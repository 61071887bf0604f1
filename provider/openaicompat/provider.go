// Package openaicompat implements loom.Provider for any OpenAI-compatible
// chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	loom "github.com/loomworks/loom"
)

// Provider sends blocking chat completion requests. The engine never
// streams; node outputs are persisted whole.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client. The engine sets
// per-call deadlines via context, so the default client carries no timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithName overrides the provider name used in errors and logs.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLogger sets a structured logger. Request logs never include the API
// key or message contents.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func New(baseURL, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
// Non-2xx statuses come back as *loom.ErrHTTP so the retry middleware can
// classify 429/503 as transient.
func (p *Provider) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if p.logger != nil {
			p.logger.Warn("chat request failed",
				"provider", p.name,
				"model", req.Model,
				"status", resp.StatusCode,
				"duration", time.Since(start))
		}
		return loom.ChatResponse{}, &loom.ErrHTTP{Status: resp.StatusCode, Body: string(raw)}
	}

	var wire chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return loom.ChatResponse{}, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(wire.Choices) == 0 {
		return loom.ChatResponse{}, &loom.ErrLLM{Provider: p.name, Message: "response contains no choices"}
	}

	if p.logger != nil {
		p.logger.Debug("chat request completed",
			"provider", p.name,
			"model", req.Model,
			"input_tokens", wire.Usage.PromptTokens,
			"output_tokens", wire.Usage.CompletionTokens,
			"duration", time.Since(start))
	}

	return loom.ChatResponse{
		Content: wire.Choices[0].Message.Content,
		Usage: loom.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}, nil
}

// sendHTTP marshals the request body and posts it to the completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body chatCompletionRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("send request: %v", err)}
	}
	return resp, nil
}

// Compile-time interface check.
var _ loom.Provider = (*Provider)(nil)
