package loom

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// TextExtractor is the capability the extract_text executor consumes: look
// up an uploaded file by id and return its extracted text. Implemented by
// the extract package over the file store; failures (missing file, not a
// PDF, encrypted, oversized, no extractable text) surface as errors.
type TextExtractor interface {
	ExtractText(ctx context.Context, fileID string) (string, error)
}

// llmCallTimeout bounds a single generative_ai LLM request.
const llmCallTimeout = 60 * time.Second

// defaultMaxTokens is applied when a generative_ai config omits max_tokens.
const defaultMaxTokens = 1000

// defaultTemperature is applied when a generative_ai config omits temperature.
const defaultTemperature = 0.7

// Executors runs one node's transform given its config snapshot and
// aggregated input. Executors are referentially pure given their inputs and
// services: no per-invocation state is retained, so one value is shared by
// all concurrent steps.
type Executors struct {
	extractor TextExtractor
	provider  Provider
	logger    *slog.Logger
	now       func() time.Time
}

// ExecutorOption configures Executors.
type ExecutorOption func(*Executors)

// WithExecutorLogger sets the structured logger (default: no output).
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executors) { e.logger = l }
}

// WithClock overrides the time source used for agent budget accounting.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executors) { e.now = now }
}

// NewExecutors bundles the services node executors depend on.
func NewExecutors(extractor TextExtractor, provider Provider, opts ...ExecutorOption) *Executors {
	e := &Executors{
		extractor: extractor,
		provider:  provider,
		logger:    nopLogger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute dispatches one node by type. The config snapshot is re-validated
// here as defense in depth: nodes are validated at creation time, but the
// snapshot is what actually runs.
func (e *Executors) Execute(ctx context.Context, nodeType NodeType, snapshot json.RawMessage, inputText string) (string, error) {
	switch nodeType {
	case NodeExtractText:
		return e.executeExtractText(ctx, snapshot)
	case NodeGenerativeAI:
		return e.executeGenerative(ctx, snapshot, inputText)
	case NodeFormatter:
		return e.executeFormatter(snapshot, inputText)
	case NodeAgent:
		return e.executeAgent(ctx, snapshot, inputText)
	default:
		return "", Validationf("unknown node type: %s", nodeType)
	}
}

// executeExtractText reads the referenced file from the store and extracts
// its text. Input text is ignored by design; the file is re-read on every
// run so executors stay stateless.
func (e *Executors) executeExtractText(ctx context.Context, snapshot json.RawMessage) (string, error) {
	cfg, err := ParseExtractTextConfig(snapshot)
	if err != nil {
		return "", err
	}
	text, err := e.extractor.ExtractText(ctx, cfg.FileID)
	if err != nil {
		return "", err
	}
	e.logger.Debug("extract_text completed", "file_id", cfg.FileID, "chars", len(text))
	return text, nil
}

// executeGenerative substitutes the input into the prompt and calls the LLM.
func (e *Executors) executeGenerative(ctx context.Context, snapshot json.RawMessage, inputText string) (string, error) {
	cfg, err := ParseGenerativeConfig(snapshot)
	if err != nil {
		return "", err
	}

	prompt := BuildPrompt(cfg.Prompt, inputText)

	req := ChatRequest{
		Model:       cfg.Model,
		Messages:    []ChatMessage{UserMessage(prompt)},
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	}
	if req.Temperature == nil {
		t := defaultTemperature
		req.Temperature = &t
	}
	if req.MaxTokens == nil {
		n := defaultMaxTokens
		req.MaxTokens = &n
	}

	callCtx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()

	e.logger.Info("llm call",
		"model", cfg.Model,
		"prompt_chars", len(prompt),
		"input_chars", len(inputText))

	resp, err := e.provider.Chat(callCtx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// executeFormatter applies the configured rules in order.
func (e *Executors) executeFormatter(snapshot json.RawMessage, inputText string) (string, error) {
	cfg, err := ParseFormatterConfig(snapshot)
	if err != nil {
		return "", err
	}
	return ApplyRules(inputText, cfg.Rules)
}

// executeAgent delegates to the bounded agent runtime. Any termination
// other than objective_met fails the step.
func (e *Executors) executeAgent(ctx context.Context, snapshot json.RawMessage, inputText string) (string, error) {
	cfg, err := ParseAgentConfig(snapshot)
	if err != nil {
		return "", err
	}
	run := newAgentRun(cfg, e.provider, e.logger, e.now)
	return run.Execute(ctx, inputText)
}

// BuildPrompt substitutes input into prompt at the {text} placeholder.
// Prompts without the placeholder are used verbatim with the input appended
// after a blank line.
func BuildPrompt(prompt, input string) string {
	if strings.Contains(prompt, "{text}") {
		return strings.ReplaceAll(prompt, "{text}", input)
	}
	if input == "" {
		return prompt
	}
	return prompt + "\n\n" + input
}
