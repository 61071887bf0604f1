package loom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config schemas, one per node type. Validation runs twice by design: at
// node-creation time (reject early with a descriptive error) and again on
// the config snapshot at dispatch time.

// SupportedModels is the generative_ai model whitelist.
var SupportedModels = []string{"gpt-4.1-mini", "gpt-4o", "gpt-5"}

// maxPromptChars caps the generative_ai prompt length.
const maxPromptChars = 4000

// ExtractTextConfig reads a stored PDF and emits its text.
type ExtractTextConfig struct {
	FileID string `json:"file_id"`
}

// GenerativeConfig calls the LLM with the input substituted into Prompt at
// the {text} placeholder. Without a placeholder the prompt is used verbatim
// and the input is appended after a blank line.
type GenerativeConfig struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// FormatterConfig applies text rules in listed order.
type FormatterConfig struct {
	Rules []string `json:"rules"`
}

// AgentBudgets bounds one agent invocation.
type AgentBudgets struct {
	// ExecutionTime is the overall wall-clock budget in seconds.
	ExecutionTime float64 `json:"execution_time"`
}

// AgentConfig drives the bounded plan/act/observe loop.
type AgentConfig struct {
	Objective       string       `json:"objective"`
	Tools           []string     `json:"tools"`
	Budgets         AgentBudgets `json:"budgets"`
	MaxConcurrent   int          `json:"max_concurrent,omitempty"`
	TimeoutSeconds  float64      `json:"timeout_seconds,omitempty"`
	MaxRetries      *int         `json:"max_retries,omitempty"`
	MaxIterations   int          `json:"max_iterations,omitempty"`
	FormattingRules []string     `json:"formatting_rules,omitempty"`
}

// AgentTools is the whitelist of tools an agent node may request.
var AgentTools = []string{"llm_call", "formatter"}

// Agent defaults and policy caps.
const (
	defaultAgentIterations = 3
	defaultAgentTimeout    = 30.0
	defaultAgentRetries    = 3
	maxAgentConcurrent     = 10
	maxAgentTimeout        = 30.0
	maxAgentRetries        = 3
)

// ValidateNodeConfig checks cfg against the schema for node type t.
// Returns *ErrValidation with a descriptive message on failure.
func ValidateNodeConfig(t NodeType, cfg json.RawMessage) error {
	switch t {
	case NodeExtractText:
		_, err := ParseExtractTextConfig(cfg)
		return err
	case NodeGenerativeAI:
		_, err := ParseGenerativeConfig(cfg)
		return err
	case NodeFormatter:
		_, err := ParseFormatterConfig(cfg)
		return err
	case NodeAgent:
		_, err := ParseAgentConfig(cfg)
		return err
	default:
		return Validationf("unknown node type: %s", t)
	}
}

// ParseExtractTextConfig decodes and validates an extract_text config.
func ParseExtractTextConfig(cfg json.RawMessage) (ExtractTextConfig, error) {
	var c ExtractTextConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, Validationf("extract_text config: %v", err)
	}
	if c.FileID == "" {
		return c, Validationf("extract_text config missing required field: file_id")
	}
	return c, nil
}

// ParseGenerativeConfig decodes and validates a generative_ai config.
func ParseGenerativeConfig(cfg json.RawMessage) (GenerativeConfig, error) {
	var c GenerativeConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, Validationf("generative_ai config: %v", err)
	}
	if c.Model == "" {
		return c, Validationf("generative_ai config missing required field: model")
	}
	if !supportedModel(c.Model) {
		return c, Validationf("unsupported model: %s (supported: %s)", c.Model, strings.Join(SupportedModels, ", "))
	}
	if c.Prompt == "" {
		return c, Validationf("generative_ai config missing required field: prompt")
	}
	if n := len([]rune(c.Prompt)); n > maxPromptChars {
		return c, Validationf("prompt too long: %d characters (max %d)", n, maxPromptChars)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return c, Validationf("temperature must be between 0.0 and 2.0")
	}
	if c.MaxTokens != nil && (*c.MaxTokens < 1 || *c.MaxTokens > 4096) {
		return c, Validationf("max_tokens must be between 1 and 4096")
	}
	if c.TopP != nil && (*c.TopP < 0 || *c.TopP > 1) {
		return c, Validationf("top_p must be between 0.0 and 1.0")
	}
	return c, nil
}

// ParseFormatterConfig decodes and validates a formatter config.
// An empty rule list is valid (pass-through).
func ParseFormatterConfig(cfg json.RawMessage) (FormatterConfig, error) {
	var c FormatterConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, Validationf("formatter config: %v", err)
	}
	if c.Rules == nil {
		return c, Validationf("formatter config missing required field: rules")
	}
	if err := ValidateRules(c.Rules); err != nil {
		return c, err
	}
	return c, nil
}

// ParseAgentConfig decodes and validates an agent config, filling defaults
// for optional fields.
func ParseAgentConfig(cfg json.RawMessage) (AgentConfig, error) {
	var c AgentConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return c, Validationf("agent config: %v", err)
	}
	if c.Objective == "" {
		return c, Validationf("agent config missing required field: objective")
	}
	if len(c.Tools) == 0 {
		return c, Validationf("agent tools must be a non-empty list")
	}
	for _, tool := range c.Tools {
		if !agentToolAllowed(tool) {
			return c, Validationf("invalid tool %q (valid tools: %s)", tool, strings.Join(AgentTools, ", "))
		}
	}
	if c.Budgets.ExecutionTime <= 0 {
		return c, Validationf("agent budgets.execution_time must be a positive number of seconds")
	}

	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 1
	}
	if c.MaxConcurrent < 1 || c.MaxConcurrent > maxAgentConcurrent {
		return c, Validationf("max_concurrent must be between 1 and %d", maxAgentConcurrent)
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultAgentTimeout
	}
	if c.TimeoutSeconds < 0 || c.TimeoutSeconds > maxAgentTimeout {
		return c, Validationf("timeout_seconds must be between 0 and %v", maxAgentTimeout)
	}
	if c.MaxRetries == nil {
		n := defaultAgentRetries
		c.MaxRetries = &n
	}
	if *c.MaxRetries < 0 || *c.MaxRetries > maxAgentRetries {
		return c, Validationf("max_retries must be between 0 and %d", maxAgentRetries)
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = defaultAgentIterations
	}
	if c.MaxIterations < 1 {
		return c, Validationf("max_iterations must be at least 1")
	}
	if c.FormattingRules == nil {
		c.FormattingRules = []string{"lowercase"}
	}
	if err := ValidateRules(c.FormattingRules); err != nil {
		return c, fmt.Errorf("agent formatting_rules: %w", err)
	}
	return c, nil
}

func supportedModel(model string) bool {
	for _, m := range SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

func agentToolAllowed(tool string) bool {
	for _, t := range AgentTools {
		if t == tool {
			return true
		}
	}
	return false
}
