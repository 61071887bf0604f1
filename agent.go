package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TerminationReason enumerates why an agent loop stopped.
type TerminationReason string

const (
	TerminateObjectiveMet   TerminationReason = "objective_met"
	TerminateIterationLimit TerminationReason = "iteration_limit"
	TerminateTimeBudget     TerminationReason = "time_budget_exhausted"
	TerminateToolError      TerminationReason = "tool_error"
	TerminatePlannerError   TerminationReason = "planner_error"
)

// plannerModel is the model used for the agent's plan step. The plan step
// is engine-internal; node configs choose models only for llm_call payloads
// they author themselves.
const plannerModel = "gpt-4.1-mini"

// plannerSystemPrompt instructs the LLM to answer with a single action.
const plannerSystemPrompt = `You are the planner of a bounded text-processing agent.
Respond with exactly one JSON object and nothing else. One of:
  {"action": "llm_call", "prompt": "<prompt to run>"}
  {"action": "formatter", "rules": ["lowercase"]}
  {"action": "finish"}
To run several tool calls in parallel, respond with:
  {"action": "batch", "calls": [{"action": "llm_call", "prompt": "..."}, ...]}
Choose "finish" once the objective is met.`

// plannedCall is one action proposed by the planner.
type plannedCall struct {
	Action string   `json:"action"`
	Prompt string   `json:"prompt,omitempty"`
	Rules  []string `json:"rules,omitempty"`
}

// plannerResponse is the decoded plan-step output. Either a single action
// or an explicit batch.
type plannerResponse struct {
	plannedCall
	Calls []plannedCall `json:"calls,omitempty"`
}

// agentRun executes one agent node: a plan/act/observe state machine with
// explicit budget checks at every transition. The loop is bounded by
// max_iterations, budgets.execution_time, per-call timeout_seconds, and
// max_retries for transient upstream errors.
type agentRun struct {
	cfg      AgentConfig
	provider Provider
	logger   *slog.Logger
	now      func() time.Time

	start    time.Time
	deadline time.Time
}

func newAgentRun(cfg AgentConfig, provider Provider, logger *slog.Logger, now func() time.Time) *agentRun {
	if logger == nil {
		logger = nopLogger
	}
	if now == nil {
		now = time.Now
	}
	return &agentRun{cfg: cfg, provider: provider, logger: logger, now: now}
}

// Execute runs the loop. On objective_met it returns the final scratch
// text; every other termination returns the scratch accumulated so far and
// an *ErrAgent carrying the reason.
func (a *agentRun) Execute(ctx context.Context, input string) (string, error) {
	a.start = a.now()
	a.deadline = a.start.Add(time.Duration(a.cfg.Budgets.ExecutionTime * float64(time.Second)))

	scratch := input
	for i := 0; i < a.cfg.MaxIterations; i++ {
		if a.overBudget() {
			return scratch, &ErrAgent{Reason: TerminateTimeBudget}
		}

		plan, err := a.plan(ctx, scratch)
		if err != nil {
			return scratch, err
		}

		a.logger.Debug("agent plan",
			"iteration", i+1,
			"action", plan.Action,
			"batch_size", len(plan.Calls))

		if plan.Action == "finish" {
			a.logger.Info("agent finished",
				"reason", TerminateObjectiveMet,
				"iterations", i+1,
				"elapsed", a.now().Sub(a.start))
			return scratch, nil
		}

		if a.overBudget() {
			return scratch, &ErrAgent{Reason: TerminateTimeBudget}
		}

		calls := plan.Calls
		if len(calls) == 0 {
			calls = []plannedCall{plan.plannedCall}
		}
		outputs, err := a.act(ctx, calls, scratch)
		if err != nil {
			return scratch, err
		}

		// Observe: append tool output to the scratch.
		for _, out := range outputs {
			if scratch == "" {
				scratch = out
			} else if out != "" {
				scratch += "\n\n" + out
			}
		}
	}

	return scratch, &ErrAgent{Reason: TerminateIterationLimit}
}

// plan asks the LLM for the next action. Transient failures retry per
// policy; anything else (including an unparseable reply) is planner_error.
func (a *agentRun) plan(ctx context.Context, scratch string) (plannerResponse, error) {
	state := scratch
	if len([]rune(state)) > 500 {
		state = string([]rune(state)[:500]) + "..."
	}
	prompt := fmt.Sprintf("Objective: %s\nAvailable tools: %s\nCurrent state:\n%s",
		a.cfg.Objective, strings.Join(a.cfg.Tools, ", "), state)

	req := ChatRequest{
		Model: plannerModel,
		Messages: []ChatMessage{
			SystemMessage(plannerSystemPrompt),
			UserMessage(prompt),
		},
	}

	resp, err := a.callWithRetry(ctx, req)
	if err != nil {
		if agentErr, ok := err.(*ErrAgent); ok {
			return plannerResponse{}, agentErr
		}
		return plannerResponse{}, &ErrAgent{Reason: TerminatePlannerError, Detail: err.Error()}
	}

	plan, ok := parsePlan(resp.Content)
	if !ok {
		return plannerResponse{}, &ErrAgent{Reason: TerminatePlannerError, Detail: "unparseable plan: " + truncate(resp.Content, 200)}
	}
	return plan, nil
}

// act dispatches the planned tool calls. A single call runs inline; an
// explicit batch runs concurrently, capped at max_concurrent. Outputs are
// returned in call order.
func (a *agentRun) act(ctx context.Context, calls []plannedCall, scratch string) ([]string, error) {
	if len(calls) == 1 {
		out, err := a.dispatch(ctx, calls[0], scratch)
		if err != nil {
			return nil, err
		}
		return []string{out}, nil
	}

	outputs := make([]string, len(calls))
	errs := make([]error, len(calls))
	sem := make(chan struct{}, a.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call plannedCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outputs[i], errs[i] = a.dispatch(ctx, call, scratch)
		}(i, call)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// dispatch runs one tool call against the whitelist.
func (a *agentRun) dispatch(ctx context.Context, call plannedCall, scratch string) (string, error) {
	if !a.toolAllowed(call.Action) {
		return "", &ErrAgent{Reason: TerminateToolError, Detail: fmt.Sprintf("tool %q not in whitelist", call.Action)}
	}

	switch call.Action {
	case "llm_call":
		prompt := call.Prompt
		if prompt == "" {
			prompt = fmt.Sprintf("Objective: %s\n\nProcess this text: %s", a.cfg.Objective, scratch)
		}
		resp, err := a.callWithRetry(ctx, ChatRequest{
			Model:    plannerModel,
			Messages: []ChatMessage{UserMessage(prompt)},
		})
		if err != nil {
			if agentErr, ok := err.(*ErrAgent); ok {
				return "", agentErr
			}
			return "", &ErrAgent{Reason: TerminateToolError, Detail: err.Error()}
		}
		return resp.Content, nil

	case "formatter":
		rules := call.Rules
		if len(rules) == 0 {
			rules = a.cfg.FormattingRules
		}
		out, err := ApplyRules(scratch, rules)
		if err != nil {
			// Formatter failures are never transient: abort immediately.
			return "", &ErrAgent{Reason: TerminateToolError, Detail: err.Error()}
		}
		return out, nil

	default:
		return "", &ErrAgent{Reason: TerminateToolError, Detail: fmt.Sprintf("unknown tool %q", call.Action)}
	}
}

// callWithRetry sends one LLM request bounded by the per-call timeout and
// the remaining time budget. Transient failures (429/503, transport,
// per-call timeout) back off 1s, 2s, 4s up to max_retries; non-transient
// errors abort immediately.
func (a *agentRun) callWithRetry(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	maxAttempts := 1 + *a.cfg.MaxRetries
	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		remaining := a.deadline.Sub(a.now())
		if remaining <= 0 {
			return ChatResponse{}, &ErrAgent{Reason: TerminateTimeBudget}
		}
		timeout := time.Duration(a.cfg.TimeoutSeconds * float64(time.Second))
		if remaining < timeout {
			timeout = remaining
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := a.provider.Chat(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return ChatResponse{}, ctx.Err()
		}
		if !IsTransient(err) && !isDeadline(err) {
			return ChatResponse{}, err
		}

		last = err
		if attempt < maxAttempts-1 {
			a.logger.Warn("agent retrying transient error",
				"attempt", attempt+1,
				"max_retries", *a.cfg.MaxRetries,
				"error", err)
			if err := sleepCtx(ctx, backoffDelay(time.Second, attempt)); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	return ChatResponse{}, &ErrAgent{Reason: TerminateTimeBudget, Detail: "retries exhausted: " + last.Error()}
}

func (a *agentRun) overBudget() bool {
	return !a.now().Before(a.deadline)
}

func (a *agentRun) toolAllowed(action string) bool {
	for _, t := range a.cfg.Tools {
		if t == action {
			return true
		}
	}
	return false
}

// parsePlan decodes the planner's reply. Accepts a JSON object (possibly
// wrapped in surrounding prose) or the bare words "finish" / "complete".
func parsePlan(content string) (plannerResponse, bool) {
	trimmed := strings.TrimSpace(content)
	switch strings.ToLower(trimmed) {
	case "finish", "complete", "done":
		return plannerResponse{plannedCall: plannedCall{Action: "finish"}}, true
	}

	// Tolerate prose or code fences around the JSON object.
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return plannerResponse{}, false
	}

	var plan plannerResponse
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &plan); err != nil {
		return plannerResponse{}, false
	}
	if plan.Action == "" && len(plan.Calls) == 0 {
		return plannerResponse{}, false
	}
	if plan.Action == "" {
		plan.Action = "batch"
	}
	return plan, true
}

func isDeadline(err error) bool {
	return err == context.DeadlineExceeded || strings.Contains(err.Error(), context.DeadlineExceeded.Error())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
