package loom

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testAgentConfig(t *testing.T) AgentConfig {
	t.Helper()
	cfg, err := ParseAgentConfig([]byte(`{
		"objective": "summarize the input",
		"tools": ["llm_call", "formatter"],
		"budgets": {"execution_time": 60},
		"max_retries": 0
	}`))
	if err != nil {
		t.Fatalf("agent config: %v", err)
	}
	return cfg
}

func runAgent(t *testing.T, cfg AgentConfig, p Provider, input string) (string, error) {
	t.Helper()
	run := newAgentRun(cfg, p, nil, nil)
	return run.Execute(context.Background(), input)
}

func TestAgentObjectiveMet(t *testing.T) {
	p := &scriptedProvider{responses: texts(
		`{"action": "llm_call", "prompt": "summarize"}`,
		"a short summary",
		`{"action": "finish"}`,
	)}
	out, err := runAgent(t, testAgentConfig(t), p, "long input text")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "long input text\n\na short summary" {
		t.Errorf("output = %q", out)
	}
}

func TestAgentBareWordFinish(t *testing.T) {
	p := &scriptedProvider{responses: texts("finish")}
	out, err := runAgent(t, testAgentConfig(t), p, "input")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "input" {
		t.Errorf("output = %q", out)
	}
}

func TestAgentIterationLimit(t *testing.T) {
	// The planner never finishes; every iteration plans one llm_call.
	p := &scriptedProvider{responses: texts(
		`{"action": "llm_call", "prompt": "more"}`, "r1",
		`{"action": "llm_call", "prompt": "more"}`, "r2",
		`{"action": "llm_call", "prompt": "more"}`, "r3",
	)}
	_, err := runAgent(t, testAgentConfig(t), p, "input")

	var agentErr *ErrAgent
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %T (%v), want *ErrAgent", err, err)
	}
	if agentErr.Reason != TerminateIterationLimit {
		t.Errorf("reason = %s, want %s", agentErr.Reason, TerminateIterationLimit)
	}
}

func TestAgentPlannerError(t *testing.T) {
	p := &scriptedProvider{responses: texts("I cannot decide what to do next.")}
	_, err := runAgent(t, testAgentConfig(t), p, "input")

	var agentErr *ErrAgent
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %T (%v), want *ErrAgent", err, err)
	}
	if agentErr.Reason != TerminatePlannerError {
		t.Errorf("reason = %s, want %s", agentErr.Reason, TerminatePlannerError)
	}
}

func TestAgentToolError(t *testing.T) {
	p := &scriptedProvider{responses: texts(`{"action": "shell", "prompt": "rm -rf"}`)}
	_, err := runAgent(t, testAgentConfig(t), p, "input")

	var agentErr *ErrAgent
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %T (%v), want *ErrAgent", err, err)
	}
	if agentErr.Reason != TerminateToolError {
		t.Errorf("reason = %s, want %s", agentErr.Reason, TerminateToolError)
	}
	if !strings.Contains(agentErr.Detail, "shell") {
		t.Errorf("detail = %q, want offending tool name", agentErr.Detail)
	}
}

func TestAgentTimeBudgetExhausted(t *testing.T) {
	cfg := testAgentConfig(t)
	cfg.Budgets.ExecutionTime = 1

	// Every clock read advances two seconds past a one-second budget.
	base := time.Unix(0, 0)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 2 * time.Second)
	}

	p := &scriptedProvider{responses: texts(`{"action": "finish"}`)}
	run := newAgentRun(cfg, p, nil, clock)
	_, err := run.Execute(context.Background(), "input")

	var agentErr *ErrAgent
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %T (%v), want *ErrAgent", err, err)
	}
	if agentErr.Reason != TerminateTimeBudget {
		t.Errorf("reason = %s, want %s", agentErr.Reason, TerminateTimeBudget)
	}
}

func TestAgentFormatterTool(t *testing.T) {
	p := &scriptedProvider{responses: texts(
		`{"action": "formatter", "rules": ["uppercase"]}`,
		`{"action": "finish"}`,
	)}
	out, err := runAgent(t, testAgentConfig(t), p, "shout this")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "shout this\n\nSHOUT THIS" {
		t.Errorf("output = %q", out)
	}
}

func TestAgentFormatterFallsBackToConfigRules(t *testing.T) {
	cfg := testAgentConfig(t)
	cfg.FormattingRules = []string{"uppercase"}

	p := &scriptedProvider{responses: texts(
		`{"action": "formatter"}`,
		`{"action": "finish"}`,
	)}
	out, err := runAgent(t, cfg, p, "quiet")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "QUIET") {
		t.Errorf("output = %q, want configured rules applied", out)
	}
}

func TestAgentBatchCalls(t *testing.T) {
	p := &scriptedProvider{responses: texts(
		`{"action": "batch", "calls": [
			{"action": "llm_call", "prompt": "first"},
			{"action": "llm_call", "prompt": "second"}
		]}`,
		"out-1",
		"out-2",
		`{"action": "finish"}`,
	)}
	out, err := runAgent(t, testAgentConfig(t), p, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Both tool outputs land in the scratch.
	for _, want := range []string{"out-1", "out-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestAgentRetriesTransientThenSucceeds(t *testing.T) {
	cfg := testAgentConfig(t)
	two := 2
	cfg.MaxRetries = &two

	p := &scriptedProvider{
		errs:      []error{&ErrHTTP{Status: 429, Body: "slow down"}},
		responses: texts("", `{"action": "finish"}`),
	}
	run := newAgentRun(cfg, p, nil, nil)
	_, err := run.Execute(context.Background(), "input")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reqs := p.recorded(); len(reqs) != 2 {
		t.Errorf("requests = %d, want 2 (one failed, one retried)", len(reqs))
	}
}

func TestParsePlanVariants(t *testing.T) {
	cases := []struct {
		in     string
		action string
		ok     bool
	}{
		{`{"action": "finish"}`, "finish", true},
		{`finish`, "finish", true},
		{`Done`, "finish", true},
		{"Here is my plan: {\"action\": \"llm_call\", \"prompt\": \"p\"}", "llm_call", true},
		{`{"calls": [{"action": "llm_call"}]}`, "batch", true},
		{`no json here`, "", false},
		{`{}`, "", false},
	}
	for _, tc := range cases {
		plan, ok := parsePlan(tc.in)
		if ok != tc.ok {
			t.Errorf("parsePlan(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && plan.Action != tc.action {
			t.Errorf("parsePlan(%q) action = %q, want %q", tc.in, plan.Action, tc.action)
		}
	}
}
