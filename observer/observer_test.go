package observer

import (
	"context"
	"errors"
	"testing"

	loom "github.com/loomworks/loom"
)

type stubProvider struct {
	resp loom.ChatResponse
	err  error
}

func (s *stubProvider) Name() string { return "stub" }
func (s *stubProvider) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	return s.resp, s.err
}

// Without Init the global providers are no-ops; the wrappers must still be
// transparent pass-throughs.
func TestWrapProviderPassThrough(t *testing.T) {
	inst, err := NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}

	want := loom.ChatResponse{Content: "hello", Usage: loom.Usage{InputTokens: 3, OutputTokens: 5}}
	p := WrapProvider(&stubProvider{resp: want}, inst)

	if p.Name() != "stub" {
		t.Errorf("Name = %q", p.Name())
	}
	got, err := p.Chat(context.Background(), loom.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("content = %q, want %q", got.Content, want.Content)
	}
}

func TestWrapProviderPropagatesError(t *testing.T) {
	inst, err := NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}

	wantErr := errors.New("upstream down")
	p := WrapProvider(&stubProvider{err: wantErr}, inst)

	_, err = p.Chat(context.Background(), loom.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
}

func TestHookRecordsTerminalJob(t *testing.T) {
	inst, err := NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	h := NewHook(inst)

	job := loom.Job{
		ID:         "j1",
		WorkflowID: "w1",
		Status:     loom.StatusSucceeded,
		StartedAt:  1000,
		FinishedAt: 1500,
	}
	// Must not panic against no-op providers.
	h.JobStarted(context.Background(), job)
	h.JobFinished(context.Background(), job)
}
