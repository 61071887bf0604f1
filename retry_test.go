package loom

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &scriptedProvider{
		errs: []error{
			&ErrHTTP{Status: 429, Body: "rate limited"},
			&ErrHTTP{Status: 503, Body: "overloaded"},
		},
		responses: texts("", "", "finally"),
	}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := p.Chat(context.Background(), ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "finally" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := len(inner.recorded()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryNonTransientFailsImmediately(t *testing.T) {
	inner := &scriptedProvider{
		errs: []error{&ErrHTTP{Status: 400, Body: "bad request"}},
	}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{Model: "gpt-4o"})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 400 {
		t.Fatalf("error = %v, want 400", err)
	}
	if got := len(inner.recorded()); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	transient := &ErrHTTP{Status: 503, Body: "down"}
	inner := &scriptedProvider{
		errs: []error{transient, transient, transient},
	}
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{Model: "gpt-4o"})
	if !IsTransient(err) {
		t.Fatalf("error = %v, want last transient error", err)
	}
	if got := len(inner.recorded()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	inner := &scriptedProvider{
		errs: []error{&ErrHTTP{Status: 429, Body: "rate limited"}},
	}
	p := WithRetry(inner, RetryBaseDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Chat(ctx, ChatRequest{Model: "gpt-4o"})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Chat did not return after cancel")
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	if d := backoffDelay(time.Second, 0); d != time.Second {
		t.Errorf("delay 0 = %v", d)
	}
	if d := backoffDelay(time.Second, 1); d != 2*time.Second {
		t.Errorf("delay 1 = %v", d)
	}
	if d := backoffDelay(time.Second, 2); d != 4*time.Second {
		t.Errorf("delay 2 = %v", d)
	}
}
