package loom

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a missing entity. Maps to HTTP 404.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrValidation reports a bad config, bad edge reference, cycle, or
// unsupported rule. Maps to HTTP 400.
type ErrValidation struct {
	Message string
}

func (e *ErrValidation) Error() string { return e.Message }

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return &ErrValidation{Message: fmt.Sprintf(format, args...)}
}

// ErrQueueFull reports refused admission. Maps to HTTP 429.
type ErrQueueFull struct {
	WorkflowID string
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("workflow %s: job queue full", e.WorkflowID)
}

// ErrAgent reports an agent run that terminated without meeting its
// objective. Reason is the termination cause (iteration_limit,
// time_budget_exhausted, tool_error, planner_error); budget exhaustion and
// tool/planner failures share the shape so step records always carry the
// reason.
type ErrAgent struct {
	Reason TerminationReason
	Detail string
}

func (e *ErrAgent) Error() string {
	if e.Detail == "" {
		return "agent terminated: " + string(e.Reason)
	}
	return fmt.Sprintf("agent terminated: %s: %s", e.Reason, e.Detail)
}

// ErrLLM reports an LLM client failure that is not an HTTP status error
// (marshalling, transport, malformed response body).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries a non-2xx status from the LLM API. Status 429 and 503 are
// treated as transient by the retry middleware.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsValidation reports whether err is an ErrValidation.
func IsValidation(err error) bool {
	var e *ErrValidation
	return errors.As(err, &e)
}

// IsQueueFull reports whether err is an ErrQueueFull.
func IsQueueFull(err error) bool {
	var e *ErrQueueFull
	return errors.As(err, &e)
}

// IsTransient reports whether err is a retryable upstream failure:
// an HTTP 429/503 from the LLM API or a transport-level ErrLLM.
func IsTransient(err error) bool {
	var h *ErrHTTP
	if errors.As(err, &h) {
		return h.Status == 429 || h.Status == 503
	}
	var l *ErrLLM
	return errors.As(err, &l)
}
