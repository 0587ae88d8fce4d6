package api

import (
	"fmt"
	"time"
)

// ConflictError is returned when a second run is started on a thread whose
// lease is still held by a non-terminal run. Never retried.
type ConflictError struct {
	ThreadID string
	RunID    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("thread %s already has active run %s", e.ThreadID, e.RunID)
}

// ValidationError covers malformed tool arguments, incomplete tool-output
// submissions and unknown function names. The run continues where
// possible; for tool calls the error text becomes the call's output.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// ProviderError wraps an upstream 5xx or malformed response. Retried with
// bounded backoff before surfacing.
type ProviderError struct {
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %v", e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimitError signals upstream throttling. RetryAfter carries the
// provider's hint when one was given, zero otherwise.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TimeoutError marks a run or individual tool call that exceeded its
// budget.
type TimeoutError struct {
	Subject string
	Budget  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded budget of %s", e.Subject, e.Budget)
}

// AuthorizationError signals a fingerprint, session or thread ownership
// mismatch. Surfaced immediately, never retried.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "authorization: " + e.Reason
}

// ExpiredSessionError is returned when a guest session is used past its
// TTL. The session is inert; no state is created or mutated.
type ExpiredSessionError struct {
	SessionID string
	ExpiredAt time.Time
}

func (e *ExpiredSessionError) Error() string {
	return fmt.Sprintf("session %s expired at %s", e.SessionID, e.ExpiredAt.Format(time.RFC3339))
}

// InvalidTransitionError reports an attempted run state transition that is
// not in the state machine.
type InvalidTransitionError struct {
	RunID string
	From  RunStatus
	To    RunStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}
