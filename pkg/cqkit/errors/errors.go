// Package errors defines the error taxonomy shared by the event and command
// buses.
//
// The taxonomy splits along the retry boundary: validation, authorization,
// and missing-handler failures are final for the call, while execution
// faults (handler errors, panics, timeouts) are retried per the backoff
// schedule before becoming terminal. IsRetryable encodes that split.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError indicates a command was rejected before execution.
// Validation failures are terminal for the call and never retried.
type ValidationError struct {
	CommandID   string
	CommandType string
	Field       string
	Message     string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("command %s validation failed on %s: %s", e.CommandType, e.Field, e.Message)
	}
	return fmt.Sprintf("command %s validation failed: %s", e.CommandType, e.Message)
}

// AuthorizationError indicates a command failed its authorization gate.
// Authorization failures are terminal for the call and never retried.
type AuthorizationError struct {
	CommandID   string
	CommandType string
	Message     string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("command %s not authorized: %s", e.CommandType, e.Message)
}

// ExecutionError indicates a handler returned an error, panicked, or timed
// out. Execution errors are retried per the backoff schedule and become
// terminal once the retry budget is exhausted.
type ExecutionError struct {
	ID        string // event or command ID
	Handler   string // handler that failed, if known
	Message   string
	Err       error
	Attempt   int
	Timestamp time.Time
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.ID, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned when a breaker short-circuits a call during
// its cooldown. It does not consume the caller's retry budget by itself.
type CircuitOpenError struct {
	Handler    string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for handler %s, retry after %s", e.Handler, e.RetryAfter)
}

// NoHandlerError indicates a command has no registered handler. Commands
// have exactly one owner, so absence is fatal rather than a no-op.
type NoHandlerError struct {
	CommandType string
}

// Error implements the error interface.
func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for command type %q", e.CommandType)
}

// SagaCompensationError indicates a compensation command itself failed.
// It is logged and surfaced through metrics, never re-raised to the caller
// who already received the triggering failure.
type SagaCompensationError struct {
	SagaID    string
	CommandID string
	Err       error
}

// Error implements the error interface.
func (e *SagaCompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation command %s failed: %v", e.SagaID, e.CommandID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SagaCompensationError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// IsRetryable reports whether err should consume retry budget. Validation,
// authorization, and missing-handler failures are local and final. A
// circuit-open fast-fail is reported to the caller without charging the
// budget: the handler was never reached. Everything else on the execution
// path is considered transient.
func IsRetryable(err error) bool {
	var ve *ValidationError
	var ae *AuthorizationError
	var nh *NoHandlerError
	var coe *CircuitOpenError
	if errors.As(err, &ve) || errors.As(err, &ae) || errors.As(err, &nh) || errors.As(err, &coe) {
		return false
	}
	return true
}
