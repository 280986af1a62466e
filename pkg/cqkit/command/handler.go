package command

import (
	"context"
	"time"
)

// Handler owns one command type. Validate and Authorize run before Handle;
// a failure in either is final and is never retried. Handle failures feed
// the retry pipeline.
type Handler interface {
	// CommandType returns the single command type this handler owns.
	CommandType() string

	// Validate checks the command's payload shape and business rules.
	Validate(ctx context.Context, cmd *Command) error

	// Authorize checks that the command's source may perform the change.
	Authorize(ctx context.Context, cmd *Command) error

	// Handle performs the state change and returns its result.
	Handle(ctx context.Context, cmd *Command) (*Result, error)
}

// Result is the outcome of one command execution.
type Result struct {
	Success              bool           `json:"success"`
	CommandID            string         `json:"command_id"`
	ResultData           map[string]any `json:"result_data,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	EventsGenerated      []string       `json:"events_generated,omitempty"`
	ExecutionTime        time.Duration  `json:"execution_time"`
	CompensationCommands []*Command     `json:"compensation_commands,omitempty"`
}

// HandlerFunc adapts plain functions to the Handler interface. ValidateFn
// and AuthorizeFn are optional; a nil check passes.
type HandlerFunc struct {
	Type        string
	ValidateFn  func(ctx context.Context, cmd *Command) error
	AuthorizeFn func(ctx context.Context, cmd *Command) error
	HandleFn    func(ctx context.Context, cmd *Command) (*Result, error)
}

// CommandType implements Handler.
func (h HandlerFunc) CommandType() string { return h.Type }

// Validate implements Handler.
func (h HandlerFunc) Validate(ctx context.Context, cmd *Command) error {
	if h.ValidateFn == nil {
		return nil
	}
	return h.ValidateFn(ctx, cmd)
}

// Authorize implements Handler.
func (h HandlerFunc) Authorize(ctx context.Context, cmd *Command) error {
	if h.AuthorizeFn == nil {
		return nil
	}
	return h.AuthorizeFn(ctx, cmd)
}

// Handle implements Handler.
func (h HandlerFunc) Handle(ctx context.Context, cmd *Command) (*Result, error) {
	return h.HandleFn(ctx, cmd)
}
