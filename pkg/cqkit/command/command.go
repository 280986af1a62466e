// Package command implements the command side of the bus: single-owner
// dispatch with validation, authorization, idempotency, retry, and saga
// orchestration.
//
// Unlike events, a command type has exactly one handler. Dispatch is
// synchronous: the caller gets the handler's Result (or the cached result
// of an earlier execution with the same idempotency key). Validation and
// authorization failures are final; execution failures are retried with
// exponential backoff up to the command's retry budget.
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status tracks a command through its lifecycle.
type Status string

// Command statuses.
const (
	StatusCreated   Status = "created"
	StatusValidated Status = "validated"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Command defaults.
const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 30
)

// Command is a request for one state change, owned by exactly one handler.
type Command struct {
	ID             string         `json:"command_id"`
	Type           string         `json:"command_type"`
	Payload        map[string]any `json:"payload"`
	Source         string         `json:"source"`
	CorrelationID  string         `json:"correlation_id"`
	CausationID    string         `json:"causation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         Status         `json:"status"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// Option configures command creation.
type Option func(*Command)

// WithID sets a specific command ID (default: generated UUID).
func WithID(id string) Option {
	return func(c *Command) { c.ID = id }
}

// WithCorrelationID ties the command into an existing causal chain.
func WithCorrelationID(id string) Option {
	return func(c *Command) { c.CorrelationID = id }
}

// WithCausationID records the id of the event or command that produced
// this one.
func WithCausationID(id string) Option {
	return func(c *Command) { c.CausationID = id }
}

// WithIdempotencyKey overrides the default type:correlation key.
func WithIdempotencyKey(key string) Option {
	return func(c *Command) { c.IdempotencyKey = key }
}

// WithMaxRetries overrides the execution retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Command) { c.MaxRetries = n }
}

// WithTimeout sets the handler execution timeout, rounded to seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) { c.TimeoutSeconds = int(d / time.Second) }
}

// WithMetadata attaches transport metadata.
func WithMetadata(md map[string]any) Option {
	return func(c *Command) { c.Metadata = md }
}

// New creates a command of the given type. Type and source are required.
// The idempotency key defaults to type:correlation_id, so re-dispatching
// the same logical request is suppressed regardless of payload differences.
func New(commandType, source string, payload map[string]any, opts ...Option) (*Command, error) {
	if commandType == "" {
		return nil, errors.New("command type is required")
	}
	if source == "" {
		return nil, errors.New("command source is required")
	}

	c := &Command{
		Type:           commandType,
		Source:         source,
		Payload:        payload,
		Status:         StatusCreated,
		MaxRetries:     DefaultMaxRetries,
		TimeoutSeconds: DefaultTimeoutSeconds,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CorrelationID == "" {
		c.CorrelationID = c.ID
	}
	if c.IdempotencyKey == "" {
		c.IdempotencyKey = fmt.Sprintf("%s:%s", c.Type, c.CorrelationID)
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if c.Payload == nil {
		c.Payload = make(map[string]any)
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}

	return c, nil
}

// Timeout returns the handler execution timeout.
func (c *Command) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
