package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority classifies an event's urgency for consumers. It is carried on
// the wire and never affects correctness.
type Priority int

// Priorities, lowest to highest.
const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Status tracks an envelope through its lifecycle. Status only moves forward:
//
//	created → published → processing → completed
//	                                 → failed → (retry) processing
//	                                 → failed → dead_letter
//
// Persisted events may re-enter via replaying → processing. Completed and
// dead_letter are terminal (a dead-lettered event can be manually requeued,
// which re-publishes it as a fresh attempt).
type Status string

// Envelope statuses.
const (
	StatusCreated    Status = "created"
	StatusPublished  Status = "published"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusReplaying  Status = "replaying"
)

// Envelope defaults.
const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 30
	DefaultSchemaVersion  = "1.0"
)

// Envelope is an immutable record of one occurrence. Type and Source never
// change once set; Status and RetryCount are mutated only by the bus that
// owns the active processing attempt. The JSON form is the persisted/replay
// wire envelope.
type Envelope struct {
	ID             string         `json:"event_id"`
	Type           string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	Source         string         `json:"source"`
	CorrelationID  string         `json:"correlation_id"`
	CausationID    string         `json:"causation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Priority       Priority       `json:"priority"`
	Status         Status         `json:"status"`
	Version        int            `json:"version"`
	SchemaVersion  string         `json:"schema_version"`
	Metadata       map[string]any `json:"metadata"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Tags           []string       `json:"tags"`
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithID sets a specific event ID (default: generated UUID).
func WithID(id string) Option {
	return func(e *Envelope) { e.ID = id }
}

// WithCorrelationID ties the event into an existing causal chain.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausationID records the id of the event or command that directly
// produced this one.
func WithCausationID(id string) Option {
	return func(e *Envelope) { e.CausationID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now().UTC()).
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) { e.Timestamp = t }
}

// WithPriority sets the scheduling priority.
func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

// WithVersion sets the payload version number.
func WithVersion(v int) Option {
	return func(e *Envelope) { e.Version = v }
}

// WithSchemaVersion sets the schema version string.
func WithSchemaVersion(v string) Option {
	return func(e *Envelope) { e.SchemaVersion = v }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(e *Envelope) { e.MaxRetries = n }
}

// WithTimeout sets the per-handler invocation timeout, rounded to seconds.
func WithTimeout(d time.Duration) Option {
	return func(e *Envelope) { e.TimeoutSeconds = int(d / time.Second) }
}

// WithMetadata attaches transport metadata.
func WithMetadata(md map[string]any) Option {
	return func(e *Envelope) { e.Metadata = md }
}

// WithTags attaches classification tags.
func WithTags(tags ...string) Option {
	return func(e *Envelope) { e.Tags = tags }
}

// New creates an envelope for the given type and source. Type and source are
// required; the ID and correlation ID are generated when not supplied.
func New(eventType, source string, payload map[string]any, opts ...Option) (*Envelope, error) {
	if eventType == "" {
		return nil, errors.New("event type is required")
	}
	if source == "" {
		return nil, errors.New("event source is required")
	}

	e := &Envelope{
		Type:           eventType,
		Source:         source,
		Payload:        payload,
		Priority:       PriorityNormal,
		Status:         StatusCreated,
		Version:        1,
		SchemaVersion:  DefaultSchemaVersion,
		MaxRetries:     DefaultMaxRetries,
		TimeoutSeconds: DefaultTimeoutSeconds,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CorrelationID == "" {
		// No correlation supplied: this event is the root of its chain.
		e.CorrelationID = e.ID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}

	return e, nil
}

// NewFromParent creates an envelope caused by a parent event. It inherits
// the parent's correlation ID and records the parent as causation.
func NewFromParent(parent *Envelope, eventType, source string, payload map[string]any, opts ...Option) (*Envelope, error) {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.ID),
	}
	return New(eventType, source, payload, append(parentOpts, opts...)...)
}

// Timeout returns the per-handler invocation timeout.
func (e *Envelope) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Clone returns a deep-enough copy for independent mutation of Status and
// RetryCount. Payload and Metadata maps are shared; they are immutable by
// contract once published.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Tags = append([]string(nil), e.Tags...)
	return &clone
}

// Marshal serializes the envelope into the wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Unmarshal parses a wire envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, errors.New("unmarshal envelope: missing event_id or event_type")
	}
	return &e, nil
}
