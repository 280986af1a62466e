// Package saga coordinates multi-command transactions with compensation.
//
// A saga is a strictly ordered sequence of commands. Commands run one at a
// time; the first failure stops forward progress and triggers compensation
// of every previously succeeded command in reverse order. Commands that
// never ran, and the command that failed, are not compensated.
//
// Compensation is best-effort: a failed compensation is recorded and
// logged, never retried, and leaves the saga in the compensation_failed
// state for manual intervention.
//
// The package is generic over the command and result types so the
// dispatching bus owns execution while the manager owns state.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cqkit/cqkit/pkg/cqkit/observability"
)

// Status represents the state of a saga execution.
type Status string

// Saga status constants. A saga that never fails moves running → completed.
// On failure it moves running → compensating → compensated, or
// compensating → compensation_failed when any compensation errors.
const (
	StatusRunning            Status = "running"
	StatusCompensating       Status = "compensating"
	StatusCompleted          Status = "completed"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
)

// Step tracks one command inside a saga.
type Step[C, R any] struct {
	Command           C         `json:"command"`
	Result            R         `json:"result,omitempty"`
	Executed          bool      `json:"executed"`
	Succeeded         bool      `json:"succeeded"`
	Error             string    `json:"error,omitempty"`
	Compensated       bool      `json:"compensated"`
	CompensationError string    `json:"compensation_error,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	FinishedAt        time.Time `json:"finished_at,omitempty"`
}

// Execution tracks a complete saga.
type Execution[C, R any] struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Status      Status       `json:"status"`
	Steps       []Step[C, R] `json:"steps"`
	CurrentStep int          `json:"current_step"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`

	mu sync.Mutex
}

// Clone creates a copy of the execution without the mutex.
func (e *Execution[C, R]) Clone() *Execution[C, R] {
	e.mu.Lock()
	defer e.mu.Unlock()

	clone := &Execution[C, R]{
		ID:          e.ID,
		Name:        e.Name,
		Status:      e.Status,
		Steps:       make([]Step[C, R], len(e.Steps)),
		CurrentStep: e.CurrentStep,
		Error:       e.Error,
		StartedAt:   e.StartedAt,
		FinishedAt:  e.FinishedAt,
	}
	copy(clone.Steps, e.Steps)
	return clone
}

// Manager owns saga state transitions. The command bus drives it: the bus
// executes commands and compensations, the manager records outcomes and
// enforces the status machine.
type Manager[C, R any] struct {
	store    Store[C, R]
	logger   *slog.Logger
	recorder observability.MetricsRecorder
}

// NewManager creates a saga manager backed by the given store.
func NewManager[C, R any](store Store[C, R]) *Manager[C, R] {
	if store == nil {
		store = NewMemoryStore[C, R]()
	}
	return &Manager[C, R]{
		store:    store,
		logger:   slog.Default(),
		recorder: observability.NoopMetrics{},
	}
}

// WithLogger sets the logger for the manager.
func (m *Manager[C, R]) WithLogger(logger *slog.Logger) *Manager[C, R] {
	m.logger = logger
	return m
}

// WithRecorder sets the metrics recorder for the manager.
func (m *Manager[C, R]) WithRecorder(recorder observability.MetricsRecorder) *Manager[C, R] {
	m.recorder = recorder
	return m
}

// Begin creates a running execution for the ordered commands and persists it.
func (m *Manager[C, R]) Begin(ctx context.Context, name string, commands []C) (*Execution[C, R], error) {
	if len(commands) == 0 {
		return nil, errors.New("saga requires at least one command")
	}

	exec := &Execution[C, R]{
		ID:        fmt.Sprintf("saga-%s", uuid.New().String()[:8]),
		Name:      name,
		Status:    StatusRunning,
		Steps:     make([]Step[C, R], len(commands)),
		StartedAt: time.Now().UTC(),
	}
	for i, cmd := range commands {
		exec.Steps[i] = Step[C, R]{Command: cmd}
	}

	if err := m.store.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist saga %s: %w", exec.ID, err)
	}

	m.logger.Info("saga started",
		slog.String("saga_id", exec.ID),
		slog.String("saga_name", name),
		slog.Int("commands", len(commands)),
	)
	return exec, nil
}

// RecordSuccess marks the step at index as succeeded with its result.
func (m *Manager[C, R]) RecordSuccess(ctx context.Context, exec *Execution[C, R], index int, result R) error {
	exec.mu.Lock()
	step := &exec.Steps[index]
	step.Executed = true
	step.Succeeded = true
	step.Result = result
	step.FinishedAt = time.Now().UTC()
	exec.CurrentStep = index + 1
	exec.mu.Unlock()

	return m.persist(ctx, exec)
}

// RecordFailure marks the step at index as failed and moves the saga to
// compensating. Forward progress stops at the failed command.
func (m *Manager[C, R]) RecordFailure(ctx context.Context, exec *Execution[C, R], index int, cause error) error {
	exec.mu.Lock()
	step := &exec.Steps[index]
	step.Executed = true
	step.Succeeded = false
	step.Error = cause.Error()
	step.FinishedAt = time.Now().UTC()
	exec.Status = StatusCompensating
	exec.Error = cause.Error()
	exec.mu.Unlock()

	m.logger.Error("saga command failed, compensating",
		slog.String("saga_id", exec.ID),
		slog.Int("step", index),
		slog.String("error", cause.Error()),
	)
	return m.persist(ctx, exec)
}

// CompensationPlan returns the indices of steps to compensate: every
// succeeded step, in reverse execution order. The failed step and steps
// that never ran are excluded.
func (m *Manager[C, R]) CompensationPlan(exec *Execution[C, R]) []int {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	var plan []int
	for i := len(exec.Steps) - 1; i >= 0; i-- {
		if exec.Steps[i].Succeeded {
			plan = append(plan, i)
		}
	}
	return plan
}

// RecordCompensation records the outcome of one compensation attempt.
// Failures are recorded and logged, never retried.
func (m *Manager[C, R]) RecordCompensation(ctx context.Context, exec *Execution[C, R], index int, compErr error) error {
	exec.mu.Lock()
	step := &exec.Steps[index]
	if compErr != nil {
		step.CompensationError = compErr.Error()
	} else {
		step.Compensated = true
	}
	exec.mu.Unlock()

	observability.LogCompensation(m.logger, exec.ID, fmt.Sprintf("step-%d", index), compErr)
	m.recorder.RecordCompensation(ctx, exec.ID, compErr != nil)
	return m.persist(ctx, exec)
}

// Complete finalizes a fully-succeeded saga.
func (m *Manager[C, R]) Complete(ctx context.Context, exec *Execution[C, R]) error {
	exec.mu.Lock()
	exec.Status = StatusCompleted
	exec.FinishedAt = time.Now().UTC()
	exec.mu.Unlock()

	m.logger.Info("saga completed",
		slog.String("saga_id", exec.ID),
		slog.String("saga_name", exec.Name),
	)
	return m.persist(ctx, exec)
}

// FinishCompensation finalizes a compensated saga: compensated when every
// planned compensation succeeded, compensation_failed otherwise.
func (m *Manager[C, R]) FinishCompensation(ctx context.Context, exec *Execution[C, R]) error {
	exec.mu.Lock()
	exec.Status = StatusCompensated
	for i := range exec.Steps {
		if exec.Steps[i].CompensationError != "" {
			exec.Status = StatusCompensationFailed
			break
		}
	}
	exec.FinishedAt = time.Now().UTC()
	status := exec.Status
	exec.mu.Unlock()

	m.logger.Info("saga compensation finished",
		slog.String("saga_id", exec.ID),
		slog.String("saga_name", exec.Name),
		slog.String("status", string(status)),
	)
	return m.persist(ctx, exec)
}

// Get returns an execution by ID.
func (m *Manager[C, R]) Get(ctx context.Context, sagaID string) (*Execution[C, R], error) {
	return m.store.Get(ctx, sagaID)
}

// List returns executions matching the filter.
func (m *Manager[C, R]) List(ctx context.Context, filter *ListFilter) ([]*Execution[C, R], error) {
	return m.store.List(ctx, filter)
}

func (m *Manager[C, R]) persist(ctx context.Context, exec *Execution[C, R]) error {
	if err := m.store.Update(ctx, exec); err != nil {
		return fmt.Errorf("persist saga %s: %w", exec.ID, err)
	}
	return nil
}
