package saga

import (
	"context"
	"fmt"
	"sync"
)

// Store persists saga executions for durability and inspection.
// Implementations must be safe for concurrent use.
type Store[C, R any] interface {
	// Create persists a new execution.
	Create(ctx context.Context, exec *Execution[C, R]) error

	// Update persists changes to an existing execution.
	Update(ctx context.Context, exec *Execution[C, R]) error

	// Get retrieves an execution by ID.
	Get(ctx context.Context, sagaID string) (*Execution[C, R], error)

	// List returns executions matching the filter.
	List(ctx context.Context, filter *ListFilter) ([]*Execution[C, R], error)

	// Delete removes an execution.
	Delete(ctx context.Context, sagaID string) error
}

// ListFilter specifies criteria for listing executions.
type ListFilter struct {
	// Name filters by saga name.
	Name string

	// Status filters by execution status.
	Status Status

	// Limit is the maximum number of results.
	Limit int
}

// ErrExecutionNotFound is returned when an execution cannot be found.
var ErrExecutionNotFound = fmt.Errorf("saga execution not found")

// MemoryStore is an in-memory Store implementation.
// Suitable for testing and single-instance deployments.
type MemoryStore[C, R any] struct {
	executions map[string]*Execution[C, R]
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory saga store.
func NewMemoryStore[C, R any]() *MemoryStore[C, R] {
	return &MemoryStore[C, R]{
		executions: make(map[string]*Execution[C, R]),
	}
}

// Create persists a new execution.
func (s *MemoryStore[C, R]) Create(_ context.Context, exec *Execution[C, R]) error {
	if exec.ID == "" {
		return fmt.Errorf("saga ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("saga %q already exists", exec.ID)
	}

	s.executions[exec.ID] = exec.Clone()
	return nil
}

// Update persists changes to an existing execution.
func (s *MemoryStore[C, R]) Update(_ context.Context, exec *Execution[C, R]) error {
	if exec.ID == "" {
		return fmt.Errorf("saga ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; !exists {
		return ErrExecutionNotFound
	}

	s.executions[exec.ID] = exec.Clone()
	return nil
}

// Get retrieves an execution by ID.
func (s *MemoryStore[C, R]) Get(_ context.Context, sagaID string) (*Execution[C, R], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[sagaID]
	if !exists {
		return nil, ErrExecutionNotFound
	}

	return exec.Clone(), nil
}

// List returns executions matching the filter.
func (s *MemoryStore[C, R]) List(_ context.Context, filter *ListFilter) ([]*Execution[C, R], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Execution[C, R]
	for _, exec := range s.executions {
		if filter != nil {
			if filter.Name != "" && exec.Name != filter.Name {
				continue
			}
			if filter.Status != "" && exec.Status != filter.Status {
				continue
			}
		}
		result = append(result, exec.Clone())
	}

	if filter != nil && filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// Delete removes an execution.
func (s *MemoryStore[C, R]) Delete(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[sagaID]; !exists {
		return ErrExecutionNotFound
	}

	delete(s.executions, sagaID)
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store[any, any] = (*MemoryStore[any, any])(nil)
