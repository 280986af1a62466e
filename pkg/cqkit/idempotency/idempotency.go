// Package idempotency provides duplicate suppression for command execution.
//
// A Manager caches the result of each successfully executed command under
// its idempotency key. Re-dispatching the same key returns the cached
// result without re-running the handler. The key defines identity: two
// commands with the same key are duplicates even when their payloads
// differ. Failed executions are never recorded, so a retry of a failed
// command always runs.
package idempotency

import (
	"sync"
	"time"
)

// Manager caches results by idempotency key. Safe for concurrent use; the
// check-then-record sequence around a command execution must be serialized
// by the caller (the command bus holds its per-execution ordering).
type Manager[T any] struct {
	mu      sync.Mutex
	records map[string]record[T]
}

type record[T any] struct {
	result     T
	recordedAt time.Time
}

// New creates an empty manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{records: make(map[string]record[T])}
}

// IsDuplicate reports whether a successful result is already recorded for
// the key.
func (m *Manager[T]) IsDuplicate(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.records[key]
	return ok
}

// Result returns the cached result for the key.
func (m *Manager[T]) Result(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	return rec.result, ok
}

// Record caches a successful result under the key. Later recordings for the
// same key overwrite the earlier ones; callers suppress duplicates before
// executing, so this only happens on explicit re-runs.
func (m *Manager[T]) Record(key string, result T) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key] = record[T]{result: result, recordedAt: time.Now()}
}

// Forget drops the record for a key, forcing the next dispatch to execute.
func (m *Manager[T]) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
}

// Cleanup drops records older than maxAge and returns how many were removed.
func (m *Manager[T]) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, rec := range m.records {
		if rec.recordedAt.Before(cutoff) {
			delete(m.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached results.
func (m *Manager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
