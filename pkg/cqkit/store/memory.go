// Package store provides event persistence backends for replay: an
// in-memory store for tests and single-process use, and a SQLite store for
// durable single-node deployments.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cqkit/cqkit/pkg/cqkit/event"
)

// ErrStoreClosed is returned when operating on a closed store.
var ErrStoreClosed = errors.New("event store is closed")

// MemoryStore is an in-memory append-only event log.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*event.Envelope
	closed bool
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements event.Store. The stored record is a copy frozen at
// append time; later status changes on the live envelope are not reflected.
func (s *MemoryStore) Append(_ context.Context, evt *event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.events = append(s.events, evt.Clone())
	return nil
}

// Range implements event.Store.
func (s *MemoryStore) Range(_ context.Context, from, to time.Time, types []string) ([]*event.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*event.Envelope
	for _, evt := range s.events {
		if !matches(evt, from, to, types) {
			continue
		}
		out = append(out, evt.Clone())
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func matches(evt *event.Envelope, from, to time.Time, types []string) bool {
	if !from.IsZero() && evt.Timestamp.Before(from) {
		return false
	}
	if !to.IsZero() && evt.Timestamp.After(to) {
		return false
	}
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if evt.Type == t {
			return true
		}
	}
	return false
}

// Compile-time check that MemoryStore implements event.Store.
var _ event.Store = (*MemoryStore)(nil)
