// Package breaker implements a circuit breaker for handler invocations.
//
// A breaker wraps a single integration point so one consistently failing
// handler cannot starve unrelated event types sharing the bus. The state
// machine:
//
//	closed:    normal operation; opens after FailureThreshold consecutive
//	           failures
//	open:      calls fail fast with CircuitOpenError until Timeout elapses
//	           since the last failure, then transitions to half-open
//	half-open: exactly one probe call is allowed; success closes the
//	           breaker (failure count reset), failure re-opens it and
//	           restarts the timer
package breaker

import (
	"sync"
	"time"

	cqerrors "github.com/cqkit/cqkit/pkg/cqkit/errors"
)

// State identifies the breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default: 5
	FailureThreshold int

	// Timeout is the cooldown before an open breaker allows a probe.
	// Default: 60s
	Timeout time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// DefaultConfig provides the standard thresholds.
var DefaultConfig = Config{
	FailureThreshold: 5,
	Timeout:          60 * time.Second,
}

// Breaker protects a single handler. Safe for concurrent use; all
// read-modify-write sequences on the failure count are serialized.
type Breaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time
	probing      bool
}

// New creates a breaker for the named handler.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
	}
}

// Do runs fn under the breaker. When the breaker is open it returns
// CircuitOpenError without invoking fn; otherwise fn's outcome is recorded.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow admits a call or returns CircuitOpenError.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Sub(b.lastFailure) < b.cfg.Timeout {
			return &cqerrors.CircuitOpenError{
				Handler:    b.name,
				OpenedAt:   b.lastFailure,
				RetryAfter: b.cfg.Timeout - now.Sub(b.lastFailure),
			}
		}
		// Cooldown elapsed: move to half-open and take the single probe slot.
		b.state = StateHalfOpen
		b.probing = true
		return nil

	case StateHalfOpen:
		if b.probing {
			return &cqerrors.CircuitOpenError{
				Handler:    b.name,
				OpenedAt:   b.lastFailure,
				RetryAfter: b.cfg.Timeout,
			}
		}
		b.probing = true
		return nil
	}

	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.probing = false
	b.state = StateClosed
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock()
	b.lastFailure = now

	if b.state == StateHalfOpen {
		// Failed probe: re-open and restart the timer.
		b.state = StateOpen
		b.probing = false
		return
	}

	b.failureCount++
	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = StateOpen
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Name returns the handler name this breaker protects.
func (b *Breaker) Name() string {
	return b.name
}
