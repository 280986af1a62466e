package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqkit/cqkit/pkg/cqkit/breaker"
	cqerrors "github.com/cqkit/cqkit/pkg/cqkit/errors"
	"github.com/cqkit/cqkit/pkg/cqkit/observability"
)

// Store persists published envelopes for replay. Implementations must be
// safe for concurrent use.
type Store interface {
	// Append persists an envelope.
	Append(ctx context.Context, evt *Envelope) error

	// Range returns envelopes whose timestamp falls in [from, to] and whose
	// type matches the filter. A zero `to` means no upper bound; an empty
	// filter matches all types.
	Range(ctx context.Context, from, to time.Time, types []string) ([]*Envelope, error)
}

// Coordinator is the optional external coordination store (a
// Redis-compatible KV + pub/sub service). It is a soft dependency: failures
// degrade the bus to in-memory persistence and single-process fan-out.
type Coordinator interface {
	// Persist stores the wire envelope under the coordination key space.
	Persist(ctx context.Context, evt *Envelope) error

	// Broadcast publishes the wire envelope on the event type's channel for
	// other processes to consume.
	Broadcast(ctx context.Context, evt *Envelope) error

	// Connected reports whether the store is reachable.
	Connected(ctx context.Context) bool
}

// SchemaValidator is the read-only boundary to the event schema registry.
// The registry itself lives outside this module; the bus only consults it
// before dispatch when configured.
type SchemaValidator interface {
	Validate(evt *Envelope) error
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// MaxConcurrent caps simultaneously-processing events bus-wide.
	// Default: 100
	MaxConcurrent int

	// BreakerEnabled wraps each handler invocation in a per-handler circuit
	// breaker.
	BreakerEnabled bool

	// Breaker configures the per-handler breakers when enabled.
	Breaker breaker.Config

	// Store persists envelopes for replay (optional).
	Store Store

	// Coordinator forwards envelopes to an external coordination store for
	// cross-process distribution (optional, soft dependency).
	Coordinator Coordinator

	// Validator is consulted before dispatch when set (optional).
	Validator SchemaValidator

	// Middleware applies to every handler invocation, outermost first.
	// Recovery() is always installed ahead of it.
	Middleware []Middleware

	// Logger receives structured dispatch logs. Default: slog.Default()
	Logger *slog.Logger

	// Recorder receives OTel metrics. Default: no-op.
	Recorder observability.MetricsRecorder

	// BackoffFunc computes the retry delay for a given attempt. Default:
	// min(2^attempt, 60) seconds. Overridable for tests.
	BackoffFunc func(attempt int) time.Duration
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	MaxConcurrent: 100,
}

// Bus accepts published events, persists them, and fans them out to all
// registered handlers with retry, circuit-breaking, and dead-lettering.
type Bus struct {
	cfg      BusConfig
	registry *Registry
	dlq      *DeadLetterQueue
	metrics  *metrics
	logger   *slog.Logger
	recorder observability.MetricsRecorder

	sem chan struct{}

	breakerMu sync.Mutex
	breakers  map[string]*breaker.Breaker

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewBus creates an event bus.
func NewBus(cfg BusConfig) *Bus {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultBusConfig.MaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = observability.NoopMetrics{}
	}
	if cfg.BackoffFunc == nil {
		cfg.BackoffFunc = cqerrors.Backoff
	}

	return &Bus{
		cfg:      cfg,
		registry: NewRegistry(),
		dlq:      NewDeadLetterQueue(),
		metrics:  newMetrics(),
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		breakers: make(map[string]*breaker.Breaker),
	}
}

// RegisterHandler adds a handler for the event types it declares.
func (b *Bus) RegisterHandler(h Handler) {
	b.registry.Register(h)
}

// UnregisterHandler removes a handler from all event types.
func (b *Bus) UnregisterHandler(h Handler) {
	b.registry.Unregister(h)
}

// Publish accepts an event, stamps it published, persists it, forwards it
// to the coordination store, and schedules asynchronous dispatch. The
// publisher is never blocked on handler execution.
func (b *Bus) Publish(ctx context.Context, evt *Envelope) (string, error) {
	if evt == nil {
		return "", errors.New("publish: nil event")
	}
	if b.closed.Load() {
		return "", fmt.Errorf("publish %s: bus is closed", evt.ID)
	}

	if b.cfg.Validator != nil {
		if err := b.cfg.Validator.Validate(evt); err != nil {
			return "", fmt.Errorf("publish %s: schema validation: %w", evt.ID, err)
		}
	}

	evt.Status = StatusPublished
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	if b.cfg.Store != nil {
		if err := b.cfg.Store.Append(ctx, evt); err != nil {
			return "", fmt.Errorf("persist event %s: %w", evt.ID, err)
		}
	}

	// The coordination store is a soft dependency; its failure must not
	// block in-process dispatch.
	if b.cfg.Coordinator != nil {
		if err := b.cfg.Coordinator.Persist(ctx, evt); err != nil {
			observability.LogCoordinationDegraded(b.logger, "persist", err)
		}
		if err := b.cfg.Coordinator.Broadcast(ctx, evt); err != nil {
			observability.LogCoordinationDegraded(b.logger, "broadcast", err)
		}
	}

	b.metrics.recordPublished()
	b.recorder.RecordPublish(ctx, evt.Type)
	observability.LogPublish(b.logger, evt.ID, evt.Type, evt.Source)

	b.schedule(evt)
	return evt.ID, nil
}

// PublishBatch publishes each event independently: one event's failure does
// not block the others. It returns the IDs of the accepted events and the
// joined errors of the rejected ones.
func (b *Bus) PublishBatch(ctx context.Context, events []*Envelope) ([]string, error) {
	ids := make([]string, 0, len(events))
	var errs []error

	for _, evt := range events {
		id, err := b.Publish(ctx, evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}

	return ids, errors.Join(errs...)
}

// schedule queues an envelope for dispatch without blocking the caller.
func (b *Bus) schedule(evt *Envelope) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		b.sem <- struct{}{}
		defer func() { <-b.sem }()

		// Dispatch is detached from the publisher's context: publish is
		// fire-and-forget, and Close drains everything already accepted.
		b.process(context.Background(), evt)
	}()
}

// process runs one dispatch attempt for an envelope.
func (b *Bus) process(ctx context.Context, evt *Envelope) {
	ctx, span := observability.StartDispatchSpan(ctx, evt.ID, evt.Type)
	elapsed := observability.TimedOperation()

	evt.Status = StatusProcessing

	handlers := b.registry.HandlersFor(evt.Type)
	if len(handlers) == 0 {
		// An event with no subscribers is not an error: it completes with
		// zero handlers invoked.
		evt.Status = StatusCompleted
		observability.LogNoSubscribers(b.logger, evt.ID, evt.Type)
		d := elapsed()
		b.metrics.recordProcessed(d)
		b.recorder.RecordDispatch(ctx, evt.Type, d, nil)
		observability.EndSpanWithError(span, nil)
		return
	}

	// Handlers run concurrently and independently; one handler's failure is
	// never visible to another.
	var (
		succeeded atomic.Int32
		errMu     sync.Mutex
		lastErr   error
		hwg       sync.WaitGroup
	)

	for _, h := range handlers {
		h := Chain(h, append([]Middleware{Recovery()}, b.cfg.Middleware...)...)
		hwg.Add(1)
		go func() {
			defer hwg.Done()
			if err := b.invoke(ctx, evt, h); err != nil {
				observability.LogHandlerError(b.logger, evt.ID, h.Name(), err)
				errMu.Lock()
				lastErr = err
				errMu.Unlock()
				return
			}
			succeeded.Add(1)
		}()
	}
	hwg.Wait()

	d := elapsed()

	// At-least-once fan-out semantics: the event is completed when any
	// handler accepted it.
	if succeeded.Load() > 0 {
		evt.Status = StatusCompleted
		b.metrics.recordProcessed(d)
		b.recorder.RecordDispatch(ctx, evt.Type, d, nil)
		observability.EndSpanWithError(span, nil)
		return
	}

	b.recorder.RecordDispatch(ctx, evt.Type, d, lastErr)
	observability.EndSpanWithError(span, lastErr)
	b.handleFailure(ctx, evt)
}

// invoke runs a single handler bounded by the event timeout and, when
// enabled, its circuit breaker.
func (b *Bus) invoke(ctx context.Context, evt *Envelope, h Handler) error {
	call := func() error {
		hctx, cancel := context.WithTimeout(ctx, evt.Timeout())
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- h.Handle(hctx, evt)
		}()

		select {
		case err := <-errCh:
			return err
		case <-hctx.Done():
			// The handler goroutine is orphaned, not killed; its context is
			// cancelled so a cooperative handler can release resources.
			return &cqerrors.ExecutionError{
				ID:        evt.ID,
				Handler:   h.Name(),
				Message:   "handler timed out",
				Err:       hctx.Err(),
				Attempt:   evt.RetryCount + 1,
				Timestamp: time.Now(),
			}
		}
	}

	if b.cfg.BreakerEnabled {
		return b.breakerFor(h.Name()).Do(call)
	}
	return call()
}

// breakerFor returns the breaker owned by this bus for a handler,
// creating it on first use.
func (b *Bus) breakerFor(name string) *breaker.Breaker {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()

	br, ok := b.breakers[name]
	if !ok {
		br = breaker.New(name, b.cfg.Breaker)
		b.breakers[name] = br
	}
	return br
}

// handleFailure routes a fully-failed dispatch attempt to retry or the
// dead-letter queue.
func (b *Bus) handleFailure(ctx context.Context, evt *Envelope) {
	b.metrics.recordFailed()

	if evt.RetryCount < evt.MaxRetries {
		evt.RetryCount++
		evt.Status = StatusFailed

		delay := b.cfg.BackoffFunc(evt.RetryCount)
		observability.LogRetryScheduled(b.logger, evt.ID, evt.RetryCount, delay)

		// The retry is an independent rescheduled task; no ordering is
		// guaranteed relative to newly published work.
		time.AfterFunc(delay, func() {
			if b.closed.Load() {
				return
			}
			b.schedule(evt)
		})
		return
	}

	evt.Status = StatusDeadLetter
	b.dlq.Append(evt)
	b.metrics.recordDeadLettered()
	b.recorder.RecordDeadLetter(ctx, evt.Type)
	observability.LogDeadLetter(b.logger, evt.ID, evt.Type, evt.RetryCount+1)
}

// Replay re-dispatches persisted events whose timestamp falls in [from, to]
// and whose type matches the optional filter. Replayed envelopes are marked
// replaying; correlation and causation IDs are never mutated. It returns
// the number of events scheduled.
func (b *Bus) Replay(ctx context.Context, from, to time.Time, types []string) (int, error) {
	if b.cfg.Store == nil {
		return 0, errors.New("replay: no persistent store configured")
	}
	if b.closed.Load() {
		return 0, errors.New("replay: bus is closed")
	}

	events, err := b.cfg.Store.Range(ctx, from, to, types)
	if err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}

	for _, stored := range events {
		replay := stored.Clone()
		replay.Status = StatusReplaying
		b.metrics.recordReplayed()
		b.schedule(replay)
	}

	return len(events), nil
}

// DeadLetterQueue returns a snapshot of the dead-letter queue.
func (b *Bus) DeadLetterQueue() []*Envelope {
	return b.dlq.Snapshot()
}

// ClearDeadLetterQueue empties the dead-letter queue.
func (b *Bus) ClearDeadLetterQueue() {
	b.dlq.Clear()
}

// Requeue takes a dead-lettered event and re-publishes it with a fresh
// retry budget.
func (b *Bus) Requeue(ctx context.Context, eventID string) error {
	evt, ok := b.dlq.Take(eventID)
	if !ok {
		return fmt.Errorf("requeue: event %s not in dead-letter queue", eventID)
	}

	evt.RetryCount = 0
	evt.Status = StatusCreated
	_, err := b.Publish(ctx, evt)
	return err
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	return b.metrics.snapshot()
}

// Health is the bus health report.
type Health struct {
	Status                 string  `json:"status"` // healthy | degraded | closed
	ExternalStoreConnected bool    `json:"external_store_connected"`
	ActiveHandlers         int     `json:"active_handlers"`
	DLQSize                int     `json:"dlq_size"`
	Metrics                Metrics `json:"metrics"`
}

// HealthCheck reports bus health. A configured but unreachable coordination
// store degrades health without failing it.
func (b *Bus) HealthCheck(ctx context.Context) Health {
	h := Health{
		Status:         "healthy",
		ActiveHandlers: b.registry.Len(),
		DLQSize:        b.dlq.Size(),
		Metrics:        b.metrics.snapshot(),
	}

	if b.cfg.Coordinator != nil {
		h.ExternalStoreConnected = b.cfg.Coordinator.Connected(ctx)
		if !h.ExternalStoreConnected {
			h.Status = "degraded"
		}
	}
	if b.closed.Load() {
		h.Status = "closed"
	}

	return h
}

// Close stops intake and waits for in-flight dispatch to drain. Pending
// retry timers are abandoned.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // already closed
	}
	b.wg.Wait()
	return nil
}
