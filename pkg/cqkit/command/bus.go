package command

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
	"github.com/cqkit/cqkit/pkg/cqkit/event"
	"github.com/cqkit/cqkit/pkg/cqkit/idempotency"
	"github.com/cqkit/cqkit/pkg/cqkit/observability"
	"github.com/cqkit/cqkit/pkg/cqkit/saga"
)

// EventPublisher receives the events a completed command produces. The
// event bus satisfies this; tests substitute a capture.
type EventPublisher interface {
	Publish(ctx context.Context, evt *event.Envelope) (string, error)
}

// BusConfig configures the command bus.
type BusConfig struct {
	// MaxConcurrent caps simultaneously executing commands. Default: 50
	MaxConcurrent int

	// BreakerEnabled wraps each handler in a circuit breaker.
	BreakerEnabled bool

	// Breaker configures the per-handler breakers when enabled.
	Breaker breaker.Config

	// Publisher receives command.<type>.executed events (optional).
	Publisher EventPublisher

	// SagaStore persists saga executions. Default: in-memory.
	SagaStore saga.Store[*Command, *Result]

	// Logger receives structured execution logs. Default: slog.Default()
	Logger *slog.Logger

	// Recorder receives OTel metrics. Default: no-op.
	Recorder observability.MetricsRecorder

	// BackoffFunc computes the retry delay for a given attempt. Default:
	// min(2^attempt, 60) seconds. Overridable for tests.
	BackoffFunc func(attempt int) time.Duration

	// HistorySize caps the in-memory execution history. Default: 100
	HistorySize int
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	MaxConcurrent: 50,
	HistorySize:   100,
}

// Bus dispatches commands to their single owning handler.
type Bus struct {
	cfg      BusConfig
	logger   *slog.Logger
	recorder observability.MetricsRecorder

	mu       sync.RWMutex
	handlers map[string]Handler

	idem  *idempotency.Manager[*Result]
	sagas *saga.Manager[*Command, *Result]

	sem chan struct{}

	breakerMu sync.Mutex
	breakers  map[string]*breaker.Breaker

	retryMu sync.Mutex
	retries map[string]*time.Timer

	histMu  sync.Mutex
	history []HistoryEntry

	metrics commandMetrics
	closed  atomic.Bool
}

// HistoryEntry records one finished command execution.
type HistoryEntry struct {
	CommandID   string        `json:"command_id"`
	CommandType string        `json:"command_type"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// NewBus creates a command bus.
func NewBus(cfg BusConfig) *Bus {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultBusConfig.MaxConcurrent
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultBusConfig.HistorySize
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
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		handlers: make(map[string]Handler),
		idem:     idempotency.New[*Result](),
		sagas: saga.NewManager[*Command, *Result](cfg.SagaStore).
			WithLogger(cfg.Logger).
			WithRecorder(cfg.Recorder),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		breakers: make(map[string]*breaker.Breaker),
		retries:  make(map[string]*time.Timer),
	}
}

// RegisterHandler installs the single owner of a command type. Registering
// a second handler for an owned type is a configuration error.
func (b *Bus) RegisterHandler(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.handlers[h.CommandType()]; ok {
		return fmt.Errorf("command type %q already owned by %T", h.CommandType(), existing)
	}
	b.handlers[h.CommandType()] = h
	return nil
}

// UnregisterHandler removes the owner of a command type.
func (b *Bus) UnregisterHandler(commandType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, commandType)
}

// Execute dispatches a command to its owning handler and returns the
// result of this attempt. Dispatch order:
//
//  1. idempotency check: a recorded key returns the cached result
//  2. handler lookup: a missing handler is a fatal NoHandlerError
//  3. validation, then authorization: failures are final, never retried
//  4. execution with timeout and optional breaker; a failed attempt
//     returns its failed Result immediately, and the retry (when budget
//     remains) is a fire-and-forget re-dispatch after backoff
//  5. success is recorded under the idempotency key and announced as a
//     command.<type>.executed event caused by this command
func (b *Bus) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	if cmd == nil {
		return nil, errors.New("execute: nil command")
	}
	if b.closed.Load() {
		return nil, fmt.Errorf("execute %s: bus is closed", cmd.ID)
	}

	if cached, ok := b.idem.Result(cmd.IdempotencyKey); ok {
		b.metrics.duplicates.Add(1)
		b.logger.Debug("duplicate command suppressed",
			slog.String("command_id", cmd.ID),
			slog.String("idempotency_key", cmd.IdempotencyKey),
		)
		return cached, nil
	}

	b.mu.RLock()
	handler, ok := b.handlers[cmd.Type]
	b.mu.RUnlock()
	if !ok {
		err := &cqerrors.NoHandlerError{CommandType: cmd.Type}
		b.finish(ctx, cmd, nil, err, 0)
		return nil, err
	}

	ctx, span := observability.StartCommandSpan(ctx, cmd.ID, cmd.Type)
	elapsed := observability.TimedOperation()

	if err := handler.Validate(ctx, cmd); err != nil {
		verr := asValidationError(cmd, err)
		observability.EndSpanWithError(span, verr)
		b.finish(ctx, cmd, nil, verr, elapsed())
		return nil, verr
	}
	cmd.Status = StatusValidated

	if err := handler.Authorize(ctx, cmd); err != nil {
		aerr := asAuthorizationError(cmd, err)
		observability.EndSpanWithError(span, aerr)
		b.finish(ctx, cmd, nil, aerr, elapsed())
		return nil, aerr
	}

	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	cmd.Status = StatusExecuting

	res, err := b.invoke(ctx, cmd, handler)
	duration := elapsed()
	observability.EndSpanWithError(span, err)

	if err != nil {
		if res == nil {
			res = &Result{CommandID: cmd.ID, ErrorMessage: err.Error()}
		}
		res.Success = false
		res.ExecutionTime = duration
		b.finish(ctx, cmd, res, err, duration)
		b.scheduleRetry(cmd, handler, err)
		return res, err
	}

	if res == nil {
		res = &Result{}
	}
	res.Success = true
	res.CommandID = cmd.ID
	res.ExecutionTime = duration

	// Only successful results are recorded: a retried failure must be
	// allowed to run again.
	b.idem.Record(cmd.IdempotencyKey, res)
	b.finish(ctx, cmd, res, nil, duration)
	b.announce(ctx, cmd, res)

	return res, nil
}

// invoke runs the handler once, bounded by the command timeout and the
// optional breaker.
func (b *Bus) invoke(ctx context.Context, cmd *Command, handler Handler) (*Result, error) {
	var res *Result

	call := func() error {
		hctx, cancel := context.WithTimeout(ctx, cmd.Timeout())
		defer cancel()

		type outcome struct {
			res *Result
			err error
		}
		ch := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- outcome{err: &cqerrors.ExecutionError{
						ID:        cmd.ID,
						Handler:   cmd.Type,
						Message:   fmt.Sprintf("handler panic: %v", r),
						Attempt:   cmd.RetryCount + 1,
						Timestamp: time.Now(),
					}}
				}
			}()
			r, err := handler.Handle(hctx, cmd)
			ch <- outcome{res: r, err: err}
		}()

		select {
		case out := <-ch:
			res = out.res
			if out.err != nil {
				return asExecutionError(cmd, out.err)
			}
			return nil
		case <-hctx.Done():
			return &cqerrors.ExecutionError{
				ID:        cmd.ID,
				Handler:   cmd.Type,
				Message:   "handler timed out",
				Err:       hctx.Err(),
				Attempt:   cmd.RetryCount + 1,
				Timestamp: time.Now(),
			}
		}
	}

	var err error
	if b.cfg.BreakerEnabled {
		err = b.breakerFor(cmd.Type).Do(call)
	} else {
		err = call()
	}
	return res, err
}

// scheduleRetry queues a fire-and-forget re-dispatch of a failed command.
// The triggering caller already received the failed result. Final errors
// and circuit-open fast-fails never consume the retry budget.
func (b *Bus) scheduleRetry(cmd *Command, handler Handler, err error) {
	if !cqerrors.IsRetryable(err) || cmd.RetryCount >= cmd.MaxRetries || b.closed.Load() {
		return
	}

	cmd.RetryCount++
	delay := b.cfg.BackoffFunc(cmd.RetryCount)
	observability.LogRetryScheduled(b.logger, cmd.ID, cmd.RetryCount, delay)

	b.retryMu.Lock()
	b.retries[cmd.ID] = time.AfterFunc(delay, func() {
		b.retryMu.Lock()
		delete(b.retries, cmd.ID)
		b.retryMu.Unlock()
		b.redispatch(cmd, handler)
	})
	b.retryMu.Unlock()
}

// cancelRetry abandons a command's pending re-dispatch, if any.
func (b *Bus) cancelRetry(commandID string) {
	b.retryMu.Lock()
	defer b.retryMu.Unlock()
	if t, ok := b.retries[commandID]; ok {
		t.Stop()
		delete(b.retries, commandID)
	}
}

// redispatch runs one retry attempt. Nobody is waiting on it: the outcome
// surfaces through the idempotency cache, the completion event, history,
// and metrics.
func (b *Bus) redispatch(cmd *Command, handler Handler) {
	if b.closed.Load() {
		return
	}

	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	ctx, span := observability.StartCommandSpan(context.Background(), cmd.ID, cmd.Type)
	elapsed := observability.TimedOperation()

	cmd.Status = StatusExecuting
	res, err := b.invoke(ctx, cmd, handler)
	duration := elapsed()
	observability.EndSpanWithError(span, err)

	if err != nil {
		b.finish(ctx, cmd, nil, err, duration)
		b.scheduleRetry(cmd, handler, err)
		return
	}

	if res == nil {
		res = &Result{}
	}
	res.Success = true
	res.CommandID = cmd.ID
	res.ExecutionTime = duration

	b.idem.Record(cmd.IdempotencyKey, res)
	b.finish(ctx, cmd, res, nil, duration)
	b.announce(ctx, cmd, res)
}

// announce publishes the command's completion event, caused by the command.
// Publish failures degrade to a warning: the state change already happened.
func (b *Bus) announce(ctx context.Context, cmd *Command, res *Result) {
	if b.cfg.Publisher == nil {
		return
	}

	evt, err := event.New(
		fmt.Sprintf("command.%s.executed", cmd.Type),
		cmd.Source,
		map[string]any{
			"command_id":       cmd.ID,
			"success":          res.Success,
			"execution_time":   res.ExecutionTime.String(),
			"result_data":      res.ResultData,
			"events_generated": res.EventsGenerated,
		},
		event.WithCorrelationID(cmd.CorrelationID),
		event.WithCausationID(cmd.ID),
	)
	if err == nil {
		_, err = b.cfg.Publisher.Publish(ctx, evt)
	}
	if err != nil {
		b.logger.Warn("failed to announce command completion",
			slog.String("command_id", cmd.ID),
			slog.String("error", err.Error()),
		)
	}
}

// finish records the terminal outcome of a dispatch.
func (b *Bus) finish(ctx context.Context, cmd *Command, res *Result, err error, duration time.Duration) {
	if err == nil {
		cmd.Status = StatusCompleted
		b.metrics.succeeded.Add(1)
	} else {
		cmd.Status = StatusFailed
		b.metrics.failed.Add(1)
	}
	b.metrics.executed.Add(1)
	b.metrics.totalLatency.Add(int64(duration))

	entry := HistoryEntry{
		CommandID:   cmd.ID,
		CommandType: cmd.Type,
		Success:     err == nil,
		Duration:    duration,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	b.record(entry)

	b.recorder.RecordCommand(ctx, cmd.Type, duration, err)
	observability.LogCommandExecuted(b.logger, cmd.ID, cmd.Type, err == nil, duration)
}

func (b *Bus) record(entry HistoryEntry) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	b.history = append(b.history, entry)
	if len(b.history) > b.cfg.HistorySize {
		b.history = b.history[len(b.history)-b.cfg.HistorySize:]
	}
}

// breakerFor returns the breaker for a command type, creating it on first
// use.
func (b *Bus) breakerFor(commandType string) *breaker.Breaker {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()

	br, ok := b.breakers[commandType]
	if !ok {
		br = breaker.New(commandType, b.cfg.Breaker)
		b.breakers[commandType] = br
	}
	return br
}

// History returns a copy of the recent execution history, oldest first.
// A positive limit returns only the most recent entries.
func (b *Bus) History(limit int) []HistoryEntry {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	entries := b.history
	if limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// IdempotencyCleanup drops cached results older than maxAge and returns how
// many were removed.
func (b *Bus) IdempotencyCleanup(maxAge time.Duration) int {
	return b.idem.Cleanup(maxAge)
}

// Sagas exposes the saga manager for inspection of past executions.
func (b *Bus) Sagas() *saga.Manager[*Command, *Result] {
	return b.sagas
}

// Close stops intake and abandons pending retry timers. In-flight Execute
// calls finish normally.
func (b *Bus) Close() error {
	b.closed.Store(true)

	b.retryMu.Lock()
	for id, t := range b.retries {
		t.Stop()
		delete(b.retries, id)
	}
	b.retryMu.Unlock()
	return nil
}

func asValidationError(cmd *Command, err error) error {
	var verr *cqerrors.ValidationError
	if errors.As(err, &verr) {
		return err
	}
	return &cqerrors.ValidationError{
		CommandID:   cmd.ID,
		CommandType: cmd.Type,
		Message:     err.Error(),
	}
}

func asAuthorizationError(cmd *Command, err error) error {
	var aerr *cqerrors.AuthorizationError
	if errors.As(err, &aerr) {
		return err
	}
	return &cqerrors.AuthorizationError{
		CommandID:   cmd.ID,
		CommandType: cmd.Type,
		Message:     err.Error(),
	}
}

func asExecutionError(cmd *Command, err error) error {
	var eerr *cqerrors.ExecutionError
	if errors.As(err, &eerr) {
		return err
	}
	var cerr *cqerrors.CircuitOpenError
	if errors.As(err, &cerr) {
		return err
	}
	return &cqerrors.ExecutionError{
		ID:        cmd.ID,
		Handler:   cmd.Type,
		Message:   err.Error(),
		Err:       err,
		Attempt:   cmd.RetryCount + 1,
		Timestamp: time.Now(),
	}
}
