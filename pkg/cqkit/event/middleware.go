package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cqerrors "github.com/cqkit/cqkit/pkg/cqkit/errors"
)

// Middleware wraps handlers to add cross-cutting concerns.
type Middleware func(next Handler) Handler

// Chain applies middleware in order, with the first middleware outermost.
func Chain(handler Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// wrapped preserves the inner handler's identity while replacing Handle.
type wrapped struct {
	Handler
	fn func(ctx context.Context, evt *Envelope) error
}

func (w wrapped) Handle(ctx context.Context, evt *Envelope) error {
	return w.fn(ctx, evt)
}

// Recovery converts handler panics into ExecutionErrors so they feed the
// normal retry / dead-letter path instead of crashing the dispatcher.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return wrapped{Handler: next, fn: func(ctx context.Context, evt *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &cqerrors.ExecutionError{
						ID:        evt.ID,
						Handler:   next.Name(),
						Message:   fmt.Sprintf("handler panic: %v", r),
						Timestamp: time.Now(),
					}
				}
			}()
			return next.Handle(ctx, evt)
		}}
	}
}

// Logging logs each handler invocation with its duration and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return wrapped{Handler: next, fn: func(ctx context.Context, evt *Envelope) error {
			start := time.Now()
			err := next.Handle(ctx, evt)
			if logger != nil {
				attrs := []any{
					slog.String("event_id", evt.ID),
					slog.String("event_type", evt.Type),
					slog.String("handler", next.Name()),
					slog.Duration("duration", time.Since(start)),
				}
				if err != nil {
					logger.Error("handler failed", append(attrs, slog.String("error", err.Error()))...)
				} else {
					logger.Debug("handler completed", attrs...)
				}
			}
			return err
		}}
	}
}
