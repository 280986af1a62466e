// Package observability provides structured logging, metrics, and tracing
// for the event and command buses.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds bus dispatch context to a logger.
// Returns a new logger with event_id, event_type, and attempt fields.
func EnrichLogger(logger *slog.Logger, eventID, eventType string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("attempt", attempt),
	)
}

// LogPublish logs an accepted event publication.
func LogPublish(logger *slog.Logger, eventID, eventType, source string) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("source", source),
	)
}

// LogNoSubscribers logs an event completing with zero handlers.
func LogNoSubscribers(logger *slog.Logger, eventID, eventType string) {
	if logger == nil {
		return
	}
	logger.Warn("no handlers registered for event type, marking completed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
	)
}

// LogHandlerError logs a single handler failure.
func LogHandlerError(logger *slog.Logger, eventID, handler string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.String("error", err.Error()),
	)
}

// LogRetryScheduled logs a retry being scheduled for a failed event or command.
func LogRetryScheduled(logger *slog.Logger, id string, attempt int, delay time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("retry scheduled",
		slog.String("id", id),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// LogDeadLetter logs an event moving to the dead-letter queue.
func LogDeadLetter(logger *slog.Logger, eventID, eventType string, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("attempts", attempts),
	)
}

// LogCoordinationDegraded logs an external coordination store failure.
// The store is a soft dependency; dispatch continues in-process.
func LogCoordinationDegraded(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("coordination store unavailable, continuing in-process",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogCommandExecuted logs a completed command execution.
func LogCommandExecuted(logger *slog.Logger, commandID, commandType string, success bool, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("command executed",
		slog.String("command_id", commandID),
		slog.String("command_type", commandType),
		slog.Bool("success", success),
		slog.Duration("duration", duration),
	)
}

// LogCompensation logs a saga compensation attempt.
func LogCompensation(logger *slog.Logger, sagaID, commandID string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("saga compensation failed",
			slog.String("saga_id", sagaID),
			slog.String("command_id", commandID),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("saga compensation executed",
		slog.String("saga_id", sagaID),
		slog.String("command_id", commandID),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
