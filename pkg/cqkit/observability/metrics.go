package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an accepted event publication.
	RecordPublish(ctx context.Context, eventType string)

	// RecordDispatch records one complete event dispatch with its outcome.
	RecordDispatch(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordDeadLetter records an event exhausting its retry budget.
	RecordDeadLetter(ctx context.Context, eventType string)

	// RecordCommand records a command execution with its outcome.
	RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error)

	// RecordCompensation records a saga compensation attempt.
	RecordCompensation(ctx context.Context, sagaID string, failed bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	eventsPublished  metric.Int64Counter
	dispatchLatency  metric.Float64Histogram
	dispatchErrors   metric.Int64Counter
	deadLettered     metric.Int64Counter
	commandsExecuted metric.Int64Counter
	commandLatency   metric.Float64Histogram
	compensations    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("cqkit")

	eventsPublished, err := meter.Int64Counter("cqkit.events.published",
		metric.WithDescription("Number of events accepted for publication"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("cqkit.events.dispatch_latency_ms",
		metric.WithDescription("Event dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dispatchErrors, err := meter.Int64Counter("cqkit.events.dispatch_errors",
		metric.WithDescription("Number of failed event dispatches"),
	)
	if err != nil {
		return nil, err
	}

	deadLettered, err := meter.Int64Counter("cqkit.events.dead_lettered",
		metric.WithDescription("Number of events moved to the dead-letter queue"),
	)
	if err != nil {
		return nil, err
	}

	commandsExecuted, err := meter.Int64Counter("cqkit.commands.executed",
		metric.WithDescription("Number of command executions"),
	)
	if err != nil {
		return nil, err
	}

	commandLatency, err := meter.Float64Histogram("cqkit.commands.latency_ms",
		metric.WithDescription("Command execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	compensations, err := meter.Int64Counter("cqkit.sagas.compensations",
		metric.WithDescription("Number of saga compensation attempts"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		eventsPublished:  eventsPublished,
		dispatchLatency:  dispatchLatency,
		dispatchErrors:   dispatchErrors,
		deadLettered:     deadLettered,
		commandsExecuted: commandsExecuted,
		commandLatency:   commandLatency,
		compensations:    compensations,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records an accepted event publication.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string) {
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordDispatch records one complete event dispatch.
func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}

	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDeadLetter records a dead-lettered event.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordCommand records a command execution.
func (m *otelMetrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
		attribute.Bool("success", err == nil),
	}
	m.commandsExecuted.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.commandLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordCompensation records a saga compensation attempt.
func (m *otelMetrics) RecordCompensation(ctx context.Context, sagaID string, failed bool) {
	m.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_id", sagaID),
		attribute.Bool("failed", failed),
	))
}
