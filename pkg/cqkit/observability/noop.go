package observability

import (
	"context"
	"time"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled.
type NoopMetrics struct{}

// RecordPublish does nothing.
func (NoopMetrics) RecordPublish(ctx context.Context, eventType string) {}

// RecordDispatch does nothing.
func (NoopMetrics) RecordDispatch(ctx context.Context, eventType string, duration time.Duration, err error) {
}

// RecordDeadLetter does nothing.
func (NoopMetrics) RecordDeadLetter(ctx context.Context, eventType string) {}

// RecordCommand does nothing.
func (NoopMetrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
}

// RecordCompensation does nothing.
func (NoopMetrics) RecordCompensation(ctx context.Context, sagaID string, failed bool) {}
