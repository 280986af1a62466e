package command

import (
	"context"
	"sync/atomic"
	"time"
)

// commandMetrics accumulates bus counters with atomics; the snapshot
// derives the rates.
type commandMetrics struct {
	executed     atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	duplicates   atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// Metrics is a read-only snapshot of command bus counters.
type Metrics struct {
	CommandsExecuted     int64   `json:"commands_executed"`
	CommandsSucceeded    int64   `json:"commands_succeeded"`
	CommandsFailed       int64   `json:"commands_failed"`
	DuplicatesSuppressed int64   `json:"duplicates_suppressed"`
	SuccessRate          float64 `json:"success_rate"`
	AvgLatencyMS         float64 `json:"avg_latency_ms"`
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	executed := b.metrics.executed.Load()
	snap := Metrics{
		CommandsExecuted:     executed,
		CommandsSucceeded:    b.metrics.succeeded.Load(),
		CommandsFailed:       b.metrics.failed.Load(),
		DuplicatesSuppressed: b.metrics.duplicates.Load(),
	}
	if executed > 0 {
		snap.SuccessRate = float64(snap.CommandsSucceeded) / float64(executed)
		total := time.Duration(b.metrics.totalLatency.Load())
		snap.AvgLatencyMS = float64(total.Milliseconds()) / float64(executed)
	}
	return snap
}

// Health is the command bus health report.
type Health struct {
	Status               string  `json:"status"` // healthy | closed
	RegisteredHandlers   int     `json:"registered_handlers"`
	IdempotencyCacheSize int     `json:"idempotency_cache_size"`
	Metrics              Metrics `json:"metrics"`
}

// HealthCheck reports command bus health.
func (b *Bus) HealthCheck(_ context.Context) Health {
	b.mu.RLock()
	handlers := len(b.handlers)
	b.mu.RUnlock()

	h := Health{
		Status:               "healthy",
		RegisteredHandlers:   handlers,
		IdempotencyCacheSize: b.idem.Len(),
		Metrics:              b.Metrics(),
	}
	if b.closed.Load() {
		h.Status = "closed"
	}
	return h
}
