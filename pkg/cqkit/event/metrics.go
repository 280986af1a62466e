package event

import (
	"sync"
	"time"
)

// Metrics is a read-only snapshot of bus counters.
type Metrics struct {
	EventsPublished    int64   `json:"events_published"`
	EventsProcessed    int64   `json:"events_processed"`
	EventsFailed       int64   `json:"events_failed"`
	EventsDeadLettered int64   `json:"events_dead_lettered"`
	EventsReplayed     int64   `json:"events_replayed"`
	SuccessRate        float64 `json:"success_rate"`
	FailureRate        float64 `json:"failure_rate"`
	AvgProcessingMS    float64 `json:"avg_processing_ms"`
	ThroughputPerSec   float64 `json:"throughput_per_sec"`
}

// metrics accumulates bus counters. All updates hold the mutex; the dispatch
// paths touching it are concurrent.
type metrics struct {
	mu sync.Mutex

	published    int64
	processed    int64
	failed       int64
	deadLettered int64
	replayed     int64

	totalProcessing time.Duration
	started         time.Time
}

func newMetrics() *metrics {
	return &metrics{started: time.Now()}
}

func (m *metrics) recordPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
}

func (m *metrics) recordProcessed(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	m.totalProcessing += d
}

func (m *metrics) recordFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *metrics) recordDeadLettered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered++
}

func (m *metrics) recordReplayed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayed++
}

func (m *metrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Metrics{
		EventsPublished:    m.published,
		EventsProcessed:    m.processed,
		EventsFailed:       m.failed,
		EventsDeadLettered: m.deadLettered,
		EventsReplayed:     m.replayed,
	}

	attempts := m.processed + m.failed
	if attempts > 0 {
		snap.SuccessRate = float64(m.processed) / float64(attempts)
		snap.FailureRate = float64(m.failed) / float64(attempts)
	}
	if m.processed > 0 {
		snap.AvgProcessingMS = float64(m.totalProcessing.Milliseconds()) / float64(m.processed)
	}
	if elapsed := time.Since(m.started).Seconds(); elapsed > 0 {
		snap.ThroughputPerSec = float64(m.processed) / elapsed
	}

	return snap
}
