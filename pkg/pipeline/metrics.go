package pipeline

import (
	"sync/atomic"
	"time"
)

// Metrics holds pass metrics for observability.
type Metrics struct {
	// ItemsProcessed is the count of successful node invocations
	ItemsProcessed int64
	// Errors is the count of failed node invocations
	Errors int64
	// Skipped is the count of items bypassed by skip-on-falsy stages
	Skipped int64
	// FanOuts is the count of fan-out dispatches
	FanOuts int64
	// ProcessingTime is the accumulated node processing time
	ProcessingTime time.Duration
}

// MetricsCollector is a thread-safe counter set shared by one pipeline's nodes.
type MetricsCollector struct {
	processed        atomic.Int64
	errors           atomic.Int64
	skipped          atomic.Int64
	fanOuts          atomic.Int64
	totalProcessTime atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordProcessed records a successful node invocation.
func (m *MetricsCollector) RecordProcessed(d time.Duration) {
	m.processed.Add(1)
	m.totalProcessTime.Add(int64(d))
}

// RecordError records a failed node invocation.
func (m *MetricsCollector) RecordError() {
	m.errors.Add(1)
}

// RecordSkipped records an item forwarded without running its stage.
func (m *MetricsCollector) RecordSkipped() {
	m.skipped.Add(1)
}

// RecordFanOut records a fan-out dispatch.
func (m *MetricsCollector) RecordFanOut() {
	m.fanOuts.Add(1)
}

// Snapshot returns the current metrics.
func (m *MetricsCollector) Snapshot() Metrics {
	return Metrics{
		ItemsProcessed: m.processed.Load(),
		Errors:         m.errors.Load(),
		Skipped:        m.skipped.Load(),
		FanOuts:        m.fanOuts.Load(),
		ProcessingTime: time.Duration(m.totalProcessTime.Load()),
	}
}

// Reset zeroes all counters.
func (m *MetricsCollector) Reset() {
	m.processed.Store(0)
	m.errors.Store(0)
	m.skipped.Store(0)
	m.fanOuts.Store(0)
	m.totalProcessTime.Store(0)
}
