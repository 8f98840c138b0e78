package messaging

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-ipc/contracts"
)

// MetricsCollector collects messenger metrics
type MetricsCollector interface {
	// RecordSent records an outbound request
	RecordSent(label string)

	// RecordCompleted records a settled request
	RecordCompleted(label string, duration time.Duration, success bool)

	// RecordEvicted records a request removed without a response
	RecordEvicted(label string, reason error)

	// RecordReceived records an inbound request and whether a handler took it
	RecordReceived(label string, handled bool)

	// RecordError records a protocol fault
	RecordError(component string, err error)

	// GetStats returns current stats
	GetStats() MetricsStats
}

// MetricsStats contains messenger statistics
type MetricsStats struct {
	RequestsSent      int64
	RequestsSucceeded int64
	RequestsFailed    int64
	Timeouts          int64
	TargetsDestroyed  int64
	Cancellations     int64
	RequestsReceived  int64
	RequestsUnhandled int64
	ErrorCount        int64
	AverageRoundTrip  time.Duration
	ErrorsByComponent map[string]int64
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSent does nothing
func (NoOpMetricsCollector) RecordSent(label string) {}

// RecordCompleted does nothing
func (NoOpMetricsCollector) RecordCompleted(label string, duration time.Duration, success bool) {}

// RecordEvicted does nothing
func (NoOpMetricsCollector) RecordEvicted(label string, reason error) {}

// RecordReceived does nothing
func (NoOpMetricsCollector) RecordReceived(label string, handled bool) {}

// RecordError does nothing
func (NoOpMetricsCollector) RecordError(component string, err error) {}

// GetStats returns empty stats
func (NoOpMetricsCollector) GetStats() MetricsStats {
	return MetricsStats{}
}

// InMemoryMetricsCollector keeps counters in memory
type InMemoryMetricsCollector struct {
	sent, succeeded, failed          atomic.Int64
	timeouts, destroyed, cancelled   atomic.Int64
	received, unhandled, errorsTotal atomic.Int64
	roundTripNanos                   atomic.Int64

	mu       sync.Mutex
	byOrigin map[string]int64
}

// NewInMemoryMetricsCollector creates a new in-memory collector
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{byOrigin: make(map[string]int64)}
}

// RecordSent implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordSent(label string) {
	c.sent.Add(1)
}

// RecordCompleted implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordCompleted(label string, duration time.Duration, success bool) {
	if success {
		c.succeeded.Add(1)
		c.roundTripNanos.Add(int64(duration))
		return
	}
	c.failed.Add(1)
}

// RecordEvicted implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordEvicted(label string, reason error) {
	switch {
	case errors.Is(reason, contracts.ErrTimeout):
		c.timeouts.Add(1)
	case errors.Is(reason, contracts.ErrTargetDestroyed):
		c.destroyed.Add(1)
	default:
		c.cancelled.Add(1)
	}
}

// RecordReceived implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordReceived(label string, handled bool) {
	c.received.Add(1)
	if !handled {
		c.unhandled.Add(1)
	}
}

// RecordError implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordError(component string, err error) {
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.byOrigin[component]++
	c.mu.Unlock()
}

// GetStats implements MetricsCollector
func (c *InMemoryMetricsCollector) GetStats() MetricsStats {
	c.mu.Lock()
	byComponent := make(map[string]int64, len(c.byOrigin))
	for k, v := range c.byOrigin {
		byComponent[k] = v
	}
	c.mu.Unlock()

	stats := MetricsStats{
		RequestsSent:      c.sent.Load(),
		RequestsSucceeded: c.succeeded.Load(),
		RequestsFailed:    c.failed.Load(),
		Timeouts:          c.timeouts.Load(),
		TargetsDestroyed:  c.destroyed.Load(),
		Cancellations:     c.cancelled.Load(),
		RequestsReceived:  c.received.Load(),
		RequestsUnhandled: c.unhandled.Load(),
		ErrorCount:        c.errorsTotal.Load(),
		ErrorsByComponent: byComponent,
	}
	if stats.RequestsSucceeded > 0 {
		stats.AverageRoundTrip = time.Duration(c.roundTripNanos.Load() / stats.RequestsSucceeded)
	}
	return stats
}
