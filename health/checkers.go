package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-ipc/messaging"
)

// Pinger is implemented by transports that can probe their connection,
// such as the RabbitMQ transport.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransportChecker checks that the transport can reach its broker
type TransportChecker struct {
	name   string
	pinger Pinger
}

// NewTransportChecker creates a transport checker
func NewTransportChecker(name string, pinger Pinger) *TransportChecker {
	return &TransportChecker{name: name, pinger: pinger}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "transport unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "transport is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	return result
}

// MessengerSource is the part of messaging.Messenger a MessengerChecker reads
type MessengerSource interface {
	Pending() int
	Closed() bool
	Stats() messaging.MetricsStats
}

// MessengerChecker degrades when too many requests are awaiting a response
type MessengerChecker struct {
	name       string
	messenger  MessengerSource
	maxPending int
}

// NewMessengerChecker creates a messenger checker. maxPending <= 0 disables
// the pending threshold.
func NewMessengerChecker(name string, messenger MessengerSource, maxPending int) *MessengerChecker {
	return &MessengerChecker{name: name, messenger: messenger, maxPending: maxPending}
}

func (c *MessengerChecker) Name() string {
	return c.name
}

func (c *MessengerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.messenger.Pending()
	stats := c.messenger.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"pending":          pending,
			"requestsSent":     stats.RequestsSent,
			"timeouts":         stats.Timeouts,
			"targetsDestroyed": stats.TargetsDestroyed,
			"errors":           stats.ErrorCount,
		},
	}

	switch {
	case c.messenger.Closed():
		result.Status = StatusUnhealthy
		result.Message = "messenger is closed"
	case c.maxPending > 0 && pending > c.maxPending:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d requests pending (max %d)", pending, c.maxPending)
	default:
		result.Status = StatusHealthy
		result.Message = "messenger is running"
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker degrades when the goroutine count grows past the warning
// threshold. Every in-flight delivery holds one goroutine.
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"goroutines": n},
	}
	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}
	result.Duration = time.Since(start)
	return result
}
