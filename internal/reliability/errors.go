package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrUnknownState indicates a corrupted breaker state
	ErrUnknownState = errors.New("circuit breaker: unknown state")
)

// CircuitBreakerError describes a call rejected by the breaker.
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
		return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	}
	return fmt.Sprintf("circuit breaker %s %v: call limited", e.Name, e.State)
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError is returned once a retry policy gives up.
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
