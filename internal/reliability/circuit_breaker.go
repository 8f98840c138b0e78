package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency until a cool-down passes.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	inFlightProbes  int
	lastFailureTime time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	name             string
	logger           *slog.Logger
	onStateChange    func(from, to State)
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the half-open successes that close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the concurrent probes allowed while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the name used in logs and errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithStateChange sets a callback for state transitions. It runs with the
// breaker locked and must not call back into it.
func WithStateChange(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		timeout:          10 * time.Second,
		halfOpenRequests: 1,
		name:             "default",
		logger:           slog.Default(),
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed, "reset")
	cb.failures = 0
	cb.successes = 0
	cb.inFlightProbes = 0
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if time.Now().Before(nextRetry) {
			return &CircuitBreakerError{
				Name:             cb.name,
				State:            cb.state,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				NextRetry:        nextRetry,
			}
		}
		cb.transition(StateHalfOpen, "timeout expired")
		cb.successes = 0
		cb.inFlightProbes = 1
		return nil

	case StateHalfOpen:
		if cb.inFlightProbes >= cb.halfOpenRequests {
			return &CircuitBreakerError{
				Name:             cb.name,
				State:            cb.state,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				NextRetry:        time.Now().Add(cb.timeout),
			}
		}
		cb.inFlightProbes++
		return nil

	default:
		return ErrUnknownState
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.inFlightProbes > 0 {
		cb.inFlightProbes--
	}

	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure in half-open state")
			cb.successes = 0
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
			cb.failures = 0
			cb.inFlightProbes = 0
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.logger.Warn("circuit breaker state changed",
		"name", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
