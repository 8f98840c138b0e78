// Package reliability guards outbound transmissions with retry policies and a
// circuit breaker.
//
// Retries only help when a send fails before the message left the process,
// such as a dropped broker connection. A send that went out is never repeated:
// the peer would answer twice and the second response would surface as an
// unexpected response.
//
// Example usage:
//
//	cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(5))
//	err := cb.Execute(ctx, func() error {
//		return reliability.Retry(ctx, reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 3), publish)
//	})
package reliability
