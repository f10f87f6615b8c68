// Package resilience protects a downstream event consumer from overload and
// cascading failure.
//
// This package implements the protective middle layer of a delivery
// pipeline:
//   - Circuit Breaker: stops calling a failing dependency for a cool-down
//     period, then cautiously re-enables it; also trips on dead-letter spikes
//   - Retry Policies: exponential backoff with jitter, fixed delay
//   - Retryer: repeated execution of an operation under a retry policy
//   - Backpressure Controller: bounded-concurrency admission control with
//     drop, queue, and throttle strategies
//
// Key features:
//   - Thread-safe implementations suitable for concurrent use
//   - Configurable thresholds and timeouts via functional options
//   - Typed fast-fail errors so callers can tell "gated" from "failed"
//   - Read-only snapshots for metrics and telemetry collaborators
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithSuccessThreshold(3),
//	    WithRecoveryTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return deliver(ctx, event)
//	})
package resilience
