package resilience

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// Operation errors
	ErrOperationTimeout = errors.New("operation timed out")

	// Backpressure errors
	ErrBackpressureRejected = errors.New("backpressure: request rejected")

	// Retry errors
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned when the breaker refuses an execution.
// Callers can distinguish it from a genuine operation failure with errors.Is
// against ErrCircuitOpen or errors.As against *CircuitBreakerError.
type CircuitBreakerError struct {
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker open: %s blocked (failures=%d/%d, retry in %v)",
			e.Op, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker half-open: %s limited", e.Op)
	default:
		return fmt.Sprintf("circuit breaker error: %s in state %v", e.Op, e.State)
	}
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// OperationTimeoutError is returned when a protected operation exceeds the
// breaker's per-call time budget. The attempt was made; it counts as exactly
// one failure.
type OperationTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}

func (e *OperationTimeoutError) Is(target error) bool {
	return target == ErrOperationTimeout
}

// BackpressureError is returned when admission control sheds a request
// before any work is attempted. No slot was granted, so Release must not be
// called for it.
type BackpressureError struct {
	Strategy  Strategy
	InFlight  int64
	Capacity  int64
	QueueSize int64
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure rejected request: strategy=%s in-flight=%d/%d queued=%d",
		e.Strategy, e.InFlight, e.Capacity, e.QueueSize)
}

func (e *BackpressureError) Is(target error) bool {
	return target == ErrBackpressureRejected
}

// IsRetryableError checks if an error should be retried. Fast-fail gate
// results (circuit open, backpressure shed) are "try again later" conditions
// rather than work failures, so they stay retryable by default; errors that
// implement IsRetryable decide for themselves.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to mark it explicitly retryable or not
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
