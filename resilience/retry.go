package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// CalculateDelay returns the wait before the given 1-based attempt is
	// retried. Attempts <= 0 wait nothing.
	CalculateDelay(attempt int) time.Duration
	// MaxAttempts returns the maximum number of attempts
	MaxAttempts() int
	// ShouldRetry determines if a retry should be attempted after the given
	// attempt failed with err
	ShouldRetry(attempt int, err error) bool
}

// ExponentialBackoff implements exponential backoff with optional jitter.
// It is a pure value: CalculateDelay has no side effects and is safe to call
// from any number of goroutines without synchronization.
type ExponentialBackoff struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Attempts        int
	Jitter          bool
	JitterFactor    float64
}

// NewExponentialBackoff creates a new exponential backoff policy with ±25% jitter
func NewExponentialBackoff(base, max time.Duration, exponentialBase float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:       base,
		MaxDelay:        max,
		ExponentialBase: exponentialBase,
		Attempts:        maxAttempts,
		Jitter:          true,
		JitterFactor:    0.25,
	}
}

// CalculateDelay implements RetryPolicy
func (e *ExponentialBackoff) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(e.BaseDelay) * math.Pow(e.ExponentialBase, float64(attempt-1))
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}

	if e.Jitter && e.JitterFactor > 0 {
		// Uniform offset in [-JitterFactor*delay, +JitterFactor*delay].
		// math/rand/v2's top-level source is goroutine-safe, so concurrent
		// callers never observe correlated jitter.
		offset := (rand.Float64()*2 - 1) * e.JitterFactor * delay
		delay += offset
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) bool {
	if attempt >= e.Attempts {
		return false
	}
	return IsRetryableError(err)
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Delay:    delay,
		Attempts: maxAttempts,
	}
}

// CalculateDelay implements RetryPolicy
func (f *FixedDelay) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Delay
}

// MaxAttempts implements RetryPolicy
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) bool {
	if attempt >= f.Attempts {
		return false
	}
	return IsRetryableError(err)
}

// Retryer executes operations repeatedly according to a RetryPolicy. It
// knows nothing about circuit breakers or admission control; composing those
// is the caller's concern.
type Retryer struct {
	policy RetryPolicy
	logger *slog.Logger
}

// RetryerOption configures the retryer
type RetryerOption func(*Retryer)

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) RetryerOption {
	return func(r *Retryer) {
		r.logger = logger
	}
}

// NewRetryer creates a new retryer
func NewRetryer(policy RetryPolicy, options ...RetryerOption) *Retryer {
	r := &Retryer{
		policy: policy,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Execute attempts the operation up to the policy's attempt budget. The last
// failure is returned verbatim so callers keep their error-type handling;
// there is no "max retries exceeded" wrapper.
func (r *Retryer) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation recovered after retry",
					"attempt", attempt,
					"maxAttempts", r.policy.MaxAttempts(),
				)
			}
			return nil
		}

		lastErr = err

		if !r.policy.ShouldRetry(attempt, err) {
			if attempt >= r.policy.MaxAttempts() {
				r.logger.Warn("retries exhausted",
					"attempts", attempt,
					"error", err,
				)
			}
			return lastErr
		}

		delay := r.policy.CalculateDelay(attempt)
		r.logger.Debug("retrying operation",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Retry is a convenience wrapper for one-off retried executions
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	return NewRetryer(policy).Execute(ctx, op)
}
