package interceptors

import (
	"context"
	"log/slog"

	"github.com/emitra-labs/emitra-go/contracts"
	"github.com/emitra-labs/emitra-go/resilience"
)

// BackpressureInterceptor is the composition point of the resilience core:
// per inbound message it asks the controller for admission, optionally wraps
// the rest of the chain in retry and circuit breaker protection, and always
// returns the admission slot when the work finishes. Circuit breaker and
// retry policy are both optional; when both are present retry is the outer
// layer, so each attempt is independently gated by the breaker.
type BackpressureInterceptor struct {
	controller     *resilience.BackpressureController
	circuitBreaker *resilience.CircuitBreaker
	retryPolicy    resilience.RetryPolicy
	logger         *slog.Logger
}

// BackpressureInterceptorOption configures the interceptor
type BackpressureInterceptorOption func(*BackpressureInterceptor)

// WithCircuitBreaker gates each delivery attempt through the breaker
func WithCircuitBreaker(cb *resilience.CircuitBreaker) BackpressureInterceptorOption {
	return func(i *BackpressureInterceptor) {
		i.circuitBreaker = cb
	}
}

// WithRetryPolicy retries failed deliveries under the given policy
func WithRetryPolicy(policy resilience.RetryPolicy) BackpressureInterceptorOption {
	return func(i *BackpressureInterceptor) {
		i.retryPolicy = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BackpressureInterceptorOption {
	return func(i *BackpressureInterceptor) {
		i.logger = logger
	}
}

// NewBackpressureInterceptor creates a new backpressure interceptor
func NewBackpressureInterceptor(controller *resilience.BackpressureController, options ...BackpressureInterceptorOption) *BackpressureInterceptor {
	i := &BackpressureInterceptor{
		controller: controller,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(i)
	}

	return i
}

// Intercept implements Interceptor
func (i *BackpressureInterceptor) Intercept(ctx context.Context, msg contracts.Message, next MessageHandler) (err error) {
	// Cheapest check first: an open breaker fails the delivery before a
	// slot is even requested.
	if i.circuitBreaker != nil && i.circuitBreaker.IsOpen() {
		snapshot := i.circuitBreaker.GetSnapshot()
		i.logger.Debug("delivery refused, circuit open",
			"messageId", msg.GetID(),
			"breaker", snapshot.Name,
		)
		return &resilience.CircuitBreakerError{
			State:            snapshot.State,
			Op:               snapshot.Name,
			Failures:         snapshot.Failures,
			FailureThreshold: snapshot.FailureThreshold,
			LastFailure:      snapshot.LastFailureTime,
			NextRetry:        snapshot.NextRetry,
		}
	}

	if err := i.controller.Acquire(ctx); err != nil {
		// No slot was granted, so there is nothing to release.
		return err
	}
	// The one correctness property this interceptor must never lose: the
	// slot goes back on every exit path, including panics in the handler.
	defer i.controller.Release()

	return i.wrap(next).Handle(ctx, msg)
}

// wrap layers the configured protections around the continuation: the
// breaker innermost, retry outermost.
func (i *BackpressureInterceptor) wrap(next MessageHandler) MessageHandler {
	handler := next

	if i.circuitBreaker != nil {
		inner := handler
		handler = MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
			return i.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
				return inner.Handle(ctx, msg)
			})
		})
	}

	if i.retryPolicy != nil {
		inner := handler
		retryer := resilience.NewRetryer(i.retryPolicy, resilience.WithRetryLogger(i.logger))
		handler = MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
			return retryer.Execute(ctx, func(ctx context.Context) error {
				return inner.Handle(ctx, msg)
			})
		})
	}

	return handler
}

// Name implements Interceptor
func (i *BackpressureInterceptor) Name() string {
	return "BackpressureInterceptor"
}
