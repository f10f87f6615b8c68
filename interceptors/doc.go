// Package interceptors provides a flexible interceptor system for message
// processing.
//
// The interceptor pattern allows cross-cutting concerns to be layered around
// message delivery without modifying the business handler. This package
// provides:
//   - Interceptor interface and chain management
//   - LoggingInterceptor: logs message processing with timing information
//   - BackpressureInterceptor: the delivery protection pipeline, composing
//     admission control, an optional circuit breaker, and an optional retry
//     policy around the rest of the chain
//
// Example usage:
//
//	controller := resilience.NewBackpressureController(64,
//		resilience.WithStrategy(resilience.StrategyQueue))
//	breaker := resilience.NewCircuitBreaker(resilience.WithName("billing-events"))
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewBackpressureInterceptor(controller,
//			interceptors.WithCircuitBreaker(breaker),
//			interceptors.WithRetryPolicy(resilience.NewExponentialBackoff(
//				100*time.Millisecond, 10*time.Second, 2.0, 3))))
//
//	err := chain.Execute(ctx, envelope, finalHandler)
//
// Interceptors are executed in the order they are added to the chain, with
// the final handler called last.
package interceptors
