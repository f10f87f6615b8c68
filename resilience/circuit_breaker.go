package resilience

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

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// CircuitBreaker gates executions against a failing downstream. It is a
// closed/open/half-open state machine fed by call outcomes and by dead-letter
// spike events, safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.RWMutex
	state            State
	failures         int
	successes        int
	lastFailureTime  time.Time
	halfOpenInFlight int
	dlqEvents        []time.Time
	totalRequests    int64
	totalFailures    int64
	totalSuccesses   int64

	// Configuration
	failureThreshold  int
	successThreshold  int
	recoveryTimeout   time.Duration
	operationTimeout  time.Duration
	dlqSpikeThreshold int
	dlqSpikeWindow    time.Duration
	halfOpenProbes    int
	name              string

	logger    *slog.Logger
	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive-failure count that opens the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the success count that closes a half-open circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before probing
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = timeout
	}
}

// WithOperationTimeout sets the per-call time budget for protected operations
func WithOperationTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.operationTimeout = timeout
	}
}

// WithDLQSpikeThreshold sets the dead-letter event count that trips the circuit
func WithDLQSpikeThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.dlqSpikeThreshold = threshold
	}
}

// WithDLQSpikeWindow sets the rolling window for dead-letter spike detection
func WithDLQSpikeWindow(window time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.dlqSpikeWindow = window
	}
}

// WithHalfOpenProbes sets the max concurrent probe requests while half-open
func WithHalfOpenProbes(probes int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenProbes = probes
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithCircuitLogger sets the logger
func WithCircuitLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a new circuit breaker in the closed state
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:             StateClosed,
		failureThreshold:  5,
		successThreshold:  3,
		recoveryTimeout:   30 * time.Second,
		operationTimeout:  30 * time.Second,
		dlqSpikeThreshold: 10,
		dlqSpikeWindow:    time.Minute,
		halfOpenProbes:    3,
		name:              "default",
		logger:            slog.Default(),
		listeners:         make([]StateChangeListener, 0),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs an operation with circuit breaker protection. When the
// circuit refuses the call the operation is never invoked and a
// *CircuitBreakerError is returned. When the operation overruns the
// per-call budget its context is cancelled and a *OperationTimeoutError is
// returned; any other error is recorded and returned unchanged.
//
// The admission check and the post-run bookkeeping are each atomic, but the
// window between them is not: concurrent callers may all be admitted right
// as the breaker trips. Holding the lock across the operation would
// serialize all protected traffic, so that window is left open.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	cb.mu.Lock()
	cb.totalRequests++
	cb.mu.Unlock()

	if err := cb.canExecute(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		cb.releaseProbe()
		return ctx.Err()
	default:
	}

	opCtx, cancel := context.WithTimeout(ctx, cb.operationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	select {
	case err := <-done:
		// A cooperative operation may return the deadline error itself
		// before the select observes the expiry; normalize it so callers
		// always see the typed timeout error.
		if opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			timeoutErr := &OperationTimeoutError{Op: cb.name, Timeout: cb.operationTimeout}
			cb.recordResult(timeoutErr)
			return timeoutErr
		}
		cb.recordResult(err)
		return err

	case <-opCtx.Done():
		// The operation's context is cancelled; a late completion on done
		// is discarded and can never be counted as a success.
		if ctx.Err() != nil {
			cb.releaseProbe()
			return ctx.Err()
		}
		timeoutErr := &OperationTimeoutError{Op: cb.name, Timeout: cb.operationTimeout}
		cb.recordResult(timeoutErr)
		return timeoutErr
	}
}

// RecordDLQEvent notes that a message was dead-lettered. A spike of dead
// letters inside the rolling window trips a closed circuit even when the
// protected calls themselves are not failing.
func (cb *CircuitBreaker) RecordDLQEvent() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.dlqEvents = append(cb.dlqEvents, now)
	cb.pruneDLQEventsLocked(now)

	if cb.state == StateClosed && len(cb.dlqEvents) >= cb.dlqSpikeThreshold {
		oldState := cb.state
		cb.state = StateOpen
		cb.lastFailureTime = now
		cb.notifyStateChange(oldState, cb.state,
			fmt.Sprintf("dead-letter spike detected (%d events in %v)", len(cb.dlqEvents), cb.dlqSpikeWindow))
	}
}

// pruneDLQEventsLocked drops events older than the spike window. Callers
// must hold cb.mu.
func (cb *CircuitBreaker) pruneDLQEventsLocked(now time.Time) {
	cutoff := now.Add(-cb.dlqSpikeWindow)
	kept := cb.dlqEvents[:0]
	for _, ts := range cb.dlqEvents {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.dlqEvents = kept
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// IsOpen reports whether the circuit is open and still inside its recovery
// window, i.e. an execution attempted right now would be refused without
// probing.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen && time.Now().Before(cb.lastFailureTime.Add(cb.recoveryTimeout))
}

// Snapshot is a read-only view of the breaker for observability
type Snapshot struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	Successes        int
	LastFailureTime  time.Time
	NextRetry        time.Time
	DLQEventCount    int
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	Timestamp        time.Time
}

// GetSnapshot returns the breaker's current counters without mutating anything
func (cb *CircuitBreaker) GetSnapshot() Snapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	// Count only events still inside the window; the slice itself is pruned
	// on the write path.
	cutoff := time.Now().Add(-cb.dlqSpikeWindow)
	dlqCount := 0
	for _, ts := range cb.dlqEvents {
		if ts.After(cutoff) {
			dlqCount++
		}
	}

	return Snapshot{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		Successes:        cb.successes,
		LastFailureTime:  cb.lastFailureTime,
		NextRetry:        cb.lastFailureTime.Add(cb.recoveryTimeout),
		DLQEventCount:    dlqCount,
		TotalRequests:    cb.totalRequests,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		Timestamp:        time.Now(),
	}
}

// Reset returns the breaker to its initial closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
	cb.dlqEvents = nil
}

// canExecute checks if execution is allowed, performing the lazy
// open-to-half-open transition when the recovery timeout has elapsed
func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.recoveryTimeout)
		if !time.Now().Before(nextRetry) {
			oldState := cb.state
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.halfOpenInFlight = 1
			cb.notifyStateChange(oldState, cb.state, "recovery timeout elapsed")
			return nil
		}
		return &CircuitBreakerError{
			State:            cb.state,
			Op:               cb.name,
			Failures:         cb.failures,
			FailureThreshold: cb.failureThreshold,
			LastFailure:      cb.lastFailureTime,
			NextRetry:        nextRetry,
		}

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenProbes {
			return &CircuitBreakerError{
				State:            cb.state,
				Op:               cb.name,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextRetry:        time.Now().Add(time.Second),
			}
		}
		cb.halfOpenInFlight++
		return nil

	default:
		return ErrUnknownState
	}
}

// releaseProbe returns a half-open probe slot without recording an outcome.
// Used when an admitted call is abandoned before the operation ran to
// completion (caller cancellation).
func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// recordResult records the result of an admitted execution
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = time.Now()
		oldState := cb.state

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				cb.notifyStateChange(oldState, cb.state,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}

		case StateHalfOpen:
			// Single failure in half-open moves back to open
			cb.state = StateOpen
			cb.halfOpenInFlight = 0
			cb.notifyStateChange(oldState, cb.state, "failure in half-open state")
		}

		if cb.state != StateClosed {
			cb.successes = 0
		}

	} else {
		cb.successes++
		cb.totalSuccesses++
		oldState := cb.state

		switch cb.state {
		case StateHalfOpen:
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures = 0
				cb.halfOpenInFlight = 0
				cb.notifyStateChange(oldState, cb.state,
					fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
			}

		case StateClosed:
			// Successes fully heal the failure tally while closed
			if cb.failures > 0 {
				cb.failures = 0
			}
		}
	}
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// RemoveListener removes a state change listener
func (cb *CircuitBreaker) RemoveListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for i, l := range cb.listeners {
		if l == listener {
			cb.listeners = append(cb.listeners[:i], cb.listeners[i+1:]...)
			break
		}
	}
}

// notifyStateChange logs the transition and notifies listeners. Callers must
// hold cb.mu; listeners run on their own goroutines so a slow listener never
// blocks the state machine.
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	cb.logger.Info("circuit breaker state change",
		"name", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)

	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}
