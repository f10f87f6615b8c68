package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func alwaysFail(ctx context.Context) error {
	return errors.New("test error")
}

func alwaysSucceed(ctx context.Context) error {
	return nil
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("executes operation in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after exactly the failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		for i := 0; i < 2; i++ {
			assert.Error(t, cb.Execute(context.Background(), alwaysFail))
			assert.Equal(t, StateClosed, cb.GetState())
		}

		assert.Error(t, cb.Execute(context.Background(), alwaysFail))
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("success while closed resets the failure tally", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		assert.Error(t, cb.Execute(context.Background(), alwaysFail))
		assert.Error(t, cb.Execute(context.Background(), alwaysFail))
		assert.NoError(t, cb.Execute(context.Background(), alwaysSucceed))

		snap := cb.GetSnapshot()
		assert.Equal(t, 0, snap.Failures)
		assert.Equal(t, StateClosed, snap.State)
	})

	t.Run("open circuit fails fast without invoking the operation", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithRecoveryTimeout(time.Minute),
		)

		cb.Execute(context.Background(), alwaysFail)
		assert.Equal(t, StateOpen, cb.GetState())

		var calls int32
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})

		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	})

	t.Run("transitions to half-open after the recovery timeout", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithRecoveryTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), alwaysFail)
		assert.Equal(t, StateOpen, cb.GetState())

		time.Sleep(80 * time.Millisecond)

		executed := false
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateHalfOpen, cb.GetState())
	})

	t.Run("half-open closes after the success threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithRecoveryTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), alwaysFail)
		time.Sleep(80 * time.Millisecond)

		assert.NoError(t, cb.Execute(context.Background(), alwaysSucceed))
		assert.Equal(t, StateHalfOpen, cb.GetState())
		assert.NoError(t, cb.Execute(context.Background(), alwaysSucceed))
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("single failure in half-open reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithRecoveryTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), alwaysFail)
		time.Sleep(80 * time.Millisecond)

		assert.Error(t, cb.Execute(context.Background(), alwaysFail))
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("operation errors pass through unchanged", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(10))
		opErr := errors.New("downstream exploded")

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return opErr
		})

		assert.Same(t, opErr, err)
	})

	t.Run("timeout is surfaced distinguishably and counted as one failure", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(5),
			WithOperationTimeout(30*time.Millisecond),
		)

		var sawCancel int32
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				atomic.AddInt32(&sawCancel, 1)
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		})

		assert.ErrorIs(t, err, ErrOperationTimeout)
		var toErr *OperationTimeoutError
		assert.ErrorAs(t, err, &toErr)

		// The operation's context was cancelled, not merely abandoned
		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&sawCancel) == 1
		}, time.Second, 10*time.Millisecond)

		snap := cb.GetSnapshot()
		assert.Equal(t, 1, snap.Failures)
		assert.Equal(t, int64(1), snap.TotalFailures)
		// The late completion must never be counted as a success
		assert.Equal(t, int64(0), snap.TotalSuccesses)
	})

	t.Run("caller cancellation is not counted as a breaker failure", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cb.Execute(ctx, alwaysSucceed)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.GetState())
		assert.Equal(t, int64(0), cb.GetSnapshot().TotalFailures)
	})

	t.Run("Reset clears state", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		cb.Execute(context.Background(), alwaysFail)
		assert.Equal(t, StateOpen, cb.GetState())

		cb.Reset()

		snap := cb.GetSnapshot()
		assert.Equal(t, StateClosed, snap.State)
		assert.Equal(t, 0, snap.Failures)
		assert.Equal(t, 0, snap.Successes)
	})

	t.Run("concurrent execution is safe", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1000),
			WithSuccessThreshold(5),
		)

		var wg sync.WaitGroup
		var errorCount, successCount int32

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := cb.Execute(context.Background(), func(ctx context.Context) error {
					if i%3 == 0 {
						return errors.New("concurrent error")
					}
					return nil
				})
				if err != nil {
					atomic.AddInt32(&errorCount, 1)
				} else {
					atomic.AddInt32(&successCount, 1)
				}
			}(i)
		}

		wg.Wait()

		assert.True(t, atomic.LoadInt32(&errorCount) > 0)
		assert.True(t, atomic.LoadInt32(&successCount) > 0)
	})
}

func TestCircuitBreakerDLQSpike(t *testing.T) {
	t.Run("spike trips a closed circuit with zero call failures", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithDLQSpikeThreshold(3),
			WithDLQSpikeWindow(time.Minute),
		)

		cb.RecordDLQEvent()
		cb.RecordDLQEvent()
		assert.Equal(t, StateClosed, cb.GetState())

		cb.RecordDLQEvent()
		assert.Equal(t, StateOpen, cb.GetState())
		assert.Equal(t, int64(0), cb.GetSnapshot().TotalFailures)
	})

	t.Run("events outside the window are forgotten", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithDLQSpikeThreshold(3),
			WithDLQSpikeWindow(40*time.Millisecond),
		)

		cb.RecordDLQEvent()
		cb.RecordDLQEvent()
		time.Sleep(60 * time.Millisecond)
		cb.RecordDLQEvent()

		assert.Equal(t, StateClosed, cb.GetState())
		assert.Equal(t, 1, cb.GetSnapshot().DLQEventCount)
	})

	t.Run("spike while already open does not reset the recovery clock twice", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithDLQSpikeThreshold(1),
			WithDLQSpikeWindow(time.Minute),
			WithRecoveryTimeout(time.Minute),
		)

		cb.Execute(context.Background(), alwaysFail)
		before := cb.GetSnapshot().LastFailureTime

		cb.RecordDLQEvent()
		assert.Equal(t, StateOpen, cb.GetState())
		assert.Equal(t, before, cb.GetSnapshot().LastFailureTime)
	})
}

func TestCircuitBreakerIsOpen(t *testing.T) {
	cb := NewCircuitBreaker(
		WithFailureThreshold(1),
		WithRecoveryTimeout(50*time.Millisecond),
	)

	assert.False(t, cb.IsOpen())

	cb.Execute(context.Background(), alwaysFail)
	assert.True(t, cb.IsOpen())

	// Once the recovery window elapses an execution would be admitted as a
	// probe, so the breaker no longer reports itself as hard-open.
	time.Sleep(80 * time.Millisecond)
	assert.False(t, cb.IsOpen())
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []string
	done        chan struct{}
}

func (l *recordingListener) OnStateChange(from, to State, reason string) {
	l.mu.Lock()
	l.transitions = append(l.transitions, from.String()+"->"+to.String())
	l.mu.Unlock()
	select {
	case l.done <- struct{}{}:
	default:
	}
}

func TestCircuitBreakerListeners(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(1))
	listener := &recordingListener{done: make(chan struct{}, 1)}
	cb.AddListener(listener)

	cb.Execute(context.Background(), alwaysFail)

	select {
	case <-listener.done:
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Contains(t, listener.transitions, "closed->open")
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func BenchmarkCircuitBreaker(b *testing.B) {
	ctx := context.Background()

	b.Run("successful execution", func(b *testing.B) {
		cb := NewCircuitBreaker()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			cb.Execute(ctx, alwaysSucceed)
		}
	})

	b.Run("concurrent execution", func(b *testing.B) {
		cb := NewCircuitBreaker()
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				cb.Execute(ctx, alwaysSucceed)
			}
		})
	})
}
