package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Strategy determines how the controller behaves when the pipeline is
// saturated
type Strategy int

const (
	// StrategyDrop sheds excess load immediately, favoring freshness
	StrategyDrop Strategy = iota
	// StrategyQueue buffers bursts up to a bound, then sheds
	StrategyQueue
	// StrategyThrottle never sheds but slows producers proportionally to
	// the overshoot
	StrategyThrottle
)

func (s Strategy) String() string {
	switch s {
	case StrategyDrop:
		return "drop"
	case StrategyQueue:
		return "queue"
	case StrategyThrottle:
		return "throttle"
	default:
		return "unknown"
	}
}

const (
	// throttleDelayPerSlot is the added wait per unit of capacity overshoot
	throttleDelayPerSlot = 100 * time.Millisecond
	// throttleDelayMax caps the throttle wait
	throttleDelayMax = 5 * time.Second
)

// BackpressureController bounds the number of in-flight deliveries admitted
// into a pipeline. A weighted semaphore is the actual gate; the counters
// exist for shedding decisions and observability. Safe for concurrent use.
type BackpressureController struct {
	maxInFlight    int64
	queueSizeLimit int64
	strategy       Strategy

	gate   *semaphore.Weighted
	logger *slog.Logger

	mu             sync.Mutex
	inFlight       int64
	queueSize      int64
	droppedCount   int64
	throttledCount int64
}

// BackpressureOption configures the controller
type BackpressureOption func(*BackpressureController)

// WithStrategy sets the saturation strategy
func WithStrategy(strategy Strategy) BackpressureOption {
	return func(c *BackpressureController) {
		c.strategy = strategy
	}
}

// WithQueueSizeLimit sets the queue bound for the queue strategy
func WithQueueSizeLimit(limit int64) BackpressureOption {
	return func(c *BackpressureController) {
		c.queueSizeLimit = limit
	}
}

// WithBackpressureLogger sets the logger
func WithBackpressureLogger(logger *slog.Logger) BackpressureOption {
	return func(c *BackpressureController) {
		c.logger = logger
	}
}

// NewBackpressureController creates a controller admitting at most
// maxInFlight concurrent deliveries
func NewBackpressureController(maxInFlight int64, options ...BackpressureOption) *BackpressureController {
	c := &BackpressureController{
		maxInFlight:    maxInFlight,
		queueSizeLimit: maxInFlight * 2,
		strategy:       StrategyDrop,
		gate:           semaphore.NewWeighted(maxInFlight),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Acquire requests admission for one unit of work. A nil return means the
// caller holds an in-flight slot and must call Release exactly once when the
// work finishes, on every exit path. A *BackpressureError means the request
// was shed and no slot is held; a context error means the caller gave up
// while waiting.
func (c *BackpressureController) Acquire(ctx context.Context) error {
	switch c.strategy {
	case StrategyDrop:
		return c.acquireDrop(ctx)
	case StrategyQueue:
		return c.acquireQueue(ctx)
	case StrategyThrottle:
		return c.acquireThrottle(ctx)
	default:
		return c.acquireDrop(ctx)
	}
}

func (c *BackpressureController) acquireDrop(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight >= c.maxInFlight {
		c.droppedCount++
		err := c.rejectionLocked()
		c.mu.Unlock()
		c.logger.Warn("request dropped", "strategy", c.strategy.String(), "inFlight", err.InFlight, "capacity", c.maxInFlight)
		return err
	}
	c.mu.Unlock()

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	c.noteAdmitted(false)
	return nil
}

func (c *BackpressureController) acquireQueue(ctx context.Context) error {
	c.mu.Lock()
	if c.queueSize >= c.queueSizeLimit {
		c.droppedCount++
		err := c.rejectionLocked()
		c.mu.Unlock()
		c.logger.Warn("request dropped, queue full", "strategy", c.strategy.String(), "queued", err.QueueSize, "queueLimit", c.queueSizeLimit)
		return err
	}
	// Reserve a queue slot; it converts into an in-flight slot once the
	// gate admits us.
	c.queueSize++
	c.mu.Unlock()

	if err := c.gate.Acquire(ctx, 1); err != nil {
		c.mu.Lock()
		c.queueSize--
		c.mu.Unlock()
		return err
	}
	c.noteAdmitted(true)
	return nil
}

func (c *BackpressureController) acquireThrottle(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight >= c.maxInFlight {
		c.throttledCount++
		overshoot := c.inFlight - c.maxInFlight + 1
		c.mu.Unlock()

		delay := time.Duration(overshoot) * throttleDelayPerSlot
		if delay > throttleDelayMax {
			delay = throttleDelayMax
		}
		c.logger.Debug("request throttled", "strategy", c.strategy.String(), "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		c.mu.Unlock()
	}

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	c.noteAdmitted(false)
	return nil
}

// noteAdmitted bumps the in-flight count after the gate granted a slot
func (c *BackpressureController) noteAdmitted(fromQueue bool) {
	c.mu.Lock()
	c.inFlight++
	if fromQueue {
		c.queueSize--
	}
	c.mu.Unlock()
}

// Release returns an in-flight slot. Must be called exactly once per
// successful Acquire, regardless of whether the admitted work succeeded.
func (c *BackpressureController) Release() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
	c.gate.Release(1)
}

// rejectionLocked builds the shed error from current counters. Callers must
// hold c.mu.
func (c *BackpressureController) rejectionLocked() *BackpressureError {
	return &BackpressureError{
		Strategy:  c.strategy,
		InFlight:  c.inFlight,
		Capacity:  c.maxInFlight,
		QueueSize: c.queueSize,
	}
}

// Stats is a read-only view of the controller for observability
type Stats struct {
	Strategy       Strategy
	MaxInFlight    int64
	InFlight       int64
	QueueSize      int64
	QueueSizeLimit int64
	DroppedCount   int64
	ThrottledCount int64
	Timestamp      time.Time
}

// GetStats returns the controller's current counters without mutating anything
func (c *BackpressureController) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Strategy:       c.strategy,
		MaxInFlight:    c.maxInFlight,
		InFlight:       c.inFlight,
		QueueSize:      c.queueSize,
		QueueSizeLimit: c.queueSizeLimit,
		DroppedCount:   c.droppedCount,
		ThrottledCount: c.throttledCount,
		Timestamp:      time.Now(),
	}
}
