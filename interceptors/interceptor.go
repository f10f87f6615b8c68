package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/emitra-labs/emitra-go/contracts"
)

// MessageHandler represents a message handler in the interceptor chain
type MessageHandler interface {
	Handle(ctx context.Context, msg contracts.Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg contracts.Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg contracts.Message) error {
	return f(ctx, msg)
}

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg contracts.Message, next MessageHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Execute executes the interceptor chain
func (c *InterceptorChain) Execute(ctx context.Context, msg contracts.Message, finalHandler MessageHandler) error {
	if len(c.interceptors) == 0 {
		return finalHandler.Handle(ctx, msg)
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
			return interceptor.Intercept(ctx, msg, currentHandler)
		})
	}

	return handler.Handle(ctx, msg)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg contracts.Message, next MessageHandler) error {
	start := time.Now()

	i.logger.Info("processing message",
		"messageId", msg.GetID(),
		"messageType", msg.GetType(),
		"correlationId", msg.GetCorrelationID(),
	)

	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", msg.GetID(),
			"messageType", msg.GetType(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed successfully",
			"messageId", msg.GetID(),
			"messageType", msg.GetType(),
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
