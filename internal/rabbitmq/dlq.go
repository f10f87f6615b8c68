package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/emitra-labs/emitra-go/contracts"
	"github.com/emitra-labs/emitra-go/resilience"
)

// MessagePublisher publishes raw messages to the broker
type MessagePublisher interface {
	PublishWithContext(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error
}

// DLQPublisher routes poison messages to a dead-letter exchange and feeds
// each routing into the circuit breaker's spike detector, so a pile-up of
// dead letters can trip the breaker even when the handler is not failing
// synchronously.
type DLQPublisher struct {
	publisher MessagePublisher
	breaker   *resilience.CircuitBreaker
	exchange  string
	logger    *slog.Logger
}

// DLQOption configures the DLQ publisher
type DLQOption func(*DLQPublisher)

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(p *DLQPublisher) {
		p.logger = logger
	}
}

// WithDLQBreaker wires dead-letter events into a circuit breaker
func WithDLQBreaker(breaker *resilience.CircuitBreaker) DLQOption {
	return func(p *DLQPublisher) {
		p.breaker = breaker
	}
}

// NewDLQPublisher creates a publisher routing to the given dead-letter exchange
func NewDLQPublisher(publisher MessagePublisher, exchange string, options ...DLQOption) *DLQPublisher {
	p := &DLQPublisher{
		publisher: publisher,
		exchange:  exchange,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends the failed envelope to the dead-letter exchange with failure
// metadata headers and records the event with the breaker, if one is wired.
func (p *DLQPublisher) Publish(ctx context.Context, env *contracts.Envelope, routingKey string, cause error) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize dead-lettered envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    env.ID,
		Type:         env.Type,
		Timestamp:    time.Now().UTC(),
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			"x-death-reason":   cause.Error(),
			"x-original-type":  env.Type,
			"x-dead-lettered":  time.Now().UTC().Format(time.RFC3339),
			"x-correlation-id": env.CorrelationID,
		},
		Body: body,
	}

	if err := p.publisher.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to dead-letter exchange %s: %w", p.exchange, err)
	}

	p.logger.Warn("message dead-lettered",
		"messageId", env.ID,
		"messageType", env.Type,
		"exchange", p.exchange,
		"cause", cause,
	)

	if p.breaker != nil {
		p.breaker.RecordDLQEvent()
	}

	return nil
}
