package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/emitra-labs/emitra-go/contracts"
	"github.com/emitra-labs/emitra-go/interceptors"
	"github.com/emitra-labs/emitra-go/resilience"
)

// Channel is the subset of an AMQP channel the consumer needs
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// DeliveryConsumer pulls deliveries off a queue and runs each one through
// the interceptor chain. The pipeline's error taxonomy drives the broker
// acknowledgment:
//
//   - success: ack
//   - circuit-open or backpressure-rejected: nack with requeue, since no
//     attempt was made and nothing is lost by trying again later
//   - operation failure or timeout: route to the dead-letter publisher and
//     ack, so a poison message cannot wedge the queue
type DeliveryConsumer struct {
	channel       Channel
	chain         *interceptors.InterceptorChain
	handler       interceptors.MessageHandler
	dlq           *DLQPublisher
	queue         string
	consumerTag   string
	prefetchCount int
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*DeliveryConsumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *DeliveryConsumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *DeliveryConsumer) {
		c.consumerTag = tag
	}
}

// WithDLQPublisher routes failed deliveries to a dead-letter publisher
func WithDLQPublisher(dlq *DLQPublisher) ConsumerOption {
	return func(c *DeliveryConsumer) {
		c.dlq = dlq
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *DeliveryConsumer) {
		c.logger = logger
	}
}

// NewDeliveryConsumer creates a consumer for the given queue
func NewDeliveryConsumer(channel Channel, queue string, chain *interceptors.InterceptorChain, handler interceptors.MessageHandler, options ...ConsumerOption) *DeliveryConsumer {
	c := &DeliveryConsumer{
		channel:       channel,
		chain:         chain,
		handler:       handler,
		queue:         queue,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming. It returns once the consume stream is
// established; processing continues until ctx is cancelled or the stream
// closes.
func (c *DeliveryConsumer) Subscribe(ctx context.Context) error {
	if err := c.channel.Qos(c.prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := c.channel.Consume(c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go c.processDeliveries(ctx, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", c.queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	return nil
}

func (c *DeliveryConsumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped", "queue", c.queue)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", c.queue)
				return
			}
			c.ProcessDelivery(ctx, delivery)
		}
	}
}

// ProcessDelivery runs a single delivery through the pipeline and settles it
// with the broker according to the outcome.
func (c *DeliveryConsumer) ProcessDelivery(ctx context.Context, delivery amqp.Delivery) {
	env := envelopeFromDelivery(delivery)

	err := c.chain.Execute(ctx, env, c.handler)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "messageId", env.ID, "error", ackErr)
		}
		return
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrBackpressureRejected):
		// Gated before any attempt; the message is intact, give it back.
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "messageId", env.ID, "error", nackErr)
		}

	default:
		// The attempt (or every retry of it) genuinely failed. Route the
		// message aside instead of looping it through the queue forever.
		if c.dlq != nil {
			if dlqErr := c.dlq.Publish(ctx, env, delivery.RoutingKey, err); dlqErr != nil {
				c.logger.Error("failed to dead-letter message, requeueing",
					"messageId", env.ID,
					"error", dlqErr,
				)
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					c.logger.Error("failed to nack message", "messageId", env.ID, "error", nackErr)
				}
				return
			}
		}
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack dead-lettered message", "messageId", env.ID, "error", ackErr)
		}
	}
}

// envelopeFromDelivery decodes the delivery body as an envelope, falling
// back to synthesizing one from delivery metadata for messages published by
// other tooling.
func envelopeFromDelivery(delivery amqp.Delivery) *contracts.Envelope {
	var env contracts.Envelope
	if err := json.Unmarshal(delivery.Body, &env); err == nil && env.ID != "" {
		return &env
	}

	return &contracts.Envelope{
		ID:            delivery.MessageId,
		Type:          delivery.Type,
		Timestamp:     delivery.Timestamp.UTC().Format(time.RFC3339),
		CorrelationID: delivery.CorrelationId,
		Body:          delivery.Body,
	}
}
