// Package rabbitmq glues the resilience pipeline to an AMQP broker. The
// broker itself is an external collaborator: this package only converts
// deliveries to envelopes, runs them through the interceptor chain, and
// turns the pipeline's error kinds into ack/nack/dead-letter decisions.
package rabbitmq
