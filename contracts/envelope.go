package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps messages for transport
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*Envelope)

// WithEnvelopeID sets a custom envelope ID
func WithEnvelopeID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.ID = id
	}
}

// WithEnvelopeTimestamp sets a custom timestamp
func WithEnvelopeTimestamp(timestamp time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.Timestamp = timestamp.Format(time.RFC3339)
	}
}

// WithEnvelopeHeaders sets custom headers
func WithEnvelopeHeaders(headers map[string]interface{}) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]interface{})
		}
		for k, v := range headers {
			e.Headers[k] = v
		}
	}
}

// NewEnvelope wraps a message for transport, serializing the message body
// and stamping it with a generated ID unless one is supplied.
func NewEnvelope(message Message, opts ...EnvelopeOption) (*Envelope, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message body: %w", err)
	}

	env := &Envelope{
		ID:            uuid.New().String(),
		Type:          message.GetType(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: message.GetCorrelationID(),
		Body:          body,
	}

	for _, opt := range opts {
		opt(env)
	}

	return env, nil
}

// GetID returns the envelope ID
func (e *Envelope) GetID() string {
	return e.ID
}

// GetTimestamp returns the envelope timestamp, or the zero time if the
// timestamp header is missing or malformed.
func (e *Envelope) GetTimestamp() time.Time {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// GetType returns the wrapped message type
func (e *Envelope) GetType() string {
	return e.Type
}

// GetCorrelationID returns the correlation ID
func (e *Envelope) GetCorrelationID() string {
	return e.CorrelationID
}

// SetCorrelationID sets the correlation ID
func (e *Envelope) SetCorrelationID(correlationID string) {
	e.CorrelationID = correlationID
}
