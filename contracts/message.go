package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is the base interface for anything that flows through a delivery
// pipeline.
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Event represents something that has happened and is being delivered to a
// downstream consumer.
type Event interface {
	Message
	GetSource() string
}

// BaseMessage provides common fields for all message types
type BaseMessage struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// NewBaseMessage creates a new base message with generated ID and current timestamp
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      messageType,
	}
}

// GetID returns the message ID
func (m BaseMessage) GetID() string {
	return m.ID
}

// GetTimestamp returns the message timestamp
func (m BaseMessage) GetTimestamp() time.Time {
	return m.Timestamp
}

// GetType returns the message type
func (m BaseMessage) GetType() string {
	return m.Type
}

// GetCorrelationID returns the correlation ID
func (m BaseMessage) GetCorrelationID() string {
	return m.CorrelationID
}

// SetCorrelationID sets the correlation ID
func (m *BaseMessage) SetCorrelationID(correlationID string) {
	m.CorrelationID = correlationID
}

// BaseEvent provides common fields for event messages
type BaseEvent struct {
	BaseMessage
	Source string `json:"source,omitempty"`
}

// GetSource returns the event source
func (e BaseEvent) GetSource() string {
	return e.Source
}
