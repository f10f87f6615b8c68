// Package contracts provides the core message types and interfaces for the
// emitra delivery pipeline.
//
// This package defines the base contracts for messages that flow through the
// system:
//   - Message: Base interface for all messages
//   - Event: Represents something that has happened
//   - Envelope: Transport wrapper carrying a serialized message body
//
// All message types are designed to be serializable so they can cross any
// broker transport unchanged.
package contracts
