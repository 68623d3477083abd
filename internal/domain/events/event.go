package events

import "time"

// EventID uniquely identifies an event appended to the stream. IDs are
// assigned by the stream on append and are opaque to callers.
type EventID string

// EventEnvelope encapsulates all event data flowing through the system,
// providing a standardized format for event processing and distribution.
type EventEnvelope struct {
	// ID is the stream-assigned identifier for this event.
	ID EventID

	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing. Events sharing a key are
	// delivered in append order; here the key is the repository identifier.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created, enabling temporal tracking
	// and debugging of event flows.
	Timestamp time.Time

	// Payload contains the actual event data (e.g., a PushEvent).
	// The concrete type depends on the EventType.
	Payload any
}

// Delivery pairs a claimed envelope with the number of times the stream has
// handed it to a consumer, including this claim.
type Delivery struct {
	Envelope      EventEnvelope
	DeliveryCount int
}

// Entry describes the claim state the stream keeps per (event, consumer).
// It is owned exclusively by the stream and surfaced for pending and
// dead-letter inspection.
type Entry struct {
	EventID       EventID
	Consumer      string
	ClaimedAt     time.Time
	DeliveryCount int

	// Envelope retains the original event so dead-lettered entries can be
	// inspected and replayed by operator tooling.
	Envelope EventEnvelope
}
