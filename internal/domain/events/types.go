package events

// EventType identifies the category of an event for routing and handling.
type EventType string

const (
	// EventTypePushReceived signals a normalized code-push event appended by
	// the ingest gateway and consumed by the scanning workers.
	EventTypePushReceived EventType = "push_received"
)
