package events

import "errors"

var (
	// ErrStreamClosed is returned by stream operations after Close.
	ErrStreamClosed = errors.New("event stream is closed")

	// ErrEventNotPending is returned when acknowledging an event that is not
	// in the group's pending set, either because it was never claimed or
	// because it was already acknowledged.
	ErrEventNotPending = errors.New("event is not pending acknowledgement")
)
