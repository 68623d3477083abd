// Package serialization provides a registry-based system for serializing and
// deserializing domain events carried on the event stream. It acts as a
// translation layer between domain objects and their JSON wire format.
//
// Serialization functions are registered per event type, which keeps the
// domain layer clean of wire-format concerns and lets new event types be
// added without touching existing codecs.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/domain/scanning"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

// Global registries map event types to their serialization functions.
// This allows for dynamic dispatch based on event type at runtime.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered
// serializer for its event type. Returns an error if no serializer is
// registered for the given event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the
// registered deserializer for its event type. Returns an error if no
// deserializer is registered for the given event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

func init() { RegisterEventSerializers() }

// RegisterEventSerializers registers codecs for all supported event types.
// This must run during startup before any event processing can occur.
func RegisterEventSerializers() {
	RegisterSerializeFunc(events.EventTypePushReceived, serializePushReceived)
	RegisterDeserializeFunc(events.EventTypePushReceived, deserializePushReceived)
}

// serializePushReceived converts a scanning.PushEvent to JSON bytes.
func serializePushReceived(payload any) ([]byte, error) {
	evt, ok := payload.(scanning.PushEvent)
	if !ok {
		return nil, fmt.Errorf("serializePushReceived: payload is not scanning.PushEvent")
	}
	return json.Marshal(evt)
}

// deserializePushReceived converts JSON bytes back into a scanning.PushEvent.
func deserializePushReceived(data []byte) (any, error) {
	var evt scanning.PushEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal PushEvent: %w", err)
	}
	return evt, nil
}
