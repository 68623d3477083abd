package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/infra/eventstream/serialization"
)

// deliveryCountHeader carries how many times an event has been handed to a
// consumer, incremented each time the event is requeued to the retry topic.
const deliveryCountHeader = "delivery_count"

// wireEnvelope is the JSON wrapper around a serialized domain payload. The
// event type travels with the payload so consumers can dispatch to the
// correct deserializer.
type wireEnvelope struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Key       string            `json:"key"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
}

// marshalEnvelope serializes a domain envelope into wire bytes.
func marshalEnvelope(event events.EventEnvelope) ([]byte, error) {
	payload, err := serialization.SerializePayload(event.Type, event.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload for event %s: %w", event.Type, err)
	}
	return json.Marshal(wireEnvelope{
		EventID:   string(event.ID),
		EventType: string(event.Type),
		Key:       event.Key,
		Headers:   event.Headers,
		Timestamp: event.Timestamp,
		Payload:   payload,
	})
}

// unmarshalEnvelope parses wire bytes back into a domain envelope.
func unmarshalEnvelope(data []byte) (events.EventEnvelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return events.EventEnvelope{}, fmt.Errorf("unmarshal wire envelope: %w", err)
	}

	eventType := events.EventType(wire.EventType)
	payload, err := serialization.DeserializePayload(eventType, wire.Payload)
	if err != nil {
		return events.EventEnvelope{}, err
	}

	return events.EventEnvelope{
		ID:        events.EventID(wire.EventID),
		Type:      eventType,
		Key:       wire.Key,
		Headers:   wire.Headers,
		Timestamp: wire.Timestamp,
		Payload:   payload,
	}, nil
}

// deliveryCountFromMessage reads the delivery-count header, defaulting to 1
// for messages produced by the gateway.
func deliveryCountFromMessage(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == deliveryCountHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

func deliveryCountRecordHeader(count int) sarama.RecordHeader {
	return sarama.RecordHeader{
		Key:   []byte(deliveryCountHeader),
		Value: []byte(strconv.Itoa(count)),
	}
}
