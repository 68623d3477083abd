package kafka

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/domain/scanning"
)

func TestMarshalEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	event := events.EventEnvelope{
		ID:        "evt-42",
		Type:      events.EventTypePushReceived,
		Key:       "acme/payments",
		Headers:   map[string]string{"source": "github"},
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Payload: scanning.PushEvent{
			RepoIdentifier: "acme/payments",
			CommitRef:      "7f3a2b1c",
			ReceivedAt:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		},
	}

	data, err := marshalEnvelope(event)
	require.NoError(t, err)

	got, err := unmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, event, got)
}

func TestMarshalEnvelopeUnknownEventType(t *testing.T) {
	t.Parallel()

	_, err := marshalEnvelope(events.EventEnvelope{Type: "mystery_event"})
	assert.Error(t, err)
}

func TestUnmarshalEnvelopeMalformed(t *testing.T) {
	t.Parallel()

	_, err := unmarshalEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestDeliveryCountFromMessage(t *testing.T) {
	t.Parallel()

	msg := &sarama.ConsumerMessage{}
	assert.Equal(t, 1, deliveryCountFromMessage(msg), "missing header defaults to first delivery")

	header := deliveryCountRecordHeader(3)
	msg.Headers = []*sarama.RecordHeader{&header}
	assert.Equal(t, 3, deliveryCountFromMessage(msg))

	msg.Headers = []*sarama.RecordHeader{{Key: []byte(deliveryCountHeader), Value: []byte("bogus")}}
	assert.Equal(t, 1, deliveryCountFromMessage(msg), "unparsable header defaults to first delivery")
}
