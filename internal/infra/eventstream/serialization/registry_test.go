package serialization

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/domain/scanning"
)

func TestSerializePushReceivedRoundTrip(t *testing.T) {
	t.Parallel()

	evt := scanning.PushEvent{
		EventID:        "evt-123",
		RepoIdentifier: "acme/payments",
		CommitRef:      "7f3a2b1c",
		PreviousRef:    "0e9d8c7b",
		Pusher:         "deploy-bot",
		ReceivedAt:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		ChangedFileRefs: []scanning.ChangedFileRef{
			{Path: "config/settings.py", Ref: "7f3a2b1c"},
			{Path: ".env", Ref: "7f3a2b1c"},
		},
	}

	data, err := SerializePayload(events.EventTypePushReceived, evt)
	require.NoError(t, err)

	got, err := DeserializePayload(events.EventTypePushReceived, data)
	require.NoError(t, err)
	assert.Equal(t, evt, got)
}

func TestSerializePayloadWrongType(t *testing.T) {
	t.Parallel()

	_, err := SerializePayload(events.EventTypePushReceived, "not a push event")
	assert.Error(t, err)
}

func TestSerializePayloadUnknownEventType(t *testing.T) {
	t.Parallel()

	_, err := SerializePayload(events.EventType("no_such_event"), scanning.PushEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no serializer registered")

	_, err = DeserializePayload(events.EventType("no_such_event"), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no deserializer registered")
}

func TestDeserializePushReceivedMalformed(t *testing.T) {
	t.Parallel()

	_, err := DeserializePayload(events.EventTypePushReceived, []byte(`{"repo":`))
	assert.Error(t, err)
}
