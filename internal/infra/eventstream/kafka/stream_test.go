package kafka

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/domain/scanning"
	"github.com/ahrav/leakwatch/pkg/common/logger"
)

// fakeConsumerGroup satisfies sarama.ConsumerGroup without a broker. Consume
// blocks until the session context is cancelled, mirroring an idle group.
type fakeConsumerGroup struct{}

func (fakeConsumerGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	<-ctx.Done()
	return ctx.Err()
}
func (fakeConsumerGroup) Errors() <-chan error      { return nil }
func (fakeConsumerGroup) Close() error              { return nil }
func (fakeConsumerGroup) Pause(map[string][]int32)  {}
func (fakeConsumerGroup) Resume(map[string][]int32) {}
func (fakeConsumerGroup) PauseAll()                 {}
func (fakeConsumerGroup) ResumeAll()                {}

// countingMetrics records metric increments for assertions.
type countingMetrics struct {
	published    atomic.Int64
	consumed     atomic.Int64
	publishErrs  atomic.Int64
	consumeErrs  atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

func (m *countingMetrics) IncMessagePublished(context.Context, string)  { m.published.Add(1) }
func (m *countingMetrics) IncMessageConsumed(context.Context, string)   { m.consumed.Add(1) }
func (m *countingMetrics) IncPublishError(context.Context, string)      { m.publishErrs.Add(1) }
func (m *countingMetrics) IncConsumeError(context.Context, string)      { m.consumeErrs.Add(1) }
func (m *countingMetrics) IncEventRequeued(context.Context, string)     { m.requeued.Add(1) }
func (m *countingMetrics) IncEventDeadLettered(context.Context, string) { m.deadLettered.Add(1) }

func testConfig() Config {
	return Config{
		Brokers:         []string{"localhost:9092"},
		EventTopic:      "leakwatch.push-events",
		RetryTopic:      "leakwatch.push-events.retry",
		DeadLetterTopic: "leakwatch.push-events.dlq",
		GroupID:         "scanners",
		ClientID:        "test-client",
	}
}

func newTestStream(t *testing.T, producer sarama.SyncProducer) (*Stream, *countingMetrics) {
	t.Helper()

	metrics := &countingMetrics{}
	log := logger.New(io.Discard, logger.LevelInfo, "test", nil)
	s, err := NewStream(producer, fakeConsumerGroup{}, testConfig(), log, metrics, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return s, metrics
}

func TestAppendPublishesKeyedEnvelope(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "leakwatch.push-events", msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "acme/payments", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		envelope, err := unmarshalEnvelope(value)
		require.NoError(t, err)
		assert.Equal(t, events.EventTypePushReceived, envelope.Type)
		assert.NotEmpty(t, envelope.ID)

		var count string
		for _, h := range msg.Headers {
			if string(h.Key) == deliveryCountHeader {
				count = string(h.Value)
			}
		}
		assert.Equal(t, "1", count)
		return nil
	})

	s, metrics := newTestStream(t, producer)
	defer s.Close()

	id, err := s.Append(context.Background(), events.EventEnvelope{
		Type: events.EventTypePushReceived,
		Key:  "acme/payments",
		Payload: scanning.PushEvent{
			RepoIdentifier: "acme/payments",
			CommitRef:      "7f3a2b1c",
			ReceivedAt:     time.Now().UTC(),
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int64(1), metrics.published.Load())
}

func TestAppendUnserializablePayload(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	s, metrics := newTestStream(t, producer)
	defer s.Close()

	_, err := s.Append(context.Background(), events.EventEnvelope{
		Type:    events.EventType("mystery_event"),
		Key:     "acme/payments",
		Payload: struct{}{},
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), metrics.publishErrs.Load())
}

func TestClaimRejectsForeignGroup(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	s, _ := newTestStream(t, producer)
	defer s.Close()

	_, err := s.Claim(context.Background(), "auditors", "worker-1", 1, 0)
	assert.Error(t, err)
}

func TestClaimDrainsStagedEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	s, metrics := newTestStream(t, producer)
	defer s.Close()

	var acked atomic.Int64
	for _, evt := range []struct {
		id  events.EventID
		key string
	}{
		{"evt-1", "acme/api"},
		{"evt-2", "acme/web"},
	} {
		s.claims <- &inFlight{
			envelope:      events.EventEnvelope{ID: evt.id, Type: events.EventTypePushReceived, Key: evt.key},
			deliveryCount: 1,
			ack:           func() { acked.Add(1) },
		}
	}

	deliveries, err := s.Claim(context.Background(), "scanners", "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, events.EventID("evt-1"), deliveries[0].Envelope.ID)
	assert.Equal(t, events.EventID("evt-2"), deliveries[1].Envelope.ID)

	require.NoError(t, s.Ack(context.Background(), "scanners", "evt-1"))
	require.NoError(t, s.Ack(context.Background(), "scanners", "evt-2"))
	assert.Equal(t, int64(2), acked.Load())
	assert.Equal(t, int64(2), metrics.consumed.Load())

	assert.ErrorIs(t, s.Ack(context.Background(), "scanners", "evt-1"), events.ErrEventNotPending)
}

func TestBlockedClaimWakesOnStagedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	s, _ := newTestStream(t, producer)
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var deliveries []events.Delivery
	var claimErr error
	go func() {
		defer wg.Done()
		deliveries, claimErr = s.Claim(context.Background(), "scanners", "worker-1", 1, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	s.claims <- &inFlight{
		envelope:      events.EventEnvelope{ID: "evt-9", Type: events.EventTypePushReceived, Key: "acme/api"},
		deliveryCount: 1,
		ack:           func() {},
	}

	wg.Wait()
	require.NoError(t, claimErr)
	require.Len(t, deliveries, 1)
	assert.Equal(t, events.EventID("evt-9"), deliveries[0].Envelope.ID)
}

func stageEvent(s *Stream, id events.EventID, key string) {
	s.claims <- &inFlight{
		envelope:      events.EventEnvelope{ID: id, Type: events.EventTypePushReceived, Key: key},
		raw:           []byte(`{}`),
		deliveryCount: 1,
		ack:           func() {},
	}
}

func TestClaimSerializesSameKeyEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	s, _ := newTestStream(t, producer)
	defer s.Close()

	stageEvent(s, "commit-1", "acme/payments")
	stageEvent(s, "commit-2", "acme/payments")

	// One worker holds commit-1; commit-2 stays invisible to every other
	// consumer until commit-1 is acknowledged.
	first, err := s.Claim(context.Background(), "scanners", "worker-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, events.EventID("commit-1"), first[0].Envelope.ID)

	second, err := s.Claim(context.Background(), "scanners", "worker-b", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, s.Ack(context.Background(), "scanners", "commit-1"))

	second, err = s.Claim(context.Background(), "scanners", "worker-b", 10, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, events.EventID("commit-2"), second[0].Envelope.ID)
}

func TestBlockedClaimWakesOnKeyRelease(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	s, _ := newTestStream(t, producer)
	defer s.Close()

	stageEvent(s, "commit-1", "acme/payments")
	stageEvent(s, "commit-2", "acme/payments")

	first, err := s.Claim(context.Background(), "scanners", "worker-a", 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	var deliveries []events.Delivery
	var claimErr error
	go func() {
		defer wg.Done()
		deliveries, claimErr = s.Claim(context.Background(), "scanners", "worker-b", 1, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Ack(context.Background(), "scanners", "commit-1"))

	wg.Wait()
	require.NoError(t, claimErr)
	require.Len(t, deliveries, 1)
	assert.Equal(t, events.EventID("commit-2"), deliveries[0].Envelope.ID)
}

func TestRequeueReleasesKey(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	s, metrics := newTestStream(t, producer)
	defer s.Close()

	stageEvent(s, "commit-1", "acme/payments")
	stageEvent(s, "commit-2", "acme/payments")

	first, err := s.Claim(context.Background(), "scanners", "worker-a", 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	s.mu.Lock()
	s.inflight["commit-1"].claimedAt = time.Now().Add(-time.Minute)
	s.mu.Unlock()
	s.sweepExpired(context.Background())
	assert.Equal(t, int64(1), metrics.requeued.Load())

	second, err := s.Claim(context.Background(), "scanners", "worker-b", 1, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, events.EventID("commit-2"), second[0].Envelope.ID)
}

func TestAckUnknownEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	s, _ := newTestStream(t, producer)
	defer s.Close()

	assert.ErrorIs(t, s.Ack(context.Background(), "scanners", "no-such-event"), events.ErrEventNotPending)
}
