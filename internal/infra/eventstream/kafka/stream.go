// Package kafka provides a Kafka-backed implementation of the event stream
// for durable, ordered push-event delivery across services.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/infra/eventstream/kafka/tracing"
	"github.com/ahrav/leakwatch/pkg/common/logger"
	"github.com/ahrav/leakwatch/pkg/common/timeutil"
)

// StreamMetrics defines metrics operations needed to monitor Kafka message
// handling across publish, consume, requeue and dead-letter paths.
type StreamMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncEventRequeued(ctx context.Context, topic string)
	IncEventDeadLettered(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// EventTopic is the primary topic push events are appended to.
	EventTopic string
	// RetryTopic receives events whose visibility timeout expired without an
	// acknowledgement. Kafka keeps no per-message delivery counter, so the
	// count travels as a record header and increments on each requeue.
	RetryTopic string
	// DeadLetterTopic receives events that exhausted their deliveries.
	DeadLetterTopic string

	// GroupID identifies the consumer group this stream instance serves.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// VisibilityTimeout is how long a claimed event may stay unacknowledged
	// before it is requeued for redelivery.
	VisibilityTimeout time.Duration
	// MaxDeliveries bounds deliveries before an event is dead-lettered.
	MaxDeliveries int
	// ClaimBuffer is the number of consumed events staged for Claim calls.
	ClaimBuffer int
}

func (c *Config) withDefaults() {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.ClaimBuffer <= 0 {
		c.ClaimBuffer = 256
	}
}

var _ events.EventStream = (*Stream)(nil)

// Stream implements events.EventStream on top of Kafka. Appends go to the
// event topic keyed by repository identifier so the hash partitioner keeps
// per-repository order, and Claim hands out events for one key strictly one
// at a time, so partition order survives the fan-out across workers. Acks
// are manual offset commits; unacknowledged events are requeued to the retry
// topic with an incremented delivery count and dead-lettered once the count
// exceeds the maximum.
type Stream struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	cfg           Config

	claims chan *inFlight

	mu           sync.Mutex
	staged       []*inFlight
	inflight     map[events.EventID]*inFlight
	inflightKeys map[string]int
	dead         []events.Entry
	closed       bool

	// signal is closed and replaced when an in-flight key is released so
	// blocked claims re-scan the staged buffer.
	signal chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	clock   timeutil.Provider
	logger  *logger.Logger
	tracer  trace.Tracer
	metrics StreamMetrics
}

// inFlight is one consumed event staged for, or handed to, a consumer.
type inFlight struct {
	envelope      events.EventEnvelope
	raw           []byte
	deliveryCount int

	consumer  string
	claimedAt time.Time

	// ack marks the underlying message consumed and commits offsets.
	ack func()
}

// NewStream creates a Kafka-backed stream from existing producer and
// consumer group connections and starts its consume and requeue loops.
func NewStream(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg Config,
	log *logger.Logger,
	metrics StreamMetrics,
	tracer trace.Tracer,
) (*Stream, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event stream")
	}
	cfg.withDefaults()

	log = log.With(
		"component", "kafka_event_stream",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		producer:      producer,
		consumerGroup: consumerGroup,
		cfg:           cfg,
		claims:        make(chan *inFlight, cfg.ClaimBuffer),
		inflight:      make(map[events.EventID]*inFlight),
		inflightKeys:  make(map[string]int),
		signal:        make(chan struct{}),
		cancel:        cancel,
		clock:         timeutil.Default(),
		logger:        log,
		tracer:        tracer,
		metrics:       metrics,
	}

	s.wg.Add(2)
	go s.consumeLoop(ctx)
	go s.requeueLoop(ctx)

	return s, nil
}

// Append publishes the event to the primary topic, keyed for per-repository
// ordering, and returns the assigned event ID.
func (s *Stream) Append(ctx context.Context, event events.EventEnvelope) (events.EventID, error) {
	ctx, span := tracing.StartProducerSpan(ctx, s.cfg.EventTopic, s.tracer)
	defer span.End()

	if event.ID == "" {
		event.ID = events.EventID(uuid.New().String())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	span.SetAttributes(attribute.String("event.key", event.Key))

	msgBytes, err := marshalEnvelope(event)
	if err != nil {
		span.RecordError(err)
		s.metrics.IncPublishError(ctx, s.cfg.EventTopic)
		return "", err
	}

	if err := s.publish(ctx, s.cfg.EventTopic, event.Key, msgBytes, 1); err != nil {
		span.RecordError(err)
		return "", err
	}

	return event.ID, nil
}

// publish sends wire bytes to a single topic with the delivery count header.
func (s *Stream) publish(ctx context.Context, topic, key string, msgBytes []byte, deliveryCount int) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(msgBytes),
		Headers: []sarama.RecordHeader{deliveryCountRecordHeader(deliveryCount)},
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := s.producer.SendMessage(kafkaMsg)
	if err != nil {
		s.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	s.metrics.IncMessagePublished(ctx, topic)

	s.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", key,
	)
	return nil
}

// Claim hands up to maxCount staged events to the named consumer, waiting up
// to block when none are claimable. Events sharing a repository key are
// delivered one at a time: while one is in flight the rest of that key's
// events stay staged, so two commits on one repository are never processed
// concurrently or out of order. The group must match the consumer group this
// stream was built for.
func (s *Stream) Claim(
	ctx context.Context,
	group, consumer string,
	maxCount int,
	block time.Duration,
) ([]events.Delivery, error) {
	if group != s.cfg.GroupID {
		return nil, fmt.Errorf("stream serves consumer group %q, not %q", s.cfg.GroupID, group)
	}
	if consumer == "" {
		return nil, errors.New("consumer must be non-empty")
	}
	if maxCount <= 0 {
		return nil, errors.New("maxCount must be positive")
	}

	var deadline time.Time
	if block > 0 {
		deadline = s.clock.Now().Add(block)
	}

	for {
		if err := s.drainClaims(); err != nil {
			return nil, err
		}
		deliveries, signal, err := s.claimStaged(consumer, maxCount)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 || block <= 0 {
			return deliveries, nil
		}

		now := s.clock.Now()
		if !now.Before(deadline) {
			return nil, nil
		}
		timer := time.NewTimer(deadline.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case f, ok := <-s.claims:
			timer.Stop()
			if !ok {
				return nil, events.ErrStreamClosed
			}
			s.mu.Lock()
			s.staged = append(s.staged, f)
			s.mu.Unlock()
		case <-signal:
			// A key was released; the staged buffer may be claimable now.
			timer.Stop()
		}
	}
}

// drainClaims moves everything the consumer loop has handed off into the
// ordered staged buffer without blocking.
func (s *Stream) drainClaims() error {
	for {
		select {
		case f, ok := <-s.claims:
			if !ok {
				return events.ErrStreamClosed
			}
			s.mu.Lock()
			s.staged = append(s.staged, f)
			s.mu.Unlock()
		default:
			return nil
		}
	}
}

// claimStaged performs one scan over the staged buffer in arrival order. An
// event is skipped while its key has a delivery in flight or an older staged
// event ahead of it. It returns the release-signal channel to wait on when
// nothing was claimable.
func (s *Stream) claimStaged(consumer string, maxCount int) ([]events.Delivery, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, events.ErrStreamClosed
	}

	now := s.clock.Now()
	var deliveries []events.Delivery
	blockedKeys := make(map[string]struct{})
	kept := s.staged[:0]
	for _, f := range s.staged {
		_, keyBlocked := blockedKeys[f.envelope.Key]
		blockedKeys[f.envelope.Key] = struct{}{}
		if keyBlocked || s.inflightKeys[f.envelope.Key] > 0 || len(deliveries) >= maxCount {
			kept = append(kept, f)
			continue
		}

		f.consumer = consumer
		f.claimedAt = now
		s.inflight[f.envelope.ID] = f
		s.inflightKeys[f.envelope.Key]++
		deliveries = append(deliveries, events.Delivery{
			Envelope:      f.envelope,
			DeliveryCount: f.deliveryCount,
		})
	}
	s.staged = kept
	return deliveries, s.signal, nil
}

// releaseKeyLocked frees the key held by a completed delivery and wakes
// blocked claims so staged successors become visible.
func (s *Stream) releaseKeyLocked(key string) {
	if n := s.inflightKeys[key]; n <= 1 {
		delete(s.inflightKeys, key)
	} else {
		s.inflightKeys[key] = n - 1
	}
	close(s.signal)
	s.signal = make(chan struct{})
}

// Ack commits the event's offset and removes it from the in-flight set.
func (s *Stream) Ack(ctx context.Context, group string, id events.EventID) error {
	if group != s.cfg.GroupID {
		return fmt.Errorf("stream serves consumer group %q, not %q", s.cfg.GroupID, group)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return events.ErrStreamClosed
	}
	f, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
		s.releaseKeyLocked(f.envelope.Key)
	}
	s.mu.Unlock()

	if !ok {
		return events.ErrEventNotPending
	}

	f.ack()
	s.metrics.IncMessageConsumed(ctx, s.cfg.EventTopic)
	return nil
}

// Pending returns claimed events whose visibility timeout has elapsed but
// that have not yet been requeued, oldest first.
func (s *Stream) Pending(ctx context.Context, group string) ([]events.Entry, error) {
	if group != s.cfg.GroupID {
		return nil, fmt.Errorf("stream serves consumer group %q, not %q", s.cfg.GroupID, group)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, events.ErrStreamClosed
	}

	now := s.clock.Now()
	var pending []events.Entry
	for id, f := range s.inflight {
		if now.Sub(f.claimedAt) < s.cfg.VisibilityTimeout {
			continue
		}
		pending = append(pending, events.Entry{
			EventID:       id,
			Consumer:      f.consumer,
			ClaimedAt:     f.claimedAt,
			DeliveryCount: f.deliveryCount,
			Envelope:      f.envelope,
		})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ClaimedAt.Before(pending[j].ClaimedAt) })
	return pending, nil
}

// DeadLettered returns the events this instance forwarded to the dead-letter
// topic. The topic itself holds the durable record; this view exists for
// in-process inspection.
func (s *Stream) DeadLettered(ctx context.Context, group string) ([]events.Entry, error) {
	if group != s.cfg.GroupID {
		return nil, fmt.Errorf("stream serves consumer group %q, not %q", s.cfg.GroupID, group)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, events.ErrStreamClosed
	}
	dead := make([]events.Entry, len(s.dead))
	copy(dead, s.dead)
	return dead, nil
}

// requeueLoop periodically sweeps in-flight events whose visibility timeout
// elapsed, republishing them to the retry topic with an incremented delivery
// count, or to the dead-letter topic once deliveries are exhausted. The
// original message is acknowledged either way so the partition keeps moving.
func (s *Stream) requeueLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.VisibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *Stream) sweepExpired(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []*inFlight
	for id, f := range s.inflight {
		if now.Sub(f.claimedAt) >= s.cfg.VisibilityTimeout {
			expired = append(expired, f)
			delete(s.inflight, id)
		}
	}
	s.mu.Unlock()

	for _, f := range expired {
		if f.deliveryCount >= s.cfg.MaxDeliveries {
			s.deadLetter(ctx, f)
		} else {
			s.requeue(ctx, f)
		}
	}
}

func (s *Stream) requeue(ctx context.Context, f *inFlight) {
	err := s.publish(ctx, s.cfg.RetryTopic, f.envelope.Key, f.raw, f.deliveryCount+1)
	if err != nil {
		// Keep the event in flight; the next sweep retries the requeue.
		s.logger.Error(ctx, "Failed to requeue expired event",
			"event_id", f.envelope.ID,
			"error", err,
		)
		s.mu.Lock()
		s.inflight[f.envelope.ID] = f
		s.mu.Unlock()
		return
	}

	f.ack()
	s.mu.Lock()
	s.releaseKeyLocked(f.envelope.Key)
	s.mu.Unlock()
	s.metrics.IncEventRequeued(ctx, s.cfg.RetryTopic)
	s.logger.Warn(ctx, "Requeued expired event",
		"event_id", f.envelope.ID,
		"key", f.envelope.Key,
		"delivery_count", f.deliveryCount+1,
	)
}

func (s *Stream) deadLetter(ctx context.Context, f *inFlight) {
	err := s.publish(ctx, s.cfg.DeadLetterTopic, f.envelope.Key, f.raw, f.deliveryCount)
	if err != nil {
		s.logger.Error(ctx, "Failed to dead-letter event",
			"event_id", f.envelope.ID,
			"error", err,
		)
		s.mu.Lock()
		s.inflight[f.envelope.ID] = f
		s.mu.Unlock()
		return
	}

	f.ack()
	s.metrics.IncEventDeadLettered(ctx, s.cfg.DeadLetterTopic)

	s.mu.Lock()
	s.releaseKeyLocked(f.envelope.Key)
	s.dead = append(s.dead, events.Entry{
		EventID:       f.envelope.ID,
		Consumer:      f.consumer,
		ClaimedAt:     f.claimedAt,
		DeliveryCount: f.deliveryCount,
		Envelope:      f.envelope,
	})
	s.mu.Unlock()

	s.logger.Error(ctx, "Dead-lettered event after exhausting deliveries",
		"event_id", f.envelope.ID,
		"key", f.envelope.Key,
		"delivery_count", f.deliveryCount,
	)
}

// consumeLoop maintains a continuous consumer group session over the event
// and retry topics.
func (s *Stream) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	handler := &streamConsumerHandler{stream: s}
	topics := []string{s.cfg.EventTopic, s.cfg.RetryTopic}

	for {
		if err := s.consumerGroup.Consume(ctx, topics, handler); err != nil {
			s.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// streamConsumerHandler implements sarama.ConsumerGroupHandler, staging
// decoded messages for Claim calls.
type streamConsumerHandler struct {
	stream *Stream

	commitMu   sync.Mutex
	lastCommit time.Time
}

func (h *streamConsumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.stream.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *streamConsumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.stream.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim decodes messages from an assigned partition and stages them
// for Claim. Undecodable messages and messages past their delivery budget go
// straight to the dead-letter topic.
func (h *streamConsumerHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	s := h.stream
	consumeLogger := s.logger.With("operation", "consume_claim", "partition", claim.Partition())

	const commitInterval = time.Second

	for msg := range claim.Messages() {
		msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
		msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, s.tracer)

		envelope, err := unmarshalEnvelope(msg.Value)
		if err != nil {
			// Malformed payloads can never succeed; dead-letter immediately.
			span.RecordError(err)
			span.SetStatus(codes.Error, "undecodable message")
			s.metrics.IncConsumeError(msgCtx, msg.Topic)
			if pubErr := s.publish(msgCtx, s.cfg.DeadLetterTopic, string(msg.Key), msg.Value, deliveryCountFromMessage(msg)); pubErr != nil {
				consumeLogger.Error(msgCtx, "Failed to dead-letter undecodable message", "error", pubErr)
			}
			sess.MarkMessage(msg, "")
			span.End()
			continue
		}

		deliveryCount := deliveryCountFromMessage(msg)
		msgRef := msg
		staged := &inFlight{
			envelope:      envelope,
			raw:           msg.Value,
			deliveryCount: deliveryCount,
			ack: func() {
				sess.MarkMessage(msgRef, "")
				h.commitMu.Lock()
				if time.Since(h.lastCommit) > commitInterval {
					sess.Commit()
					h.lastCommit = time.Now()
				}
				h.commitMu.Unlock()
			},
		}

		consumeLogger.Debug(msgCtx, "Staged Kafka message for claim",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"event_id", envelope.ID,
			"key", envelope.Key,
			"delivery_count", deliveryCount,
		)
		span.End()

		select {
		case s.claims <- staged:
		case <-sess.Context().Done():
			return nil
		}
	}

	sess.Commit()
	return nil
}

// Close stops the consume and requeue loops and closes both connections.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	logger := s.logger.With("operation", "close")
	ctx, span := s.tracer.Start(context.Background(), "kafka_event_stream.close")
	defer span.End()

	if err := s.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := s.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	logger.Info(ctx, "Closed event stream")
	return nil
}
