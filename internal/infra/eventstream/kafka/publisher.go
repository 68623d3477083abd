package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/infra/eventstream/kafka/tracing"
	"github.com/ahrav/leakwatch/pkg/common/logger"
	"github.com/ahrav/leakwatch/pkg/common/timeutil"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher is the produce-only side of the stream for services
// that append but never consume, such as the ingest gateway. It does not
// join the consumer group.
type DomainEventPublisher struct {
	producer sarama.SyncProducer
	cfg      Config
	clock    timeutil.Provider

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics StreamMetrics
}

// NewDomainEventPublisher creates a produce-only publisher on the stream's
// primary topic.
func NewDomainEventPublisher(
	producer sarama.SyncProducer,
	cfg Config,
	log *logger.Logger,
	metrics StreamMetrics,
	tracer trace.Tracer,
) *DomainEventPublisher {
	cfg.withDefaults()
	return &DomainEventPublisher{
		producer: producer,
		cfg:      cfg,
		clock:    timeutil.Default(),
		logger:   log.With("component", "kafka_event_publisher", "client_id", cfg.ClientID),
		tracer:   tracer,
		metrics:  metrics,
	}
}

// PublishDomainEvent appends the event to the primary topic, keyed for
// per-repository ordering, and returns the assigned event ID.
func (p *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.EventEnvelope) (events.EventID, error) {
	ctx, span := tracing.StartProducerSpan(ctx, p.cfg.EventTopic, p.tracer)
	defer span.End()

	if event.ID == "" {
		event.ID = events.EventID(uuid.New().String())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.clock.Now()
	}
	span.SetAttributes(attribute.String("event.key", event.Key))

	msgBytes, err := marshalEnvelope(event)
	if err != nil {
		span.RecordError(err)
		p.metrics.IncPublishError(ctx, p.cfg.EventTopic)
		return "", err
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic:   p.cfg.EventTopic,
		Key:     sarama.StringEncoder(event.Key),
		Value:   sarama.ByteEncoder(msgBytes),
		Headers: []sarama.RecordHeader{deliveryCountRecordHeader(1)},
	}
	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := p.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		p.metrics.IncPublishError(ctx, p.cfg.EventTopic)
		return "", err
	}
	p.metrics.IncMessagePublished(ctx, p.cfg.EventTopic)

	p.logger.Debug(ctx, "Published domain event",
		"topic", p.cfg.EventTopic,
		"partition", partition,
		"offset", offset,
		"event_id", event.ID,
	)
	return event.ID, nil
}

// Close shuts down the underlying producer.
func (p *DomainEventPublisher) Close() error { return p.producer.Close() }
