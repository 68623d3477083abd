package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// brokerInstruments holds the event stream broker counters shared by every
// service that talks to the stream.
type brokerInstruments struct {
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
	eventsRequeued    metric.Int64Counter
	eventsDeadLetters metric.Int64Counter
}

func newBrokerInstruments(meter metric.Meter) (*brokerInstruments, error) {
	b := new(brokerInstruments)
	var err error

	if b.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published to the stream"),
	); err != nil {
		return nil, err
	}

	if b.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed and acknowledged"),
	); err != nil {
		return nil, err
	}

	if b.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if b.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if b.eventsRequeued, err = meter.Int64Counter(
		"events_requeued_total",
		metric.WithDescription("Total number of events requeued after their visibility timeout expired"),
	); err != nil {
		return nil, err
	}

	if b.eventsDeadLetters, err = meter.Int64Counter(
		"events_dead_lettered_total",
		metric.WithDescription("Total number of events moved to the dead-letter topic"),
	); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *brokerInstruments) incMessagePublished(ctx context.Context, topic string) {
	b.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (b *brokerInstruments) incMessageConsumed(ctx context.Context, topic string) {
	b.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (b *brokerInstruments) incPublishError(ctx context.Context, topic string) {
	b.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (b *brokerInstruments) incConsumeError(ctx context.Context, topic string) {
	b.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (b *brokerInstruments) incEventRequeued(ctx context.Context, topic string) {
	b.eventsRequeued.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (b *brokerInstruments) incEventDeadLettered(ctx context.Context, topic string) {
	b.eventsDeadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
