// Package metrics implements the per-service metrics interfaces on OTel
// metric instruments.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/leakwatch/internal/infra/eventstream/kafka"
)

// IngestMetrics defines the metrics operations of the ingest service: the
// gateway counters plus the event stream's broker counters.
type IngestMetrics interface {
	kafka.StreamMetrics

	IncWebhookReceived(ctx context.Context)
	IncWebhookRejected(ctx context.Context, reason string)
	IncEventPublished(ctx context.Context)
}

// Ingest implements IngestMetrics.
type Ingest struct {
	broker *brokerInstruments

	webhooksReceived metric.Int64Counter
	webhooksRejected metric.Int64Counter
	eventsPublished  metric.Int64Counter
}

// NewIngest creates the ingest service metrics.
func NewIngest(mp metric.MeterProvider) (*Ingest, error) {
	meter := mp.Meter("ingest", metric.WithInstrumentationVersion("v0.1.0"))

	broker, err := newBrokerInstruments(meter)
	if err != nil {
		return nil, err
	}

	m := &Ingest{broker: broker}

	if m.webhooksReceived, err = meter.Int64Counter(
		"webhooks_received_total",
		metric.WithDescription("Total number of webhook deliveries received"),
	); err != nil {
		return nil, err
	}

	if m.webhooksRejected, err = meter.Int64Counter(
		"webhooks_rejected_total",
		metric.WithDescription("Total number of webhook deliveries rejected before publishing"),
	); err != nil {
		return nil, err
	}

	if m.eventsPublished, err = meter.Int64Counter(
		"push_events_published_total",
		metric.WithDescription("Total number of push events appended to the stream"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Ingest) IncWebhookReceived(ctx context.Context) { m.webhooksReceived.Add(ctx, 1) }

func (m *Ingest) IncWebhookRejected(ctx context.Context, reason string) {
	m.webhooksRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Ingest) IncEventPublished(ctx context.Context) { m.eventsPublished.Add(ctx, 1) }

func (m *Ingest) IncMessagePublished(ctx context.Context, topic string) {
	m.broker.incMessagePublished(ctx, topic)
}

func (m *Ingest) IncMessageConsumed(ctx context.Context, topic string) {
	m.broker.incMessageConsumed(ctx, topic)
}

func (m *Ingest) IncPublishError(ctx context.Context, topic string) {
	m.broker.incPublishError(ctx, topic)
}

func (m *Ingest) IncConsumeError(ctx context.Context, topic string) {
	m.broker.incConsumeError(ctx, topic)
}

func (m *Ingest) IncEventRequeued(ctx context.Context, topic string) {
	m.broker.incEventRequeued(ctx, topic)
}

func (m *Ingest) IncEventDeadLettered(ctx context.Context, topic string) {
	m.broker.incEventDeadLettered(ctx, topic)
}
