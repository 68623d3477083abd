package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/leakwatch/internal/infra/eventstream/kafka"
)

// ScannerMetrics defines the metrics operations of the scanner service: the
// worker pool counters plus the event stream's broker counters.
type ScannerMetrics interface {
	kafka.StreamMetrics

	IncEventProcessed(ctx context.Context)
	IncEventFailed(ctx context.Context)
	IncFileSkipped(ctx context.Context, reason string)
	IncFindingsUpserted(ctx context.Context, count int)
	ObserveEventDuration(ctx context.Context, d time.Duration)
}

// Scanner implements ScannerMetrics.
type Scanner struct {
	broker *brokerInstruments

	eventsProcessed  metric.Int64Counter
	eventsFailed     metric.Int64Counter
	filesSkipped     metric.Int64Counter
	findingsUpserted metric.Int64Counter
	eventDuration    metric.Float64Histogram
}

// NewScanner creates the scanner service metrics.
func NewScanner(mp metric.MeterProvider) (*Scanner, error) {
	meter := mp.Meter("scanner", metric.WithInstrumentationVersion("v0.1.0"))

	broker, err := newBrokerInstruments(meter)
	if err != nil {
		return nil, err
	}

	m := &Scanner{broker: broker}

	if m.eventsProcessed, err = meter.Int64Counter(
		"push_events_processed_total",
		metric.WithDescription("Total number of push events fully processed and acknowledged"),
	); err != nil {
		return nil, err
	}

	if m.eventsFailed, err = meter.Int64Counter(
		"push_events_failed_total",
		metric.WithDescription("Total number of push event processing attempts that failed"),
	); err != nil {
		return nil, err
	}

	if m.filesSkipped, err = meter.Int64Counter(
		"files_skipped_total",
		metric.WithDescription("Total number of changed files skipped without scanning"),
	); err != nil {
		return nil, err
	}

	if m.findingsUpserted, err = meter.Int64Counter(
		"findings_upserted_total",
		metric.WithDescription("Total number of findings persisted through the fingerprint upsert"),
	); err != nil {
		return nil, err
	}

	if m.eventDuration, err = meter.Float64Histogram(
		"push_event_duration_seconds",
		metric.WithDescription("Time taken to process one push event end to end"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Scanner) IncEventProcessed(ctx context.Context) { m.eventsProcessed.Add(ctx, 1) }

func (m *Scanner) IncEventFailed(ctx context.Context) { m.eventsFailed.Add(ctx, 1) }

func (m *Scanner) IncFileSkipped(ctx context.Context, reason string) {
	m.filesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Scanner) IncFindingsUpserted(ctx context.Context, count int) {
	m.findingsUpserted.Add(ctx, int64(count))
}

func (m *Scanner) ObserveEventDuration(ctx context.Context, d time.Duration) {
	m.eventDuration.Record(ctx, d.Seconds())
}

func (m *Scanner) IncMessagePublished(ctx context.Context, topic string) {
	m.broker.incMessagePublished(ctx, topic)
}

func (m *Scanner) IncMessageConsumed(ctx context.Context, topic string) {
	m.broker.incMessageConsumed(ctx, topic)
}

func (m *Scanner) IncPublishError(ctx context.Context, topic string) {
	m.broker.incPublishError(ctx, topic)
}

func (m *Scanner) IncConsumeError(ctx context.Context, topic string) {
	m.broker.incConsumeError(ctx, topic)
}

func (m *Scanner) IncEventRequeued(ctx context.Context, topic string) {
	m.broker.incEventRequeued(ctx, topic)
}

func (m *Scanner) IncEventDeadLettered(ctx context.Context, topic string) {
	m.broker.incEventDeadLettered(ctx, topic)
}
