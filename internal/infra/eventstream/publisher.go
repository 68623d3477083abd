// Package eventstream wires event stream implementations to the narrow
// domain ports producers consume.
package eventstream

import (
	"context"

	"github.com/ahrav/leakwatch/internal/domain/events"
)

var _ events.DomainEventPublisher = (*Publisher)(nil)

// Publisher adapts a full events.EventStream to the append-only
// events.DomainEventPublisher port used by the ingest gateway.
type Publisher struct{ stream events.EventStream }

// NewPublisher creates a publisher backed by the given stream.
func NewPublisher(stream events.EventStream) *Publisher {
	return &Publisher{stream: stream}
}

// PublishDomainEvent appends the event to the underlying stream.
func (p *Publisher) PublishDomainEvent(ctx context.Context, event events.EventEnvelope) (events.EventID, error) {
	return p.stream.Append(ctx, event)
}
