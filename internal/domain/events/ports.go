// Package events provides the durable event stream abstraction that decouples
// webhook ingestion from scanning. The stream is the sole synchronization
// point between the two sides: the gateway appends, workers claim and
// acknowledge within a consumer group.
package events

import (
	"context"
	"time"
)

// EventStream is a durable, ordered, at-least-once delivery log with
// consumer-group semantics. Events sharing a partition key (repository
// identifier) are delivered to the group in append order; events with
// different keys have no ordering relationship.
//
// An event is removed from a group's pending set only by an explicit
// acknowledgement. A consumer that crashes after claiming leaves its entries
// in the pending set, from which any live group member may reclaim them once
// the visibility timeout elapses. Entries whose delivery count exceeds the
// stream's configured maximum are moved to a dead-letter set and acknowledged
// in the main group so they stop being redelivered.
type EventStream interface {
	// Append durably adds an event to the stream and returns its assigned ID.
	// The event is visible to consumers once Append returns.
	Append(ctx context.Context, event EventEnvelope) (EventID, error)

	// Claim hands up to maxCount events to the named consumer within the
	// group, blocking up to block for new entries when none are ready.
	// Each returned delivery carries the entry's total delivery count.
	Claim(ctx context.Context, group, consumer string, maxCount int, block time.Duration) ([]Delivery, error)

	// Ack marks an event as fully processed for the group, removing it from
	// the pending set. Acking an unknown or already-acked event is an error.
	Ack(ctx context.Context, group string, id EventID) error

	// Pending returns the group's unacknowledged entries whose visibility
	// timeout has elapsed, in claim order.
	Pending(ctx context.Context, group string) ([]Entry, error)

	// DeadLettered returns the entries moved to the group's dead-letter set
	// for operator inspection and replay tooling.
	DeadLettered(ctx context.Context, group string) ([]Entry, error)

	// Close gracefully shuts down the stream and releases associated resources.
	Close() error
}

// DomainEventPublisher is the narrow append-only view of the stream used by
// producers such as the ingest gateway. It decouples event producers from the
// underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent appends a domain event to the stream and returns the
	// assigned event ID.
	PublishDomainEvent(ctx context.Context, event EventEnvelope) (EventID, error)
}
