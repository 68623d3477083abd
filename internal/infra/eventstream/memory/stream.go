// Package memory provides an in-memory implementation of the event stream.
// It offers the full consumer-group contract, including visibility timeouts,
// delivery counting and dead-lettering, without external infrastructure,
// making it the reference implementation for tests and development
// environments where durability is not required.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/pkg/common/timeutil"
)

// Config tunes the stream's delivery behavior.
type Config struct {
	// VisibilityTimeout is how long a claimed entry stays invisible to other
	// consumers before it becomes eligible for redelivery.
	VisibilityTimeout time.Duration

	// MaxDeliveries bounds how many times an entry is handed out before it is
	// moved to the dead-letter set.
	MaxDeliveries int

	// MaxLen caps retained entries. Only entries acknowledged by every group
	// are trimmed; unconsumed entries are never dropped. Zero means unbounded.
	MaxLen int
}

// DefaultConfig returns the delivery tuning the stream ships with.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 30 * time.Second,
		MaxDeliveries:     5,
		MaxLen:            0,
	}
}

var _ events.EventStream = (*Stream)(nil)

// Stream is an in-memory events.EventStream. All operations are safe for
// concurrent use; claims, acknowledgements and dead-letter moves happen
// atomically under a single lock.
type Stream struct {
	cfg   Config
	clock timeutil.Provider

	mu      sync.Mutex
	nextSeq uint64
	entries []*streamEntry
	groups  map[string]*groupState
	closed  bool

	// signal is closed and replaced on every append so blocked claims wake.
	signal chan struct{}
}

type streamEntry struct {
	id  events.EventID
	env events.EventEnvelope
}

// claimState tracks one in-flight delivery within a group.
type claimState struct {
	consumer      string
	claimedAt     time.Time
	deadline      time.Time
	deliveryCount int
}

type groupState struct {
	claims map[events.EventID]*claimState
	done   map[events.EventID]struct{}
	dead   []events.Entry
}

// NewStream creates an in-memory stream. A nil clock falls back to the
// system clock.
func NewStream(cfg Config, clock timeutil.Provider) *Stream {
	def := DefaultConfig()
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = def.MaxDeliveries
	}
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Stream{
		cfg:    cfg,
		clock:  clock,
		groups: make(map[string]*groupState),
		signal: make(chan struct{}),
	}
}

// Append durably adds an event and returns its assigned ID. The envelope's
// ID field is overwritten with the stream-assigned value.
func (s *Stream) Append(ctx context.Context, event events.EventEnvelope) (events.EventID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", events.ErrStreamClosed
	}

	s.nextSeq++
	id := events.EventID(strconv.FormatUint(s.nextSeq, 10))
	event.ID = id
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}

	s.entries = append(s.entries, &streamEntry{id: id, env: event})
	s.trimLocked()

	close(s.signal)
	s.signal = make(chan struct{})

	return id, nil
}

// trimLocked drops the oldest entries past MaxLen, stopping at the first
// entry any group has not finished with.
func (s *Stream) trimLocked() {
	if s.cfg.MaxLen <= 0 {
		return
	}
	for len(s.entries) > s.cfg.MaxLen {
		head := s.entries[0]
		if !s.doneEverywhereLocked(head.id) {
			return
		}
		for _, g := range s.groups {
			delete(g.done, head.id)
		}
		s.entries[0] = nil
		s.entries = s.entries[1:]
	}
}

func (s *Stream) doneEverywhereLocked(id events.EventID) bool {
	if len(s.groups) == 0 {
		return false
	}
	for _, g := range s.groups {
		if _, ok := g.done[id]; !ok {
			return false
		}
	}
	return true
}

func (s *Stream) groupLocked(name string) *groupState {
	g, ok := s.groups[name]
	if !ok {
		g = &groupState{
			claims: make(map[events.EventID]*claimState),
			done:   make(map[events.EventID]struct{}),
		}
		s.groups[name] = g
	}
	return g
}

// Claim hands up to maxCount entries to the named consumer. Entries sharing
// a key are delivered one at a time: while one is in flight the rest of that
// key's entries stay invisible, which preserves per-key ordering across
// redeliveries. Expired claims are swept in the same pass, either redelivered
// with an incremented count or dead-lettered once the count reaches the
// configured maximum.
func (s *Stream) Claim(
	ctx context.Context,
	group, consumer string,
	maxCount int,
	block time.Duration,
) ([]events.Delivery, error) {
	if group == "" || consumer == "" {
		return nil, errors.New("group and consumer must be non-empty")
	}
	if maxCount <= 0 {
		return nil, errors.New("maxCount must be positive")
	}

	var waitDeadline time.Time
	if block > 0 {
		waitDeadline = s.clock.Now().Add(block)
	}

	for {
		deliveries, signal, nextWake, err := s.claimOnce(group, consumer, maxCount)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 || block <= 0 {
			return deliveries, nil
		}

		now := s.clock.Now()
		if !now.Before(waitDeadline) {
			return nil, nil
		}

		wake := waitDeadline
		if !nextWake.IsZero() && nextWake.Before(wake) {
			wake = nextWake
		}
		timer := time.NewTimer(wake.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claimOnce performs one non-blocking sweep over the stream. It returns the
// claimed deliveries, the append-signal channel to wait on, and the earliest
// pending-claim deadline so a blocked caller knows when a redelivery could
// become available.
func (s *Stream) claimOnce(
	group, consumer string,
	maxCount int,
) ([]events.Delivery, chan struct{}, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, time.Time{}, events.ErrStreamClosed
	}

	g := s.groupLocked(group)
	now := s.clock.Now()

	var deliveries []events.Delivery
	var nextWake time.Time
	blockedKeys := make(map[string]struct{})

	for _, e := range s.entries {
		if _, done := g.done[e.id]; done {
			continue
		}
		_, keyBlocked := blockedKeys[e.env.Key]

		cs, claimed := g.claims[e.id]
		switch {
		case claimed && now.Before(cs.deadline):
			blockedKeys[e.env.Key] = struct{}{}
			if nextWake.IsZero() || cs.deadline.Before(nextWake) {
				nextWake = cs.deadline
			}

		case claimed:
			// Visibility timeout elapsed.
			if cs.deliveryCount >= s.cfg.MaxDeliveries {
				delete(g.claims, e.id)
				g.done[e.id] = struct{}{}
				g.dead = append(g.dead, events.Entry{
					EventID:       e.id,
					Consumer:      cs.consumer,
					ClaimedAt:     cs.claimedAt,
					DeliveryCount: cs.deliveryCount,
					Envelope:      e.env,
				})
				continue
			}
			blockedKeys[e.env.Key] = struct{}{}
			if keyBlocked || len(deliveries) >= maxCount {
				continue
			}
			cs.consumer = consumer
			cs.claimedAt = now
			cs.deadline = now.Add(s.cfg.VisibilityTimeout)
			cs.deliveryCount++
			deliveries = append(deliveries, events.Delivery{
				Envelope:      e.env,
				DeliveryCount: cs.deliveryCount,
			})

		default:
			if keyBlocked {
				continue
			}
			blockedKeys[e.env.Key] = struct{}{}
			if len(deliveries) >= maxCount {
				continue
			}
			g.claims[e.id] = &claimState{
				consumer:      consumer,
				claimedAt:     now,
				deadline:      now.Add(s.cfg.VisibilityTimeout),
				deliveryCount: 1,
			}
			deliveries = append(deliveries, events.Delivery{
				Envelope:      e.env,
				DeliveryCount: 1,
			})
		}
	}

	return deliveries, s.signal, nextWake, nil
}

// Ack removes the event from the group's pending set. Acknowledging an
// event that is not pending, including a second acknowledgement of the same
// event, returns events.ErrEventNotPending.
func (s *Stream) Ack(ctx context.Context, group string, id events.EventID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return events.ErrStreamClosed
	}

	g := s.groupLocked(group)
	if _, ok := g.claims[id]; !ok {
		return events.ErrEventNotPending
	}
	delete(g.claims, id)
	g.done[id] = struct{}{}
	return nil
}

// Pending returns the group's claimed entries whose visibility timeout has
// elapsed, in append order.
func (s *Stream) Pending(ctx context.Context, group string) ([]events.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, events.ErrStreamClosed
	}

	g := s.groupLocked(group)
	now := s.clock.Now()

	var pending []events.Entry
	for _, e := range s.entries {
		cs, ok := g.claims[e.id]
		if !ok || now.Before(cs.deadline) {
			continue
		}
		pending = append(pending, events.Entry{
			EventID:       e.id,
			Consumer:      cs.consumer,
			ClaimedAt:     cs.claimedAt,
			DeliveryCount: cs.deliveryCount,
			Envelope:      e.env,
		})
	}
	return pending, nil
}

// DeadLettered returns the group's dead-letter set in the order entries
// were moved there.
func (s *Stream) DeadLettered(ctx context.Context, group string) ([]events.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, events.ErrStreamClosed
	}

	g := s.groupLocked(group)
	dead := make([]events.Entry, len(g.dead))
	copy(dead, g.dead)
	return dead, nil
}

// Close marks the stream closed and wakes any blocked claims.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.signal)
	return nil
}
