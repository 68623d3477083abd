// Package ingest receives source-hosting webhooks, authenticates them,
// normalizes provider payloads into domain push events and appends them to
// the event stream. The gateway never scans content; its only durable side
// effect is the append.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/domain/scanning"
	"github.com/ahrav/leakwatch/pkg/common/logger"
	"github.com/ahrav/leakwatch/pkg/common/timeutil"
)

var (
	// ErrInvalidSignature is returned when the webhook signature is missing
	// or does not match the shared-secret HMAC of the payload.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrPayloadTooLarge is returned when the payload exceeds the size cap.
	// The cap is enforced before any parsing.
	ErrPayloadTooLarge = errors.New("webhook payload too large")

	// ErrMalformedPayload is returned when the payload cannot be decoded or
	// is missing required fields.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrIgnoredPush is returned for authentic pushes that carry nothing to
	// scan, such as branch deletions or pushes without file changes.
	ErrIgnoredPush = errors.New("push carries no scannable changes")
)

// zeroCommitRef is the ref GitHub sends for branch deletion pushes.
const zeroCommitRef = "0000000000000000000000000000000000000000"

// Config tunes the ingest gateway.
type Config struct {
	// WebhookSecret is the shared secret webhook signatures are verified
	// against.
	WebhookSecret string
	// MaxPayloadBytes caps accepted payload size. Defaults to 1 MiB.
	MaxPayloadBytes int64
}

// GatewayMetrics defines the metrics operations the gateway records.
type GatewayMetrics interface {
	IncWebhookReceived(ctx context.Context)
	IncWebhookRejected(ctx context.Context, reason string)
	IncEventPublished(ctx context.Context)
}

// Gateway authenticates and normalizes incoming push webhooks. It is safe
// for concurrent use.
type Gateway struct {
	cfg       Config
	publisher events.DomainEventPublisher
	clock     timeutil.Provider

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics GatewayMetrics
}

// NewGateway creates an ingest gateway. A nil clock falls back to the
// system clock.
func NewGateway(
	cfg Config,
	publisher events.DomainEventPublisher,
	clock timeutil.Provider,
	log *logger.Logger,
	metrics GatewayMetrics,
	tracer trace.Tracer,
) (*Gateway, error) {
	if cfg.WebhookSecret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Gateway{
		cfg:       cfg,
		publisher: publisher,
		clock:     clock,
		logger:    log.With("component", "ingest_gateway"),
		tracer:    tracer,
		metrics:   metrics,
	}, nil
}

// HandlePush verifies, normalizes and appends one push webhook. On success
// it returns the stream-assigned event ID. All failures map to one of the
// package sentinel errors so the transport layer can pick stable status
// codes.
func (g *Gateway) HandlePush(ctx context.Context, body []byte, signature string) (events.EventID, error) {
	ctx, span := g.tracer.Start(ctx, "ingest_gateway.handle_push")
	defer span.End()

	g.metrics.IncWebhookReceived(ctx)

	// Size is checked before any parsing so oversized bodies are cheap to
	// reject.
	if int64(len(body)) > g.cfg.MaxPayloadBytes {
		g.metrics.IncWebhookRejected(ctx, "too_large")
		return "", ErrPayloadTooLarge
	}

	if !g.verifySignature(body, signature) {
		g.metrics.IncWebhookRejected(ctx, "invalid_signature")
		span.RecordError(ErrInvalidSignature)
		return "", ErrInvalidSignature
	}

	pushEvent, err := normalizePushPayload(body, g.clock.Now())
	if err != nil {
		if errors.Is(err, ErrIgnoredPush) {
			g.logger.Debug(ctx, "Ignoring push with no scannable changes")
			return "", err
		}
		g.metrics.IncWebhookRejected(ctx, "malformed")
		span.RecordError(err)
		return "", err
	}

	envelope := events.EventEnvelope{
		Type:      events.EventTypePushReceived,
		Key:       pushEvent.RepoIdentifier,
		Timestamp: pushEvent.ReceivedAt,
		Payload:   pushEvent,
	}

	id, err := g.publisher.PublishDomainEvent(ctx, envelope)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish push event: %w", err)
	}
	g.metrics.IncEventPublished(ctx)

	span.SetAttributes(
		attribute.String("event_id", string(id)),
		attribute.String("repo_identifier", pushEvent.RepoIdentifier),
		attribute.Int("changed_files", len(pushEvent.ChangedFileRefs)),
	)
	g.logger.Info(ctx, "Accepted push event",
		"event_id", id,
		"repo_identifier", pushEvent.RepoIdentifier,
		"commit_ref", pushEvent.CommitRef,
		"changed_files", len(pushEvent.ChangedFileRefs),
	)

	return id, nil
}

// verifySignature checks the sha256=<hex> signature against the payload
// HMAC in constant time. Missing and malformed signatures fail closed.
func (g *Gateway) verifySignature(body []byte, signature string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(signature, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write(body)
	// hmac.Equal is the constant-time comparison; never swap in == or
	// bytes.Equal here.
	return hmac.Equal(provided, mac.Sum(nil))
}

// githubPushPayload is the subset of GitHub's push webhook the gateway
// consumes.
type githubPushPayload struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits []struct {
		ID       string   `json:"id"`
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

// normalizePushPayload converts a provider payload into the domain push
// event. Removed files never enter the event; each changed file is tagged
// with the commit that last touched it.
func normalizePushPayload(body []byte, receivedAt time.Time) (scanning.PushEvent, error) {
	var payload githubPushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return scanning.PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if payload.Deleted || payload.After == zeroCommitRef {
		return scanning.PushEvent{}, ErrIgnoredPush
	}

	// Last-writer-wins per path across the push's commits.
	refByPath := make(map[string]string)
	var order []string
	record := func(path, ref string) {
		if _, seen := refByPath[path]; !seen {
			order = append(order, path)
		}
		refByPath[path] = ref
	}
	for _, commit := range payload.Commits {
		for _, path := range commit.Added {
			record(path, commit.ID)
		}
		for _, path := range commit.Modified {
			record(path, commit.ID)
		}
	}

	changed := make([]scanning.ChangedFileRef, 0, len(order))
	for _, path := range order {
		changed = append(changed, scanning.ChangedFileRef{Path: path, Ref: refByPath[path]})
	}
	if len(changed) == 0 {
		return scanning.PushEvent{}, ErrIgnoredPush
	}

	pushEvent := scanning.PushEvent{
		RepoIdentifier:  payload.Repository.FullName,
		CommitRef:       payload.After,
		PreviousRef:     payload.Before,
		Pusher:          payload.Pusher.Name,
		ReceivedAt:      receivedAt,
		ChangedFileRefs: changed,
	}
	if err := pushEvent.Validate(); err != nil {
		return scanning.PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return pushEvent, nil
}
