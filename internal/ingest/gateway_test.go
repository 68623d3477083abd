package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/internal/domain/scanning"
	"github.com/ahrav/leakwatch/pkg/common/logger"
)

const testSecret = "it's a secret to everybody"

type capturingPublisher struct {
	mu        sync.Mutex
	published []events.EventEnvelope
	err       error
}

func (p *capturingPublisher) PublishDomainEvent(ctx context.Context, event events.EventEnvelope) (events.EventID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.published = append(p.published, event)
	return "1", nil
}

type noopGatewayMetrics struct{}

func (noopGatewayMetrics) IncWebhookReceived(context.Context)         {}
func (noopGatewayMetrics) IncWebhookRejected(context.Context, string) {}
func (noopGatewayMetrics) IncEventPublished(context.Context)          {}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestGateway(t *testing.T, publisher events.DomainEventPublisher) *Gateway {
	t.Helper()

	log := logger.New(io.Discard, logger.LevelInfo, "test", nil)
	gw, err := NewGateway(
		Config{WebhookSecret: testSecret},
		publisher,
		fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		log,
		noopGatewayMetrics{},
		noop.NewTracerProvider().Tracer("test"),
	)
	require.NoError(t, err)
	return gw
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const pushPayload = `{
	"ref": "refs/heads/main",
	"before": "9c1d0e2f9c1d0e2f9c1d0e2f9c1d0e2f9c1d0e2f",
	"after": "7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c",
	"repository": {"full_name": "acme/payments"},
	"pusher": {"name": "devuser"},
	"commits": [
		{"id": "1111aaaa", "added": ["config/settings.py"], "modified": []},
		{"id": "7f3a2b1c", "added": [], "modified": ["config/settings.py", "src/app.py"]}
	]
}`

func TestHandlePushPublishesNormalizedEvent(t *testing.T) {
	t.Parallel()

	publisher := &capturingPublisher{}
	gw := newTestGateway(t, publisher)

	body := []byte(pushPayload)
	id, err := gw.HandlePush(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, events.EventID("1"), id)

	require.Len(t, publisher.published, 1)
	envelope := publisher.published[0]
	assert.Equal(t, events.EventTypePushReceived, envelope.Type)
	assert.Equal(t, "acme/payments", envelope.Key, "partition key is the repo identifier")

	pushEvent, ok := envelope.Payload.(scanning.PushEvent)
	require.True(t, ok)
	assert.Equal(t, "acme/payments", pushEvent.RepoIdentifier)
	assert.Equal(t, "7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c", pushEvent.CommitRef)
	assert.Equal(t, "devuser", pushEvent.Pusher)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), pushEvent.ReceivedAt)

	// settings.py appears in two commits; the later commit's ref wins.
	require.Len(t, pushEvent.ChangedFileRefs, 2)
	assert.Equal(t, scanning.ChangedFileRef{Path: "config/settings.py", Ref: "7f3a2b1c"}, pushEvent.ChangedFileRefs[0])
	assert.Equal(t, scanning.ChangedFileRef{Path: "src/app.py", Ref: "7f3a2b1c"}, pushEvent.ChangedFileRefs[1])
}

func TestHandlePushRejectsBitFlippedSignature(t *testing.T) {
	t.Parallel()

	publisher := &capturingPublisher{}
	gw := newTestGateway(t, publisher)

	body := []byte(pushPayload)
	signature := []byte(sign(body))
	signature[len(signature)-1] ^= 0x01

	_, err := gw.HandlePush(context.Background(), body, string(signature))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, publisher.published)
}

func TestHandlePushRejectsSignatureCorruptionAtAnyPosition(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &capturingPublisher{})
	body := []byte(pushPayload)
	valid := sign(body)

	// Every forged digest takes the same full-length comparison path,
	// whether it diverges at the first byte or the last.
	const prefixLen = len("sha256=")
	for _, pos := range []int{prefixLen, prefixLen + 31, len(valid) - 1} {
		forged := []byte(valid)
		if forged[pos] == '0' {
			forged[pos] = '1'
		} else {
			forged[pos] = '0'
		}

		_, err := gw.HandlePush(context.Background(), body, string(forged))
		assert.ErrorIs(t, err, ErrInvalidSignature, "corruption at byte %d", pos)
	}
}

func TestHandlePushRejectsMissingSignature(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &capturingPublisher{})
	_, err := gw.HandlePush(context.Background(), []byte(pushPayload), "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestHandlePushRejectsOversizedPayloadBeforeParsing(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &capturingPublisher{})

	// Deliberately not valid JSON; the size check must fire first.
	body := make([]byte, (1<<20)+1)
	_, err := gw.HandlePush(context.Background(), body, sign(body))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestHandlePushRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &capturingPublisher{})

	body := []byte(`{"repository": "not an object"`)
	_, err := gw.HandlePush(context.Background(), body, sign(body))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestHandlePushIgnoresBranchDeletion(t *testing.T) {
	t.Parallel()

	publisher := &capturingPublisher{}
	gw := newTestGateway(t, publisher)

	body := []byte(`{
		"ref": "refs/heads/old-feature",
		"before": "7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c",
		"after": "0000000000000000000000000000000000000000",
		"deleted": true,
		"repository": {"full_name": "acme/payments"},
		"commits": []
	}`)
	_, err := gw.HandlePush(context.Background(), body, sign(body))
	assert.ErrorIs(t, err, ErrIgnoredPush)
	assert.Empty(t, publisher.published)
}

func TestHandlePushIgnoresPushWithNoFileChanges(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &capturingPublisher{})

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c",
		"repository": {"full_name": "acme/payments"},
		"commits": [{"id": "7f3a2b1c", "added": [], "modified": []}]
	}`)
	_, err := gw.HandlePush(context.Background(), body, sign(body))
	assert.ErrorIs(t, err, ErrIgnoredPush)
}

func TestHandlePushPropagatesPublishFailure(t *testing.T) {
	t.Parallel()

	publisher := &capturingPublisher{err: assert.AnError}
	gw := newTestGateway(t, publisher)

	body := []byte(pushPayload)
	_, err := gw.HandlePush(context.Background(), body, sign(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
