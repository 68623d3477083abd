package scanning

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/leakwatch/internal/detector"
	domain "github.com/ahrav/leakwatch/internal/domain/scanning"
	"github.com/ahrav/leakwatch/internal/infra/eventstream"
	streammemory "github.com/ahrav/leakwatch/internal/infra/eventstream/memory"
	storememory "github.com/ahrav/leakwatch/internal/infra/storage/findings/memory"
	"github.com/ahrav/leakwatch/internal/ingest"
	"github.com/ahrav/leakwatch/pkg/common/logger"
)

type pipelineGatewayMetrics struct{}

func (pipelineGatewayMetrics) IncWebhookReceived(context.Context)         {}
func (pipelineGatewayMetrics) IncWebhookRejected(context.Context, string) {}
func (pipelineGatewayMetrics) IncEventPublished(context.Context)          {}

// TestPipelineWebhookToFinding drives the full path: a signed webhook enters
// the gateway, travels through the in-memory stream and comes out of the
// worker pool as a persisted finding.
func TestPipelineWebhookToFinding(t *testing.T) {
	t.Parallel()

	const secret = "pipeline-secret"

	stream := streammemory.NewStream(streammemory.Config{VisibilityTimeout: time.Minute, MaxDeliveries: 5}, nil)
	store := storememory.NewFindingStore()
	log := logger.New(io.Discard, logger.LevelInfo, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	gateway, err := ingest.NewGateway(
		ingest.Config{WebhookSecret: secret},
		eventstream.NewPublisher(stream),
		nil,
		log,
		pipelineGatewayMetrics{},
		tracer,
	)
	require.NoError(t, err)

	fetcher := &stubFetcher{files: []domain.FileContent{{
		Path:    "config/settings.py",
		Content: []byte(secretFileContent),
		Size:    int64(len(secretFileContent)),
	}}}

	pool := NewWorkerPool(
		WorkerPoolConfig{NumWorkers: 2, ClaimBlock: 50 * time.Millisecond},
		stream,
		fetcher,
		store,
		detector.New(detector.DefaultConfig()),
		nil,
		log,
		noopWorkerMetrics{},
		tracer,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	body := []byte(`{
		"after": "7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c",
		"repository": {"full_name": "acme/payments"},
		"pusher": {"name": "devuser"},
		"commits": [{"id": "7f3a2b1c", "added": ["config/settings.py"], "modified": []}]
	}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	id, err := gateway.HandlePush(context.Background(), body, signature)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		all, qerr := store.Query(context.Background(), domain.FindingFilter{RepoIdentifier: "acme/payments"})
		require.NoError(t, qerr)
		return len(all) == 1
	}, 5*time.Second, 10*time.Millisecond)

	all, err := store.Query(context.Background(), domain.FindingFilter{RepoIdentifier: "acme/payments"})
	require.NoError(t, err)
	finding := all[0]
	assert.Equal(t, domain.SecretTypeAWSSecretKey, finding.SecretType())
	assert.Equal(t, "config/settings.py", finding.FilePath())
	assert.Equal(t, "7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c7f3a2b1c", finding.CommitRef())
	assert.Equal(t, domain.FindingStatusOpen, finding.Status())
}
