package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/leakwatch/pkg/common/logger"
)

func newTestHandler(t *testing.T, publisher *capturingPublisher) http.Handler {
	t.Helper()

	log := logger.New(io.Discard, logger.LevelInfo, "test", nil)
	mux := http.NewServeMux()
	NewWebhookHandler(newTestGateway(t, publisher), log).Routes(mux)
	return mux
}

func postWebhook(handler http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAccepted(t *testing.T) {
	t.Parallel()

	publisher := &capturingPublisher{}
	handler := newTestHandler(t, publisher)

	body := []byte(pushPayload)
	rec := postWebhook(handler, body, sign(body))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.NotEmpty(t, resp["event_id"])
	assert.Len(t, publisher.published, 1)
}

func TestWebhookInvalidSignatureIsUnauthorized(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, &capturingPublisher{})
	body := []byte(pushPayload)

	rec := postWebhook(handler, body, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(handler, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookMalformedPayloadIsBadRequest(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, &capturingPublisher{})
	body := []byte(`{"repository":`)

	rec := postWebhook(handler, body, sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookOversizedPayload(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, &capturingPublisher{})
	body := make([]byte, (1<<20)+2)

	rec := postWebhook(handler, body, sign(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhookBranchDeletionIsIgnoredButAccepted(t *testing.T) {
	t.Parallel()

	publisher := &capturingPublisher{}
	handler := newTestHandler(t, publisher)

	body := []byte(`{
		"after": "0000000000000000000000000000000000000000",
		"deleted": true,
		"repository": {"full_name": "acme/payments"}
	}`)
	rec := postWebhook(handler, body, sign(body))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp["status"])
	assert.Empty(t, publisher.published)
}
