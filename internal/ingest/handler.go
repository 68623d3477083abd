package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ahrav/leakwatch/pkg/common/logger"
)

// signatureHeader carries the webhook HMAC in GitHub's sha256=<hex> form.
const signatureHeader = "X-Hub-Signature-256"

// WebhookHandler exposes the gateway over HTTP. It owns only transport
// concerns; authentication and normalization live in the gateway.
type WebhookHandler struct {
	gateway *Gateway
	logger  *logger.Logger
}

// NewWebhookHandler creates the HTTP adapter for the ingest gateway.
func NewWebhookHandler(gateway *Gateway, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{gateway: gateway, logger: log.With("component", "webhook_handler")}
}

// Routes registers the webhook endpoint on the mux.
func (h *WebhookHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/webhooks/github", h.handleGitHubPush)
}

func (h *WebhookHandler) handleGitHubPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// MaxBytesReader caps reads one byte past the limit so oversized bodies
	// are rejected without buffering them.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.gateway.cfg.MaxPayloadBytes+1))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	id, err := h.gateway.HandlePush(ctx, body, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":   "accepted",
			"event_id": string(id),
		})
	case errors.Is(err, ErrIgnoredPush):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
	case errors.Is(err, ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
	case errors.Is(err, ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "malformed payload")
	default:
		h.logger.Error(ctx, "Failed to handle push webhook", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
