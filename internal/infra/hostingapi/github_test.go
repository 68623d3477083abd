package hostingapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/leakwatch/internal/domain/scanning"
	"github.com/ahrav/leakwatch/pkg/common/logger"
)

func newTestFetcher(t *testing.T, handler http.Handler) *GitHubFetcher {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.Token = "test-token"
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 1000

	log := logger.New(io.Discard, logger.LevelInfo, "test", nil)
	return NewGitHubFetcher(server.Client(), cfg, log, noop.NewTracerProvider().Tracer("test"))
}

func writeContents(w http.ResponseWriter, path string, body []byte) {
	json.NewEncoder(w).Encode(map[string]any{
		"type":     "file",
		"path":     path,
		"size":     len(body),
		"encoding": "base64",
		"content":  base64.StdEncoding.EncodeToString(body),
	})
}

func TestFetchChangedFiles(t *testing.T) {
	t.Parallel()

	settings := []byte("SECRET_KEY = \"abc\"\n")
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/payments/commits/7f3a2b1c", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{
				{"filename": "config/settings.py", "status": "modified"},
				{"filename": "old.py", "status": "removed"},
			},
		})
	})
	mux.HandleFunc("/repos/acme/payments/contents/config/settings.py", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7f3a2b1c", r.URL.Query().Get("ref"))
		writeContents(w, "config/settings.py", settings)
	})

	fetcher := newTestFetcher(t, mux)
	files, err := fetcher.FetchChangedFiles(context.Background(), "acme/payments", "7f3a2b1c")
	require.NoError(t, err)

	require.Len(t, files, 1, "removed files are not fetched")
	assert.Equal(t, "config/settings.py", files[0].Path)
	assert.Equal(t, settings, files[0].Content)
	assert.Equal(t, int64(len(settings)), files[0].Size)
}

func TestFetchChangedFilesOversizedFile(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/payments/commits/7f3a2b1c", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{{"filename": "big.bin", "status": "added"}},
		})
	})
	mux.HandleFunc("/repos/acme/payments/contents/big.bin", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"type": "file", "path": "big.bin", "size": 10 << 20, "encoding": "base64", "content": "",
		})
	})

	fetcher := newTestFetcher(t, mux)
	files, err := fetcher.FetchChangedFiles(context.Background(), "acme/payments", "7f3a2b1c")
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Nil(t, files[0].Content, "oversized files carry no content")
	assert.Equal(t, int64(10<<20), files[0].Size)
}

func TestFetchChangedFilesServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))

	_, err := fetcher.FetchChangedFiles(context.Background(), "acme/payments", "7f3a2b1c")
	require.Error(t, err)
	assert.True(t, scanning.IsTransient(err), "5xx responses must be retriable")
}

func TestFetchChangedFilesNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	_, err := fetcher.FetchChangedFiles(context.Background(), "acme/payments", "missing")
	require.Error(t, err)
	assert.False(t, scanning.IsTransient(err), "a 404 must not be retried")
}

func TestFetchChangedFilesSkipsUnfetchableFile(t *testing.T) {
	t.Parallel()

	readme := []byte("# readme\n")
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/payments/commits/7f3a2b1c", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{
				{"filename": "gone.py", "status": "modified"},
				{"filename": "README.md", "status": "modified"},
			},
		})
	})
	mux.HandleFunc("/repos/acme/payments/contents/gone.py", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	mux.HandleFunc("/repos/acme/payments/contents/README.md", func(w http.ResponseWriter, r *http.Request) {
		writeContents(w, "README.md", readme)
	})

	fetcher := newTestFetcher(t, mux)
	files, err := fetcher.FetchChangedFiles(context.Background(), "acme/payments", "7f3a2b1c")
	require.NoError(t, err)

	require.Len(t, files, 1, "a permanently unfetchable file skips just that file")
	assert.Equal(t, "README.md", files[0].Path)
}

func TestFetchChangedFilesRateLimitedIsTransient(t *testing.T) {
	t.Parallel()

	fetcher := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))

	_, err := fetcher.FetchChangedFiles(context.Background(), "acme/payments", "7f3a2b1c")
	require.Error(t, err)
	assert.True(t, scanning.IsTransient(err))
}
