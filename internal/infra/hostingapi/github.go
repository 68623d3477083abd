// Package hostingapi fetches changed file content from source-hosting
// services. The GitHub client applies adaptive rate limiting and classifies
// failures so callers can tell retriable infrastructure errors from
// permanent ones.
package hostingapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakwatch/internal/domain/scanning"
	"github.com/ahrav/leakwatch/pkg/common"
	"github.com/ahrav/leakwatch/pkg/common/logger"
)

// Config tunes the GitHub content fetcher.
type Config struct {
	// BaseURL lets tests point the client at a local server.
	BaseURL string
	// Token authenticates API requests. Empty means unauthenticated.
	Token string
	// MaxFileSize caps how large a file the fetcher will download. Larger
	// files are reported with their size but no content.
	MaxFileSize int64
	// RequestsPerSecond and Burst seed the rate limiter; the client adapts
	// to GitHub's rate limit headers afterwards.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns conservative defaults: GitHub allows 5000
// requests/hour authenticated, so start at 1.25/second.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.github.com",
		MaxFileSize:       1 << 20,
		RequestsPerSecond: 1.25,
		Burst:             5,
	}
}

var _ scanning.ContentFetcher = (*GitHubFetcher)(nil)

// GitHubFetcher implements scanning.ContentFetcher against the GitHub REST
// API with rate limiting and tracing.
type GitHubFetcher struct {
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	cfg         Config

	logger *logger.Logger
	tracer trace.Tracer
}

// NewGitHubFetcher creates a GitHub content fetcher. A nil httpClient falls
// back to a client with a sane timeout.
func NewGitHubFetcher(httpClient *http.Client, cfg Config, log *logger.Logger, tracer trace.Tracer) *GitHubFetcher {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &GitHubFetcher{
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		cfg:         cfg,
		logger:      log.With("component", "github_fetcher"),
		tracer:      tracer,
	}
}

// commitResponse is the subset of the commit endpoint the fetcher needs.
type commitResponse struct {
	Files []struct {
		Filename string `json:"filename"`
		Status   string `json:"status"`
	} `json:"files"`
}

// contentsResponse is the subset of the contents endpoint the fetcher needs.
type contentsResponse struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// FetchChangedFiles lists the files changed by the commit and downloads each
// one's content at that ref. Removed files are skipped. Files over the size
// cap come back with Content nil and Size set so callers can record the skip.
func (f *GitHubFetcher) FetchChangedFiles(ctx context.Context, repoIdentifier, commitRef string) ([]scanning.FileContent, error) {
	ctx, span := f.tracer.Start(ctx, "github_fetcher.fetch_changed_files",
		trace.WithAttributes(
			attribute.String("repo_identifier", repoIdentifier),
			attribute.String("commit_ref", commitRef),
		))
	defer span.End()

	commit, err := f.fetchCommit(ctx, repoIdentifier, commitRef)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	files := make([]scanning.FileContent, 0, len(commit.Files))
	for _, changed := range commit.Files {
		if changed.Status == "removed" {
			continue
		}

		content, err := f.fetchContents(ctx, repoIdentifier, changed.Filename, commitRef)
		if err != nil {
			if scanning.IsTransient(err) {
				span.RecordError(err)
				return nil, err
			}
			// Per-file permanent failures (deleted between push and fetch,
			// submodules) skip the file, not the whole event.
			f.logger.Warn(ctx, "Skipping unfetchable file",
				"repo_identifier", repoIdentifier,
				"path", changed.Filename,
				"error", err,
			)
			continue
		}
		files = append(files, content)
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// fetchCommit retrieves the changed-file list for a commit.
func (f *GitHubFetcher) fetchCommit(ctx context.Context, repoIdentifier, commitRef string) (*commitResponse, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/commits/%s", f.cfg.BaseURL, repoIdentifier, url.PathEscape(commitRef))

	body, err := f.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var commit commitResponse
	if err := json.Unmarshal(body, &commit); err != nil {
		return nil, fmt.Errorf("failed to decode commit response: %w", err)
	}
	return &commit, nil
}

// fetchContents retrieves one file's content at the given ref.
func (f *GitHubFetcher) fetchContents(ctx context.Context, repoIdentifier, path, commitRef string) (scanning.FileContent, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s",
		f.cfg.BaseURL, repoIdentifier, escapePath(path), url.QueryEscape(commitRef))

	body, err := f.doRequest(ctx, endpoint)
	if err != nil {
		return scanning.FileContent{}, err
	}

	var contents contentsResponse
	if err := json.Unmarshal(body, &contents); err != nil {
		return scanning.FileContent{}, fmt.Errorf("failed to decode contents response: %w", err)
	}
	if contents.Type != "file" {
		return scanning.FileContent{}, fmt.Errorf("path %s is %q, not a file", path, contents.Type)
	}

	if contents.Size > f.cfg.MaxFileSize {
		return scanning.FileContent{Path: path, Content: nil, Size: contents.Size}, nil
	}

	if contents.Encoding != "base64" {
		return scanning.FileContent{}, fmt.Errorf("unexpected content encoding %q for %s", contents.Encoding, path)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(contents.Content, "\n", ""))
	if err != nil {
		return scanning.FileContent{}, fmt.Errorf("failed to decode content for %s: %w", path, err)
	}

	return scanning.FileContent{Path: path, Content: raw, Size: contents.Size}, nil
}

// doRequest executes one rate-limited GET and classifies failures: network
// errors, 5xx and 429 responses are transient; everything else is permanent.
func (f *GitHubFetcher) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	if err := f.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, scanning.NewTransientError("hostingapi.request", err)
	}
	defer resp.Body.Close()

	f.updateRateLimits(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, scanning.NewTransientError("hostingapi.read_body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, scanning.NewTransientError("hostingapi.request",
			fmt.Errorf("github responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return nil, fmt.Errorf("non-200 response from GitHub API: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// updateRateLimits adjusts the rate limiter based on GitHub's rate limit
// headers, targeting 90% of the remaining quota until the window resets.
func (f *GitHubFetcher) updateRateLimits(headers http.Header) {
	remaining := headers.Get("X-RateLimit-Remaining")
	reset := headers.Get("X-RateLimit-Reset")
	limit := headers.Get("X-RateLimit-Limit")

	remainingVal, _ := strconv.ParseInt(remaining, 10, 64)
	resetVal, _ := strconv.ParseInt(reset, 10, 64)
	limitVal, _ := strconv.ParseInt(limit, 10, 64)

	if remainingVal > 0 && resetVal > 0 && limitVal > 0 {
		resetTime := time.Unix(resetVal, 0)
		duration := time.Until(resetTime)
		if duration > 0 {
			rps := float64(remainingVal) / duration.Seconds()
			f.rateLimiter.UpdateLimits(rps*0.9, int(remainingVal/10))
		}
	}
}

// escapePath escapes each path segment while keeping separators intact.
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
