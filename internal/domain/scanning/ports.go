package scanning

import (
	"context"
	"time"
)

// FileContent is one changed file fetched from the hosting service at a
// specific commit.
type FileContent struct {
	Path    string
	Content []byte
	Size    int64
}

// ContentFetcher retrieves the content of files changed by a push from the
// source-hosting service. Implementations may fail with a transient-network
// error kind, which callers must treat as retriable.
type ContentFetcher interface {
	// FetchChangedFiles returns the changed files for the given commit.
	// Files exceeding the fetcher's size cap are returned with Content nil
	// and their Size set, so callers can record the skip.
	FetchChangedFiles(ctx context.Context, repoIdentifier, commitRef string) ([]FileContent, error)
}

// FindingFilter narrows a findings query. Zero-valued fields are ignored.
type FindingFilter struct {
	RepoIdentifier string
	SecretType     SecretType
	Severity       Severity
	Status         FindingStatus
	Since          time.Time
	Limit          int32
	Offset         int32
}

// FindingStore persists findings with fingerprint-keyed idempotency.
type FindingStore interface {
	// Upsert atomically creates or refreshes the finding identified by its
	// fingerprint and returns the stored state. An existing finding keeps
	// its externally-set status and firstSeenAt; lastSeenAt, commitRef,
	// severity and confidence are refreshed. The operation must be a single
	// atomic create-or-update with no read-then-write race.
	Upsert(ctx context.Context, finding *Finding) (*Finding, error)

	// UpdateStatus is the external-only status mutation path (human/API
	// action). The scanner never calls it.
	UpdateStatus(ctx context.Context, fingerprint string, status FindingStatus) error

	// Query returns findings matching the filter, newest first. Used by the
	// query API surface, not by the pipeline core.
	Query(ctx context.Context, filter FindingFilter) ([]*Finding, error)
}
