// Package memory provides an in-memory scanning.FindingStore for tests and
// development environments where persistence is not required.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ahrav/leakwatch/internal/domain/scanning"
)

var _ scanning.FindingStore = (*FindingStore)(nil)

// FindingStore implements scanning.FindingStore with a mutex-guarded map
// keyed by fingerprint. Upsert semantics match the PostgreSQL store.
type FindingStore struct {
	mu       sync.Mutex
	findings map[string]*scanning.Finding
}

// NewFindingStore creates an empty in-memory finding store.
func NewFindingStore() *FindingStore {
	return &FindingStore{findings: make(map[string]*scanning.Finding)}
}

// Upsert atomically creates or refreshes the finding. An existing finding
// keeps its status and firstSeenAt; commitRef, line, severity, confidence and
// lastSeenAt are refreshed.
func (s *FindingStore) Upsert(ctx context.Context, finding *scanning.Finding) (*scanning.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.findings[finding.FingerprintID()]
	if !ok {
		s.findings[finding.FingerprintID()] = finding
		return finding, nil
	}

	merged := scanning.ReconstructFinding(
		existing.FingerprintID(),
		existing.RepoIdentifier(),
		finding.CommitRef(),
		existing.FilePath(),
		finding.Line(),
		existing.SecretType(),
		finding.Severity(),
		finding.Confidence(),
		existing.Status(),
		existing.FirstSeenAt(),
		finding.LastSeenAt(),
	)
	s.findings[merged.FingerprintID()] = merged
	return merged, nil
}

// UpdateStatus sets the lifecycle status of the finding with the given
// fingerprint. Returns scanning.ErrFindingNotFound for unknown fingerprints.
func (s *FindingStore) UpdateStatus(ctx context.Context, fingerprint string, status scanning.FindingStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.findings[fingerprint]
	if !ok {
		return scanning.ErrFindingNotFound
	}

	s.findings[fingerprint] = scanning.ReconstructFinding(
		existing.FingerprintID(),
		existing.RepoIdentifier(),
		existing.CommitRef(),
		existing.FilePath(),
		existing.Line(),
		existing.SecretType(),
		existing.Severity(),
		existing.Confidence(),
		status,
		existing.FirstSeenAt(),
		existing.LastSeenAt(),
	)
	return nil
}

// Query returns findings matching the filter, most recently seen first.
func (s *FindingStore) Query(ctx context.Context, filter scanning.FindingFilter) ([]*scanning.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*scanning.Finding
	for _, f := range s.findings {
		if filter.RepoIdentifier != "" && f.RepoIdentifier() != filter.RepoIdentifier {
			continue
		}
		if filter.SecretType != "" && f.SecretType() != filter.SecretType {
			continue
		}
		if filter.Severity != "" && f.Severity() != filter.Severity {
			continue
		}
		if filter.Status != "" && f.Status() != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && f.LastSeenAt().Before(filter.Since) {
			continue
		}
		matched = append(matched, f)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastSeenAt().After(matched[j].LastSeenAt())
	})

	offset := int(filter.Offset)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	limit := int(filter.Limit)
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
