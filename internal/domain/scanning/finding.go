package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Finding is the durable security artifact produced by the pipeline. It
// serves as an aggregate root: identity is the fingerprint, which is stable
// across commits so the same leaked secret reintroduced later collapses to
// one finding with a refreshed lastSeenAt.
type Finding struct {
	// fingerprint uniquely identifies the secret occurrence independent of
	// which commit introduced it.
	fingerprint string

	repoIdentifier string
	commitRef      string
	filePath       string
	line           int

	secretType SecretType
	severity   Severity
	confidence float64

	// status is set only by the external status mutation path; the scanner
	// only ever creates or refreshes open findings.
	status FindingStatus

	firstSeenAt time.Time
	lastSeenAt  time.Time
}

// NewFinding reduces a candidate match to a finding for the given repository
// and commit. The finding starts open with firstSeenAt == lastSeenAt == now.
func NewFinding(repoIdentifier, commitRef string, match CandidateMatch, now time.Time) (*Finding, error) {
	if repoIdentifier == "" || commitRef == "" {
		return nil, errors.New("both repository identifier and commit ref are required to create a Finding")
	}
	if match.FilePath == "" {
		return nil, errors.New("candidate match is missing a file path")
	}

	return &Finding{
		fingerprint:    Fingerprint(repoIdentifier, match.FilePath, match.SecretType, match.MatchedExcerpt),
		repoIdentifier: repoIdentifier,
		commitRef:      commitRef,
		filePath:       match.FilePath,
		line:           match.Line,
		secretType:     match.SecretType,
		severity:       match.Severity,
		confidence:     match.Confidence,
		status:         FindingStatusOpen,
		firstSeenAt:    now,
		lastSeenAt:     now,
	}, nil
}

// ReconstructFinding creates a Finding from persistent storage data. This
// should only be used by store implementations to rehydrate stored entities,
// bypassing normal creation validation rules.
func ReconstructFinding(
	fingerprint string,
	repoIdentifier string,
	commitRef string,
	filePath string,
	line int,
	secretType SecretType,
	severity Severity,
	confidence float64,
	status FindingStatus,
	firstSeenAt, lastSeenAt time.Time,
) *Finding {
	return &Finding{
		fingerprint:    fingerprint,
		repoIdentifier: repoIdentifier,
		commitRef:      commitRef,
		filePath:       filePath,
		line:           line,
		secretType:     secretType,
		severity:       severity,
		confidence:     confidence,
		status:         status,
		firstSeenAt:    firstSeenAt,
		lastSeenAt:     lastSeenAt,
	}
}

// Fingerprint derives the stable identity of a secret occurrence: a SHA-256
// over (repo identifier, file path, secret type, normalized matched text).
// The commit ref is deliberately excluded so re-detections across commits
// collapse, while a changed matched text at the same location is a new
// finding.
func Fingerprint(repoIdentifier, filePath string, secretType SecretType, matchedText string) string {
	h := sha256.New()
	h.Write([]byte(repoIdentifier))
	h.Write([]byte{0})
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write([]byte(secretType))
	h.Write([]byte{0})
	h.Write([]byte(normalizeMatchedText(matchedText)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeMatchedText strips the surrounding noise a match can pick up from
// its line context so the same secret fingerprints identically regardless of
// quoting or whitespace.
func normalizeMatchedText(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, `"'`)
}

// FingerprintID returns the stable identity of this finding.
func (f *Finding) FingerprintID() string { return f.fingerprint }

// RepoIdentifier returns the repository the secret was found in.
func (f *Finding) RepoIdentifier() string { return f.repoIdentifier }

// CommitRef returns the commit the secret was most recently detected at.
func (f *Finding) CommitRef() string { return f.commitRef }

// FilePath returns the repository-relative path of the offending file.
func (f *Finding) FilePath() string { return f.filePath }

// Line returns the 1-based line of the match.
func (f *Finding) Line() int { return f.line }

// SecretType returns the classified credential kind.
func (f *Finding) SecretType() SecretType { return f.secretType }

// Severity returns the mapped severity.
func (f *Finding) Severity() Severity { return f.severity }

// Confidence returns the combined detection confidence in [0, 1].
func (f *Finding) Confidence() float64 { return f.confidence }

// Status returns the lifecycle status.
func (f *Finding) Status() FindingStatus { return f.status }

// FirstSeenAt returns when the secret was first detected.
func (f *Finding) FirstSeenAt() time.Time { return f.firstSeenAt }

// LastSeenAt returns when the secret was most recently detected.
func (f *Finding) LastSeenAt() time.Time { return f.lastSeenAt }
