// Package postgres persists findings in PostgreSQL with fingerprint-keyed
// idempotency.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakwatch/internal/domain/scanning"
	"github.com/ahrav/leakwatch/internal/infra/storage"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for PostgreSQL operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ scanning.FindingStore = (*findingStore)(nil)

// findingStore implements scanning.FindingStore using PostgreSQL. Upserts
// ride a single INSERT ... ON CONFLICT statement so the create-or-refresh
// decision happens inside the database with no read-then-write race.
type findingStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewFindingStore creates a PostgreSQL-backed implementation of scanning.FindingStore.
func NewFindingStore(pool *pgxpool.Pool, tracer trace.Tracer) *findingStore {
	return &findingStore{pool: pool, tracer: tracer}
}

const upsertFindingQuery = `
INSERT INTO findings (
	fingerprint, repo_identifier, commit_ref, file_path, line,
	secret_type, severity, confidence, status, first_seen_at, last_seen_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (fingerprint) DO UPDATE SET
	commit_ref   = EXCLUDED.commit_ref,
	line         = EXCLUDED.line,
	severity     = EXCLUDED.severity,
	confidence   = EXCLUDED.confidence,
	last_seen_at = EXCLUDED.last_seen_at
RETURNING fingerprint, repo_identifier, commit_ref, file_path, line,
	secret_type, severity, confidence, status, first_seen_at, last_seen_at`

// Upsert atomically creates or refreshes the finding and returns the stored
// state. An existing row keeps its status and first_seen_at, so findings a
// human resolved or dismissed are never reopened by a re-detection.
func (s *findingStore) Upsert(ctx context.Context, finding *scanning.Finding) (*scanning.Finding, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "Upsert"),
		attribute.String("repo_identifier", finding.RepoIdentifier()),
		attribute.String("secret_type", string(finding.SecretType())),
	)

	var stored *scanning.Finding
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.findings.upsert", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, upsertFindingQuery,
			finding.FingerprintID(),
			finding.RepoIdentifier(),
			finding.CommitRef(),
			finding.FilePath(),
			finding.Line(),
			string(finding.SecretType()),
			string(finding.Severity()),
			finding.Confidence(),
			string(finding.Status()),
			pgtype.Timestamptz{Time: finding.FirstSeenAt(), Valid: true},
			pgtype.Timestamptz{Time: finding.LastSeenAt(), Valid: true},
		)

		var err error
		stored, err = scanFinding(row)
		if err != nil {
			return fmt.Errorf("upsert error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("findingStore.Upsert: %w", err)
	}
	return stored, nil
}

// UpdateStatus sets the lifecycle status of the finding with the given
// fingerprint. Returns scanning.ErrFindingNotFound for unknown fingerprints.
func (s *findingStore) UpdateStatus(ctx context.Context, fingerprint string, status scanning.FindingStatus) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "UpdateStatus"),
		attribute.String("status", string(status)),
	)

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.findings.update_status", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE findings SET status = $2 WHERE fingerprint = $1`,
			fingerprint, string(status),
		)
		if err != nil {
			return fmt.Errorf("update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrFindingNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("findingStore.UpdateStatus: %w", err)
	}
	return nil
}

// Query returns findings matching the filter, most recently seen first.
func (s *findingStore) Query(ctx context.Context, filter scanning.FindingFilter) ([]*scanning.Finding, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "Query"),
		attribute.String("repo_identifier", filter.RepoIdentifier),
	)

	query, args := buildFindingsQuery(filter)

	var findings []*scanning.Finding
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.findings.query", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select error: %w", err)
		}
		defer rows.Close()

		tmp := make([]*scanning.Finding, 0)
		for rows.Next() {
			f, err := scanFinding(rows)
			if err != nil {
				return err
			}
			tmp = append(tmp, f)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		findings = tmp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("findingStore.Query: %w", err)
	}
	return findings, nil
}

// buildFindingsQuery assembles the filtered select. Zero-valued filter fields
// are skipped.
func buildFindingsQuery(filter scanning.FindingFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT fingerprint, repo_identifier, commit_ref, file_path, line,
	secret_type, severity, confidence, status, first_seen_at, last_seen_at
FROM findings`)

	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.RepoIdentifier != "" {
		clauses = append(clauses, "repo_identifier = "+arg(filter.RepoIdentifier))
	}
	if filter.SecretType != "" {
		clauses = append(clauses, "secret_type = "+arg(string(filter.SecretType)))
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = "+arg(string(filter.Severity)))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = "+arg(string(filter.Status)))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "last_seen_at >= "+arg(pgtype.Timestamptz{Time: filter.Since, Valid: true}))
	}

	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}

	sb.WriteString(" ORDER BY last_seen_at DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(" LIMIT " + arg(limit))
	if filter.Offset > 0 {
		sb.WriteString(" OFFSET " + arg(filter.Offset))
	}

	return sb.String(), args
}

// scanFinding rehydrates one findings row into the domain aggregate.
func scanFinding(row pgx.Row) (*scanning.Finding, error) {
	var (
		fingerprint    string
		repoIdentifier string
		commitRef      string
		filePath       string
		line           int
		secretType     string
		severity       string
		confidence     float64
		status         string
		firstSeenAt    pgtype.Timestamptz
		lastSeenAt     pgtype.Timestamptz
	)
	if err := row.Scan(
		&fingerprint, &repoIdentifier, &commitRef, &filePath, &line,
		&secretType, &severity, &confidence, &status, &firstSeenAt, &lastSeenAt,
	); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}

	return scanning.ReconstructFinding(
		fingerprint,
		repoIdentifier,
		commitRef,
		filePath,
		line,
		scanning.SecretType(secretType),
		scanning.Severity(severity),
		confidence,
		scanning.FindingStatus(status),
		firstSeenAt.Time,
		lastSeenAt.Time,
	), nil
}
