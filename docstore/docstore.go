// Package docstore is the sqlite-backed document metadata store. It tracks
// per-workspace document freshness and quality so the cleanup and refresh
// jobs can query expiry state without touching the vector store.
package docstore

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/docfold/docfold/errors"
	"github.com/docfold/docfold/jobs/handlers"
)

const timeLayout = time.RFC3339Nano

// Document is one row of tracked metadata
type Document struct {
	Workspace    string
	DocumentID   string
	SourceURL    string
	QualityScore float64
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store implements handlers.Database over sqlite
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

var _ handlers.Database = (*Store)(nil)

// New creates a document metadata store on an open connection
func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// UpsertDocument inserts or replaces one document's metadata. Ingestion
// calls this after every successful write to the vector store.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (workspace, document_id, source_url, quality_score, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace, document_id) DO UPDATE SET
			source_url = excluded.source_url,
			quality_score = excluded.quality_score,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		doc.Workspace, doc.DocumentID, doc.SourceURL, doc.QualityScore,
		doc.ExpiresAt.UTC().Format(timeLayout),
		doc.CreatedAt.Format(timeLayout),
		doc.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return errors.Wrapf(err, "upsert document %s/%s", doc.Workspace, doc.DocumentID)
	}
	return nil
}

// GetDocument fetches one document's metadata
func (s *Store) GetDocument(ctx context.Context, workspace, docID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workspace, document_id, source_url, quality_score, expires_at, created_at, updated_at
		FROM documents WHERE workspace = ? AND document_id = ?`,
		workspace, docID,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrDocumentNotFound, "document %s/%s", workspace, docID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get document %s/%s", workspace, docID)
	}
	return doc, nil
}

// CleanupOrphanedRecords deletes metadata rows whose expiry passed more than
// olderThan ago. Rows inside the grace window stay so a refresh job still
// sees them as candidates.
func (s *Store) CleanupOrphanedRecords(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE expires_at < ?",
		cutoff.Format(timeLayout),
	)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup orphaned documents")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cleanup orphaned documents: rows affected")
	}
	if affected > 0 {
		s.log.Infow("Removed orphaned document metadata",
			"count", affected,
			"cutoff", cutoff,
		)
	}
	return int(affected), nil
}

// FindRefreshCandidates returns documents in a workspace that are expiring
// within the query window or have exceeded the maximum age, ordered soonest
// expiry first. Low-quality and recently-updated documents are filtered out.
func (s *Store) FindRefreshCandidates(ctx context.Context, workspace string, q handlers.RefreshQuery) ([]handlers.RefreshCandidate, error) {
	now := time.Now().UTC()

	query := `
		SELECT workspace, document_id, source_url, quality_score, expires_at, created_at, updated_at
		FROM documents
		WHERE workspace = ?
		  AND quality_score >= ?
		  AND (expires_at <= ? OR created_at <= ?)`
	args := []any{
		workspace,
		q.MinQualityScore,
		now.Add(q.ExpiringWithin).Format(timeLayout),
		now.Add(-q.MaxAge).Format(timeLayout),
	}
	if q.SkipUpdatedWithin > 0 {
		query += " AND updated_at <= ?"
		args = append(args, now.Add(-q.SkipUpdatedWithin).Format(timeLayout))
	}
	query += " ORDER BY expires_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "find refresh candidates for %s", workspace)
	}
	defer rows.Close()

	var candidates []handlers.RefreshCandidate
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan refresh candidate")
		}
		candidates = append(candidates, handlers.RefreshCandidate{
			DocumentID:   doc.DocumentID,
			Workspace:    doc.Workspace,
			SourceURL:    doc.SourceURL,
			QualityScore: doc.QualityScore,
			ExpiresAt:    doc.ExpiresAt,
		})
	}
	return candidates, rows.Err()
}

// ExtendDocumentTTL pushes a document's expiry to now+ttl
func (s *Store) ExtendDocumentTTL(ctx context.Context, workspace, docID string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET expires_at = ?, updated_at = ?
		WHERE workspace = ? AND document_id = ?`,
		now.Add(ttl).Format(timeLayout), now.Format(timeLayout),
		workspace, docID,
	)
	if err != nil {
		return errors.Wrapf(err, "extend ttl for %s/%s", workspace, docID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "extend ttl for %s/%s: rows affected", workspace, docID)
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrDocumentNotFound, "document %s/%s", workspace, docID)
	}
	return nil
}

// Ping verifies the underlying connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var expiresAt, createdAt, updatedAt string

	err := row.Scan(
		&doc.Workspace, &doc.DocumentID, &doc.SourceURL, &doc.QualityScore,
		&expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if doc.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return nil, errors.Wrap(err, "parse expires_at")
	}
	if doc.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	if doc.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}
	return &doc, nil
}
