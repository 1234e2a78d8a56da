package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// AttachmentStore persists project attachments in Postgres.
type AttachmentStore struct {
	db DB
}

// NewAttachmentStore constructs an AttachmentStore over an existing pool.
func NewAttachmentStore(db DB) *AttachmentStore {
	return &AttachmentStore{db: db}
}

const attachmentColumns = `id, project_id, file_name, file_url, blob_path, should_parse,
is_parsed, parsed_content, parse_error, parse_error_kind, created_at, updated_at`

// UpsertAttachment inserts or updates an attachment by ID. Parse state
// is preserved on conflict so a re-crawl does not reset outcomes.
func (s *AttachmentStore) UpsertAttachment(ctx context.Context, att pipeline.Attachment) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO attachments (
	id, project_id, file_name, file_url, blob_path, should_parse,
	is_parsed, parsed_content, parse_error, parse_error_kind, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	file_name = EXCLUDED.file_name,
	file_url = EXCLUDED.file_url,
	updated_at = EXCLUDED.updated_at`,
		att.ID, att.ProjectID, att.FileName, att.FileURL, att.BlobPath, att.ShouldParse,
		att.IsParsed, att.ParsedContent, att.ParseError, att.ParseKind, att.CreatedAt, att.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert attachment: %w", err)
	}
	return nil
}

// GetAttachment fetches an attachment by ID.
func (s *AttachmentStore) GetAttachment(ctx context.Context, attachmentID string) (pipeline.Attachment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, attachmentID)
	att, err := scanAttachment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Attachment{}, pipeline.ErrNotFound
		}
		return pipeline.Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return att, nil
}

// ListUnparsed returns attachments awaiting a parse, oldest first,
// optionally filtered to one failure kind.
func (s *AttachmentStore) ListUnparsed(ctx context.Context, limit int, kind pipeline.ParseErrorKind) ([]pipeline.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE should_parse AND NOT is_parsed`
	args := []any{}
	if kind != "" {
		args = append(args, kind)
		query += fmt.Sprintf(" AND parse_error_kind = $%d", len(args))
	}
	query += " ORDER BY created_at"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unparsed: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}

// MarkParsed records a successful parse.
func (s *AttachmentStore) MarkParsed(ctx context.Context, attachmentID string, content string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE attachments SET is_parsed = TRUE, parsed_content = $2,
	parse_error = '', parse_error_kind = '', updated_at = $3
WHERE id = $1`, attachmentID, content, at)
	if err != nil {
		return fmt.Errorf("mark parsed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// MarkParseFailed records a failed parse; the attachment stays eligible
// for retry on the next run.
func (s *AttachmentStore) MarkParseFailed(ctx context.Context, attachmentID string, kind pipeline.ParseErrorKind, msg string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE attachments SET is_parsed = FALSE, parsed_content = '',
	parse_error = $2, parse_error_kind = $3, updated_at = $4
WHERE id = $1`, attachmentID, msg, kind, at)
	if err != nil {
		return fmt.Errorf("mark parse failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// MarkParseSkipped clears should_parse so the item is not retried
// indefinitely.
func (s *AttachmentStore) MarkParseSkipped(ctx context.Context, attachmentID string, reason string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE attachments SET should_parse = FALSE, parse_error = $2,
	parse_error_kind = $3, updated_at = $4
WHERE id = $1`, attachmentID, reason, pipeline.ParseKindEmptyFile, at)
	if err != nil {
		return fmt.Errorf("mark parse skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SetBlobPath records where the attachment bytes were stored.
func (s *AttachmentStore) SetBlobPath(ctx context.Context, attachmentID string, blobPath string) error {
	tag, err := s.db.Exec(ctx, `UPDATE attachments SET blob_path = $2 WHERE id = $1`, attachmentID, blobPath)
	if err != nil {
		return fmt.Errorf("set blob path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

func scanAttachment(row pgx.Row) (pipeline.Attachment, error) {
	var att pipeline.Attachment
	err := row.Scan(
		&att.ID, &att.ProjectID, &att.FileName, &att.FileURL, &att.BlobPath,
		&att.ShouldParse, &att.IsParsed, &att.ParsedContent, &att.ParseError,
		&att.ParseKind, &att.CreatedAt, &att.UpdatedAt,
	)
	return att, err
}
