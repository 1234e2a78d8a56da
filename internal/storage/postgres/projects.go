package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// ProjectStore persists discovered projects in Postgres.
type ProjectStore struct {
	db DB
}

// NewProjectStore constructs a ProjectStore over an existing pool.
func NewProjectStore(db DB) *ProjectStore {
	return &ProjectStore{db: db}
}

const projectColumns = `id, source_id, title, agency, summary, description, eligibility,
support_detail, region, category, apply_deadline, detail_url,
needs_embedding, embed_claimed_at, created_at, updated_at`

// UpsertListing inserts or updates a project keyed by detail URL. Both
// paths set needs_embedding=true and drop any stale embed claim. The
// xmax trick distinguishes inserts from conflict updates.
func (s *ProjectStore) UpsertListing(ctx context.Context, project pipeline.Project) (bool, error) {
	var created bool
	err := s.db.QueryRow(ctx, `
INSERT INTO projects (
	id, source_id, title, agency, summary, description, eligibility,
	support_detail, region, category, apply_deadline, detail_url,
	needs_embedding, embed_claimed_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,TRUE,NULL,$13,$13)
ON CONFLICT (detail_url) DO UPDATE SET
	title = EXCLUDED.title,
	agency = EXCLUDED.agency,
	summary = EXCLUDED.summary,
	description = EXCLUDED.description,
	eligibility = EXCLUDED.eligibility,
	support_detail = EXCLUDED.support_detail,
	region = EXCLUDED.region,
	category = EXCLUDED.category,
	apply_deadline = EXCLUDED.apply_deadline,
	needs_embedding = TRUE,
	embed_claimed_at = NULL,
	updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)`,
		project.ID, project.SourceID, project.Title, project.Agency, project.Summary,
		project.Description, project.Eligibility, project.SupportDetail, project.Region,
		project.Category, project.ApplyDeadline, project.DetailURL, project.UpdatedAt,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert project: %w", err)
	}
	return created, nil
}

// GetProject fetches a project by ID.
func (s *ProjectStore) GetProject(ctx context.Context, projectID string) (pipeline.Project, error) {
	row := s.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID)
	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Project{}, pipeline.ErrNotFound
		}
		return pipeline.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// ClaimEmbeddable leases up to limit embeddable projects in one atomic
// statement. SKIP LOCKED keeps overlapping runs off the same rows.
func (s *ProjectStore) ClaimEmbeddable(ctx context.Context, limit int, ids []string, force bool, lease time.Duration, now time.Time) ([]pipeline.Project, error) {
	if limit <= 0 {
		return nil, nil
	}
	var idFilter any
	if len(ids) > 0 {
		idFilter = ids
	}
	cutoff := now.Add(-lease)
	rows, err := s.db.Query(ctx, `
UPDATE projects SET embed_claimed_at = $1
WHERE id IN (
	SELECT id FROM projects
	WHERE ($2 OR needs_embedding)
	  AND ($3::text[] IS NULL OR id = ANY($3))
	  AND (embed_claimed_at IS NULL OR embed_claimed_at < $4)
	ORDER BY updated_at
	LIMIT $5
	FOR UPDATE SKIP LOCKED
)
RETURNING `+projectColumns, now, force, idFilter, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim embeddable: %w", err)
	}
	defer rows.Close()

	var projects []pipeline.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed projects: %w", err)
	}
	return projects, nil
}

// ClearNeedsEmbedding clears the flag and lease only if the flag is
// still set. Returns false when another run already cleared it.
func (s *ProjectStore) ClearNeedsEmbedding(ctx context.Context, projectID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE projects SET needs_embedding = FALSE, embed_claimed_at = NULL
WHERE id = $1 AND needs_embedding`, projectID)
	if err != nil {
		return false, fmt.Errorf("clear needs_embedding: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseEmbedClaim drops the lease so the project is immediately
// eligible for the next run.
func (s *ProjectStore) ReleaseEmbedClaim(ctx context.Context, projectID string) error {
	if _, err := s.db.Exec(ctx, `UPDATE projects SET embed_claimed_at = NULL WHERE id = $1`, projectID); err != nil {
		return fmt.Errorf("release embed claim: %w", err)
	}
	return nil
}

// CountProjects returns the total number of projects.
func (s *ProjectStore) CountProjects(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM projects`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}

// CountNeedsEmbedding returns how many projects still need embedding.
func (s *ProjectStore) CountNeedsEmbedding(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM projects WHERE needs_embedding`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count needs_embedding: %w", err)
	}
	return n, nil
}

func scanProject(row pgx.Row) (pipeline.Project, error) {
	var p pipeline.Project
	err := row.Scan(
		&p.ID, &p.SourceID, &p.Title, &p.Agency, &p.Summary, &p.Description,
		&p.Eligibility, &p.SupportDetail, &p.Region, &p.Category, &p.ApplyDeadline,
		&p.DetailURL, &p.NeedsEmbedding, &p.EmbedClaimedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
