package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Registry persists crawl sources in Postgres.
type Registry struct {
	db DB
}

// NewRegistry constructs a Registry over an existing pool.
func NewRegistry(db DB) *Registry {
	return &Registry{db: db}
}

const sourceColumns = `id, name, url, type, is_active, schedule, last_crawled`

// GetSource fetches a source by ID.
func (r *Registry) GetSource(ctx context.Context, sourceID string) (pipeline.Source, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM crawl_sources WHERE id = $1`, sourceID)
	source, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Source{}, pipeline.ErrNotFound
		}
		return pipeline.Source{}, fmt.Errorf("get source: %w", err)
	}
	return source, nil
}

// ListSources returns all sources ordered by name.
func (r *Registry) ListSources(ctx context.Context) ([]pipeline.Source, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM crawl_sources ORDER BY name`)
}

// ListActiveSources returns sources with is_active=true ordered by name.
func (r *Registry) ListActiveSources(ctx context.Context) ([]pipeline.Source, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM crawl_sources WHERE is_active ORDER BY name`)
}

func (r *Registry) list(ctx context.Context, query string) ([]pipeline.Source, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []pipeline.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

// TouchLastCrawled records the timestamp of the last successful crawl.
func (r *Registry) TouchLastCrawled(ctx context.Context, sourceID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE crawl_sources SET last_crawled = $2 WHERE id = $1`, sourceID, at)
	if err != nil {
		return fmt.Errorf("touch last_crawled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (pipeline.Source, error) {
	var source pipeline.Source
	err := row.Scan(
		&source.ID, &source.Name, &source.URL, &source.Type,
		&source.IsActive, &source.Schedule, &source.LastCrawled,
	)
	return source, err
}
