package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// VectorStore persists embedding vectors in Postgres via pgvector.
type VectorStore struct {
	db DB
}

// NewVectorStore constructs a VectorStore over an existing pool.
func NewVectorStore(db DB) *VectorStore {
	return &VectorStore{db: db}
}

// UpsertEmbedding inserts or replaces the vector for one chunk.
func (s *VectorStore) UpsertEmbedding(ctx context.Context, record pipeline.EmbeddingRecord) error {
	if record.SourceType == "" || record.SourceID == "" {
		return fmt.Errorf("source type and id are required")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO embeddings (source_type, source_id, chunk_index, content, embedding, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (source_type, source_id, chunk_index) DO UPDATE SET
	content = EXCLUDED.content,
	embedding = EXCLUDED.embedding,
	updated_at = NOW()`,
		record.SourceType, record.SourceID, record.ChunkIndex,
		record.Content, pgvector.NewVector(record.Vector),
	)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// CountEmbedded returns the number of distinct entities with a stored
// vector for the given source type.
func (s *VectorStore) CountEmbedded(ctx context.Context, sourceType string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(DISTINCT source_id) FROM embeddings WHERE source_type = $1`, sourceType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embedded: %w", err)
	}
	return n, nil
}
