package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// BlobStore keeps objects in a map for development and testing.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewBlobStore constructs a BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

// PutObject stores data under path and returns a mem:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[path] = cp
	return "mem://" + path, nil
}

// GetObject returns the stored bytes for path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// VectorStore stores embedding records keyed by source type/id/chunk.
type VectorStore struct {
	mu      sync.RWMutex
	records map[string]pipeline.EmbeddingRecord
}

// NewVectorStore constructs a VectorStore.
func NewVectorStore() *VectorStore {
	return &VectorStore{records: make(map[string]pipeline.EmbeddingRecord)}
}

func vectorKey(rec pipeline.EmbeddingRecord) string {
	return fmt.Sprintf("%s:%s:%d", rec.SourceType, rec.SourceID, rec.ChunkIndex)
}

// UpsertEmbedding inserts or replaces a vector.
func (s *VectorStore) UpsertEmbedding(_ context.Context, record pipeline.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[vectorKey(record)] = record
	return nil
}

// CountEmbedded returns the number of distinct entities with a stored
// vector for the given source type.
func (s *VectorStore) CountEmbedded(_ context.Context, sourceType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	for _, rec := range s.records {
		if rec.SourceType == sourceType {
			seen[rec.SourceID] = true
		}
	}
	return len(seen), nil
}
