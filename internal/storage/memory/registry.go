package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Registry is an in-memory pipeline.SourceRegistry.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]pipeline.Source
}

// NewRegistry constructs a Registry, optionally seeded with sources.
func NewRegistry(seed ...pipeline.Source) *Registry {
	r := &Registry{sources: make(map[string]pipeline.Source)}
	for _, s := range seed {
		r.sources[s.ID] = s
	}
	return r
}

// PutSource inserts or replaces a source.
func (r *Registry) PutSource(source pipeline.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source.ID] = source
}

// GetSource fetches a source by ID.
func (r *Registry) GetSource(_ context.Context, sourceID string) (pipeline.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	source, ok := r.sources[sourceID]
	if !ok {
		return pipeline.Source{}, pipeline.ErrNotFound
	}
	return source, nil
}

// ListSources returns all sources ordered by name.
func (r *Registry) ListSources(_ context.Context) ([]pipeline.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pipeline.Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListActiveSources returns sources with is_active=true ordered by name.
func (r *Registry) ListActiveSources(ctx context.Context) ([]pipeline.Source, error) {
	all, err := r.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// TouchLastCrawled records the timestamp of the last successful crawl.
func (r *Registry) TouchLastCrawled(_ context.Context, sourceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	source, ok := r.sources[sourceID]
	if !ok {
		return pipeline.ErrNotFound
	}
	source.LastCrawled = &at
	r.sources[sourceID] = source
	return nil
}
