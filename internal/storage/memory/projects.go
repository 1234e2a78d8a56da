package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// ProjectStore is an in-memory pipeline.ProjectStore.
type ProjectStore struct {
	mu       sync.RWMutex
	projects map[string]pipeline.Project
	byURL    map[string]string
}

// NewProjectStore constructs a ProjectStore.
func NewProjectStore() *ProjectStore {
	return &ProjectStore{
		projects: make(map[string]pipeline.Project),
		byURL:    make(map[string]string),
	}
}

// Put inserts or replaces a project directly (test seeding).
func (s *ProjectStore) Put(project pipeline.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
	if project.DetailURL != "" {
		s.byURL[project.DetailURL] = project.ID
	}
}

// UpsertListing inserts or updates a project keyed by detail URL. Both
// paths set needs_embedding=true and bump updated_at.
func (s *ProjectStore) UpsertListing(_ context.Context, project pipeline.Project) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byURL[project.DetailURL]; ok {
		existing := s.projects[existingID]
		project.ID = existing.ID
		project.CreatedAt = existing.CreatedAt
		project.NeedsEmbedding = true
		project.EmbedClaimedAt = nil
		s.projects[existingID] = project
		return false, nil
	}
	if project.ID == "" {
		project.ID = project.DetailURL
	}
	project.NeedsEmbedding = true
	s.projects[project.ID] = project
	s.byURL[project.DetailURL] = project.ID
	return true, nil
}

// GetProject fetches a project by ID.
func (s *ProjectStore) GetProject(_ context.Context, projectID string) (pipeline.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return pipeline.Project{}, pipeline.ErrNotFound
	}
	return project, nil
}

// ClaimEmbeddable selects and leases up to limit embeddable projects in
// one locked pass, mirroring the conditional-update claim the Postgres
// store performs.
func (s *ProjectStore) ClaimEmbeddable(_ context.Context, limit int, ids []string, force bool, lease time.Duration, now time.Time) ([]pipeline.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	idFilter := map[string]bool{}
	for _, id := range ids {
		idFilter[id] = true
	}
	var candidates []pipeline.Project
	for _, p := range s.projects {
		if len(idFilter) > 0 && !idFilter[p.ID] {
			continue
		}
		if !force && !p.NeedsEmbedding {
			continue
		}
		if p.EmbedClaimedAt != nil && now.Sub(*p.EmbedClaimedAt) < lease {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	claimed := make([]pipeline.Project, 0, len(candidates))
	for _, p := range candidates {
		at := now
		p.EmbedClaimedAt = &at
		s.projects[p.ID] = p
		claimed = append(claimed, p)
	}
	return claimed, nil
}

// ClearNeedsEmbedding clears the flag and lease only if the flag is
// still set.
func (s *ProjectStore) ClearNeedsEmbedding(_ context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return false, pipeline.ErrNotFound
	}
	if !project.NeedsEmbedding {
		return false, nil
	}
	project.NeedsEmbedding = false
	project.EmbedClaimedAt = nil
	s.projects[projectID] = project
	return true, nil
}

// ReleaseEmbedClaim drops the lease so the project is immediately
// eligible for the next run.
func (s *ProjectStore) ReleaseEmbedClaim(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return pipeline.ErrNotFound
	}
	project.EmbedClaimedAt = nil
	s.projects[projectID] = project
	return nil
}

// CountProjects returns the total number of projects.
func (s *ProjectStore) CountProjects(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects), nil
}

// CountNeedsEmbedding returns how many projects still need embedding.
func (s *ProjectStore) CountNeedsEmbedding(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.projects {
		if p.NeedsEmbedding {
			n++
		}
	}
	return n, nil
}
