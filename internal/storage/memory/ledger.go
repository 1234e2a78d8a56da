// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Ledger is an in-memory pipeline.Ledger.
type Ledger struct {
	mu   sync.RWMutex
	jobs map[string]pipeline.Job
}

// NewLedger constructs a Ledger.
func NewLedger() *Ledger {
	return &Ledger{jobs: make(map[string]pipeline.Job)}
}

// CreateJob stores a new job row.
func (l *Ledger) CreateJob(_ context.Context, job pipeline.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.jobs[job.ID]; exists {
		return pipeline.ErrJobExists
	}
	l.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (l *Ledger) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return job, nil
}

// UpdateJob applies the non-nil fields of update to an existing row.
// Status changes must be legal forward transitions.
func (l *Ledger) UpdateJob(_ context.Context, jobID string, update pipeline.JobUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if update.Status != nil {
		if !job.Status.CanTransition(*update.Status) {
			return pipeline.ErrInvalidTransition
		}
		job.Status = *update.Status
	}
	if update.TargetCount != nil {
		job.TargetCount = *update.TargetCount
	}
	if update.SuccessCount != nil {
		job.SuccessCount = *update.SuccessCount
	}
	if update.FailCount != nil {
		job.FailCount = *update.FailCount
	}
	if update.Result != nil {
		job.Result = update.Result
	}
	if update.ErrorText != nil {
		job.ErrorText = *update.ErrorText
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	l.jobs[jobID] = job
	return nil
}

// ListJobs returns jobs matching the filter, newest first, plus the
// total match count before pagination.
func (l *Ledger) ListJobs(_ context.Context, filter pipeline.JobFilter) ([]pipeline.Job, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var matched []pipeline.Job
	for _, job := range l.jobs {
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	out := make([]pipeline.Job, len(matched))
	copy(out, matched)
	return out, total, nil
}

// ListStuck returns jobs in the given status whose startedAt (or
// createdAt when never started) is older than the threshold.
func (l *Ledger) ListStuck(_ context.Context, status pipeline.JobStatus, olderThan time.Duration, now time.Time) ([]pipeline.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cutoff := now.Add(-olderThan)
	var out []pipeline.Job
	for _, job := range l.jobs {
		if job.Status != status {
			continue
		}
		ref := job.CreatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		if ref.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ActiveCrawlExists reports whether the source already has a crawl job
// in pending or running.
func (l *Ledger) ActiveCrawlExists(_ context.Context, sourceID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, job := range l.jobs {
		if job.Type != pipeline.JobTypeCrawl || job.SourceID != sourceID {
			continue
		}
		if job.Status == pipeline.JobStatusPending || job.Status == pipeline.JobStatusRunning {
			return true, nil
		}
	}
	return false, nil
}
