package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/metrics"
	"github.com/bizmatch/pipeline/internal/pipeline"
)

// RunnerConfig tunes batch behavior.
type RunnerConfig struct {
	BatchSize     int
	MaxInputChars int
	MinInputChars int
	Lease         time.Duration
}

// Runner claims embeddable projects, generates vectors and stores them,
// tracking each run as a ledger job.
type Runner struct {
	ledger   pipeline.Ledger
	projects pipeline.ProjectStore
	vectors  pipeline.VectorStore
	embedder pipeline.Embedder
	clock    pipeline.Clock
	idGen    pipeline.IDGenerator
	cfg      RunnerConfig
	logger   *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(
	ledger pipeline.Ledger,
	projects pipeline.ProjectStore,
	vectors pipeline.VectorStore,
	embedder pipeline.Embedder,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	cfg RunnerConfig,
	logger *zap.Logger,
) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	return &Runner{
		ledger:   ledger,
		projects: projects,
		vectors:  vectors,
		embedder: embedder,
		clock:    clock,
		idGen:    idGen,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one embedding batch, recording it as a ledger job. It
// returns the batch outcome and the job id. Claimed projects keep their
// needs_embedding flag on any failure path so a later run retries them.
// A negative batch size means "use the configured default"; an explicit
// zero processes nothing and still records a completed job.
func (r *Runner) Run(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.EmbedParams) (pipeline.BatchResult, string, error) {
	if params.BatchSize < 0 {
		params.BatchSize = r.cfg.BatchSize
	}

	jobID, err := r.createJob(ctx, triggeredBy, params)
	if err != nil {
		return pipeline.BatchResult{}, "", err
	}

	started := r.clock.Now()
	claimed, err := r.projects.ClaimEmbeddable(ctx, params.BatchSize, params.ProjectIDs, params.Force, r.cfg.Lease, started)
	if err != nil {
		return pipeline.BatchResult{}, jobID, r.fail(ctx, jobID, started, fmt.Errorf("claim projects: %w", err))
	}

	result := r.processBatch(ctx, claimed)

	if err := r.complete(ctx, jobID, started, len(claimed), result); err != nil {
		return result, jobID, err
	}
	return result, jobID, nil
}

func (r *Runner) processBatch(ctx context.Context, claimed []pipeline.Project) pipeline.BatchResult {
	var result pipeline.BatchResult

	// Projects with too little text are cleared rather than retried
	// forever; the rest go to the provider in one call.
	eligible := claimed[:0:0]
	texts := make([]string, 0, len(claimed))
	for _, project := range claimed {
		text := BuildText(project, r.cfg.MaxInputChars)
		if len(text) < r.cfg.MinInputChars {
			r.skipEmptyProject(ctx, project, &result)
			continue
		}
		eligible = append(eligible, project)
		texts = append(texts, text)
	}
	if len(eligible) == 0 {
		return result
	}

	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		r.logger.Error("embedding provider call failed", zap.Int("batch", len(texts)), zap.Error(err))
		for _, project := range eligible {
			r.releaseClaim(ctx, project.ID)
			result.Add(pipeline.ItemOutcome{ID: project.ID, Status: pipeline.OutcomeFailed, Detail: err.Error()})
			metrics.ObserveItem(string(pipeline.JobTypeEmbed), string(pipeline.OutcomeFailed))
		}
		return result
	}

	for i, project := range eligible {
		outcome := r.storeVector(ctx, project, texts[i], vectors[i])
		result.Add(outcome)
		metrics.ObserveItem(string(pipeline.JobTypeEmbed), string(outcome.Status))
	}
	return result
}

func (r *Runner) storeVector(ctx context.Context, project pipeline.Project, text string, vector []float32) pipeline.ItemOutcome {
	record := pipeline.EmbeddingRecord{
		SourceType: "project",
		SourceID:   project.ID,
		ChunkIndex: 0,
		Content:    text,
		Vector:     vector,
	}
	if err := r.vectors.UpsertEmbedding(ctx, record); err != nil {
		r.releaseClaim(ctx, project.ID)
		r.logger.Warn("store embedding failed", zap.String("project_id", project.ID), zap.Error(err))
		return pipeline.ItemOutcome{ID: project.ID, Status: pipeline.OutcomeFailed, Detail: err.Error()}
	}

	cleared, err := r.projects.ClearNeedsEmbedding(ctx, project.ID)
	if err != nil {
		r.logger.Warn("clear needs_embedding failed", zap.String("project_id", project.ID), zap.Error(err))
		return pipeline.ItemOutcome{ID: project.ID, Status: pipeline.OutcomeFailed, Detail: err.Error()}
	}
	if !cleared {
		// Another run already cleared the flag; the vector upsert above
		// is idempotent so this stays a success.
		r.logger.Debug("needs_embedding already cleared", zap.String("project_id", project.ID))
	}
	return pipeline.ItemOutcome{ID: project.ID, Status: pipeline.OutcomeSuccess}
}

func (r *Runner) skipEmptyProject(ctx context.Context, project pipeline.Project, result *pipeline.BatchResult) {
	if _, err := r.projects.ClearNeedsEmbedding(ctx, project.ID); err != nil {
		r.logger.Warn("clear flag for empty project failed", zap.String("project_id", project.ID), zap.Error(err))
	}
	result.Add(pipeline.ItemOutcome{
		ID:     project.ID,
		Status: pipeline.OutcomeSkipped,
		Detail: "insufficient text content",
	})
	metrics.ObserveItem(string(pipeline.JobTypeEmbed), string(pipeline.OutcomeSkipped))
}

func (r *Runner) releaseClaim(ctx context.Context, projectID string) {
	if err := r.projects.ReleaseEmbedClaim(ctx, projectID); err != nil {
		r.logger.Warn("release embed claim failed", zap.String("project_id", projectID), zap.Error(err))
	}
}

func (r *Runner) createJob(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.EmbedParams) (string, error) {
	jobID, err := r.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := r.clock.Now()
	payload, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode embed params: %w", err)
	}
	job := pipeline.Job{
		ID:          jobID,
		Type:        pipeline.JobTypeEmbed,
		Status:      pipeline.JobStatusRunning,
		TriggeredBy: triggeredBy,
		Params:      payload,
		CreatedAt:   now,
		StartedAt:   &now,
	}
	if err := r.ledger.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create embed job: %w", err)
	}
	return jobID, nil
}

func (r *Runner) complete(ctx context.Context, jobID string, started time.Time, target int, result pipeline.BatchResult) error {
	now := r.clock.Now()
	payload, err := json.Marshal(result)
	if err != nil {
		return r.fail(ctx, jobID, started, fmt.Errorf("encode batch result: %w", err))
	}

	completed := pipeline.JobStatusCompleted
	success := result.Succeeded
	failed := result.Failed
	if err := r.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
		Status:       &completed,
		TargetCount:  &target,
		SuccessCount: &success,
		FailCount:    &failed,
		Result:       payload,
		CompletedAt:  &now,
	}); err != nil {
		return fmt.Errorf("finalize embed job %s: %w", jobID, err)
	}

	metrics.ObserveJob(string(pipeline.JobTypeEmbed), string(completed), now.Sub(started))
	r.logger.Info("embedding batch completed",
		zap.String("job_id", jobID),
		zap.Int("target", target),
		zap.Int("success", success),
		zap.Int("failed", failed),
		zap.Int("skipped", result.Skipped),
	)
	return nil
}

func (r *Runner) fail(ctx context.Context, jobID string, started time.Time, cause error) error {
	now := r.clock.Now()
	failedStatus := pipeline.JobStatusFailed
	msg := cause.Error()
	if err := r.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
		Status:      &failedStatus,
		ErrorText:   &msg,
		CompletedAt: &now,
	}); err != nil {
		r.logger.Error("record embed failure", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.ObserveJob(string(pipeline.JobTypeEmbed), string(pipeline.JobStatusFailed), now.Sub(started))
	r.logger.Error("embedding batch failed", zap.String("job_id", jobID), zap.Error(cause))
	return cause
}

// Stats reports embedding coverage across all projects.
func (r *Runner) Stats(ctx context.Context) (pipeline.EmbeddingStats, error) {
	total, err := r.projects.CountProjects(ctx)
	if err != nil {
		return pipeline.EmbeddingStats{}, fmt.Errorf("count projects: %w", err)
	}
	pending, err := r.projects.CountNeedsEmbedding(ctx)
	if err != nil {
		return pipeline.EmbeddingStats{}, fmt.Errorf("count needs_embedding: %w", err)
	}
	embedded, err := r.vectors.CountEmbedded(ctx, "project")
	if err != nil {
		return pipeline.EmbeddingStats{}, fmt.Errorf("count embedded: %w", err)
	}

	stats := pipeline.EmbeddingStats{
		TotalProjects:  total,
		NeedsEmbedding: pending,
		HasEmbeddings:  embedded,
	}
	if total > 0 {
		stats.CompletionRate = float64(embedded) / float64(total)
	}
	return stats, nil
}
