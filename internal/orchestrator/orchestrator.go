// Package orchestrator decides how triggered pipeline runs execute:
// delegated to the out-of-process worker when it is reachable, or as a
// bounded in-process batch otherwise.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/pipeline"
	"github.com/bizmatch/pipeline/internal/workerclient"
)

// Config tunes dispatch behavior.
type Config struct {
	LocalBatchSize int
	StuckThreshold time.Duration
}

// WorkerAPI is the slice of the worker client the orchestrator uses.
type WorkerAPI interface {
	Configured() bool
	StartCrawl(ctx context.Context, jobID string) error
	StartCrawlBatch(ctx context.Context, jobIDs []string) error
	GenerateEmbeddings(ctx context.Context, params pipeline.EmbedParams) (workerclient.EmbedResponse, error)
	EmbeddingStats(ctx context.Context) (pipeline.EmbeddingStats, error)
}

// EmbedRunner is the in-process fallback for embedding batches.
type EmbedRunner interface {
	Run(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.EmbedParams) (pipeline.BatchResult, string, error)
	Stats(ctx context.Context) (pipeline.EmbeddingStats, error)
}

// Orchestrator owns crawl dispatch, embedding dispatch with fallback,
// and the stuck-job cleanup sweep.
type Orchestrator struct {
	ledger      pipeline.Ledger
	registry    pipeline.SourceRegistry
	projects    pipeline.ProjectStore
	attachments pipeline.AttachmentStore
	worker      WorkerAPI
	embeds      EmbedRunner
	clock       pipeline.Clock
	idGen       pipeline.IDGenerator
	cfg         Config
	logger      *zap.Logger
}

// New constructs an Orchestrator.
func New(
	ledger pipeline.Ledger,
	registry pipeline.SourceRegistry,
	projects pipeline.ProjectStore,
	attachments pipeline.AttachmentStore,
	worker WorkerAPI,
	embeds EmbedRunner,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.LocalBatchSize <= 0 {
		cfg.LocalBatchSize = 10
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = time.Hour
	}
	return &Orchestrator{
		ledger:      ledger,
		registry:    registry,
		projects:    projects,
		attachments: attachments,
		worker:      worker,
		embeds:      embeds,
		clock:       clock,
		idGen:       idGen,
		cfg:         cfg,
		logger:      logger,
	}
}

// StartCrawl creates a pending crawl job for the source and hands it to
// the worker. Inactive or unknown sources create no job row. When the
// worker notification fails, the job is immediately marked failed with
// the delivery error so it never lingers pending.
func (o *Orchestrator) StartCrawl(ctx context.Context, sourceID string, triggeredBy pipeline.Trigger) (pipeline.Job, error) {
	source, err := o.registry.GetSource(ctx, sourceID)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("load source %s: %w", sourceID, err)
	}
	if !source.IsActive {
		return pipeline.Job{}, fmt.Errorf("source %s: %w", sourceID, pipeline.ErrInactiveSource)
	}
	if o.crawlBusy(ctx, sourceID) {
		return pipeline.Job{}, fmt.Errorf("source %s: %w", sourceID, pipeline.ErrCrawlInProgress)
	}

	job, err := o.createCrawlJob(ctx, source, triggeredBy)
	if err != nil {
		return pipeline.Job{}, err
	}

	if err := o.notifyWorker(ctx, job.ID); err != nil {
		o.failDelivery(ctx, job.ID, err)
		return job, fmt.Errorf("dispatch crawl %s: %w", job.ID, err)
	}

	o.logger.Info("crawl dispatched",
		zap.String("job_id", job.ID),
		zap.String("source_id", sourceID),
		zap.String("triggered_by", string(triggeredBy)))
	return job, nil
}

// StartAllCrawls dispatches one crawl job per active source as a single
// worker batch, which the worker processes sequentially.
func (o *Orchestrator) StartAllCrawls(ctx context.Context, triggeredBy pipeline.Trigger) ([]pipeline.Job, error) {
	sources, err := o.registry.ListActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, nil
	}

	jobs := make([]pipeline.Job, 0, len(sources))
	jobIDs := make([]string, 0, len(sources))
	for _, source := range sources {
		if o.crawlBusy(ctx, source.ID) {
			o.logger.Info("skipping source with crawl in progress", zap.String("source_id", source.ID))
			continue
		}
		job, err := o.createCrawlJob(ctx, source, triggeredBy)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
		jobIDs = append(jobIDs, job.ID)
	}
	if len(jobIDs) == 0 {
		return nil, nil
	}

	if err := o.notifyWorkerBatch(ctx, jobIDs); err != nil {
		for _, id := range jobIDs {
			o.failDelivery(ctx, id, err)
		}
		return jobs, fmt.Errorf("dispatch crawl batch: %w", err)
	}
	return jobs, nil
}

// crawlBusy is the best-effort guard against overlapping crawls for one
// source. A ledger error does not block dispatch.
func (o *Orchestrator) crawlBusy(ctx context.Context, sourceID string) bool {
	busy, err := o.ledger.ActiveCrawlExists(ctx, sourceID)
	if err != nil {
		o.logger.Warn("check active crawl", zap.String("source_id", sourceID), zap.Error(err))
		return false
	}
	return busy
}

func (o *Orchestrator) createCrawlJob(ctx context.Context, source pipeline.Source, triggeredBy pipeline.Trigger) (pipeline.Job, error) {
	jobID, err := o.idGen.NewID()
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	params, err := json.Marshal(pipeline.CrawlParams{SourceID: source.ID, SourceURL: source.URL})
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("encode crawl params: %w", err)
	}
	job := pipeline.Job{
		ID:          jobID,
		Type:        pipeline.JobTypeCrawl,
		Status:      pipeline.JobStatusPending,
		TriggeredBy: triggeredBy,
		SourceID:    source.ID,
		Params:      params,
		CreatedAt:   o.clock.Now(),
	}
	if err := o.ledger.CreateJob(ctx, job); err != nil {
		return pipeline.Job{}, fmt.Errorf("create crawl job: %w", err)
	}
	return job, nil
}

func (o *Orchestrator) notifyWorker(ctx context.Context, jobID string) error {
	if o.worker == nil || !o.worker.Configured() {
		return fmt.Errorf("worker not configured")
	}
	return o.worker.StartCrawl(ctx, jobID)
}

func (o *Orchestrator) notifyWorkerBatch(ctx context.Context, jobIDs []string) error {
	if o.worker == nil || !o.worker.Configured() {
		return fmt.Errorf("worker not configured")
	}
	return o.worker.StartCrawlBatch(ctx, jobIDs)
}

func (o *Orchestrator) failDelivery(ctx context.Context, jobID string, cause error) {
	now := o.clock.Now()
	failed := pipeline.JobStatusFailed
	msg := fmt.Sprintf("worker delivery failed: %v", cause)
	if err := o.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
		Status:      &failed,
		ErrorText:   &msg,
		CompletedAt: &now,
	}); err != nil {
		o.logger.Error("record delivery failure", zap.String("job_id", jobID), zap.Error(err))
	}
}

// EmbedOutcome reports how an embedding run was dispatched and what it
// did.
type EmbedOutcome struct {
	JobID   string
	Mode    string
	Result  pipeline.BatchResult
	Message string
}

// Embed dispatch modes.
const (
	ModeWorker = "worker"
	ModeLocal  = "local"
)

// RunEmbed delegates an embedding batch to the worker, falling back to
// a smaller in-process batch when the worker is unreachable. The ledger
// row is created by whichever side executes, so each invocation yields
// exactly one row.
func (o *Orchestrator) RunEmbed(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.EmbedParams) (EmbedOutcome, error) {
	if o.worker != nil && o.worker.Configured() {
		resp, err := o.worker.GenerateEmbeddings(ctx, params)
		if err == nil {
			return EmbedOutcome{
				JobID:   resp.JobID,
				Mode:    ModeWorker,
				Result:  resp.Result,
				Message: fmt.Sprintf("worker processed %d items", resp.Result.Processed),
			}, nil
		}
		o.logger.Warn("worker embedding delegation failed, falling back to local batch", zap.Error(err))
	}

	// Local execution is bounded to fit the serving tier's time budget.
	// Explicit zero stays zero; the default and anything larger than the
	// local cap are clamped to the cap.
	if params.BatchSize < 0 || params.BatchSize > o.cfg.LocalBatchSize {
		params.BatchSize = o.cfg.LocalBatchSize
	}
	result, jobID, err := o.embeds.Run(ctx, triggeredBy, params)
	if err != nil {
		return EmbedOutcome{JobID: jobID, Mode: ModeLocal}, err
	}

	outcome := EmbedOutcome{
		JobID:   jobID,
		Mode:    ModeLocal,
		Result:  result,
		Message: fmt.Sprintf("local batch processed %d items", result.Processed),
	}
	if remaining, err := o.projects.CountNeedsEmbedding(ctx); err == nil && remaining > 0 {
		outcome.Message = fmt.Sprintf("local batch processed %d items, %d still need embedding", result.Processed, remaining)
	}
	return outcome, nil
}

// EmbeddingStats prefers the worker's view and falls back to local
// store counts.
func (o *Orchestrator) EmbeddingStats(ctx context.Context) (pipeline.EmbeddingStats, error) {
	if o.worker != nil && o.worker.Configured() {
		stats, err := o.worker.EmbeddingStats(ctx)
		if err == nil {
			return stats, nil
		}
		o.logger.Warn("worker embedding stats failed, using local counts", zap.Error(err))
	}
	return o.embeds.Stats(ctx)
}

// CleanupResult summarizes a stuck-job sweep.
type CleanupResult struct {
	StuckMinutes int      `json:"stuckMinutes"`
	Failed       []string `json:"failedJobIds"`
	ResetPending []string `json:"resetPendingJobIds,omitempty"`
}

// Cleanup force-fails running jobs older than the threshold and,
// optionally, stale pending jobs. The sweep is only ever invoked
// explicitly; nothing schedules it.
func (o *Orchestrator) Cleanup(ctx context.Context, stuckMinutes int, resetPending bool) (CleanupResult, error) {
	if stuckMinutes <= 0 {
		stuckMinutes = int(o.cfg.StuckThreshold / time.Minute)
	}
	threshold := time.Duration(stuckMinutes) * time.Minute
	now := o.clock.Now()
	result := CleanupResult{StuckMinutes: stuckMinutes}

	running, err := o.ledger.ListStuck(ctx, pipeline.JobStatusRunning, threshold, now)
	if err != nil {
		return result, fmt.Errorf("list stuck running jobs: %w", err)
	}
	for _, job := range running {
		msg := fmt.Sprintf("job stuck in running for over %d minutes, forcibly failed by cleanup sweep", stuckMinutes)
		if err := o.forceFail(ctx, job.ID, msg); err != nil {
			o.logger.Error("force-fail stuck job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		result.Failed = append(result.Failed, job.ID)
	}

	if resetPending {
		pending, err := o.ledger.ListStuck(ctx, pipeline.JobStatusPending, threshold, now)
		if err != nil {
			return result, fmt.Errorf("list stale pending jobs: %w", err)
		}
		for _, job := range pending {
			msg := fmt.Sprintf("job stuck in pending for over %d minutes, forcibly failed by cleanup sweep", stuckMinutes)
			if err := o.forceFail(ctx, job.ID, msg); err != nil {
				o.logger.Error("force-fail stale job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			result.ResetPending = append(result.ResetPending, job.ID)
		}
	}

	o.logger.Info("cleanup sweep finished",
		zap.Int("stuck_minutes", stuckMinutes),
		zap.Int("failed", len(result.Failed)),
		zap.Int("reset_pending", len(result.ResetPending)))
	return result, nil
}

// CancelAllRunning force-fails every running job regardless of age.
func (o *Orchestrator) CancelAllRunning(ctx context.Context) ([]string, error) {
	running, err := o.ledger.ListStuck(ctx, pipeline.JobStatusRunning, 0, o.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	canceled := make([]string, 0, len(running))
	for _, job := range running {
		if err := o.forceFail(ctx, job.ID, "canceled by administrator"); err != nil {
			o.logger.Error("cancel running job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		canceled = append(canceled, job.ID)
	}
	return canceled, nil
}

// CancelJob force-fails one job regardless of age, provided it is not
// already terminal.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := o.ledger.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s: %w", jobID, job.Status, pipeline.ErrInvalidTransition)
	}
	return o.forceFail(ctx, jobID, "canceled by administrator")
}

func (o *Orchestrator) forceFail(ctx context.Context, jobID, msg string) error {
	now := o.clock.Now()
	failed := pipeline.JobStatusFailed
	return o.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
		Status:      &failed,
		ErrorText:   &msg,
		CompletedAt: &now,
	})
}

// ListJobs returns filtered job history plus the total match count.
func (o *Orchestrator) ListJobs(ctx context.Context, filter pipeline.JobFilter) ([]pipeline.Job, int, error) {
	return o.ledger.ListJobs(ctx, filter)
}

// PipelineStats aggregates ledger, embedding and attachment state for
// the admin dashboard.
type PipelineStats struct {
	Embedding    pipeline.EmbeddingStats `json:"embedding"`
	UnparsedDocs int                     `json:"unparsedAttachments"`
	RecentJobs   []JobView               `json:"recentJobs"`
}

// JobView is a ledger row with its computed duration.
type JobView struct {
	pipeline.Job
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// Stats assembles the dashboard aggregate.
func (o *Orchestrator) Stats(ctx context.Context) (PipelineStats, error) {
	stats := PipelineStats{}

	embedStats, err := o.EmbeddingStats(ctx)
	if err != nil {
		return stats, fmt.Errorf("embedding stats: %w", err)
	}
	stats.Embedding = embedStats

	unparsed, err := o.attachments.ListUnparsed(ctx, 1000, "")
	if err != nil {
		return stats, fmt.Errorf("list unparsed attachments: %w", err)
	}
	stats.UnparsedDocs = len(unparsed)

	jobs, _, err := o.ledger.ListJobs(ctx, pipeline.JobFilter{Limit: 20})
	if err != nil {
		return stats, fmt.Errorf("list recent jobs: %w", err)
	}
	stats.RecentJobs = make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		stats.RecentJobs = append(stats.RecentJobs, JobView{Job: job, DurationSeconds: job.DurationSeconds()})
	}
	return stats, nil
}
