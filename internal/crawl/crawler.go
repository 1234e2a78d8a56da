package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/metrics"
	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Config controls Crawler behavior.
type Config struct {
	MaxPages int
	Topic    string
}

// Crawler executes one crawl job end to end: fetch listing pages, parse
// them, upsert discovered projects and finalize the ledger row.
type Crawler struct {
	ledger      pipeline.Ledger
	registry    pipeline.SourceRegistry
	projects    pipeline.ProjectStore
	attachments pipeline.AttachmentStore
	static      pipeline.Fetcher
	headless    pipeline.Fetcher
	publisher   pipeline.Publisher
	clock       pipeline.Clock
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Crawler. The headless fetcher may be nil; SPA
// sources then fall back to the static fetcher.
func New(
	ledger pipeline.Ledger,
	registry pipeline.SourceRegistry,
	projects pipeline.ProjectStore,
	attachments pipeline.AttachmentStore,
	static pipeline.Fetcher,
	headless pipeline.Fetcher,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	return &Crawler{
		ledger:      ledger,
		registry:    registry,
		projects:    projects,
		attachments: attachments,
		static:      static,
		headless:    headless,
		publisher:   publisher,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Execute runs the crawl for a previously created ledger job. All
// failures are written into the ledger row; the returned error is for
// logging only.
func (c *Crawler) Execute(ctx context.Context, jobID string) error {
	job, err := c.ledger.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		c.logger.Warn("crawl job already finalized", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return nil
	}

	var params pipeline.CrawlParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return c.fail(ctx, jobID, job.Type, fmt.Errorf("decode crawl params: %w", err))
		}
	}
	if params.SourceID == "" {
		params.SourceID = job.SourceID
	}

	started := c.clock.Now()
	if job.Status == pipeline.JobStatusPending {
		running := pipeline.JobStatusRunning
		if err := c.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
			Status:    &running,
			StartedAt: &started,
		}); err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
	}

	source, err := c.registry.GetSource(ctx, params.SourceID)
	if err != nil {
		return c.fail(ctx, jobID, job.Type, fmt.Errorf("load source %s: %w", params.SourceID, err))
	}

	result, failed, err := c.crawlSource(ctx, source)
	if err != nil {
		// Failure to reach the source at all aborts the whole job.
		return c.fail(ctx, jobID, job.Type, err)
	}

	return c.complete(ctx, jobID, job.Type, source, started, result, failed)
}

func (c *Crawler) crawlSource(ctx context.Context, source pipeline.Source) (pipeline.CrawlResult, int, error) {
	fetcher := c.static
	if source.Type == pipeline.SourceTypeSPA && c.headless != nil {
		fetcher = c.headless
	}

	var (
		result  pipeline.CrawlResult
		failed  int
		pageURL = source.URL
	)
	for page := 0; page < c.cfg.MaxPages && pageURL != ""; page++ {
		fetched, err := fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if page == 0 {
				return pipeline.CrawlResult{}, failed, fmt.Errorf("fetch listing page: %w", err)
			}
			// Later pages failing is tolerated; keep what we have.
			c.logger.Warn("listing page fetch failed, stopping pagination",
				zap.String("source_id", source.ID), zap.String("url", pageURL), zap.Error(err))
			break
		}

		listings, next, err := ParsePage(source, fetched.Body)
		if err != nil {
			if page == 0 {
				return pipeline.CrawlResult{}, failed, fmt.Errorf("parse listing page: %w", err)
			}
			break
		}

		for _, listing := range listings {
			result.ProjectsFound++
			created, err := c.upsertListing(ctx, source, listing)
			if err != nil {
				// Per-item failures never abort the job.
				failed++
				c.logger.Warn("listing upsert failed",
					zap.String("source_id", source.ID),
					zap.String("detail_url", listing.DetailURL),
					zap.Error(err))
				continue
			}
			if created {
				result.ProjectsNew++
			} else {
				result.ProjectsUpdated++
			}
		}
		pageURL = next
	}
	return result, failed, nil
}

func (c *Crawler) upsertListing(ctx context.Context, source pipeline.Source, listing pipeline.Listing) (bool, error) {
	if listing.DetailURL == "" {
		return false, fmt.Errorf("listing %q has no detail url", listing.Title)
	}
	now := c.clock.Now()
	project := pipeline.Project{
		ID:            stableID("project", listing.DetailURL),
		SourceID:      source.ID,
		Title:         listing.Title,
		Agency:        listing.Agency,
		Summary:       listing.Summary,
		Region:        listing.Region,
		Category:      listing.Category,
		ApplyDeadline: listing.ApplyDeadline,
		DetailURL:     listing.DetailURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := c.projects.UpsertListing(ctx, project)
	if err != nil {
		return false, fmt.Errorf("upsert project: %w", err)
	}

	for _, att := range listing.Attachments {
		record := pipeline.Attachment{
			ID:          stableID("attachment", att.FileURL),
			ProjectID:   project.ID,
			FileName:    att.FileName,
			FileURL:     att.FileURL,
			ShouldParse: true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := c.attachments.UpsertAttachment(ctx, record); err != nil {
			c.logger.Warn("attachment upsert failed",
				zap.String("project_id", project.ID),
				zap.String("file_url", att.FileURL),
				zap.Error(err))
		}
	}
	return created, nil
}

func (c *Crawler) complete(
	ctx context.Context,
	jobID string,
	jobType pipeline.JobType,
	source pipeline.Source,
	started time.Time,
	result pipeline.CrawlResult,
	failed int,
) error {
	now := c.clock.Now()
	payload, err := json.Marshal(result)
	if err != nil {
		return c.fail(ctx, jobID, jobType, fmt.Errorf("encode crawl result: %w", err))
	}

	completed := pipeline.JobStatusCompleted
	target := result.ProjectsFound
	success := result.ProjectsNew + result.ProjectsUpdated
	if err := c.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
		Status:       &completed,
		TargetCount:  &target,
		SuccessCount: &success,
		FailCount:    &failed,
		Result:       payload,
		CompletedAt:  &now,
	}); err != nil {
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}

	if err := c.registry.TouchLastCrawled(ctx, source.ID, now); err != nil {
		c.logger.Warn("touch last_crawled failed", zap.String("source_id", source.ID), zap.Error(err))
	}

	metrics.ObserveJob(string(jobType), string(completed), now.Sub(started))
	c.publishCompletion(ctx, jobID, source.ID, result)

	c.logger.Info("crawl completed",
		zap.String("job_id", jobID),
		zap.String("source_id", source.ID),
		zap.Int("found", result.ProjectsFound),
		zap.Int("new", result.ProjectsNew),
		zap.Int("updated", result.ProjectsUpdated),
		zap.Int("failed", failed),
	)
	return nil
}

func (c *Crawler) fail(ctx context.Context, jobID string, jobType pipeline.JobType, cause error) error {
	now := c.clock.Now()
	failedStatus := pipeline.JobStatusFailed
	msg := cause.Error()
	if err := c.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
		Status:      &failedStatus,
		ErrorText:   &msg,
		CompletedAt: &now,
	}); err != nil {
		c.logger.Error("record crawl failure", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.ObserveJob(string(jobType), string(pipeline.JobStatusFailed), 0)
	c.logger.Error("crawl failed", zap.String("job_id", jobID), zap.Error(cause))
	return cause
}

func (c *Crawler) publishCompletion(ctx context.Context, jobID, sourceID string, result pipeline.CrawlResult) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":           jobID,
		"source_id":        sourceID,
		"projects_found":   result.ProjectsFound,
		"projects_new":     result.ProjectsNew,
		"projects_updated": result.ProjectsUpdated,
		"timestamp":        c.clock.Now().Format(time.RFC3339),
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, payload); err != nil {
		c.logger.Warn("publish crawl completion failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func stableID(kind, externalKey string) string {
	sum := sha256.Sum256([]byte(externalKey))
	return fmt.Sprintf("%s-%x", kind, sum[:12])
}
