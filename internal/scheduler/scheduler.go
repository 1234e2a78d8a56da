// Package scheduler wires cron expressions to pipeline triggers:
// per-source crawl schedules plus the embed and parse recovery steps.
// Schedules are evaluated in UTC. The stuck-job cleanup sweep is
// intentionally not scheduled; it runs only by explicit admin request.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/orchestrator"
	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Dispatcher triggers crawl and embedding runs.
type Dispatcher interface {
	StartCrawl(ctx context.Context, sourceID string, triggeredBy pipeline.Trigger) (pipeline.Job, error)
	RunEmbed(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.EmbedParams) (orchestrator.EmbedOutcome, error)
}

// ParseRunner triggers parse recovery runs.
type ParseRunner interface {
	Run(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.ParseParams) (pipeline.BatchResult, string, error)
}

// Config carries the pipeline-step cron expressions. Empty expressions
// disable the trigger.
type Config struct {
	EmbedSchedule string
	ParseSchedule string
	RunTimeout    time.Duration
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron       *cron.Cron
	registry   pipeline.SourceRegistry
	dispatcher Dispatcher
	parses     ParseRunner
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Scheduler.
func New(registry pipeline.SourceRegistry, dispatcher Dispatcher, parses ParseRunner, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		registry:   registry,
		dispatcher: dispatcher,
		parses:     parses,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start registers all schedules and begins ticking. Inactive sources
// are never registered. Registration reads the registry once; restart
// the scheduler to pick up source changes.
func (s *Scheduler) Start(ctx context.Context) error {
	sources, err := s.registry.ListActiveSources(ctx)
	if err != nil {
		return fmt.Errorf("list active sources: %w", err)
	}
	for _, source := range sources {
		if source.Schedule == "" {
			continue
		}
		sourceID := source.ID
		if _, err := s.cron.AddFunc(source.Schedule, func() { s.runCrawl(sourceID) }); err != nil {
			return fmt.Errorf("register crawl schedule for source %s: %w", sourceID, err)
		}
		s.logger.Info("crawl schedule registered",
			zap.String("source_id", sourceID),
			zap.String("schedule", source.Schedule))
	}

	if s.cfg.EmbedSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.EmbedSchedule, s.runEmbed); err != nil {
			return fmt.Errorf("register embed schedule: %w", err)
		}
	}
	if s.cfg.ParseSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.ParseSchedule, s.runParse); err != nil {
			return fmt.Errorf("register parse schedule: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for in-flight triggers.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runCrawl(sourceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	job, err := s.dispatcher.StartCrawl(ctx, sourceID, pipeline.TriggerCron)
	if err != nil {
		s.logger.Error("scheduled crawl dispatch failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	s.logger.Info("scheduled crawl dispatched", zap.String("source_id", sourceID), zap.String("job_id", job.ID))
}

func (s *Scheduler) runEmbed() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	outcome, err := s.dispatcher.RunEmbed(ctx, pipeline.TriggerCron, pipeline.EmbedParams{BatchSize: -1})
	if err != nil {
		s.logger.Error("scheduled embedding run failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled embedding run finished",
		zap.String("job_id", outcome.JobID),
		zap.String("mode", outcome.Mode),
		zap.Int("processed", outcome.Result.Processed))
}

func (s *Scheduler) runParse() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	result, jobID, err := s.parses.Run(ctx, pipeline.TriggerCron, pipeline.ParseParams{})
	if err != nil {
		s.logger.Error("scheduled parse recovery failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled parse recovery finished",
		zap.String("job_id", jobID),
		zap.Int("processed", result.Processed))
}
