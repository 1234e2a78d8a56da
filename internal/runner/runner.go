// Package runner drains the worker task queue with a single consumer,
// which keeps accepted background work strictly sequential.
package runner

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// CrawlExecutor runs one crawl job referenced by ledger id.
type CrawlExecutor interface {
	Execute(ctx context.Context, jobID string) error
}

// EmbedRunner runs one embedding batch.
type EmbedRunner interface {
	Run(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.EmbedParams) (pipeline.BatchResult, string, error)
}

// Runner consumes tasks one at a time and dispatches them by kind.
type Runner struct {
	queue  pipeline.TaskQueue
	crawls CrawlExecutor
	embeds EmbedRunner
	logger *zap.Logger
}

// New constructs a Runner.
func New(queue pipeline.TaskQueue, crawls CrawlExecutor, embeds EmbedRunner, logger *zap.Logger) *Runner {
	return &Runner{
		queue:  queue,
		crawls: crawls,
		embeds: embeds,
		logger: logger,
	}
}

// Run blocks consuming the queue until ctx is canceled. Task failures
// are recorded in the ledger by the executors and logged here; they
// never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	for {
		task, err := r.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		r.dispatch(ctx, task)
	}
}

func (r *Runner) dispatch(ctx context.Context, task pipeline.Task) {
	switch task.Kind {
	case pipeline.TaskKindCrawl:
		if err := r.crawls.Execute(ctx, task.JobID); err != nil {
			r.logger.Error("crawl task failed", zap.String("job_id", task.JobID), zap.Error(err))
		}
	case pipeline.TaskKindEmbed:
		if _, _, err := r.embeds.Run(ctx, pipeline.TriggerWorker, task.Embed); err != nil {
			r.logger.Error("embed task failed", zap.Error(err))
		}
	default:
		r.logger.Warn("unknown task kind", zap.String("kind", string(task.Kind)))
	}
}
