package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/pipeline"
	storagememory "github.com/bizmatch/pipeline/internal/storage/memory"
	"github.com/bizmatch/pipeline/internal/workerclient"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type fakeWorker struct {
	configured bool
	crawlErr   error
	batchErr   error
	embedErr   error
	embedResp  workerclient.EmbedResponse
	crawls     []string
	batches    [][]string
	embeds     []pipeline.EmbedParams
}

func (w *fakeWorker) Configured() bool { return w.configured }

func (w *fakeWorker) StartCrawl(_ context.Context, jobID string) error {
	w.crawls = append(w.crawls, jobID)
	return w.crawlErr
}

func (w *fakeWorker) StartCrawlBatch(_ context.Context, jobIDs []string) error {
	w.batches = append(w.batches, jobIDs)
	return w.batchErr
}

func (w *fakeWorker) GenerateEmbeddings(_ context.Context, params pipeline.EmbedParams) (workerclient.EmbedResponse, error) {
	w.embeds = append(w.embeds, params)
	return w.embedResp, w.embedErr
}

func (w *fakeWorker) EmbeddingStats(context.Context) (pipeline.EmbeddingStats, error) {
	return pipeline.EmbeddingStats{}, errors.New("not implemented")
}

type fakeEmbedRunner struct {
	result pipeline.BatchResult
	jobID  string
	err    error
	params []pipeline.EmbedParams
}

func (r *fakeEmbedRunner) Run(_ context.Context, _ pipeline.Trigger, params pipeline.EmbedParams) (pipeline.BatchResult, string, error) {
	r.params = append(r.params, params)
	return r.result, r.jobID, r.err
}

func (r *fakeEmbedRunner) Stats(context.Context) (pipeline.EmbeddingStats, error) {
	return pipeline.EmbeddingStats{TotalProjects: 1}, nil
}

type orchHarness struct {
	ledger      *storagememory.Ledger
	registry    *storagememory.Registry
	projects    *storagememory.ProjectStore
	attachments *storagememory.AttachmentStore
	worker      *fakeWorker
	embeds      *fakeEmbedRunner
	clock       fixedClock
	orch        *Orchestrator
}

func newOrchHarness(t *testing.T, sources ...pipeline.Source) *orchHarness {
	t.Helper()
	h := &orchHarness{
		ledger:      storagememory.NewLedger(),
		registry:    storagememory.NewRegistry(sources...),
		projects:    storagememory.NewProjectStore(),
		attachments: storagememory.NewAttachmentStore(),
		worker:      &fakeWorker{configured: true},
		embeds:      &fakeEmbedRunner{jobID: "local-job"},
		clock:       fixedClock{now: time.Unix(1700000000, 0).UTC()},
	}
	h.orch = New(
		h.ledger, h.registry, h.projects, h.attachments,
		h.worker, h.embeds, h.clock, &seqIDGen{},
		Config{LocalBatchSize: 5, StuckThreshold: time.Hour},
		zap.NewNop(),
	)
	return h
}

func activeSource(id string) pipeline.Source {
	return pipeline.Source{
		ID:       id,
		Name:     "Source " + id,
		URL:      "https://example.com/" + id,
		Type:     pipeline.SourceTypeTable,
		IsActive: true,
	}
}

func TestStartCrawlDispatchesJob(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, activeSource("src-1"))

	job, err := h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusPending, job.Status)
	require.Equal(t, "src-1", job.SourceID)
	require.Equal(t, []string{job.ID}, h.worker.crawls)

	stored, err := h.ledger.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusPending, stored.Status)
}

func TestStartCrawlInactiveSourceCreatesNoJob(t *testing.T) {
	t.Parallel()

	source := activeSource("src-1")
	source.IsActive = false
	h := newOrchHarness(t, source)

	_, err := h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.ErrorIs(t, err, pipeline.ErrInactiveSource)

	_, total, err := h.ledger.ListJobs(context.Background(), pipeline.JobFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, h.worker.crawls)
}

func TestStartCrawlUnknownSource(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t)

	_, err := h.orch.StartCrawl(context.Background(), "missing", pipeline.TriggerManual)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestStartCrawlDeliveryFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, activeSource("src-1"))
	h.worker.crawlErr = errors.New("connection refused")

	job, err := h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.Error(t, err)
	require.NotEmpty(t, job.ID)

	stored, err := h.ledger.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, stored.Status)
	require.Contains(t, stored.ErrorText, "worker delivery failed")
}

func TestStartCrawlWorkerNotConfigured(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, activeSource("src-1"))
	h.worker.configured = false

	job, err := h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.ErrorContains(t, err, "worker not configured")

	stored, err := h.ledger.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, stored.Status)
}

func TestStartCrawlRejectsSourceWithCrawlInProgress(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, activeSource("src-1"))

	first, err := h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.NoError(t, err)

	// A second dispatch is rejected while the first job is still pending.
	_, err = h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.ErrorIs(t, err, pipeline.ErrCrawlInProgress)

	// And while it is running.
	running := pipeline.JobStatusRunning
	require.NoError(t, h.ledger.UpdateJob(context.Background(), first.ID, pipeline.JobUpdate{Status: &running}))
	_, err = h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.ErrorIs(t, err, pipeline.ErrCrawlInProgress)

	_, total, err := h.ledger.ListJobs(context.Background(), pipeline.JobFilter{Type: pipeline.JobTypeCrawl})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, []string{first.ID}, h.worker.crawls)
}

func TestStartCrawlAllowedAfterPreviousCrawlFinishes(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, activeSource("src-1"))

	first, err := h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.NoError(t, err)

	running := pipeline.JobStatusRunning
	require.NoError(t, h.ledger.UpdateJob(context.Background(), first.ID, pipeline.JobUpdate{Status: &running}))
	completed := pipeline.JobStatusCompleted
	now := h.clock.Now()
	require.NoError(t, h.ledger.UpdateJob(context.Background(), first.ID, pipeline.JobUpdate{Status: &completed, CompletedAt: &now}))

	second, err := h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestStartAllCrawlsBatchesActiveSources(t *testing.T) {
	t.Parallel()

	inactive := activeSource("src-3")
	inactive.IsActive = false
	h := newOrchHarness(t, activeSource("src-1"), activeSource("src-2"), inactive)

	jobs, err := h.orch.StartAllCrawls(context.Background(), pipeline.TriggerCron)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Len(t, h.worker.batches, 1)
	require.Len(t, h.worker.batches[0], 2)
}

func TestStartAllCrawlsSkipsSourceWithCrawlInProgress(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, activeSource("src-1"), activeSource("src-2"))

	busy, err := h.orch.StartCrawl(context.Background(), "src-1", pipeline.TriggerManual)
	require.NoError(t, err)
	running := pipeline.JobStatusRunning
	require.NoError(t, h.ledger.UpdateJob(context.Background(), busy.ID, pipeline.JobUpdate{Status: &running}))

	jobs, err := h.orch.StartAllCrawls(context.Background(), pipeline.TriggerCron)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "src-2", jobs[0].SourceID)
	require.Len(t, h.worker.batches, 1)
	require.Equal(t, []string{jobs[0].ID}, h.worker.batches[0])
}

func TestStartAllCrawlsBatchDeliveryFailure(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, activeSource("src-1"), activeSource("src-2"))
	h.worker.batchErr = errors.New("worker down")

	jobs, err := h.orch.StartAllCrawls(context.Background(), pipeline.TriggerCron)
	require.Error(t, err)
	require.Len(t, jobs, 2)

	for _, job := range jobs {
		stored, err := h.ledger.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		require.Equal(t, pipeline.JobStatusFailed, stored.Status)
	}
}

func TestRunEmbedDelegatesToWorker(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t)
	h.worker.embedResp = workerclient.EmbedResponse{
		JobID:  "worker-job",
		Result: pipeline.BatchResult{Processed: 3, Succeeded: 3},
	}

	outcome, err := h.orch.RunEmbed(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)
	require.Equal(t, ModeWorker, outcome.Mode)
	require.Equal(t, "worker-job", outcome.JobID)
	require.Equal(t, 3, outcome.Result.Processed)
	require.Empty(t, h.embeds.params)
}

func TestRunEmbedFallsBackToLocal(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t)
	h.worker.embedErr = errors.New("worker unreachable")
	h.embeds.result = pipeline.BatchResult{Processed: 2, Succeeded: 2}

	outcome, err := h.orch.RunEmbed(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)
	require.Equal(t, ModeLocal, outcome.Mode)
	require.Equal(t, "local-job", outcome.JobID)

	// The default batch size is clamped to the local cap.
	require.Len(t, h.embeds.params, 1)
	require.Equal(t, 5, h.embeds.params[0].BatchSize)
}

func TestRunEmbedLocalClampsOversizedBatch(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t)
	h.worker.configured = false

	_, err := h.orch.RunEmbed(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: 100})
	require.NoError(t, err)
	require.Equal(t, 5, h.embeds.params[0].BatchSize)

	// Explicit zero is preserved.
	_, err = h.orch.RunEmbed(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: 0})
	require.NoError(t, err)
	require.Zero(t, h.embeds.params[1].BatchSize)
}

func TestCleanupFailsStuckRunningJobs(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t)
	now := h.clock.Now()

	seedJob := func(id string, status pipeline.JobStatus, age time.Duration) {
		startedAt := now.Add(-age)
		job := pipeline.Job{
			ID:          id,
			Type:        pipeline.JobTypeCrawl,
			Status:      pipeline.JobStatusPending,
			TriggeredBy: pipeline.TriggerManual,
			CreatedAt:   startedAt,
		}
		require.NoError(t, h.ledger.CreateJob(context.Background(), job))
		if status == pipeline.JobStatusRunning {
			running := pipeline.JobStatusRunning
			require.NoError(t, h.ledger.UpdateJob(context.Background(), id, pipeline.JobUpdate{
				Status:    &running,
				StartedAt: &startedAt,
			}))
		}
	}
	seedJob("stuck", pipeline.JobStatusRunning, 90*time.Minute)
	seedJob("fresh", pipeline.JobStatusRunning, 5*time.Minute)
	seedJob("stale-pending", pipeline.JobStatusPending, 2*time.Hour)

	result, err := h.orch.Cleanup(context.Background(), 60, false)
	require.NoError(t, err)
	require.Equal(t, []string{"stuck"}, result.Failed)
	require.Empty(t, result.ResetPending)

	job, err := h.ledger.GetJob(context.Background(), "stuck")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "stuck")
	require.Contains(t, job.ErrorText, "60")

	fresh, err := h.ledger.GetJob(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusRunning, fresh.Status)

	// The pending sweep runs only when asked.
	result, err = h.orch.Cleanup(context.Background(), 60, true)
	require.NoError(t, err)
	require.Equal(t, []string{"stale-pending"}, result.ResetPending)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t)
	now := h.clock.Now()
	require.NoError(t, h.ledger.CreateJob(context.Background(), pipeline.Job{
		ID:        "job-a",
		Type:      pipeline.JobTypeCrawl,
		Status:    pipeline.JobStatusPending,
		CreatedAt: now,
	}))

	require.NoError(t, h.orch.CancelJob(context.Background(), "job-a"))

	job, err := h.ledger.GetJob(context.Background(), "job-a")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, job.Status)
	require.Equal(t, "canceled by administrator", job.ErrorText)

	// Terminal jobs cannot be canceled again.
	err = h.orch.CancelJob(context.Background(), "job-a")
	require.ErrorIs(t, err, pipeline.ErrInvalidTransition)

	require.ErrorIs(t, h.orch.CancelJob(context.Background(), "missing"), pipeline.ErrNotFound)
}

func TestCancelAllRunning(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t)
	now := h.clock.Now()
	running := pipeline.JobStatusRunning
	started := now.Add(-time.Minute)
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, h.ledger.CreateJob(context.Background(), pipeline.Job{
			ID: id, Type: pipeline.JobTypeCrawl, Status: pipeline.JobStatusPending, CreatedAt: started,
		}))
		require.NoError(t, h.ledger.UpdateJob(context.Background(), id, pipeline.JobUpdate{Status: &running, StartedAt: &started}))
	}

	canceled, err := h.orch.CancelAllRunning(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"r1", "r2"}, canceled)
}

func TestStatsAggregates(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t)
	h.worker.configured = false

	require.NoError(t, h.attachments.UpsertAttachment(context.Background(), pipeline.Attachment{
		ID: "a1", FileName: "a1.pdf", ShouldParse: true,
	}))
	started := h.clock.Now().Add(-time.Minute)
	completed := h.clock.Now()
	require.NoError(t, h.ledger.CreateJob(context.Background(), pipeline.Job{
		ID: "job-a", Type: pipeline.JobTypeEmbed, Status: pipeline.JobStatusCompleted,
		CreatedAt: started, StartedAt: &started, CompletedAt: &completed,
	}))

	stats, err := h.orch.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Embedding.TotalProjects)
	require.Equal(t, 1, stats.UnparsedDocs)
	require.Len(t, stats.RecentJobs, 1)
	require.NotNil(t, stats.RecentJobs[0].DurationSeconds)
	require.InDelta(t, 60, *stats.RecentJobs[0].DurationSeconds, 0.001)
}
