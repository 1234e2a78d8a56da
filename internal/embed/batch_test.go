package embed

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
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type fakeEmbedder struct {
	err   error
	calls [][]string
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls = append(e.calls, texts)
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(i)}
	}
	return vectors, nil
}

type failingVectorStore struct {
	*storagememory.VectorStore
	failID string
}

func (s *failingVectorStore) UpsertEmbedding(ctx context.Context, record pipeline.EmbeddingRecord) error {
	if record.SourceID == s.failID {
		return errors.New("vector store unavailable")
	}
	return s.VectorStore.UpsertEmbedding(ctx, record)
}

type embedHarness struct {
	ledger   *storagememory.Ledger
	projects *storagememory.ProjectStore
	vectors  *storagememory.VectorStore
	embedder *fakeEmbedder
	runner   *Runner
}

func newEmbedHarness(t *testing.T) *embedHarness {
	t.Helper()
	h := &embedHarness{
		ledger:   storagememory.NewLedger(),
		projects: storagememory.NewProjectStore(),
		vectors:  storagememory.NewVectorStore(),
		embedder: &fakeEmbedder{},
	}
	h.runner = NewRunner(
		h.ledger, h.projects, h.vectors, h.embedder,
		fixedClock{now: time.Unix(1700000000, 0).UTC()}, &seqIDGen{},
		RunnerConfig{BatchSize: 10, MinInputChars: 10, Lease: 10 * time.Minute},
		zap.NewNop(),
	)
	return h
}

func (h *embedHarness) seedProject(id, title string) {
	h.projects.Put(pipeline.Project{
		ID:             id,
		Title:          title,
		DetailURL:      "https://example.com/" + id,
		NeedsEmbedding: true,
	})
}

func TestRunnerRunEmbedsFlaggedProjects(t *testing.T) {
	t.Parallel()

	h := newEmbedHarness(t)
	h.seedProject("p1", "Export Voucher Program")
	h.seedProject("p2", "Startup R&D Grant")

	result, jobID, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 2, result.Succeeded)

	job, err := h.ledger.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, job.Status)
	require.Equal(t, pipeline.JobTypeEmbed, job.Type)
	require.Equal(t, 2, job.TargetCount)
	require.Equal(t, 2, job.SuccessCount)

	remaining, err := h.projects.CountNeedsEmbedding(context.Background())
	require.NoError(t, err)
	require.Zero(t, remaining)

	embedded, err := h.vectors.CountEmbedded(context.Background(), "project")
	require.NoError(t, err)
	require.Equal(t, 2, embedded)
}

func TestRunnerRunSecondRunIsEmpty(t *testing.T) {
	t.Parallel()

	h := newEmbedHarness(t)
	h.seedProject("p1", "Export Voucher Program")

	_, _, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)

	// Nothing is flagged anymore, so a rerun processes zero items.
	result, jobID, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)
	require.Zero(t, result.Processed)
	require.Empty(t, h.embedder.calls[1:])

	job, err := h.ledger.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, job.Status)
	require.Zero(t, job.TargetCount)
}

func TestRunnerRunExplicitZeroBatch(t *testing.T) {
	t.Parallel()

	h := newEmbedHarness(t)
	h.seedProject("p1", "Export Voucher Program")

	result, jobID, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: 0})
	require.NoError(t, err)
	require.Zero(t, result.Processed)
	require.Empty(t, h.embedder.calls)

	job, err := h.ledger.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, job.Status)
	require.Zero(t, job.TargetCount)

	// The project stays flagged for the next real run.
	remaining, err := h.projects.CountNeedsEmbedding(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
}

func TestRunnerRunSkipsShortContent(t *testing.T) {
	t.Parallel()

	h := newEmbedHarness(t)
	h.seedProject("p1", "Export Voucher Program")
	h.seedProject("p2", "x")

	result, _, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 1, result.Skipped)

	// Skipped projects are cleared so they are not retried forever.
	remaining, err := h.projects.CountNeedsEmbedding(context.Background())
	require.NoError(t, err)
	require.Zero(t, remaining)

	embedded, err := h.vectors.CountEmbedded(context.Background(), "project")
	require.NoError(t, err)
	require.Equal(t, 1, embedded)
}

func TestRunnerRunProviderFailureKeepsFlags(t *testing.T) {
	t.Parallel()

	h := newEmbedHarness(t)
	h.embedder.err = errors.New("provider unavailable")
	h.seedProject("p1", "Export Voucher Program")
	h.seedProject("p2", "Startup R&D Grant")

	result, jobID, err := h.runner.Run(context.Background(), pipeline.TriggerCron, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 2, result.Failed)

	// Flags and leases stay retryable so the next run picks them up.
	remaining, err := h.projects.CountNeedsEmbedding(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, remaining)

	claimed, err := h.projects.ClaimEmbeddable(context.Background(), 10, nil, false, 10*time.Minute, time.Unix(1700000001, 0).UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	job, err := h.ledger.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.FailCount)
}

func TestRunnerRunStoreFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	h := newEmbedHarness(t)
	vectors := &failingVectorStore{VectorStore: h.vectors, failID: "p2"}
	h.runner = NewRunner(
		h.ledger, h.projects, vectors, h.embedder,
		fixedClock{now: time.Unix(1700000000, 0).UTC()}, &seqIDGen{},
		RunnerConfig{BatchSize: 10, MinInputChars: 10, Lease: 10 * time.Minute},
		zap.NewNop(),
	)
	h.seedProject("p1", "Export Voucher Program")
	h.seedProject("p2", "Startup R&D Grant")

	result, _, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 1, result.Failed)

	// Only the failed project keeps its flag.
	remaining, err := h.projects.CountNeedsEmbedding(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	p2, err := h.projects.GetProject(context.Background(), "p2")
	require.NoError(t, err)
	require.True(t, p2.NeedsEmbedding)
	require.Nil(t, p2.EmbedClaimedAt)
}

func TestRunnerRunForceTargetsSpecificProjects(t *testing.T) {
	t.Parallel()

	h := newEmbedHarness(t)
	h.seedProject("p1", "Export Voucher Program")
	_, _, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)

	// Re-embed an already cleared project by id.
	result, _, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{
		BatchSize:  -1,
		ProjectIDs: []string{"p1"},
		Force:      true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.Succeeded)
}

func TestRunnerStats(t *testing.T) {
	t.Parallel()

	h := newEmbedHarness(t)
	h.seedProject("p1", "Export Voucher Program")
	h.seedProject("p2", "Startup R&D Grant")
	h.projects.Put(pipeline.Project{ID: "p3", DetailURL: "https://example.com/p3", NeedsEmbedding: false})

	_, _, err := h.runner.Run(context.Background(), pipeline.TriggerAPI, pipeline.EmbedParams{BatchSize: -1})
	require.NoError(t, err)

	stats, err := h.runner.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalProjects)
	require.Zero(t, stats.NeedsEmbedding)
	require.Equal(t, 2, stats.HasEmbeddings)
	require.InDelta(t, 2.0/3.0, stats.CompletionRate, 1e-9)
}
