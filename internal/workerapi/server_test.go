package workerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/pipeline"
	queuememory "github.com/bizmatch/pipeline/internal/queue/memory"
	"github.com/bizmatch/pipeline/internal/runner"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type fakeEmbeds struct {
	mu     sync.Mutex
	result pipeline.BatchResult
	params []pipeline.EmbedParams
}

func (e *fakeEmbeds) Run(_ context.Context, _ pipeline.Trigger, params pipeline.EmbedParams) (pipeline.BatchResult, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = append(e.params, params)
	return e.result, "embed-job", nil
}

func (e *fakeEmbeds) Stats(context.Context) (pipeline.EmbeddingStats, error) {
	return pipeline.EmbeddingStats{TotalProjects: 10, HasEmbeddings: 4, NeedsEmbedding: 6, CompletionRate: 0.4}, nil
}

type terminalExecutor struct {
	mu       sync.Mutex
	executed map[string]bool
}

func (e *terminalExecutor) Execute(_ context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.executed == nil {
		e.executed = make(map[string]bool)
	}
	e.executed[jobID] = true
	return nil
}

func (e *terminalExecutor) done(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed[jobID]
}

type workerHarness struct {
	queue    *queuememory.Queue
	executor *terminalExecutor
	embeds   *fakeEmbeds
	srv      *httptest.Server
}

func newWorkerHarness(t *testing.T, secret string) *workerHarness {
	t.Helper()
	h := &workerHarness{
		queue:    queuememory.NewQueue(16),
		executor: &terminalExecutor{},
		embeds:   &fakeEmbeds{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tasks := runner.New(h.queue, h.executor, h.embeds, zap.NewNop())
	go func() { _ = tasks.Run(ctx) }()

	h.srv = httptest.NewServer(NewServer(h.queue, h.embeds, systemClock{}, secret, zap.NewNop()).Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *workerHarness) post(t *testing.T, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestServerCrawlAcknowledgesThenExecutes(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t, "secret")

	resp, payload := h.post(t, "/crawl", "secret", `{"jobId":"job-1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, true, payload["accepted"])
	require.Equal(t, "job-1", payload["jobId"])

	// The job runs in the background after the 202.
	require.Eventually(t, func() bool {
		return h.executor.done("job-1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerCrawlRequiresAuth(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t, "secret")

	resp, _ := h.post(t, "/crawl", "", `{"jobId":"job-1"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.post(t, "/crawl", "wrong", `{"jobId":"job-1"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerCrawlRequiresJobID(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t, "secret")

	resp, _ := h.post(t, "/crawl", "secret", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post(t, "/crawl", "secret", `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerCrawlBatch(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t, "secret")

	resp, payload := h.post(t, "/crawl/batch", "secret", `{"jobIds":["a","b","c"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.EqualValues(t, 3, payload["count"])

	require.Eventually(t, func() bool {
		return h.executor.done("a") && h.executor.done("b") && h.executor.done("c")
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = h.post(t, "/crawl/batch", "secret", `{"jobIds":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post(t, "/crawl/batch", "secret", `{"jobIds":["a",""]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerGenerateEmbeddings(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t, "secret")
	h.embeds.result = pipeline.BatchResult{
		Processed: 3,
		Succeeded: 2,
		Failed:    1,
		Details: []pipeline.ItemOutcome{
			{ID: "p1", Status: pipeline.OutcomeSuccess},
			{ID: "p2", Status: pipeline.OutcomeSuccess},
			{ID: "p3", Status: pipeline.OutcomeFailed, Detail: "provider error"},
		},
	}

	resp, payload := h.post(t, "/generate-embeddings", "secret", `{"batchSize":50,"force":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "embed-job", payload["jobId"])
	require.Equal(t, false, payload["success"])
	require.EqualValues(t, 3, payload["processed"])
	require.EqualValues(t, 2, payload["successCount"])
	require.EqualValues(t, 1, payload["errors"])

	// Only failures appear in errorDetails.
	details := payload["errorDetails"].([]any)
	require.Len(t, details, 1)
	require.Equal(t, "p3", details[0].(map[string]any)["id"])

	require.Equal(t, pipeline.EmbedParams{BatchSize: 50, Force: true}, h.embeds.params[0])
}

func TestServerGenerateEmbeddingsBatchSizeSemantics(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t, "secret")

	// Absent means default.
	resp, _ := h.post(t, "/generate-embeddings", "secret", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, -1, h.embeds.params[0].BatchSize)

	// Explicit zero is honored.
	resp, _ = h.post(t, "/generate-embeddings", "secret", `{"batchSize":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, h.embeds.params[1].BatchSize)

	resp, _ = h.post(t, "/generate-embeddings", "secret", `{"batchSize":-5}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerHealthNeedsNoAuth(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t, "secret")

	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "ok", payload["status"])
	require.Contains(t, payload, "memory")
}

func TestServerEmbeddingStats(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t, "secret")

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/embedding-stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats pipeline.EmbeddingStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 10, stats.TotalProjects)
	require.InDelta(t, 0.4, stats.CompletionRate, 1e-9)
}
