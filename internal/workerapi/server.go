// Package workerapi is the HTTP surface of the out-of-process worker.
// Crawl requests are acknowledged immediately and executed by the
// sequential background runner; embedding requests run synchronously
// since the worker has no execution time limit.
package workerapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/httpapi"
	"github.com/bizmatch/pipeline/internal/metrics"
	"github.com/bizmatch/pipeline/internal/pipeline"
)

// EmbedRunner runs embedding batches and reports coverage.
type EmbedRunner interface {
	Run(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.EmbedParams) (pipeline.BatchResult, string, error)
	Stats(ctx context.Context) (pipeline.EmbeddingStats, error)
}

// Server wires the worker routes to the task queue and embed runner.
type Server struct {
	router  chi.Router
	queue   pipeline.TaskQueue
	embeds  EmbedRunner
	clock   pipeline.Clock
	started time.Time
	logger  *zap.Logger
}

// NewServer constructs the worker server. sharedSecret guards every
// route except /health and /metrics.
func NewServer(queue pipeline.TaskQueue, embeds EmbedRunner, clock pipeline.Clock, sharedSecret string, logger *zap.Logger) *Server {
	s := &Server{
		queue:   queue,
		embeds:  embeds,
		clock:   clock,
		started: clock.Now(),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(httpapi.RequestIDMiddleware)
	r.Use(httpapi.LoggingMiddleware(logger))
	r.Use(httpapi.RecoverMiddleware(logger))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httpapi.BearerAuthMiddleware(sharedSecret))
		r.Post("/crawl", s.crawl)
		r.Post("/crawl/batch", s.crawlBatch)
		r.Post("/generate-embeddings", s.generateEmbeddings)
		r.Get("/embedding-stats", s.embeddingStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(s.clock.Now().Sub(s.started).Seconds()),
		"memory": map[string]uint64{
			"alloc_bytes": mem.Alloc,
			"sys_bytes":   mem.Sys,
			"num_gc":      uint64(mem.NumGC),
		},
	})
}

type crawlRequest struct {
	JobID string `json:"jobId"`
}

func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "jobId required")
		return
	}
	if !s.enqueue(r.Context(), w, pipeline.Task{Kind: pipeline.TaskKindCrawl, JobID: req.JobID}) {
		return
	}
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "jobId": req.JobID})
}

type crawlBatchRequest struct {
	JobIDs []string `json:"jobIds"`
}

func (s *Server) crawlBatch(w http.ResponseWriter, r *http.Request) {
	var req crawlBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.JobIDs) == 0 {
		httpapi.WriteError(w, http.StatusBadRequest, "jobIds required")
		return
	}
	// List order is preserved; the single consumer guarantees the jobs
	// run one at a time.
	for _, jobID := range req.JobIDs {
		if jobID == "" {
			httpapi.WriteError(w, http.StatusBadRequest, "jobIds must be non-empty strings")
			return
		}
	}
	for _, jobID := range req.JobIDs {
		if !s.enqueue(r.Context(), w, pipeline.Task{Kind: pipeline.TaskKindCrawl, JobID: jobID}) {
			return
		}
	}
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"jobIds":   req.JobIDs,
		"count":    len(req.JobIDs),
	})
}

func (s *Server) enqueue(ctx context.Context, w http.ResponseWriter, task pipeline.Task) bool {
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(queueCtx, task); err != nil {
		s.logger.Error("enqueue task failed", zap.String("kind", string(task.Kind)), zap.Error(err))
		httpapi.WriteError(w, http.StatusServiceUnavailable, "task queue unavailable")
		return false
	}
	return true
}

type embedRunRequest struct {
	BatchSize  *int     `json:"batchSize"`
	ProjectIDs []string `json:"projectIds"`
	Force      bool     `json:"force"`
}

type embedRunResponse struct {
	JobID        string                 `json:"jobId"`
	Success      bool                   `json:"success"`
	Processed    int                    `json:"processed"`
	SuccessCount int                    `json:"successCount"`
	Errors       int                    `json:"errors"`
	ErrorDetails []pipeline.ItemOutcome `json:"errorDetails,omitempty"`
	Duration     float64                `json:"duration"`
	Result       pipeline.BatchResult   `json:"result"`
}

func (s *Server) generateEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embedRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// An absent batchSize means "use the configured default"; an
	// explicit zero is honored literally.
	batchSize := -1
	if req.BatchSize != nil {
		if *req.BatchSize < 0 {
			httpapi.WriteError(w, http.StatusBadRequest, "batchSize must be >= 0")
			return
		}
		batchSize = *req.BatchSize
	}

	start := s.clock.Now()
	result, jobID, err := s.embeds.Run(r.Context(), pipeline.TriggerAPI, pipeline.EmbedParams{
		BatchSize:  batchSize,
		ProjectIDs: req.ProjectIDs,
		Force:      req.Force,
	})
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var failures []pipeline.ItemOutcome
	for _, detail := range result.Details {
		if detail.Status == pipeline.OutcomeFailed {
			failures = append(failures, detail)
		}
	}
	httpapi.WriteJSON(w, http.StatusOK, embedRunResponse{
		JobID:        jobID,
		Success:      result.Failed == 0,
		Processed:    result.Processed,
		SuccessCount: result.Succeeded,
		Errors:       result.Failed,
		ErrorDetails: failures,
		Duration:     s.clock.Now().Sub(start).Seconds(),
		Result:       result,
	})
}

func (s *Server) embeddingStats(w http.ResponseWriter, r *http.Request) {
	httpStats, err := s.embeds.Stats(r.Context())
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, httpStats)
}
