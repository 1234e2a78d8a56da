package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/httpapi"
	"github.com/bizmatch/pipeline/internal/metrics"
	"github.com/bizmatch/pipeline/internal/pipeline"
)

// ParseRunner triggers parse recovery batches.
type ParseRunner interface {
	Run(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.ParseParams) (pipeline.BatchResult, string, error)
}

// Server exposes the admin HTTP surface over the Orchestrator.
type Server struct {
	router chi.Router
	orch   *Orchestrator
	parses ParseRunner
	logger *zap.Logger
}

// NewServer wires routes and middleware. An empty apiKey disables
// authentication, which is intended for tests only.
func NewServer(orch *Orchestrator, parses ParseRunner, apiKey string, logger *zap.Logger) *Server {
	s := &Server{orch: orch, parses: parses, logger: logger}

	r := chi.NewRouter()
	r.Use(httpapi.RequestIDMiddleware)
	r.Use(httpapi.LoggingMiddleware(logger))
	r.Use(httpapi.RecoverMiddleware(logger))
	r.Use(httpapi.TimeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		if apiKey != "" {
			r.Use(httpapi.APIKeyMiddleware(apiKey))
		}
		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/embed", s.runEmbed)
			r.Post("/parse", s.runParse)
			r.Get("/stats", s.stats)
			r.Get("/jobs", s.listJobs)
		})
		r.Route("/crawler", func(r chi.Router) {
			r.Delete("/jobs", s.cancelJobs)
			r.Post("/jobs", s.cleanupJobs)
			r.Get("/sources", s.listSources)
			r.Post("/sources/{source_id}/crawl", s.startCrawl)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type embedRequest struct {
	BatchSize  *int     `json:"batchSize"`
	ProjectIDs []string `json:"projectIds"`
	Force      bool     `json:"force"`
}

type embedResponse struct {
	JobID     string                 `json:"jobId"`
	Mode      string                 `json:"mode"`
	Processed int                    `json:"processed"`
	Success   int                    `json:"success"`
	Failed    int                    `json:"failed"`
	Message   string                 `json:"message"`
	Details   []pipeline.ItemOutcome `json:"details,omitempty"`
}

func (s *Server) runEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	// An empty body means "use defaults".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// An absent batchSize means "use the configured default".
	batchSize := -1
	if req.BatchSize != nil {
		if *req.BatchSize < 0 {
			httpapi.WriteError(w, http.StatusBadRequest, "batchSize must be >= 0")
			return
		}
		batchSize = *req.BatchSize
	}

	outcome, err := s.orch.RunEmbed(r.Context(), pipeline.TriggerManual, pipeline.EmbedParams{
		BatchSize:  batchSize,
		ProjectIDs: req.ProjectIDs,
		Force:      req.Force,
	})
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, embedResponse{
		JobID:     outcome.JobID,
		Mode:      outcome.Mode,
		Processed: outcome.Result.Processed,
		Success:   outcome.Result.Succeeded,
		Failed:    outcome.Result.Failed,
		Message:   outcome.Message,
		Details:   outcome.Result.Details,
	})
}

type parseRequest struct {
	BatchSize int    `json:"batchSize"`
	ErrorType string `json:"errorType"`
}

func (s *Server) runParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.BatchSize < 0 {
		httpapi.WriteError(w, http.StatusBadRequest, "batchSize must be >= 0")
		return
	}

	result, jobID, err := s.parses.Run(r.Context(), pipeline.TriggerManual, pipeline.ParseParams{
		BatchSize:  req.BatchSize,
		KindFilter: pipeline.ParseErrorKind(req.ErrorType),
	})
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"jobId":     jobID,
		"processed": result.Processed,
		"success":   result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"details":   result.Details,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Stats(r.Context())
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := pipeline.JobFilter{
		Type:   pipeline.JobType(r.URL.Query().Get("type")),
		Status: pipeline.JobStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	jobs, total, err := s.orch.ListJobs(r.Context(), filter)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, JobView{Job: job, DurationSeconds: job.DurationSeconds()})
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   views,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) cancelJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("jobId") != "":
		jobID := q.Get("jobId")
		if err := s.orch.CancelJob(r.Context(), jobID); err != nil {
			switch {
			case errors.Is(err, pipeline.ErrNotFound):
				httpapi.WriteError(w, http.StatusNotFound, "job not found")
			case errors.Is(err, pipeline.ErrInvalidTransition):
				httpapi.WriteError(w, http.StatusConflict, err.Error())
			default:
				httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"canceled": []string{jobID}})
	case q.Get("all") == "true":
		canceled, err := s.orch.CancelAllRunning(r.Context())
		if err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"canceled": canceled})
	case q.Get("stuckMinutes") != "":
		result, err := s.orch.Cleanup(r.Context(), queryInt(r, "stuckMinutes", 0), false)
		if err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"canceled": result.Failed, "stuckMinutes": result.StuckMinutes})
	default:
		httpapi.WriteError(w, http.StatusBadRequest, "jobId, all, or stuckMinutes required")
	}
}

type cleanupRequest struct {
	Action       string `json:"action"`
	StuckMinutes int    `json:"stuckMinutes"`
	ResetPending bool   `json:"resetPending"`
}

func (s *Server) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Action != "cleanup" {
		httpapi.WriteError(w, http.StatusBadRequest, "unsupported action")
		return
	}
	result, err := s.orch.Cleanup(r.Context(), req.StuckMinutes, req.ResetPending)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.orch.registry.ListSources(r.Context())
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	job, err := s.orch.StartCrawl(r.Context(), sourceID, pipeline.TriggerManual)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			httpapi.WriteError(w, http.StatusNotFound, "source not found")
		case errors.Is(err, pipeline.ErrInactiveSource):
			httpapi.WriteError(w, http.StatusConflict, "source is inactive")
		case errors.Is(err, pipeline.ErrCrawlInProgress):
			httpapi.WriteError(w, http.StatusConflict, "crawl already in progress for source")
		case job.ID == "":
			// The job row was never created.
			httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		default:
			// Delivery failure: the job row exists and is already failed.
			httpapi.WriteJSON(w, http.StatusBadGateway, map[string]any{
				"jobId": job.ID,
				"error": err.Error(),
			})
		}
		return
	}
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": string(job.Status)})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
