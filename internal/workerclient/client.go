// Package workerclient is the HTTP client for the out-of-process crawl
// worker.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Config configures the worker client.
type Config struct {
	BaseURL      string
	SharedSecret string
	Timeout      time.Duration
}

// Client calls the worker service, authenticating with the shared
// bearer secret.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured reports whether a worker endpoint is set. Callers fall
// back to in-process execution when it is not.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.BaseURL != ""
}

// AcceptResponse is the worker's acknowledgement of queued work.
type AcceptResponse struct {
	Accepted bool     `json:"accepted"`
	JobID    string   `json:"jobId,omitempty"`
	JobIDs   []string `json:"jobIds,omitempty"`
	Count    int      `json:"count,omitempty"`
}

// StartCrawl asks the worker to execute a previously created crawl job.
func (c *Client) StartCrawl(ctx context.Context, jobID string) error {
	var resp AcceptResponse
	err := c.post(ctx, "/crawl", map[string]string{"jobId": jobID}, &resp)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("worker did not accept job %s", jobID)
	}
	return nil
}

// StartCrawlBatch asks the worker to execute several crawl jobs in
// order.
func (c *Client) StartCrawlBatch(ctx context.Context, jobIDs []string) error {
	var resp AcceptResponse
	err := c.post(ctx, "/crawl/batch", map[string][]string{"jobIds": jobIDs}, &resp)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("worker did not accept batch of %d jobs", len(jobIDs))
	}
	return nil
}

// EmbedResponse is the worker's synchronous embedding run outcome.
type EmbedResponse struct {
	JobID  string               `json:"jobId"`
	Result pipeline.BatchResult `json:"result"`
}

type embedRunRequest struct {
	BatchSize  *int     `json:"batchSize,omitempty"`
	ProjectIDs []string `json:"projectIds,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

// GenerateEmbeddings runs an embedding batch on the worker and waits
// for the outcome. A negative batch size is sent as absent, letting the
// worker apply its configured default.
func (c *Client) GenerateEmbeddings(ctx context.Context, params pipeline.EmbedParams) (EmbedResponse, error) {
	req := embedRunRequest{ProjectIDs: params.ProjectIDs, Force: params.Force}
	if params.BatchSize >= 0 {
		size := params.BatchSize
		req.BatchSize = &size
	}
	var resp EmbedResponse
	if err := c.post(ctx, "/generate-embeddings", req, &resp); err != nil {
		return EmbedResponse{}, err
	}
	return resp, nil
}

// EmbeddingStats fetches embedding coverage from the worker.
func (c *Client) EmbeddingStats(ctx context.Context) (pipeline.EmbeddingStats, error) {
	var stats pipeline.EmbeddingStats
	if err := c.get(ctx, "/embedding-stats", &stats); err != nil {
		return pipeline.EmbeddingStats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, route string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode worker request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+route, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, route string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+route, nil)
	if err != nil {
		return fmt.Errorf("build worker request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.SharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.SharedSecret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}
