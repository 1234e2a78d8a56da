package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// ClientConfig configures the document parsing service client.
type ClientConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client extracts text from documents via an external parsing service.
// It satisfies pipeline.DocumentParser and returns *pipeline.ParseFailure
// on all failure paths.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type parseResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Parse uploads the document and returns its extracted text.
func (c *Client) Parse(ctx context.Context, fileName string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", &pipeline.ParseFailure{Kind: pipeline.ParseKindOther, Msg: fmt.Sprintf("build upload: %v", err)}
	}
	if _, err := part.Write(data); err != nil {
		return "", &pipeline.ParseFailure{Kind: pipeline.ParseKindOther, Msg: fmt.Sprintf("build upload: %v", err)}
	}
	if err := writer.Close(); err != nil {
		return "", &pipeline.ParseFailure{Kind: pipeline.ParseKindOther, Msg: fmt.Sprintf("build upload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, &body)
	if err != nil {
		return "", &pipeline.ParseFailure{Kind: pipeline.ParseKindOther, Msg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &pipeline.ParseFailure{Kind: pipeline.ParseKindTimeout, Msg: err.Error()}
		}
		return "", &pipeline.ParseFailure{Kind: pipeline.ParseKindNetworkError, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &pipeline.ParseFailure{
			Kind: classifyMessage(string(snippet), fileName),
			Msg:  fmt.Sprintf("parser returned %d: %s", resp.StatusCode, snippet),
		}
	}

	var parsed parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &pipeline.ParseFailure{Kind: pipeline.ParseKindParseFailed, Msg: fmt.Sprintf("decode parser response: %v", err)}
	}
	if parsed.Error != "" {
		return "", &pipeline.ParseFailure{Kind: classifyMessage(parsed.Error, fileName), Msg: parsed.Error}
	}
	return parsed.Text, nil
}
