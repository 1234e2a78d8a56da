package parse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/metrics"
	"github.com/bizmatch/pipeline/internal/pipeline"
)

// RecoveryConfig tunes the parse recovery runner.
type RecoveryConfig struct {
	BatchSize       int
	DownloadTimeout time.Duration
	BlobPrefix      string
}

// Recovery retries text extraction for attachments that should be
// parsed but are not, tracking each run as a ledger job.
type Recovery struct {
	ledger      pipeline.Ledger
	attachments pipeline.AttachmentStore
	blobs       pipeline.BlobStore
	parser      pipeline.DocumentParser
	clock       pipeline.Clock
	idGen       pipeline.IDGenerator
	cfg         RecoveryConfig
	download    *http.Client
	logger      *zap.Logger
}

// NewRecovery constructs a Recovery runner. The blob store may be nil;
// attachments are then always re-downloaded from their source URL.
func NewRecovery(
	ledger pipeline.Ledger,
	attachments pipeline.AttachmentStore,
	blobs pipeline.BlobStore,
	parser pipeline.DocumentParser,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	cfg RecoveryConfig,
	logger *zap.Logger,
) *Recovery {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	return &Recovery{
		ledger:      ledger,
		attachments: attachments,
		blobs:       blobs,
		parser:      parser,
		clock:       clock,
		idGen:       idGen,
		cfg:         cfg,
		download:    &http.Client{Timeout: cfg.DownloadTimeout},
		logger:      logger,
	}
}

// Run executes one recovery pass, recording it as a ledger job.
func (r *Recovery) Run(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.ParseParams) (pipeline.BatchResult, string, error) {
	if params.BatchSize <= 0 {
		params.BatchSize = r.cfg.BatchSize
	}

	jobID, err := r.createJob(ctx, triggeredBy, params)
	if err != nil {
		return pipeline.BatchResult{}, "", err
	}

	started := r.clock.Now()
	pending, err := r.attachments.ListUnparsed(ctx, params.BatchSize, params.KindFilter)
	if err != nil {
		return pipeline.BatchResult{}, jobID, r.fail(ctx, jobID, started, fmt.Errorf("list unparsed: %w", err))
	}

	var result pipeline.BatchResult
	for _, att := range pending {
		outcome := r.processAttachment(ctx, att)
		result.Add(outcome)
		metrics.ObserveItem(string(pipeline.JobTypeParse), string(outcome.Status))
	}

	if err := r.complete(ctx, jobID, started, len(pending), result); err != nil {
		return result, jobID, err
	}
	return result, jobID, nil
}

func (r *Recovery) processAttachment(ctx context.Context, att pipeline.Attachment) pipeline.ItemOutcome {
	now := r.clock.Now()

	data, err := r.loadDocument(ctx, &att)
	if err != nil {
		return r.markFailed(ctx, att, err, now)
	}
	if len(data) == 0 {
		if err := r.attachments.MarkParseSkipped(ctx, att.ID, "empty file", now); err != nil {
			r.logger.Warn("mark skipped failed", zap.String("attachment_id", att.ID), zap.Error(err))
		}
		return pipeline.ItemOutcome{ID: att.ID, Status: pipeline.OutcomeSkipped, Detail: "empty file"}
	}

	text, err := r.parser.Parse(ctx, att.FileName, data)
	if err != nil {
		return r.markFailed(ctx, att, err, now)
	}
	if text == "" {
		failure := &pipeline.ParseFailure{Kind: pipeline.ParseKindNoTextExtracted, Msg: "parser returned no text"}
		return r.markFailed(ctx, att, failure, now)
	}

	if err := r.attachments.MarkParsed(ctx, att.ID, text, r.clock.Now()); err != nil {
		r.logger.Warn("mark parsed failed", zap.String("attachment_id", att.ID), zap.Error(err))
		return pipeline.ItemOutcome{ID: att.ID, Status: pipeline.OutcomeFailed, Detail: err.Error()}
	}
	return pipeline.ItemOutcome{ID: att.ID, Status: pipeline.OutcomeSuccess}
}

// loadDocument prefers the stored blob copy and falls back to the
// original URL, storing a fresh blob copy after a download.
func (r *Recovery) loadDocument(ctx context.Context, att *pipeline.Attachment) ([]byte, error) {
	if r.blobs != nil && att.BlobPath != "" {
		data, err := r.blobs.GetObject(ctx, att.BlobPath)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, pipeline.ErrNotFound) {
			r.logger.Warn("blob read failed, falling back to download",
				zap.String("attachment_id", att.ID), zap.Error(err))
		}
	}

	data, err := r.downloadFile(ctx, att.FileURL)
	if err != nil {
		return nil, err
	}

	if r.blobs != nil && len(data) > 0 {
		blobPath := path.Join(r.cfg.BlobPrefix, "attachments", att.ID, att.FileName)
		if _, err := r.blobs.PutObject(ctx, blobPath, contentTypeFor(att.FileName), data); err != nil {
			return nil, &pipeline.ParseFailure{Kind: pipeline.ParseKindUploadFailed, Msg: fmt.Sprintf("store blob: %v", err)}
		}
		if err := r.attachments.SetBlobPath(ctx, att.ID, blobPath); err != nil {
			r.logger.Warn("record blob path failed", zap.String("attachment_id", att.ID), zap.Error(err))
		} else {
			att.BlobPath = blobPath
		}
	}
	return data, nil
}

func (r *Recovery) downloadFile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &pipeline.ParseFailure{Kind: pipeline.ParseKindDownloadFailed, Msg: fmt.Sprintf("build download request: %v", err)}
	}
	resp, err := r.download.Do(req)
	if err != nil {
		return nil, &pipeline.ParseFailure{Kind: ClassifyError(err, ""), Msg: fmt.Sprintf("download: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &pipeline.ParseFailure{
			Kind: pipeline.ParseKindDownloadFailed,
			Msg:  fmt.Sprintf("download returned %d", resp.StatusCode),
		}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &pipeline.ParseFailure{Kind: pipeline.ParseKindNetworkError, Msg: fmt.Sprintf("read download: %v", err)}
	}
	return data, nil
}

func (r *Recovery) markFailed(ctx context.Context, att pipeline.Attachment, cause error, at time.Time) pipeline.ItemOutcome {
	kind := ClassifyError(cause, att.FileName)
	if err := r.attachments.MarkParseFailed(ctx, att.ID, kind, cause.Error(), at); err != nil {
		r.logger.Warn("mark parse failed errored", zap.String("attachment_id", att.ID), zap.Error(err))
	}
	return pipeline.ItemOutcome{ID: att.ID, Status: pipeline.OutcomeFailed, Detail: fmt.Sprintf("%s: %s", kind, cause)}
}

func (r *Recovery) createJob(ctx context.Context, triggeredBy pipeline.Trigger, params pipeline.ParseParams) (string, error) {
	jobID, err := r.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := r.clock.Now()
	payload, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode parse params: %w", err)
	}
	job := pipeline.Job{
		ID:          jobID,
		Type:        pipeline.JobTypeParse,
		Status:      pipeline.JobStatusRunning,
		TriggeredBy: triggeredBy,
		Params:      payload,
		CreatedAt:   now,
		StartedAt:   &now,
	}
	if err := r.ledger.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create parse job: %w", err)
	}
	return jobID, nil
}

func (r *Recovery) complete(ctx context.Context, jobID string, started time.Time, target int, result pipeline.BatchResult) error {
	now := r.clock.Now()
	payload, err := json.Marshal(result)
	if err != nil {
		return r.fail(ctx, jobID, started, fmt.Errorf("encode batch result: %w", err))
	}

	completed := pipeline.JobStatusCompleted
	success := result.Succeeded
	failed := result.Failed
	if err := r.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
		Status:       &completed,
		TargetCount:  &target,
		SuccessCount: &success,
		FailCount:    &failed,
		Result:       payload,
		CompletedAt:  &now,
	}); err != nil {
		return fmt.Errorf("finalize parse job %s: %w", jobID, err)
	}

	metrics.ObserveJob(string(pipeline.JobTypeParse), string(completed), now.Sub(started))
	r.logger.Info("parse recovery completed",
		zap.String("job_id", jobID),
		zap.Int("target", target),
		zap.Int("success", success),
		zap.Int("failed", failed),
		zap.Int("skipped", result.Skipped),
	)
	return nil
}

func (r *Recovery) fail(ctx context.Context, jobID string, started time.Time, cause error) error {
	now := r.clock.Now()
	failedStatus := pipeline.JobStatusFailed
	msg := cause.Error()
	if err := r.ledger.UpdateJob(ctx, jobID, pipeline.JobUpdate{
		Status:      &failedStatus,
		ErrorText:   &msg,
		CompletedAt: &now,
	}); err != nil {
		r.logger.Error("record parse failure", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.ObserveJob(string(pipeline.JobTypeParse), string(pipeline.JobStatusFailed), now.Sub(started))
	r.logger.Error("parse recovery failed", zap.String("job_id", jobID), zap.Error(cause))
	return cause
}

func contentTypeFor(fileName string) string {
	switch path.Ext(fileName) {
	case ".pdf":
		return "application/pdf"
	case ".hwp", ".hwpx":
		return "application/x-hwp"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
