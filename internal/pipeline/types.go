// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"encoding/json"
	"time"
)

// JobType identifies which pipeline step a job executes.
type JobType string

// Job types persisted in the ledger.
const (
	JobTypeCrawl JobType = "crawl"
	JobTypeParse JobType = "parse"
	JobTypeEmbed JobType = "embed"
)

// JobStatus represents the lifecycle state of a pipeline job.
type JobStatus string

// Job status values persisted in the ledger. Transitions only move
// forward: pending -> running -> {completed, failed}.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether moving from s to next is a legal
// forward transition.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Trigger records what initiated a job.
type Trigger string

// Trigger values.
const (
	TriggerManual Trigger = "manual"
	TriggerCron   Trigger = "cron"
	TriggerAPI    Trigger = "api"
	TriggerWorker Trigger = "worker"
)

// Job is one tracked execution of a pipeline step. Crawl, parse-recovery
// and embedding jobs share this single ledger row; step-specific inputs
// and outputs ride in the Params and Result JSON columns.
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	TriggeredBy  Trigger         `json:"triggered_by"`
	SourceID     string          `json:"source_id,omitempty"`
	TargetCount  int             `json:"target_count"`
	SuccessCount int             `json:"success_count"`
	FailCount    int             `json:"fail_count"`
	Params       json.RawMessage `json:"params,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorText    string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// DurationSeconds returns completedAt-startedAt in seconds, or nil when
// either timestamp is missing.
func (j Job) DurationSeconds() *float64 {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return nil
	}
	d := j.CompletedAt.Sub(*j.StartedAt).Seconds()
	return &d
}

// CrawlParams is the Params payload for crawl jobs.
type CrawlParams struct {
	SourceID  string `json:"source_id"`
	SourceURL string `json:"source_url,omitempty"`
}

// CrawlResult is the Result payload for crawl jobs.
type CrawlResult struct {
	ProjectsFound   int `json:"projects_found"`
	ProjectsNew     int `json:"projects_new"`
	ProjectsUpdated int `json:"projects_updated"`
}

// EmbedParams is the Params payload for embedding jobs.
type EmbedParams struct {
	BatchSize  int      `json:"batch_size"`
	ProjectIDs []string `json:"project_ids,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

// ParseParams is the Params payload for parse-recovery jobs.
type ParseParams struct {
	BatchSize  int            `json:"batch_size"`
	KindFilter ParseErrorKind `json:"kind_filter,omitempty"`
}

// OutcomeStatus classifies one item inside a batch run.
type OutcomeStatus string

// Per-item outcomes recorded in BatchResult details.
const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// ItemOutcome records the fate of a single batch item.
type ItemOutcome struct {
	ID     string        `json:"id"`
	Status OutcomeStatus `json:"status"`
	Detail string        `json:"detail,omitempty"`
}

// BatchResult summarizes a parse-recovery or embedding run.
type BatchResult struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"success"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Details   []ItemOutcome `json:"details,omitempty"`
}

// Add merges a single outcome into the running totals.
func (r *BatchResult) Add(outcome ItemOutcome) {
	r.Processed++
	switch outcome.Status {
	case OutcomeSuccess:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
	r.Details = append(r.Details, outcome)
}

// SourceType is a structural hint for how a source's listing pages are
// laid out, which selects the parsing strategy.
type SourceType string

// Source layout types.
const (
	SourceTypeTable SourceType = "table"
	SourceTypeList  SourceType = "list"
	SourceTypeSPA   SourceType = "spa"
)

// Source is one configured scrapeable origin.
type Source struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Type        SourceType `json:"type"`
	IsActive    bool       `json:"is_active"`
	Schedule    string     `json:"schedule,omitempty"`
	LastCrawled *time.Time `json:"last_crawled,omitempty"`
}

// Project is a discovered support-program listing. DetailURL is the
// stable external key used for deduplication across crawls.
type Project struct {
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id"`
	Title          string     `json:"title"`
	Agency         string     `json:"agency,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Description    string     `json:"description,omitempty"`
	Eligibility    string     `json:"eligibility,omitempty"`
	SupportDetail  string     `json:"support_detail,omitempty"`
	Region         string     `json:"region,omitempty"`
	Category       string     `json:"category,omitempty"`
	ApplyDeadline  string     `json:"apply_deadline,omitempty"`
	DetailURL      string     `json:"detail_url"`
	NeedsEmbedding bool       `json:"needs_embedding"`
	EmbedClaimedAt *time.Time `json:"embed_claimed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Attachment is a downloadable document attached to a project.
// Invariant: IsParsed implies non-empty ParsedContent and empty
// ParseError; a recorded ParseError implies IsParsed is false.
type Attachment struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	FileName      string         `json:"file_name"`
	FileURL       string         `json:"file_url"`
	BlobPath      string         `json:"blob_path,omitempty"`
	ShouldParse   bool           `json:"should_parse"`
	IsParsed      bool           `json:"is_parsed"`
	ParsedContent string         `json:"parsed_content,omitempty"`
	ParseError    string         `json:"parse_error,omitempty"`
	ParseKind     ParseErrorKind `json:"parse_error_kind,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ParseErrorKind is a structured category for attachment parse failures,
// assigned at the point of failure rather than re-derived from message
// text later.
type ParseErrorKind string

// Parse failure categories.
const (
	ParseKindDownloadFailed  ParseErrorKind = "download_failed"
	ParseKindUploadFailed    ParseErrorKind = "upload_failed"
	ParseKindTimeout         ParseErrorKind = "timeout"
	ParseKindParseFailed     ParseErrorKind = "parse_failed"
	ParseKindHWPParseError   ParseErrorKind = "hwp_parse_error"
	ParseKindPDFParseError   ParseErrorKind = "pdf_parse_error"
	ParseKindEmptyFile       ParseErrorKind = "empty_file"
	ParseKindNetworkError    ParseErrorKind = "network_error"
	ParseKindNoTextExtracted ParseErrorKind = "no_text_extracted"
	ParseKindOther           ParseErrorKind = "other"
)

// ParseFailure is an error carrying a structured kind plus the raw
// message as supplementary detail.
type ParseFailure struct {
	Kind ParseErrorKind
	Msg  string
}

// Error implements the error interface.
func (f *ParseFailure) Error() string {
	if f.Msg == "" {
		return string(f.Kind)
	}
	return f.Msg
}

// Listing is one row discovered on a source's listing page before it is
// upserted as a Project.
type Listing struct {
	Title         string
	Agency        string
	Summary       string
	Region        string
	Category      string
	ApplyDeadline string
	DetailURL     string
	Attachments   []ListingAttachment
}

// ListingAttachment is a document link discovered alongside a listing.
type ListingAttachment struct {
	FileName string
	FileURL  string
}

// EmbeddingRecord is one vector keyed by source type, source id and
// chunk index. The current design embeds a single chunk per entity.
type EmbeddingRecord struct {
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"-"`
}

// EmbeddingStats summarizes embedding coverage for the stats endpoint.
type EmbeddingStats struct {
	TotalProjects  int     `json:"totalProjects"`
	NeedsEmbedding int     `json:"needsEmbedding"`
	HasEmbeddings  int     `json:"hasEmbeddings"`
	CompletionRate float64 `json:"completionRate"`
}

// JobFilter narrows ListJobs queries.
type JobFilter struct {
	Type   JobType
	Status JobStatus
	Limit  int
	Offset int
}

// TaskKind identifies what a queued worker task executes.
type TaskKind string

// Task kinds processed by the worker's sequential runner.
const (
	TaskKindCrawl TaskKind = "crawl"
	TaskKindEmbed TaskKind = "embed"
)

// Task is one unit of background work accepted by the worker. Crawl
// tasks reference a ledger job by id; embed tasks carry their batch
// parameters inline.
type Task struct {
	Kind  TaskKind
	JobID string
	Embed EmbedParams
}
