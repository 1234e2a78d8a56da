package pipeline

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across stores and the orchestrator.
var (
	// ErrNotFound is returned when a job, source, project or attachment
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInactiveSource is returned when dispatch is requested for a
	// source with is_active=false.
	ErrInactiveSource = errors.New("source is inactive")
	// ErrInvalidTransition is returned when a status update would move a
	// job backward out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrJobExists is returned when creating a job with a duplicate id.
	ErrJobExists = errors.New("job already exists")
	// ErrCrawlInProgress is returned when dispatch is requested for a
	// source that already has a pending or running crawl job.
	ErrCrawlInProgress = errors.New("crawl already in progress")
)

// JobUpdate carries the mutable fields of a ledger row. Nil pointers
// leave the column untouched.
type JobUpdate struct {
	Status       *JobStatus
	TargetCount  *int
	SuccessCount *int
	FailCount    *int
	Result       []byte
	ErrorText    *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Ledger persists pipeline job rows. Updating an unknown id is a hard
// failure; callers are expected to have just created the row.
type Ledger interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, int, error)
	ListStuck(ctx context.Context, status JobStatus, olderThan time.Duration, now time.Time) ([]Job, error)
	// ActiveCrawlExists reports whether the source already has a crawl
	// job in pending or running.
	ActiveCrawlExists(ctx context.Context, sourceID string) (bool, error)
}

// SourceRegistry persists crawl sources.
type SourceRegistry interface {
	GetSource(ctx context.Context, sourceID string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	ListActiveSources(ctx context.Context) ([]Source, error)
	TouchLastCrawled(ctx context.Context, sourceID string, at time.Time) error
}

// ProjectStore persists discovered projects and their embedding flags.
type ProjectStore interface {
	// UpsertListing inserts or updates a project keyed by detail URL and
	// reports whether a new row was created. Both paths set
	// needs_embedding=true.
	UpsertListing(ctx context.Context, project Project) (created bool, err error)
	GetProject(ctx context.Context, projectID string) (Project, error)
	// ClaimEmbeddable atomically selects and leases up to limit projects
	// with needs_embedding=true whose lease is absent or expired. When
	// ids is non-empty the selection is restricted to those ids; force
	// ignores the needs_embedding flag.
	ClaimEmbeddable(ctx context.Context, limit int, ids []string, force bool, lease time.Duration, now time.Time) ([]Project, error)
	// ClearNeedsEmbedding clears the flag and lease only if the flag is
	// still set, in a single atomic statement. Returns false when another
	// run already cleared it.
	ClearNeedsEmbedding(ctx context.Context, projectID string) (bool, error)
	// ReleaseEmbedClaim drops the lease without touching the flag, making
	// the project immediately eligible for the next run.
	ReleaseEmbedClaim(ctx context.Context, projectID string) error
	CountProjects(ctx context.Context) (int, error)
	CountNeedsEmbedding(ctx context.Context) (int, error)
}

// AttachmentStore persists project attachments and parse outcomes.
type AttachmentStore interface {
	UpsertAttachment(ctx context.Context, att Attachment) error
	GetAttachment(ctx context.Context, attachmentID string) (Attachment, error)
	// ListUnparsed returns attachments with should_parse=true and
	// is_parsed=false, optionally filtered to one failure kind.
	ListUnparsed(ctx context.Context, limit int, kind ParseErrorKind) ([]Attachment, error)
	MarkParsed(ctx context.Context, attachmentID string, content string, at time.Time) error
	MarkParseFailed(ctx context.Context, attachmentID string, kind ParseErrorKind, msg string, at time.Time) error
	// MarkParseSkipped clears should_parse so the attachment is not
	// retried indefinitely, recording the reason.
	MarkParseSkipped(ctx context.Context, attachmentID string, reason string, at time.Time) error
	SetBlobPath(ctx context.Context, attachmentID string, blobPath string) error
}

// VectorStore persists embedding vectors keyed by source type, source id
// and chunk index.
type VectorStore interface {
	UpsertEmbedding(ctx context.Context, record EmbeddingRecord) error
	CountEmbedded(ctx context.Context, sourceType string) (int, error)
}

// BlobStore reads and writes raw attachment bytes.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes job completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Embedder requests vectors from an external embedding provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentParser extracts text from a downloaded attachment. Failures
// should be *ParseFailure values so callers get a structured kind.
type DocumentParser interface {
	Parse(ctx context.Context, fileName string, data []byte) (string, error)
}

// Fetcher fetches a listing page and returns the rendered HTML.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// FetchResult is the outcome of fetching one listing page.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// TaskQueue provides enqueue/dequeue semantics for worker tasks.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
