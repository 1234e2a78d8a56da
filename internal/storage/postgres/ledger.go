package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Ledger persists pipeline job rows in Postgres.
type Ledger struct {
	db DB
}

// NewLedger constructs a Ledger over an existing pool.
func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

const ledgerColumns = `id, type, status, triggered_by, COALESCE(source_id, ''), target_count,
success_count, fail_count, params, result, error_text, created_at, started_at, completed_at`

// CreateJob inserts a new job row.
func (l *Ledger) CreateJob(ctx context.Context, job pipeline.Job) error {
	var sourceID any
	if job.SourceID != "" {
		sourceID = job.SourceID
	}
	_, err := l.db.Exec(ctx, `
INSERT INTO pipeline_jobs (
	id, type, status, triggered_by, source_id, target_count,
	success_count, fail_count, params, result, error_text,
	created_at, started_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		job.ID, job.Type, job.Status, job.TriggeredBy, sourceID, job.TargetCount,
		job.SuccessCount, job.FailCount, []byte(job.Params), []byte(job.Result), job.ErrorText,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return pipeline.ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (l *Ledger) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	row := l.db.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM pipeline_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Job{}, pipeline.ErrNotFound
		}
		return pipeline.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob applies the non-nil fields of update. Status changes are
// guarded in SQL so a terminal row can never move backward.
func (l *Ledger) UpdateJob(ctx context.Context, jobID string, update pipeline.JobUpdate) error {
	sets := make([]string, 0, 8)
	args := []any{jobID}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.TargetCount != nil {
		add("target_count", *update.TargetCount)
	}
	if update.SuccessCount != nil {
		add("success_count", *update.SuccessCount)
	}
	if update.FailCount != nil {
		add("fail_count", *update.FailCount)
	}
	if update.Result != nil {
		add("result", update.Result)
	}
	if update.ErrorText != nil {
		add("error_text", *update.ErrorText)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE pipeline_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	if update.Status != nil {
		query += statusGuard(*update.Status, len(args))
		args = append(args, allowedPriorStatuses(*update.Status))
	}

	tag, err := l.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from an illegal transition.
		if _, getErr := l.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return pipeline.ErrInvalidTransition
	}
	return nil
}

func statusGuard(_ pipeline.JobStatus, argCount int) string {
	return fmt.Sprintf(" AND status = ANY($%d)", argCount+1)
}

func allowedPriorStatuses(next pipeline.JobStatus) []string {
	switch next {
	case pipeline.JobStatusRunning:
		return []string{string(pipeline.JobStatusPending)}
	case pipeline.JobStatusCompleted, pipeline.JobStatusFailed:
		return []string{string(pipeline.JobStatusPending), string(pipeline.JobStatusRunning)}
	default:
		return []string{}
	}
}

// ListJobs returns jobs matching the filter, newest first, plus the
// total match count before pagination.
func (l *Ledger) ListJobs(ctx context.Context, filter pipeline.JobFilter) ([]pipeline.Job, int, error) {
	where := []string{"TRUE"}
	args := []any{}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM pipeline_jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + ledgerColumns + ` FROM pipeline_jobs WHERE ` + cond + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []pipeline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// ListStuck returns jobs in the given status started (or created, when
// never started) before now-olderThan.
func (l *Ledger) ListStuck(ctx context.Context, status pipeline.JobStatus, olderThan time.Duration, now time.Time) ([]pipeline.Job, error) {
	cutoff := now.Add(-olderThan)
	rows, err := l.db.Query(ctx, `
SELECT `+ledgerColumns+` FROM pipeline_jobs
WHERE status = $1 AND COALESCE(started_at, created_at) < $2
ORDER BY created_at`, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []pipeline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck jobs: %w", err)
	}
	return jobs, nil
}

// ActiveCrawlExists reports whether the source already has a crawl job
// in pending or running.
func (l *Ledger) ActiveCrawlExists(ctx context.Context, sourceID string) (bool, error) {
	row := l.db.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM pipeline_jobs
	WHERE type = $1 AND source_id = $2 AND status = ANY($3)
)`, pipeline.JobTypeCrawl, sourceID, []string{string(pipeline.JobStatusPending), string(pipeline.JobStatusRunning)})
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check active crawl: %w", err)
	}
	return exists, nil
}

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var (
		job    pipeline.Job
		params []byte
		result []byte
	)
	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.TriggeredBy, &job.SourceID, &job.TargetCount,
		&job.SuccessCount, &job.FailCount, &params, &result, &job.ErrorText,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return pipeline.Job{}, err
	}
	job.Params = params
	job.Result = result
	return job, nil
}
