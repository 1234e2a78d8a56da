package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

func TestLedgerCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewLedger(mock)
	now := time.Unix(1700000000, 0).UTC()

	job := pipeline.Job{
		ID:          "job-1",
		Type:        pipeline.JobTypeCrawl,
		Status:      pipeline.JobStatusPending,
		TriggeredBy: pipeline.TriggerAPI,
		SourceID:    "src-1",
		Params:      []byte(`{"source_id":"src-1"}`),
		CreatedAt:   now,
	}

	mock.ExpectExec("INSERT INTO pipeline_jobs").
		WithArgs(
			job.ID, job.Type, job.Status, job.TriggeredBy, "src-1", 0,
			0, 0, []byte(job.Params), []byte(nil), "",
			now, (*time.Time)(nil), (*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerCreateJobDuplicate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewLedger(mock)

	mock.ExpectExec("INSERT INTO pipeline_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New(`ERROR: duplicate key value violates unique constraint "pipeline_jobs_pkey"`))

	err = ledger.CreateJob(context.Background(), pipeline.Job{ID: "job-1"})
	require.ErrorIs(t, err, pipeline.ErrJobExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewLedger(mock)

	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = ledger.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerUpdateJobGuardsStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewLedger(mock)
	completedAt := time.Unix(1700003600, 0).UTC()
	status := pipeline.JobStatusCompleted
	success := 4

	mock.ExpectExec("UPDATE pipeline_jobs SET").
		WithArgs("job-1", status, success, completedAt, []string{"pending", "running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = ledger.UpdateJob(context.Background(), "job-1", pipeline.JobUpdate{
		Status:       &status,
		SuccessCount: &success,
		CompletedAt:  &completedAt,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerUpdateJobRejectsBackwardTransition(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewLedger(mock)
	startedAt := time.Unix(1700000000, 0).UTC()
	status := pipeline.JobStatusRunning

	// The guard matches no rows; the follow-up fetch finds a terminal
	// job, so the caller sees an invalid transition.
	mock.ExpectExec("UPDATE pipeline_jobs SET").
		WithArgs("job-1", status, []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(ledgerRows().AddRow(
			"job-1", pipeline.JobTypeCrawl, pipeline.JobStatusCompleted, pipeline.TriggerAPI, "", 0,
			0, 0, []byte(nil), []byte(nil), "",
			startedAt, &startedAt, &startedAt,
		))

	err = ledger.UpdateJob(context.Background(), "job-1", pipeline.JobUpdate{Status: &status})
	require.ErrorIs(t, err, pipeline.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerUpdateJobMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewLedger(mock)
	status := pipeline.JobStatusRunning

	mock.ExpectExec("UPDATE pipeline_jobs SET").
		WithArgs("missing", status, []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err = ledger.UpdateJob(context.Background(), "missing", pipeline.JobUpdate{Status: &status})
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerListJobsPaginates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewLedger(mock)
	createdAt := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT COUNT(.+) FROM pipeline_jobs").
		WithArgs(pipeline.JobTypeEmbed).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs WHERE (.+) ORDER BY created_at DESC").
		WithArgs(pipeline.JobTypeEmbed, 2, 4).
		WillReturnRows(ledgerRows().AddRow(
			"job-5", pipeline.JobTypeEmbed, pipeline.JobStatusCompleted, pipeline.TriggerCron, "", 10,
			9, 1, []byte(nil), []byte(`{"processed":10}`), "",
			createdAt, (*time.Time)(nil), (*time.Time)(nil),
		))

	jobs, total, err := ledger.ListJobs(context.Background(), pipeline.JobFilter{
		Type:   pipeline.JobTypeEmbed,
		Limit:  2,
		Offset: 4,
	})
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-5", jobs[0].ID)
	require.Equal(t, 9, jobs[0].SuccessCount)
	require.JSONEq(t, `{"processed":10}`, string(jobs[0].Result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerActiveCrawlExists(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := NewLedger(mock)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pipeline.JobTypeCrawl, "src-1", []string{"pending", "running"}).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pipeline.JobTypeCrawl, "src-2", []string{"pending", "running"}).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	busy, err := ledger.ActiveCrawlExists(context.Background(), "src-1")
	require.NoError(t, err)
	require.True(t, busy)

	busy, err = ledger.ActiveCrawlExists(context.Background(), "src-2")
	require.NoError(t, err)
	require.False(t, busy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func ledgerRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "type", "status", "triggered_by", "source_id", "target_count",
		"success_count", "fail_count", "params", "result", "error_text",
		"created_at", "started_at", "completed_at",
	})
}
