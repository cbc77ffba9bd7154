package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalik/stockflow/internal/persistence"
)

func strPtr(s string) *string { return &s }

func TestJobsRepo_Open(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	mock.ExpectQuery("INSERT INTO etl_jobs").
		WithArgs("daily_ohlcv", "dev", strPtr("run-42"), persistence.JobRunning, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(101))

	id, err := repo.Open(context.Background(), persistence.Job{
		JobName:        "daily_ohlcv",
		Environment:    "dev",
		SchedulerRunID: strPtr("run-42"),
		Metadata:       map[string]interface{}{"mode": "incremental"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsRepo_Open_DuplicateRun(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	mock.ExpectQuery("INSERT INTO etl_jobs").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.Open(context.Background(), persistence.Job{
		JobName: "daily_ohlcv", Environment: "dev", SchedulerRunID: strPtr("run-42"),
	})
	assert.ErrorIs(t, err, persistence.ErrDuplicateRun)
}

func TestJobsRepo_Finalize(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	mock.ExpectExec("UPDATE etl_jobs").
		WithArgs(int64(101), persistence.JobCompleted,
			int64(2000), int64(2000), int64(0), int64(0), int64(0), int64(0),
			nil, persistence.JobRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Finalize(context.Background(), persistence.Job{
		ID:               101,
		Status:           persistence.JobCompleted,
		RecordsProcessed: 2000,
		RecordsInserted:  2000,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsRepo_Finalize_SecondTransitionRejected(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	mock.ExpectExec("UPDATE etl_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Finalize(context.Background(), persistence.Job{ID: 101, Status: persistence.JobFailed})
	assert.ErrorIs(t, err, persistence.ErrAlreadyFinal)
}

func TestJobsRepo_Finalize_RejectsNonTerminalStatus(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	err := repo.Finalize(context.Background(), persistence.Job{ID: 101, Status: persistence.JobRunning})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not a terminal status")
}

func TestJobsRepo_Heartbeat(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	mock.ExpectExec("UPDATE etl_jobs SET heartbeat_at").
		WithArgs(int64(101), persistence.JobRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.Heartbeat(context.Background(), 101))

	mock.ExpectExec("UPDATE etl_jobs SET heartbeat_at").
		WithArgs(int64(101), persistence.JobRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Heartbeat(context.Background(), 101), persistence.ErrAlreadyFinal)
}

func TestJobsRepo_RecordDetail(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	mock.ExpectExec("INSERT INTO etl_job_details").
		WithArgs(int64(101), int64(7), persistence.OpError, int64(0), int64(350), strPtr("fetch aapl.us: retries exhausted")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.RecordDetail(context.Background(), persistence.JobDetail{
		JobID:        101,
		InstrumentID: 7,
		Operation:    persistence.OpError,
		ProcessingMS: 350,
		ErrorText:    strPtr("fetch aapl.us: retries exhausted"),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsRepo_StaleRunning(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	started := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
	cutoff := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "job_name", "environment", "scheduler_run_id", "started_at", "finished_at",
		"heartbeat_at", "status", "records_processed", "records_inserted", "records_updated",
		"records_skipped", "records_failed", "quality_failed", "error_summary",
	}).AddRow(99, "daily_ohlcv", "prod", "run-9", started, nil, started, persistence.JobRunning,
		0, 0, 0, 0, 0, 0, nil)

	mock.ExpectQuery("FROM etl_jobs").
		WithArgs(persistence.JobRunning, cutoff).
		WillReturnRows(rows)

	jobs, err := repo.StaleRunning(context.Background(), cutoff)
	require.NoError(t, err)

	require.Len(t, jobs, 1)
	assert.Equal(t, int64(99), jobs[0].ID)
	assert.Equal(t, persistence.JobRunning, jobs[0].Status)
}

func TestJobsRepo_Recent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, 5*time.Second)

	now := time.Date(2024, 3, 15, 18, 10, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "job_name", "environment", "scheduler_run_id", "started_at", "finished_at",
		"heartbeat_at", "status", "records_processed", "records_inserted", "records_updated",
		"records_skipped", "records_failed", "quality_failed", "error_summary",
	}).
		AddRow(102, "daily_ohlcv", "dev", nil, now, &now, now, persistence.JobCompleted, 2, 1, 0, 1, 0, 0, nil).
		AddRow(101, "daily_ohlcv", "dev", nil, now.Add(-time.Hour), &now, now, persistence.JobPartial, 5, 2, 1, 1, 1, 0, strPtr("1 instrument failed"))

	mock.ExpectQuery("FROM etl_jobs").
		WithArgs(10).
		WillReturnRows(rows)

	jobs, err := repo.Recent(context.Background(), 10)
	require.NoError(t, err)

	require.Len(t, jobs, 2)
	assert.Equal(t, persistence.JobCompleted, jobs[0].Status)
	require.NotNil(t, jobs[1].ErrorSummary)
	assert.Contains(t, *jobs[1].ErrorSummary, "failed")
}
