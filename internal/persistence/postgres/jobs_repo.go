package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mkowalik/stockflow/internal/persistence"
)

// jobsRepo implements JobRepo for PostgreSQL.
type jobsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJobsRepo creates a new PostgreSQL jobs repository.
func NewJobsRepo(db *sqlx.DB, timeout time.Duration) persistence.JobRepo {
	return &jobsRepo{
		db:      db,
		timeout: timeout,
	}
}

const jobColumns = `id, job_name, environment, scheduler_run_id, started_at, finished_at,
	heartbeat_at, status, records_processed, records_inserted, records_updated,
	records_skipped, records_failed, quality_failed, error_summary`

// Open inserts the running job row. The partial unique index on
// (environment, scheduler_run_id) rejects a rerun of the same trigger.
func (r *jobsRepo) Open(ctx context.Context, job persistence.Job) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal job metadata: %w", err)
	}

	query := `
		INSERT INTO etl_jobs (job_name, environment, scheduler_run_id, started_at, heartbeat_at, status, metadata)
		VALUES ($1, $2, $3, NOW(), NOW(), $4, $5)
		RETURNING id`

	var id int64
	err = r.db.QueryRowxContext(ctx, query,
		job.JobName, job.Environment, job.SchedulerRunID, persistence.JobRunning, metadataJSON).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("open job %s/%v: %w", job.Environment, job.SchedulerRunID, persistence.ErrDuplicateRun)
		}
		return 0, classify("open job", err)
	}

	return id, nil
}

// Finalize moves a running job to its terminal state. The status guard in
// the WHERE clause makes the transition exactly-once; a second finalize
// matches no row and fails with ErrAlreadyFinal.
func (r *jobsRepo) Finalize(ctx context.Context, job persistence.Job) error {
	switch job.Status {
	case persistence.JobCompleted, persistence.JobPartial, persistence.JobFailed, persistence.JobSkipped:
	default:
		return fmt.Errorf("finalize job %d: %q is not a terminal status", job.ID, job.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE etl_jobs SET
			finished_at = NOW(),
			status = $2,
			records_processed = $3,
			records_inserted = $4,
			records_updated = $5,
			records_skipped = $6,
			records_failed = $7,
			quality_failed = $8,
			error_summary = $9
		WHERE id = $1 AND status = $10`

	res, err := r.db.ExecContext(ctx, query,
		job.ID, job.Status,
		job.RecordsProcessed, job.RecordsInserted, job.RecordsUpdated,
		job.RecordsSkipped, job.RecordsFailed, job.QualityFailed,
		job.ErrorSummary, persistence.JobRunning)
	if err != nil {
		return classify("finalize job", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify("finalize job rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("finalize job %d: %w", job.ID, persistence.ErrAlreadyFinal)
	}

	return nil
}

// Heartbeat advances the liveness timestamp of a running job.
func (r *jobsRepo) Heartbeat(ctx context.Context, jobID int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE etl_jobs SET heartbeat_at = NOW() WHERE id = $1 AND status = $2`,
		jobID, persistence.JobRunning)
	if err != nil {
		return classify("job heartbeat", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify("job heartbeat rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("heartbeat job %d: %w", jobID, persistence.ErrAlreadyFinal)
	}

	return nil
}

// RecordDetail inserts a standalone outcome row for failures that never
// reached a price transaction.
func (r *jobsRepo) RecordDetail(ctx context.Context, d persistence.JobDetail) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO etl_job_details (job_id, instrument_id, operation, records_affected, processing_ms, error_text)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		d.JobID, d.InstrumentID, d.Operation, d.RecordsAffected, d.ProcessingMS, d.ErrorText)
	if err != nil {
		return classify("record job detail", err)
	}

	return nil
}

// StaleRunning lists running jobs whose heartbeat is older than cutoff.
func (r *jobsRepo) StaleRunning(ctx context.Context, cutoff time.Time) ([]persistence.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + jobColumns + `
		FROM etl_jobs
		WHERE status = $1 AND heartbeat_at < $2
		ORDER BY started_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, persistence.JobRunning, cutoff)
	if err != nil {
		return nil, classify("query stale jobs", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Recent returns the latest jobs, newest first.
func (r *jobsRepo) Recent(ctx context.Context, limit int) ([]persistence.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + jobColumns + `
		FROM etl_jobs
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, classify("query recent jobs", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows *sqlx.Rows) ([]persistence.Job, error) {
	var jobs []persistence.Job
	for rows.Next() {
		var job persistence.Job
		err := rows.Scan(
			&job.ID, &job.JobName, &job.Environment, &job.SchedulerRunID,
			&job.StartedAt, &job.FinishedAt, &job.HeartbeatAt, &job.Status,
			&job.RecordsProcessed, &job.RecordsInserted, &job.RecordsUpdated,
			&job.RecordsSkipped, &job.RecordsFailed, &job.QualityFailed,
			&job.ErrorSummary)
		if err != nil {
			return nil, classify("scan job row", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate job rows", err)
	}
	return jobs, nil
}
