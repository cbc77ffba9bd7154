package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mkowalik/stockflow/internal/persistence"
)

// qualityRepo implements QualityRepo for PostgreSQL.
type qualityRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewQualityRepo creates a new PostgreSQL quality repository.
func NewQualityRepo(db *sqlx.DB, timeout time.Duration) persistence.QualityRepo {
	return &qualityRepo{
		db:      db,
		timeout: timeout,
	}
}

// WriteVerdicts persists one instrument's rule verdicts atomically. The
// caller treats failures as log-and-continue; verdicts never gate price
// data.
func (r *qualityRepo) WriteVerdicts(ctx context.Context, verdicts []persistence.QualityVerdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin quality transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO data_quality_metrics
			(job_id, instrument_id, rule, value, min_threshold, max_threshold, is_valid, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`)
	if err != nil {
		return classify("prepare quality insert", err)
	}
	defer stmt.Close()

	for _, v := range verdicts {
		_, err := stmt.ExecContext(ctx,
			v.JobID, v.InstrumentID, v.Rule, v.Value,
			v.MinThreshold, v.MaxThreshold, v.IsValid, v.Severity)
		if err != nil {
			return classify("insert quality verdict", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit quality transaction", err)
	}

	return nil
}
