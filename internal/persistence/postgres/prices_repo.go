package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mkowalik/stockflow/internal/persistence"
)

// pricesRepo implements PriceRepo for PostgreSQL.
type pricesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPricesRepo creates a new PostgreSQL prices repository.
func NewPricesRepo(db *sqlx.DB, timeout time.Duration) persistence.PriceRepo {
	return &pricesRepo{
		db:      db,
		timeout: timeout,
	}
}

// upsertPriceSQL merges one bar. The WHERE clause turns hash-identical
// conflicts into no-ops, so RETURNING yields a row only for inserts
// (xmax = 0) and real updates (xmax <> 0); a skip surfaces as ErrNoRows.
const upsertPriceSQL = `
	INSERT INTO instrument_prices
		(instrument_id, trading_date, open, high, low, close, volume, content_hash, loaded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	ON CONFLICT (instrument_id, trading_date) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		content_hash = EXCLUDED.content_hash,
		loaded_at = NOW()
	WHERE instrument_prices.content_hash <> EXCLUDED.content_hash
	RETURNING (xmax = 0) AS inserted`

const insertDetailSQL = `
	INSERT INTO etl_job_details (job_id, instrument_id, operation, records_affected, processing_ms)
	VALUES ($1, $2, $3, $4, $5)`

// Load merges one instrument's bars and records the outcome row in a
// single transaction. Sibling instruments are untouched by a rollback
// here; that isolation is the point of the per-instrument transaction.
func (r *pricesRepo) Load(ctx context.Context, req persistence.LoadRequest) (persistence.LoadResult, error) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(req.Bars)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistence.LoadResult{}, classify("begin load transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertPriceSQL)
	if err != nil {
		return persistence.LoadResult{}, classify("prepare price upsert", err)
	}
	defer stmt.Close()

	var result persistence.LoadResult
	for _, bar := range req.Bars {
		var inserted bool
		err := stmt.QueryRowContext(ctx,
			req.InstrumentID, bar.Date, bar.Open, bar.High, bar.Low, bar.Close,
			bar.Volume, bar.RawHash).Scan(&inserted)
		switch {
		case err == sql.ErrNoRows:
			result.Skipped++
		case err != nil:
			return persistence.LoadResult{}, classify("upsert price", err)
		case inserted:
			result.Inserted++
		default:
			result.Updated++
		}
	}

	if n := len(req.Bars); n > 0 {
		last := req.Bars[n-1].Date
		_, err = tx.ExecContext(ctx, `
			UPDATE instruments
			SET last_seen = GREATEST(COALESCE(last_seen, $2::date), $2::date)
			WHERE id = $1`, req.InstrumentID, last)
		if err != nil {
			return persistence.LoadResult{}, classify("advance last_seen", err)
		}
	}

	result.Operation = dominantOperation(result)

	processingMS := req.FetchMS + time.Since(started).Milliseconds()
	_, err = tx.ExecContext(ctx, insertDetailSQL,
		req.JobID, req.InstrumentID, result.Operation, int64(len(req.Bars)), processingMS)
	if err != nil {
		return persistence.LoadResult{}, classify("record instrument outcome", err)
	}

	if err := tx.Commit(); err != nil {
		return persistence.LoadResult{}, classify("commit load transaction", err)
	}

	return result, nil
}

// RecentBars returns up to limit stored rows, ascending by trading date.
func (r *pricesRepo) RecentBars(ctx context.Context, instrumentID int64, limit int) ([]persistence.PriceRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT instrument_id, trading_date, open, high, low, close, volume, content_hash, loaded_at
		FROM (
			SELECT instrument_id, trading_date, open, high, low, close, volume, content_hash, loaded_at
			FROM instrument_prices
			WHERE instrument_id = $1
			ORDER BY trading_date DESC
			LIMIT $2
		) w
		ORDER BY trading_date ASC`

	var rows []persistence.PriceRow
	if err := r.db.SelectContext(ctx, &rows, query, instrumentID, limit); err != nil {
		return nil, classify("query recent bars", err)
	}

	return rows, nil
}

// dominantOperation picks the outcome label for the detail row.
func dominantOperation(res persistence.LoadResult) string {
	switch {
	case res.Inserted > 0:
		return persistence.OpInsert
	case res.Updated > 0:
		return persistence.OpUpdate
	default:
		return persistence.OpSkip
	}
}
