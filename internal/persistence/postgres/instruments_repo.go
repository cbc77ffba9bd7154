package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/persistence"
)

// instrumentsRepo implements InstrumentRepo for PostgreSQL.
type instrumentsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInstrumentsRepo creates a new PostgreSQL instruments repository.
func NewInstrumentsRepo(db *sqlx.DB, timeout time.Duration) persistence.InstrumentRepo {
	return &instrumentsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Resolve returns the stored instrument, creating it on first encounter.
// The no-op DO UPDATE makes RETURNING yield the row on the conflict path
// as well, so resolution is a single round trip either way.
func (r *instrumentsRepo) Resolve(ctx context.Context, inst domain.Instrument) (persistence.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO instruments (symbol, kind, exchange_code, currency, active, first_seen)
		VALUES ($1, $2, $3, $4, TRUE, CURRENT_DATE)
		ON CONFLICT (symbol, exchange_code) DO UPDATE SET active = instruments.active
		RETURNING id, symbol, kind, exchange_code, currency, active, first_seen, last_seen`

	var stored persistence.Instrument
	err := r.db.GetContext(ctx, &stored, query,
		inst.Symbol, string(inst.Kind), inst.Exchange, inst.Currency)
	if err != nil {
		return persistence.Instrument{}, classify("resolve instrument", err)
	}

	return stored, nil
}

// State returns the stored-history facts the mode resolver inspects.
func (r *instrumentsRepo) State(ctx context.Context, instrumentID int64) (persistence.InstrumentState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*) AS row_count, MAX(trading_date) AS max_date
		FROM instrument_prices
		WHERE instrument_id = $1`

	var state persistence.InstrumentState
	if err := r.db.GetContext(ctx, &state, query, instrumentID); err != nil {
		return persistence.InstrumentState{}, classify("instrument state", err)
	}

	return state, nil
}
