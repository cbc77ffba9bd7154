package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/persistence"
)

func TestPricesRepo_Load_MixedOutcomes(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPricesRepo(db, 5*time.Second)

	d1 := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	d3 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	bars := []struct {
		date time.Time
		rows *sqlmock.Rows
	}{
		{d1, sqlmock.NewRows([]string{"inserted"}).AddRow(true)},  // fresh row
		{d2, sqlmock.NewRows([]string{"inserted"}).AddRow(false)}, // correction
		{d3, sqlmock.NewRows([]string{"inserted"})},               // hash match, no-op
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO instrument_prices")
	req := persistence.LoadRequest{JobID: 11, InstrumentID: 7, FetchMS: 120}
	for _, b := range bars {
		bar := testBar(t, b.date, 170)
		req.Bars = append(req.Bars, bar)
		prep.ExpectQuery().
			WithArgs(int64(7), bar.Date, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.RawHash).
			WillReturnRows(b.rows)
	}
	mock.ExpectExec("UPDATE instruments").
		WithArgs(int64(7), d3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO etl_job_details").
		WithArgs(int64(11), int64(7), persistence.OpInsert, int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := repo.Load(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(1), res.Updated)
	assert.Equal(t, int64(1), res.Skipped)
	assert.Equal(t, persistence.OpInsert, res.Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPricesRepo_Load_EmptyBatchRecordsSkip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPricesRepo(db, 5*time.Second)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO instrument_prices")
	mock.ExpectExec("INSERT INTO etl_job_details").
		WithArgs(int64(11), int64(7), persistence.OpSkip, int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := repo.Load(context.Background(), persistence.LoadRequest{JobID: 11, InstrumentID: 7})
	require.NoError(t, err)

	assert.Equal(t, persistence.OpSkip, res.Operation)
	assert.Zero(t, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPricesRepo_Load_ConstraintViolationAborts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPricesRepo(db, 5*time.Second)

	bar := testBar(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), 170)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO instrument_prices")
	prep.ExpectQuery().
		WithArgs(int64(7), bar.Date, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.RawHash).
		WillReturnError(&pq.Error{Code: "23514"})
	mock.ExpectRollback()

	_, err := repo.Load(context.Background(), persistence.LoadRequest{
		JobID: 11, InstrumentID: 7,
		Bars: []domain.PriceBar{bar},
	})
	assert.ErrorIs(t, err, persistence.ErrConstraint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPricesRepo_RecentBars(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPricesRepo(db, 5*time.Second)

	loaded := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"instrument_id", "trading_date", "open", "high", "low", "close", "volume", "content_hash", "loaded_at",
	}).
		AddRow(7, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), 170.0, 172.0, 169.0, 171.0, int64(1000), "aa", loaded).
		AddRow(7, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), 171.0, 173.0, 170.0, 172.0, int64(1100), "bb", loaded)

	mock.ExpectQuery("FROM instrument_prices").
		WithArgs(int64(7), 20).
		WillReturnRows(rows)

	bars, err := repo.RecentBars(context.Background(), 7, 20)
	require.NoError(t, err)

	require.Len(t, bars, 2)
	assert.True(t, bars[0].TradingDate.Before(bars[1].TradingDate), "ascending by trading date")
	assert.Equal(t, "bb", bars[1].ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}
