// Package persistence defines the storage contracts of the ingestion
// pipeline. Implementations live in subpackages; everything here is
// engine-agnostic.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/mkowalik/stockflow/internal/domain"
)

// Storage failure kinds. Implementations translate driver errors into
// these so callers can branch without importing driver packages.
var (
	// ErrDuplicateRun means a job for this (environment, scheduler run id)
	// already exists.
	ErrDuplicateRun = errors.New("job already recorded for scheduler run")
	// ErrAlreadyFinal means a finalize hit a job not in running state.
	ErrAlreadyFinal = errors.New("job already finalized")
	// ErrConstraint marks a check or integrity violation on write.
	ErrConstraint = errors.New("constraint violation")
	// ErrConnection marks transport-level database failures.
	ErrConnection = errors.New("database connection failure")
)

// Job lifecycle states.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobPartial   = "partial"
	JobFailed    = "failed"
	JobSkipped   = "skipped"
)

// Per-instrument outcome operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpSkip   = "skip"
	OpError  = "error"
)

// Instrument is the stored identity of a tradable entity.
type Instrument struct {
	ID           int64      `json:"id" db:"id"`
	Symbol       string     `json:"symbol" db:"symbol"`
	Kind         string     `json:"kind" db:"kind"`
	ExchangeCode string     `json:"exchange_code" db:"exchange_code"`
	Currency     string     `json:"currency" db:"currency"`
	Active       bool       `json:"active" db:"active"`
	FirstSeen    *time.Time `json:"first_seen,omitempty" db:"first_seen"`
	LastSeen     *time.Time `json:"last_seen,omitempty" db:"last_seen"`
}

// InstrumentState is what the mode resolver needs to know about stored
// history.
type InstrumentState struct {
	RowCount int64      `json:"row_count" db:"row_count"`
	MaxDate  *time.Time `json:"max_date,omitempty" db:"max_date"`
}

// PriceRow is one stored daily observation.
type PriceRow struct {
	InstrumentID int64     `json:"instrument_id" db:"instrument_id"`
	TradingDate  time.Time `json:"trading_date" db:"trading_date"`
	Open         float64   `json:"open" db:"open"`
	High         float64   `json:"high" db:"high"`
	Low          float64   `json:"low" db:"low"`
	Close        float64   `json:"close" db:"close"`
	Volume       int64     `json:"volume" db:"volume"`
	ContentHash  string    `json:"content_hash" db:"content_hash"`
	LoadedAt     time.Time `json:"loaded_at" db:"loaded_at"`
}

// Job is one pipeline invocation.
type Job struct {
	ID               int64                  `json:"id" db:"id"`
	JobName          string                 `json:"job_name" db:"job_name"`
	Environment      string                 `json:"environment" db:"environment"`
	SchedulerRunID   *string                `json:"scheduler_run_id,omitempty" db:"scheduler_run_id"`
	StartedAt        time.Time              `json:"started_at" db:"started_at"`
	FinishedAt       *time.Time             `json:"finished_at,omitempty" db:"finished_at"`
	HeartbeatAt      time.Time              `json:"heartbeat_at" db:"heartbeat_at"`
	Status           string                 `json:"status" db:"status"`
	RecordsProcessed int64                  `json:"records_processed" db:"records_processed"`
	RecordsInserted  int64                  `json:"records_inserted" db:"records_inserted"`
	RecordsUpdated   int64                  `json:"records_updated" db:"records_updated"`
	RecordsSkipped   int64                  `json:"records_skipped" db:"records_skipped"`
	RecordsFailed    int64                  `json:"records_failed" db:"records_failed"`
	QualityFailed    int64                  `json:"quality_failed" db:"quality_failed"`
	ErrorSummary     *string                `json:"error_summary,omitempty" db:"error_summary"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}

// JobDetail is one per-(job, instrument) outcome row.
type JobDetail struct {
	JobID           int64   `json:"job_id" db:"job_id"`
	InstrumentID    int64   `json:"instrument_id" db:"instrument_id"`
	Operation       string  `json:"operation" db:"operation"`
	RecordsAffected int64   `json:"records_affected" db:"records_affected"`
	ProcessingMS    int64   `json:"processing_ms" db:"processing_ms"`
	ErrorText       *string `json:"error_text,omitempty" db:"error_text"`
}

// QualityVerdict is one rule evaluation for one instrument in one run.
type QualityVerdict struct {
	JobID        int64    `json:"job_id" db:"job_id"`
	InstrumentID int64    `json:"instrument_id" db:"instrument_id"`
	Rule         string   `json:"rule" db:"rule"`
	Value        float64  `json:"value" db:"value"`
	MinThreshold *float64 `json:"min_threshold,omitempty" db:"min_threshold"`
	MaxThreshold *float64 `json:"max_threshold,omitempty" db:"max_threshold"`
	IsValid      bool     `json:"is_valid" db:"is_valid"`
	Severity     string   `json:"severity" db:"severity"`
}

// LoadRequest is one instrument's write unit: the bars to merge and the
// identifiers the outcome row needs.
type LoadRequest struct {
	JobID        int64
	InstrumentID int64
	Bars         []domain.PriceBar
	// FetchMS is the extraction latency, folded into the outcome's
	// processing time.
	FetchMS int64
}

// LoadResult reports how a load request landed.
type LoadResult struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	Skipped  int64 `json:"skipped"`
	// Operation is the dominant outcome recorded on the detail row.
	Operation string `json:"operation"`
}

// InstrumentRepo resolves configured instruments to stored identities.
type InstrumentRepo interface {
	// Resolve returns the stored instrument, creating it on first
	// encounter.
	Resolve(ctx context.Context, inst domain.Instrument) (Instrument, error)

	// State returns stored-history facts for mode resolution.
	State(ctx context.Context, instrumentID int64) (InstrumentState, error)
}

// PriceRepo owns price writes and reads.
type PriceRepo interface {
	// Load merges one instrument's bars and writes the matching job
	// detail row in a single transaction. Rows whose content hash is
	// unchanged are left untouched.
	Load(ctx context.Context, req LoadRequest) (LoadResult, error)

	// RecentBars returns up to limit stored rows for the instrument,
	// ascending by trading date.
	RecentBars(ctx context.Context, instrumentID int64, limit int) ([]PriceRow, error)
}

// JobRepo tracks pipeline invocations.
type JobRepo interface {
	// Open inserts the running job row and returns its id. A duplicate
	// (environment, scheduler run id) pair yields ErrDuplicateRun.
	Open(ctx context.Context, job Job) (int64, error)

	// Finalize moves a running job to a terminal state exactly once.
	Finalize(ctx context.Context, job Job) error

	// Heartbeat advances the liveness timestamp of a running job.
	Heartbeat(ctx context.Context, jobID int64) error

	// RecordDetail inserts a standalone outcome row; used for failures
	// that never reached a price transaction.
	RecordDetail(ctx context.Context, d JobDetail) error

	// StaleRunning lists running jobs whose heartbeat is older than the
	// cutoff; input to the janitor.
	StaleRunning(ctx context.Context, cutoff time.Time) ([]Job, error)

	// Recent returns the latest jobs, newest first.
	Recent(ctx context.Context, limit int) ([]Job, error)
}

// QualityRepo persists rule verdicts. Writes happen outside price
// transactions and are best-effort by contract.
type QualityRepo interface {
	WriteVerdicts(ctx context.Context, verdicts []QualityVerdict) error
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Instruments InstrumentRepo
	Prices      PriceRepo
	Jobs        JobRepo
	Quality     QualityRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	// Health returns current repository health status.
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to the database.
	Ping(ctx context.Context) error

	// Stats returns connection pool statistics.
	Stats(ctx context.Context) map[string]interface{}
}
