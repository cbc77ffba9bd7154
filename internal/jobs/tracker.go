package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/persistence"
)

// Counters aggregates record-level outcomes across a run's instruments.
// The identity processed = inserted + updated + skipped + failed holds at
// all times.
type Counters struct {
	Processed     int64
	Inserted      int64
	Updated       int64
	Skipped       int64
	Failed        int64
	QualityFailed int64

	InstrumentsOK     int
	InstrumentsFailed int
}

// RecordSuccess absorbs one committed instrument's load result.
func (c *Counters) RecordSuccess(res persistence.LoadResult) {
	c.Processed += res.Inserted + res.Updated + res.Skipped
	c.Inserted += res.Inserted
	c.Updated += res.Updated
	c.Skipped += res.Skipped
	c.InstrumentsOK++
}

// RecordFailure absorbs one failed instrument. inflight is the number of
// parsed bars lost with the aborted transaction; fetch and parse failures
// carry zero.
func (c *Counters) RecordFailure(inflight int64) {
	c.Processed += inflight
	c.Failed += inflight
	c.InstrumentsFailed++
}

// RecordRejected absorbs provider rows dropped during validation. They
// count as processed and failed even when the instrument itself commits.
func (c *Counters) RecordRejected(n int) {
	c.Processed += int64(n)
	c.Failed += int64(n)
}

// RecordQuality absorbs the failing-verdict count from one instrument's
// rule evaluation.
func (c *Counters) RecordQuality(failed int) {
	c.QualityFailed += int64(failed)
}

// Status derives the terminal job status. A run with no instrument failures
// completes unless quality demoted it; mixed outcomes are partial; a run
// where every instrument failed is failed.
func (c Counters) Status(qualityDemoted bool) string {
	switch {
	case c.InstrumentsFailed == 0 && !qualityDemoted:
		return persistence.JobCompleted
	case c.InstrumentsFailed == 0:
		return persistence.JobPartial
	case c.InstrumentsOK > 0:
		return persistence.JobPartial
	default:
		return persistence.JobFailed
	}
}

// Tracker enforces the job lifecycle over the jobs repository: one running
// row per invocation, periodic heartbeats while work is in flight, exactly
// one terminal transition.
type Tracker struct {
	repo persistence.JobRepo
	log  zerolog.Logger
}

// NewTracker creates a tracker over the given jobs repository.
func NewTracker(repo persistence.JobRepo) *Tracker {
	return &Tracker{
		repo: repo,
		log:  log.With().Str("component", "jobs").Logger(),
	}
}

// Open inserts this invocation's running row and returns its id.
func (t *Tracker) Open(ctx context.Context, name string, env domain.Environment, schedulerRunID *string, metadata map[string]interface{}) (int64, error) {
	id, err := t.repo.Open(ctx, persistence.Job{
		JobName:        name,
		Environment:    string(env),
		SchedulerRunID: schedulerRunID,
		Status:         persistence.JobRunning,
		Metadata:       metadata,
	})
	if err != nil {
		return 0, err
	}

	t.log.Info().
		Int64("job_id", id).
		Str("job_name", name).
		Str("environment", string(env)).
		Msg("job opened")
	return id, nil
}

// Finalize writes the terminal row for a job.
func (t *Tracker) Finalize(ctx context.Context, jobID int64, status string, c Counters, errorSummary *string) error {
	err := t.repo.Finalize(ctx, persistence.Job{
		ID:               jobID,
		Status:           status,
		RecordsProcessed: c.Processed,
		RecordsInserted:  c.Inserted,
		RecordsUpdated:   c.Updated,
		RecordsSkipped:   c.Skipped,
		RecordsFailed:    c.Failed,
		QualityFailed:    c.QualityFailed,
		ErrorSummary:     errorSummary,
	})
	if err != nil {
		return err
	}

	t.log.Info().
		Int64("job_id", jobID).
		Str("status", status).
		Int64("processed", c.Processed).
		Int64("inserted", c.Inserted).
		Int64("updated", c.Updated).
		Int64("skipped", c.Skipped).
		Int64("failed", c.Failed).
		Int64("quality_failed", c.QualityFailed).
		Msg("job finalized")
	return nil
}

// KeepAlive advances the job's heartbeat every interval until ctx is
// cancelled. It returns once the loop has stopped, so callers run it in its
// own goroutine. A heartbeat against an already-final job stops the loop.
func (t *Tracker) KeepAlive(ctx context.Context, jobID int64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := t.repo.Heartbeat(ctx, jobID)
			if err == nil {
				continue
			}
			if errors.Is(err, persistence.ErrAlreadyFinal) {
				t.log.Warn().Int64("job_id", jobID).Msg("heartbeat on finalized job, stopping")
				return
			}
			if ctx.Err() != nil {
				return
			}
			t.log.Warn().Err(err).Int64("job_id", jobID).Msg("heartbeat failed")
		}
	}
}
