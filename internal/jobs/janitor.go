package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkowalik/stockflow/internal/persistence"
)

// DefaultStaleAfter is how long a running job may go without a heartbeat
// before the janitor treats it as abandoned. Twice the run hard deadline.
const DefaultStaleAfter = 2 * time.Hour

// Janitor finalizes running jobs whose owner process died without reaching
// a terminal transition.
type Janitor struct {
	repo       persistence.JobRepo
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewJanitor creates a janitor. A non-positive staleAfter falls back to
// DefaultStaleAfter.
func NewJanitor(repo persistence.JobRepo, staleAfter time.Duration) *Janitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Janitor{
		repo:       repo,
		staleAfter: staleAfter,
		log:        log.With().Str("component", "janitor").Logger(),
		now:        time.Now,
	}
}

// Sweep finalizes every stale running job as failed and returns how many it
// closed. The counters already accumulated on the row are preserved as-is;
// only status, finish time, and the error summary change.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.staleAfter)

	stale, err := j.repo.StaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	swept := 0
	for _, job := range stale {
		summary := fmt.Sprintf("no heartbeat since %s, closed by janitor",
			job.HeartbeatAt.UTC().Format(time.RFC3339))

		job.Status = persistence.JobFailed
		job.ErrorSummary = &summary
		if err := j.repo.Finalize(ctx, job); err != nil {
			// Lost the race against a live finalize; that is the good case.
			j.log.Warn().Err(err).Int64("job_id", job.ID).Msg("stale job finalize failed")
			continue
		}

		j.log.Info().
			Int64("job_id", job.ID).
			Str("job_name", job.JobName).
			Str("environment", job.Environment).
			Time("heartbeat_at", job.HeartbeatAt).
			Msg("stale running job closed as failed")
		swept++
	}

	return swept, nil
}
