package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalik/stockflow/internal/persistence"
)

func TestJanitor_SweepClosesStaleJobs(t *testing.T) {
	beat := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
	repo := &fakeJobRepo{
		stale: []persistence.Job{
			{ID: 1, JobName: "daily_ingest", Environment: "dev", Status: persistence.JobRunning, HeartbeatAt: beat, RecordsProcessed: 120, RecordsInserted: 120},
			{ID: 2, JobName: "daily_ingest", Environment: "prod", Status: persistence.JobRunning, HeartbeatAt: beat},
		},
	}

	janitor := NewJanitor(repo, 2*time.Hour)
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	janitor.now = func() time.Time { return now }

	swept, err := janitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	assert.Equal(t, now.Add(-2*time.Hour), repo.staleCutoff)

	require.Len(t, repo.finalized, 2)
	for _, job := range repo.finalized {
		assert.Equal(t, persistence.JobFailed, job.Status)
		require.NotNil(t, job.ErrorSummary)
		assert.Contains(t, *job.ErrorSummary, "janitor")
	}
	// Counters accumulated before the crash survive the close.
	assert.Equal(t, int64(120), repo.finalized[0].RecordsProcessed)
}

func TestJanitor_SweepLosingRaceIsNotAnError(t *testing.T) {
	repo := &fakeJobRepo{
		stale:       []persistence.Job{{ID: 1, Status: persistence.JobRunning}},
		finalizeErr: persistence.ErrAlreadyFinal,
	}

	swept, err := NewJanitor(repo, time.Hour).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestJanitor_NothingStale(t *testing.T) {
	repo := &fakeJobRepo{}

	swept, err := NewJanitor(repo, time.Hour).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.Empty(t, repo.finalized)
}

func TestNewJanitor_DefaultsStaleAfter(t *testing.T) {
	j := NewJanitor(&fakeJobRepo{}, 0)
	assert.Equal(t, DefaultStaleAfter, j.staleAfter)
}
