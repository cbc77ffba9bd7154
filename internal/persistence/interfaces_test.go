package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureKinds_SurviveWrapping(t *testing.T) {
	// Repositories wrap driver errors with context; callers must still be
	// able to branch on the kind.
	wrapped := fmt.Errorf("open job dev/run-42: %w", ErrDuplicateRun)
	assert.ErrorIs(t, wrapped, ErrDuplicateRun)
	assert.NotErrorIs(t, wrapped, ErrAlreadyFinal)

	wrapped = fmt.Errorf("upsert price: %v: %w", errors.New("pq: 23514"), ErrConstraint)
	assert.ErrorIs(t, wrapped, ErrConstraint)
	assert.NotErrorIs(t, wrapped, ErrConnection)
}

func TestFailureKinds_AreDistinct(t *testing.T) {
	kinds := []error{ErrDuplicateRun, ErrAlreadyFinal, ErrConstraint, ErrConnection}
	for i, a := range kinds {
		for j, b := range kinds {
			if i == j {
				continue
			}
			assert.NotErrorIs(t, a, b)
		}
	}
}

func TestStoredEnums_MatchSchemaValues(t *testing.T) {
	// These literals land in etl_jobs.status and etl_job_details.operation;
	// the schema CHECK constraints name the same strings.
	assert.Equal(t, "running", JobRunning)
	assert.Equal(t, "completed", JobCompleted)
	assert.Equal(t, "partial", JobPartial)
	assert.Equal(t, "failed", JobFailed)
	assert.Equal(t, "skipped", JobSkipped)

	assert.Equal(t, "insert", OpInsert)
	assert.Equal(t, "update", OpUpdate)
	assert.Equal(t, "skip", OpSkip)
	assert.Equal(t, "error", OpError)
}
