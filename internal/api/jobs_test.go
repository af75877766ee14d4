package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sccs/internal/domain"
)

func testStore(t *testing.T) *JobStore {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewJobStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestJobStoreRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &Job{
		ID:        "job-1",
		Status:    JobRunning,
		CreatedAt: time.Now().UTC(),
		CasesDone: 42,
		Attrition: &domain.Attrition{Steps: []domain.AttritionStep{
			{Description: "outcome 99 occurrences", Cases: 42, Outcomes: 50},
		}},
	}
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.Status)
	assert.Equal(t, 42, got.CasesDone)
	require.NotNil(t, got.Attrition)
	assert.Equal(t, "outcome 99 occurrences", got.Attrition.Steps[0].Description)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestJobStoreUnknownID(t *testing.T) {
	store := testStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobStoreOverwriteAdvancesStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &Job{ID: "job-2", Status: JobQueued, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Save(ctx, job))
	job.Status = JobCompleted
	job.Intervals = 123
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Equal(t, 123, got.Intervals)
}
