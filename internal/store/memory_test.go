package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redaction-pipeline/internal/models"
)

func testJob(id string) models.Job {
	now := time.Now().UTC()
	return models.Job{
		ID:        id,
		OrgID:     "org-1",
		Kind:      models.KindDocument,
		Status:    models.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Create(ctx, testJob("j-1")))
	job, err := m.Get(ctx, "j-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, job.Status)

	_, err = m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, m.Create(ctx, testJob("j-1")), ErrAlreadyExists)
}

func TestMemoryCompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Create(ctx, testJob("j-1")))

	at := time.Now().UTC().Add(time.Second)
	require.NoError(t, m.CompareAndSetStatus(ctx, "j-1", models.StatusQueued, models.StatusRunning, at))

	job, err := m.Get(ctx, "j-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, job.Status)
	require.Equal(t, at, job.UpdatedAt)

	// Stale expectation loses.
	err = m.CompareAndSetStatus(ctx, "j-1", models.StatusQueued, models.StatusRunning, at)
	require.ErrorIs(t, err, ErrStatusConflict)

	err = m.CompareAndSetStatus(ctx, "missing", models.StatusQueued, models.StatusRunning, at)
	require.ErrorIs(t, err, ErrNotFound)
}
