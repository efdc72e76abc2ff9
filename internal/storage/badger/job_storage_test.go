package badger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/common"
	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
)

func newTestStorage(t *testing.T) interfaces.JobStorage {
	t.Helper()

	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJobStorage(db, arbor.NewLogger())
}

func testJob(userID string) *models.BookingJob {
	return models.NewBookingJob(&models.BookingRequest{
		UserID:         userID,
		PersonalNumber: "199001011234",
		LicenseType:    "B",
		ExamType:       "Körprov",
		Locations:      []string{"Stockholm"},
	})
}

func TestJobStorage_SaveAndGet(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := testJob("user-1")
	require.NoError(t, storage.SaveJob(ctx, job))

	got, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, models.JobStatusStarting, got.Status)
	assert.Equal(t, 1, got.Version)
}

func TestJobStorage_GetUnknown(t *testing.T) {
	storage := newTestStorage(t)

	_, err := storage.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestJobStorage_UpdateBumpsVersion(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := testJob("user-1")
	require.NoError(t, storage.SaveJob(ctx, job))

	updated, err := storage.UpdateJob(ctx, job.ID, func(j *models.BookingJob) error {
		j.Message = "navigating to portal"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "navigating to portal", updated.Message)
	assert.True(t, updated.UpdatedAt.After(job.UpdatedAt) || updated.UpdatedAt.Equal(job.UpdatedAt))

	got, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestJobStorage_UpdateAbortLeavesJobUntouched(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := testJob("user-1")
	require.NoError(t, storage.SaveJob(ctx, job))

	abort := errors.New("mutation rejected")
	_, err := storage.UpdateJob(ctx, job.ID, func(j *models.BookingJob) error {
		j.Message = "should not persist"
		return abort
	})
	assert.True(t, errors.Is(err, abort))

	got, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Empty(t, got.Message)
}

func TestJobStorage_ListJobsFilters(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	a := testJob("user-a")
	b := testJob("user-b")
	require.NoError(t, storage.SaveJob(ctx, a))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, storage.SaveJob(ctx, b))

	_, err := storage.UpdateJob(ctx, b.ID, func(j *models.BookingJob) error {
		j.Status = models.JobStatusCompleted
		return nil
	})
	require.NoError(t, err)

	all, err := storage.ListJobs(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first
	assert.Equal(t, b.ID, all[0].ID)

	byUser, err := storage.ListJobs(ctx, "user-a", "", 0)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, a.ID, byUser[0].ID)

	byStatus, err := storage.ListJobs(ctx, "", models.JobStatusCompleted, 0)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, b.ID, byStatus[0].ID)

	limited, err := storage.ListJobs(ctx, "", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJobStorage_ListActiveJobs(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	active := testJob("user-a")
	require.NoError(t, storage.SaveJob(ctx, active))

	for _, terminal := range []models.JobStatus{
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		job := testJob("user-b")
		require.NoError(t, storage.SaveJob(ctx, job))
		_, err := storage.UpdateJob(ctx, job.ID, func(j *models.BookingJob) error {
			j.Status = terminal
			return nil
		})
		require.NoError(t, err)
	}

	jobs, err := storage.ListActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, active.ID, jobs[0].ID)
}

func TestJobStorage_DeleteJob(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := testJob("user-1")
	require.NoError(t, storage.SaveJob(ctx, job))
	require.NoError(t, storage.DeleteJob(ctx, job.ID))

	_, err := storage.GetJob(ctx, job.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	err = storage.DeleteJob(ctx, job.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
