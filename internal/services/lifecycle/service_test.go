package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/common"
	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
	"github.com/fredfleetwood/backendbokning/internal/services/events"
	storagebadger "github.com/fredfleetwood/backendbokning/internal/storage/badger"
)

func newTestService(t *testing.T) (*Service, interfaces.JobStorage) {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storagebadger.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage := storagebadger.NewJobStorage(db, logger)
	return NewService(storage, events.NewService(logger), logger), storage
}

func seedJob(t *testing.T, storage interfaces.JobStorage) *models.BookingJob {
	t.Helper()
	job := models.NewBookingJob(&models.BookingRequest{
		UserID:         "user-1",
		PersonalNumber: "199001011234",
		LicenseType:    "B",
		ExamType:       "Körprov",
		Locations:      []string{"Stockholm"},
	})
	require.NoError(t, storage.SaveJob(context.Background(), job))
	return job
}

func TestService_ApplyAdvancesAndBumpsVersion(t *testing.T) {
	svc, storage := newTestService(t)
	job := seedJob(t, storage)

	updated, err := svc.Apply(context.Background(), job.ID, job.Version, models.JobStatusNavigating, models.StatusPayload{
		Message: "opening portal",
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusNavigating, updated.Status)
	assert.Equal(t, job.Version+1, updated.Version)
	assert.Equal(t, models.JobStatusNavigating.Progress(), updated.Progress)
	assert.Equal(t, "opening portal", updated.Message)
	assert.NotNil(t, updated.StartedAt)
}

func TestService_ApplyRejectsStaleVersion(t *testing.T) {
	svc, storage := newTestService(t)
	job := seedJob(t, storage)

	_, err := svc.Apply(context.Background(), job.ID, job.Version, models.JobStatusNavigating, models.StatusPayload{})
	require.NoError(t, err)

	// Second writer still holds the old version
	_, err = svc.Apply(context.Background(), job.ID, job.Version, models.JobStatusLogin, models.StatusPayload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStaleVersion))

	// The rejection must have no side effects
	current, err := storage.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNavigating, current.Status)
	assert.Equal(t, job.Version+1, current.Version)
}

func TestService_ApplyRejectsIllegalEdge(t *testing.T) {
	svc, storage := newTestService(t)
	job := seedJob(t, storage)

	_, err := svc.Apply(context.Background(), job.ID, job.Version, models.JobStatusBooking, models.StatusPayload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	current, err := storage.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarting, current.Status)
	assert.Equal(t, job.Version, current.Version)
}

func TestService_QRRefreshBackwardEdge(t *testing.T) {
	svc, storage := newTestService(t)
	job := seedJob(t, storage)

	path := []models.JobStatus{
		models.JobStatusNavigating,
		models.JobStatusLogin,
		models.JobStatusBankID,
		models.JobStatusQRWaiting,
	}
	current := job
	var err error
	for _, next := range path {
		current, err = svc.Apply(context.Background(), job.ID, current.Version, next, models.StatusPayload{})
		require.NoError(t, err)
	}

	// Stale QR re-triggers BankID, then back to waiting
	current, err = svc.Apply(context.Background(), job.ID, current.Version, models.JobStatusBankID, models.StatusPayload{})
	require.NoError(t, err)
	current, err = svc.Apply(context.Background(), job.ID, current.Version, models.JobStatusQRWaiting, models.StatusPayload{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQRWaiting, current.Status)
}

func TestService_TerminalStampsCompletion(t *testing.T) {
	svc, storage := newTestService(t)
	job := seedJob(t, storage)

	updated, err := svc.Apply(context.Background(), job.ID, job.Version, models.JobStatusFailed, models.StatusPayload{
		Error: "driver crashed",
	})
	require.NoError(t, err)
	assert.NotNil(t, updated.CompletedAt)
	assert.Equal(t, "driver crashed", updated.Error)

	// Terminal states absorb all further transitions
	_, err = svc.Apply(context.Background(), job.ID, updated.Version, models.JobStatusCancelled, models.StatusPayload{})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
}

func TestService_ApplyUnknownJob(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Apply(context.Background(), "missing", 1, models.JobStatusNavigating, models.StatusPayload{})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestService_AdvanceUsesCurrentVersion(t *testing.T) {
	svc, storage := newTestService(t)
	job := seedJob(t, storage)

	_, err := svc.Advance(context.Background(), job.ID, models.JobStatusNavigating, models.StatusPayload{})
	require.NoError(t, err)
	updated, err := svc.Advance(context.Background(), job.ID, models.JobStatusLogin, models.StatusPayload{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusLogin, updated.Status)
}

func TestService_PublishesStatusEvents(t *testing.T) {
	logger := arbor.NewLogger()
	db, err := storagebadger.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage := storagebadger.NewJobStorage(db, logger)
	bus := events.NewService(logger)
	svc := NewService(storage, bus, logger)

	received := make(chan *models.BookingJob, 1)
	require.NoError(t, bus.Subscribe(interfaces.EventJobStatusChanged, func(ctx context.Context, event interfaces.Event) error {
		if job, ok := event.Payload.(*models.BookingJob); ok {
			received <- job
		}
		return nil
	}))

	job := seedJob(t, storage)
	_, err = svc.Apply(context.Background(), job.ID, job.Version, models.JobStatusNavigating, models.StatusPayload{})
	require.NoError(t, err)

	select {
	case published := <-received:
		assert.Equal(t, models.JobStatusNavigating, published.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no status event published")
	}
}

func TestService_PublishOrderMatchesApplyOrder(t *testing.T) {
	logger := arbor.NewLogger()
	db, err := storagebadger.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage := storagebadger.NewJobStorage(db, logger)
	bus := events.NewService(logger)
	svc := NewService(storage, bus, logger)

	var mu sync.Mutex
	var seen []models.JobStatus
	require.NoError(t, bus.Subscribe(interfaces.EventJobStatusChanged, func(ctx context.Context, event interfaces.Event) error {
		if job, ok := event.Payload.(*models.BookingJob); ok {
			mu.Lock()
			seen = append(seen, job.Status)
			mu.Unlock()
		}
		return nil
	}))

	job := seedJob(t, storage)
	path := []models.JobStatus{
		models.JobStatusNavigating,
		models.JobStatusLogin,
		models.JobStatusBankID,
		models.JobStatusQRWaiting,
		models.JobStatusBankID,
		models.JobStatusQRWaiting,
		models.JobStatusAuthenticated,
		models.JobStatusConfiguring,
		models.JobStatusLocations,
		models.JobStatusSearching,
		models.JobStatusBooking,
		models.JobStatusCompleted,
	}
	for _, next := range path {
		_, err := svc.Advance(context.Background(), job.ID, next, models.StatusPayload{})
		require.NoError(t, err)
	}

	// Apply returns only after its handlers ran, so downstream consumers
	// (webhook queues, websocket) observe status changes in apply order
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, path, seen)
}
