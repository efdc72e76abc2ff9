package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/common"
	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
	"github.com/fredfleetwood/backendbokning/internal/services/admission"
	"github.com/fredfleetwood/backendbokning/internal/services/events"
	"github.com/fredfleetwood/backendbokning/internal/services/lifecycle"
	"github.com/fredfleetwood/backendbokning/internal/services/qrcache"
	storagebadger "github.com/fredfleetwood/backendbokning/internal/storage/badger"
)

type testEnv struct {
	storage   interfaces.JobStorage
	admission *admission.Controller
	qrCache   *qrcache.Service
	lifecycle *lifecycle.Service
	events    interfaces.EventService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storagebadger.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage := storagebadger.NewJobStorage(db, logger)
	bus := events.NewService(logger)
	return &testEnv{
		storage:   storage,
		admission: admission.NewController(10, 10, logger),
		qrCache:   qrcache.NewService(180*time.Second, logger),
		lifecycle: lifecycle.NewService(storage, bus, logger),
		events:    bus,
	}
}

func (e *testEnv) newDispatcher(t *testing.T, executor Executor, jobTimeout time.Duration) *Dispatcher {
	t.Helper()
	d := NewDispatcher(2, 10, jobTimeout, 50*time.Millisecond,
		e.admission, e.lifecycle, e.storage, e.qrCache, executor, arbor.NewLogger())
	t.Cleanup(d.Stop)
	return d
}

func (e *testEnv) seedAdmittedJob(t *testing.T) *models.BookingJob {
	t.Helper()
	job := models.NewBookingJob(&models.BookingRequest{
		UserID:         "user-1",
		PersonalNumber: "199001011234",
		LicenseType:    "B",
		ExamType:       "Körprov",
		Locations:      []string{"Stockholm"},
	})
	require.NoError(t, e.storage.SaveJob(context.Background(), job))
	require.NoError(t, e.admission.AdmitJob(job.ID))
	return job
}

func (e *testEnv) waitForStatus(t *testing.T, jobID string, want models.JobStatus) *models.BookingJob {
	t.Helper()
	var job *models.BookingJob
	require.Eventually(t, func() bool {
		var err error
		job, err = e.storage.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

// executorFunc adapts a function to the Executor interface
type executorFunc func(ctx context.Context, job *models.BookingJob) error

func (f executorFunc) Execute(ctx context.Context, job *models.BookingJob) error {
	return f(ctx, job)
}

func TestDispatcher_CompletesJobAndReleasesSlots(t *testing.T) {
	env := newTestEnv(t)

	executor := executorFunc(func(ctx context.Context, job *models.BookingJob) error {
		current, err := env.storage.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, next := range []models.JobStatus{
			models.JobStatusNavigating, models.JobStatusLogin, models.JobStatusBankID,
			models.JobStatusQRWaiting, models.JobStatusAuthenticated, models.JobStatusConfiguring,
			models.JobStatusLocations, models.JobStatusSearching, models.JobStatusBooking,
			models.JobStatusCompleted,
		} {
			if current, err = env.lifecycle.Apply(ctx, job.ID, current.Version, next, models.StatusPayload{}); err != nil {
				return err
			}
		}
		return nil
	})

	d := env.newDispatcher(t, executor, time.Minute)
	d.Start()

	job := env.seedAdmittedJob(t)
	require.NoError(t, d.Submit(job.ID))

	final := env.waitForStatus(t, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 100, final.Progress)

	require.Eventually(t, func() bool {
		return env.admission.ActiveJobs() == 0 && env.admission.ActiveBrowsers() == 0
	}, 2*time.Second, 10*time.Millisecond, "slots must be released after completion")
}

func TestDispatcher_TimeoutFailsJob(t *testing.T) {
	env := newTestEnv(t)

	executor := executorFunc(func(ctx context.Context, job *models.BookingJob) error {
		<-ctx.Done()
		return ctx.Err()
	})

	d := env.newDispatcher(t, executor, 50*time.Millisecond)
	d.Start()

	job := env.seedAdmittedJob(t)
	require.NoError(t, d.Submit(job.ID))

	final := env.waitForStatus(t, job.ID, models.JobStatusFailed)
	assert.Contains(t, final.Error, "timed out")

	require.Eventually(t, func() bool {
		return env.admission.ActiveJobs() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_TimeoutKeepsExecutorPhaseDetail(t *testing.T) {
	env := newTestEnv(t)

	executor := executorFunc(func(ctx context.Context, job *models.BookingJob) error {
		return fmt.Errorf("BankID authentication window elapsed: %w", models.ErrTimeout)
	})

	d := env.newDispatcher(t, executor, time.Minute)
	d.Start()

	job := env.seedAdmittedJob(t)
	require.NoError(t, d.Submit(job.ID))

	final := env.waitForStatus(t, job.ID, models.JobStatusFailed)
	assert.Contains(t, final.Error, "BankID authentication window elapsed")
}

func TestDispatcher_CancelRunningJob(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan struct{})
	executor := executorFunc(func(ctx context.Context, job *models.BookingJob) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	d := env.newDispatcher(t, executor, time.Minute)
	d.Start()

	job := env.seedAdmittedJob(t)
	require.NoError(t, d.Submit(job.ID))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}

	require.NoError(t, d.Cancel(context.Background(), job.ID))
	env.waitForStatus(t, job.ID, models.JobStatusCancelled)

	require.Eventually(t, func() bool {
		return env.admission.ActiveJobs() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_CancelTerminalJobIsNoop(t *testing.T) {
	env := newTestEnv(t)
	d := env.newDispatcher(t, executorFunc(func(ctx context.Context, job *models.BookingJob) error {
		return nil
	}), time.Minute)

	job := env.seedAdmittedJob(t)
	_, err := env.lifecycle.Apply(context.Background(), job.ID, job.Version, models.JobStatusCancelled, models.StatusPayload{})
	require.NoError(t, err)

	// Cancelling an already-settled job succeeds without touching it
	require.NoError(t, d.Cancel(context.Background(), job.ID))
	require.NoError(t, d.Cancel(context.Background(), job.ID))

	current, err := env.storage.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, current.Status)
	assert.Equal(t, job.Version+1, current.Version)
}

func TestDispatcher_CancelQueuedJob(t *testing.T) {
	env := newTestEnv(t)
	// Dispatcher is never started, so the job stays queued
	d := env.newDispatcher(t, executorFunc(func(ctx context.Context, job *models.BookingJob) error {
		return nil
	}), time.Minute)

	job := env.seedAdmittedJob(t)
	require.NoError(t, d.Submit(job.ID))

	require.NoError(t, d.Cancel(context.Background(), job.ID))
	env.waitForStatus(t, job.ID, models.JobStatusCancelled)
}

func TestDispatcher_SubmitQueueFull(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(1, 1, time.Minute, 50*time.Millisecond,
		env.admission, env.lifecycle, env.storage, env.qrCache,
		executorFunc(func(ctx context.Context, job *models.BookingJob) error { return nil }),
		arbor.NewLogger())
	t.Cleanup(d.Stop)

	require.NoError(t, d.Submit("queued-1"))
	err := d.Submit("queued-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrCapacityExceeded))
}

func TestDispatcher_PanicSettlesJob(t *testing.T) {
	env := newTestEnv(t)

	executor := executorFunc(func(ctx context.Context, job *models.BookingJob) error {
		panic("boom")
	})

	d := env.newDispatcher(t, executor, time.Minute)
	d.Start()

	job := env.seedAdmittedJob(t)
	require.NoError(t, d.Submit(job.ID))

	final := env.waitForStatus(t, job.ID, models.JobStatusFailed)
	assert.Contains(t, final.Error, "internal error")

	require.Eventually(t, func() bool {
		return env.admission.ActiveJobs() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
