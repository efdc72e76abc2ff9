// Package worker dispatches admitted booking jobs onto a bounded pool,
// enforcing per-job timeouts, cooperative cancellation, and exactly-once
// release of admission slots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
	"github.com/fredfleetwood/backendbokning/internal/services/admission"
	"github.com/fredfleetwood/backendbokning/internal/services/lifecycle"
	"github.com/fredfleetwood/backendbokning/internal/services/qrcache"
)

// Executor runs the booking workflow for a single job
type Executor interface {
	Execute(ctx context.Context, job *models.BookingJob) error
}

// Dispatcher owns the submission queue and worker pool
type Dispatcher struct {
	queue       chan string
	numWorkers  int
	jobTimeout  time.Duration
	gracePeriod time.Duration

	admission *admission.Controller
	lifecycle *lifecycle.Service
	storage   interfaces.JobStorage
	qrCache   *qrcache.Service
	executor  Executor
	logger    arbor.ILogger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a bounded submission queue
func NewDispatcher(
	numWorkers, queueSize int,
	jobTimeout, gracePeriod time.Duration,
	admissionCtrl *admission.Controller,
	lifecycleSvc *lifecycle.Service,
	storage interfaces.JobStorage,
	qrCache *qrcache.Service,
	executor Executor,
	logger arbor.ILogger,
) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:       make(chan string, queueSize),
		numWorkers:  numWorkers,
		jobTimeout:  jobTimeout,
		gracePeriod: gracePeriod,
		admission:   admissionCtrl,
		lifecycle:   lifecycleSvc,
		storage:     storage,
		qrCache:     qrCache,
		executor:    executor,
		logger:      logger,
		cancels:     make(map[string]context.CancelFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start() {
	for i := 0; i < d.numWorkers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info().Int("workers", d.numWorkers).Msg("Dispatcher started")
}

// Submit queues an admitted job for execution. Returns CapacityExceeded
// when the submission queue is full; the caller must release the job's
// admission slot in that case.
func (d *Dispatcher) Submit(jobID string) error {
	select {
	case d.queue <- jobID:
		return nil
	default:
		return fmt.Errorf("submission queue full: %w", models.ErrCapacityExceeded)
	}
}

// Cancel requests cooperative cancellation of a job. Running jobs get
// their context cancelled and, after the grace period, are force-marked
// cancelled if the executor has not wound down. Queued jobs are marked
// cancelled immediately and skipped on dequeue. Cancelling a job that
// already reached a terminal state is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		// Already settled: cancelling again is a no-op
		return nil
	}

	d.mu.Lock()
	cancelJob, running := d.cancels[jobID]
	d.mu.Unlock()

	if !running {
		// Queued or orphaned: settle it directly
		d.finalize(jobID, models.JobStatusCancelled, models.StatusPayload{Message: "cancelled before execution"})
		return nil
	}

	cancelJob()
	d.logger.Info().Str("job_id", jobID).Dur("grace", d.gracePeriod).Msg("Cancellation requested")

	// Force-settle after the grace period if the executor hangs
	go func() {
		time.Sleep(d.gracePeriod)
		current, err := d.storage.GetJob(context.Background(), jobID)
		if err != nil || current.Status.IsTerminal() {
			return
		}
		d.logger.Warn().Str("job_id", jobID).Msg("Grace period elapsed, force-marking job cancelled")
		d.finalize(jobID, models.JobStatusCancelled, models.StatusPayload{Message: "cancelled after grace period"})
	}()
	return nil
}

// Stop drains the pool: the run context is cancelled and workers are
// awaited so in-flight jobs settle through their normal failure paths.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case jobID := <-d.queue:
			d.process(jobID)
		}
	}
}

func (d *Dispatcher) process(jobID string) {
	job, err := d.storage.GetJob(d.ctx, jobID)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("Dequeued unknown job")
		d.admission.Release(jobID)
		return
	}
	if job.Status.IsTerminal() {
		// Cancelled while queued
		d.admission.Release(jobID)
		return
	}

	// A worker slot is not a browser slot: the browser cap is enforced
	// separately at the moment the job starts driving one
	if err := d.admission.AcquireBrowser(jobID); err != nil {
		d.finalize(jobID, models.JobStatusFailed, models.StatusPayload{Error: err.Error()})
		d.admission.Release(jobID)
		return
	}

	jobCtx, cancelJob := context.WithTimeout(d.ctx, d.jobTimeout)

	d.mu.Lock()
	d.cancels[jobID] = cancelJob
	d.mu.Unlock()

	// Exactly-once teardown for every completion path, panics included
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("job_id", jobID).
				Str("stack", string(debug.Stack())).
				Msgf("Job executor panicked: %v", r)
			d.finalize(jobID, models.JobStatusFailed, models.StatusPayload{Error: fmt.Sprintf("internal error: %v", r)})
		}

		d.mu.Lock()
		delete(d.cancels, jobID)
		d.mu.Unlock()

		cancelJob()
		d.qrCache.Evict(jobID)
		d.admission.Release(jobID)
	}()

	err = d.executor.Execute(jobCtx, job)
	switch {
	case err == nil:
		d.logger.Info().Str("job_id", jobID).Msg("Job completed")

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, models.ErrTimeout):
		// Executors wrap ErrTimeout with phase detail (e.g. which BankID
		// step elapsed); keep that text and only synthesize a message for
		// a bare deadline
		msg := err.Error()
		if !errors.Is(err, models.ErrTimeout) {
			msg = fmt.Sprintf("%v: exceeded %s", models.ErrTimeout, d.jobTimeout)
		}
		d.finalize(jobID, models.JobStatusFailed, models.StatusPayload{Error: msg})

	case errors.Is(err, context.Canceled), errors.Is(err, models.ErrCancelled):
		d.finalize(jobID, models.JobStatusCancelled, models.StatusPayload{Message: "cancelled by request"})

	default:
		d.finalize(jobID, models.JobStatusFailed, models.StatusPayload{Error: err.Error()})
	}
}

// finalize moves a job to a terminal state, tolerating races with other
// settlers: a job already terminal is left as-is.
func (d *Dispatcher) finalize(jobID string, status models.JobStatus, payload models.StatusPayload) {
	_, err := d.lifecycle.Advance(context.Background(), jobID, status, payload)
	if err != nil && !errors.Is(err, models.ErrInvalidTransition) && !errors.Is(err, models.ErrStaleVersion) {
		d.logger.Error().Err(err).Str("job_id", jobID).Str("status", string(status)).Msg("Failed to settle job")
	}
}
