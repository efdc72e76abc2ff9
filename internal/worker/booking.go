package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
	"github.com/fredfleetwood/backendbokning/internal/services/lifecycle"
	"github.com/fredfleetwood/backendbokning/internal/services/qrcache"
)

// slotRetryInterval paces repeated searches when no slot is offered
var slotRetryInterval = 30 * time.Second

// BookingExecutor drives a booking job through the portal workflow:
// navigate, BankID QR auth, exam configuration, slot search, booking.
type BookingExecutor struct {
	drivers         interfaces.DriverFactory
	lifecycle       *lifecycle.Service
	qrCache         *qrcache.Service
	events          interfaces.EventService
	startURL        string
	captureInterval time.Duration
	bankidTimeout   time.Duration
	logger          arbor.ILogger
}

// NewBookingExecutor creates the workflow executor
func NewBookingExecutor(
	drivers interfaces.DriverFactory,
	lifecycleSvc *lifecycle.Service,
	qrCache *qrcache.Service,
	events interfaces.EventService,
	startURL string,
	captureInterval, bankidTimeout time.Duration,
	logger arbor.ILogger,
) *BookingExecutor {
	return &BookingExecutor{
		drivers:         drivers,
		lifecycle:       lifecycleSvc,
		qrCache:         qrCache,
		events:          events,
		startURL:        startURL,
		captureInterval: captureInterval,
		bankidTimeout:   bankidTimeout,
		logger:          logger,
	}
}

// Execute runs the workflow to completion. The final completed state is
// applied here; failure and cancellation settling belongs to the caller.
func (e *BookingExecutor) Execute(ctx context.Context, job *models.BookingJob) error {
	jobLogger := e.logger.WithCorrelationId(job.ID)

	driver, err := e.drivers.NewDriver(ctx)
	if err != nil {
		return err
	}
	defer driver.Abort()

	input := interfaces.StepInput{
		PersonalNumber: job.PersonalNumber,
		LicenseType:    job.LicenseType,
		ExamType:       job.ExamType,
		Locations:      job.Locations,
	}

	if _, err := e.advance(ctx, job.ID, models.JobStatusNavigating, "opening booking portal"); err != nil {
		return err
	}
	if err := driver.Navigate(ctx, e.startURL); err != nil {
		return err
	}

	if _, err := e.advance(ctx, job.ID, models.JobStatusLogin, "opening login"); err != nil {
		return err
	}
	if _, err := driver.Perform(ctx, interfaces.StepOpenLogin, input); err != nil {
		return err
	}

	if _, err := e.advance(ctx, job.ID, models.JobStatusBankID, "starting BankID"); err != nil {
		return err
	}
	if _, err := driver.Perform(ctx, interfaces.StepTriggerBankID, input); err != nil {
		return err
	}

	if err := e.authenticate(ctx, driver, job, input, jobLogger); err != nil {
		return err
	}

	if _, err := e.advance(ctx, job.ID, models.JobStatusConfiguring, "selecting exam"); err != nil {
		return err
	}
	if _, err := driver.Perform(ctx, interfaces.StepSelectLicense, input); err != nil {
		return err
	}
	if _, err := driver.Perform(ctx, interfaces.StepSelectExam, input); err != nil {
		return err
	}

	if _, err := e.advance(ctx, job.ID, models.JobStatusLocations, "selecting locations"); err != nil {
		return err
	}
	if _, err := driver.Perform(ctx, interfaces.StepSelectLocations, input); err != nil {
		return err
	}

	if _, err := e.advance(ctx, job.ID, models.JobStatusSearching, "searching for slots"); err != nil {
		return err
	}
	if err := e.search(ctx, driver, input, jobLogger); err != nil {
		return err
	}

	if _, err := e.advance(ctx, job.ID, models.JobStatusBooking, "confirming booking"); err != nil {
		return err
	}
	if _, err := driver.Perform(ctx, interfaces.StepConfirmBooking, input); err != nil {
		return err
	}

	_, err = e.lifecycle.Advance(ctx, job.ID, models.JobStatusCompleted, models.StatusPayload{
		Message: "booking confirmed",
		Result: map[string]interface{}{
			"booked_at":    time.Now().UTC().Format(time.RFC3339),
			"license_type": job.LicenseType,
			"exam_type":    job.ExamType,
		},
	})
	return err
}

// authenticate runs the QR capture loop until BankID auth succeeds. A
// stale QR re-triggers BankID (the one backward edge in the workflow);
// the whole phase is bounded by the BankID timeout.
func (e *BookingExecutor) authenticate(ctx context.Context, driver interfaces.Driver, job *models.BookingJob, input interfaces.StepInput, jobLogger arbor.ILogger) error {
	if _, err := e.advance(ctx, job.ID, models.JobStatusQRWaiting, "waiting for BankID scan"); err != nil {
		return err
	}

	deadline := time.Now().Add(e.bankidTimeout)
	ticker := time.NewTicker(e.captureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("BankID authentication window elapsed: %w", models.ErrTimeout)
		}

		if data, ok, err := driver.DetectQR(ctx); err != nil {
			return err
		} else if ok {
			e.publishQR(ctx, job, data)
		}

		outcome, err := driver.Perform(ctx, interfaces.StepCheckAuth, input)
		if err != nil {
			return err
		}

		switch outcome {
		case interfaces.OutcomeDone:
			if _, err := e.advance(ctx, job.ID, models.JobStatusAuthenticated, "BankID authentication complete"); err != nil {
				return err
			}
			return nil

		case interfaces.OutcomeQRStale:
			jobLogger.Debug().Msg("QR code expired, re-triggering BankID")
			if _, err := e.advance(ctx, job.ID, models.JobStatusBankID, "refreshing QR code"); err != nil {
				return err
			}
			if _, err := driver.Perform(ctx, interfaces.StepTriggerBankID, input); err != nil {
				return err
			}
			if _, err := e.advance(ctx, job.ID, models.JobStatusQRWaiting, "waiting for BankID scan"); err != nil {
				return err
			}

		case interfaces.OutcomePending:
			// Keep polling
		}
	}
}

// search retries the slot search until one is offered or the job
// context expires
func (e *BookingExecutor) search(ctx context.Context, driver interfaces.Driver, input interfaces.StepInput, jobLogger arbor.ILogger) error {
	for {
		outcome, err := driver.Perform(ctx, interfaces.StepSearchSlots, input)
		if err != nil {
			return err
		}
		if outcome == interfaces.OutcomeDone {
			return nil
		}

		jobLogger.Debug().Dur("retry_in", slotRetryInterval).Msg("No bookable slots, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slotRetryInterval):
		}
	}
}

// publishQR caches the frame and fans it out unless an equal-or-newer
// frame is already cached
func (e *BookingExecutor) publishQR(ctx context.Context, job *models.BookingJob, data []byte) {
	capturedAt := time.Now()
	encoded := base64.StdEncoding.EncodeToString(data)
	if !e.qrCache.Put(job.ID, encoded, capturedAt) {
		return
	}

	frame, ok := e.qrCache.Get(job.ID)
	if !ok {
		return
	}
	e.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventQRCaptured,
		Payload: frame,
	})
}

func (e *BookingExecutor) advance(ctx context.Context, jobID string, status models.JobStatus, message string) (*models.BookingJob, error) {
	return e.lifecycle.Advance(ctx, jobID, status, models.StatusPayload{Message: message})
}
