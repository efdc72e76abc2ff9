// Package app wires configuration, storage, services, workers, and
// handlers together and owns their lifecycles.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/common"
	"github.com/fredfleetwood/backendbokning/internal/handlers"
	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
	"github.com/fredfleetwood/backendbokning/internal/services/admission"
	"github.com/fredfleetwood/backendbokning/internal/services/driver"
	"github.com/fredfleetwood/backendbokning/internal/services/events"
	"github.com/fredfleetwood/backendbokning/internal/services/lifecycle"
	"github.com/fredfleetwood/backendbokning/internal/services/qrcache"
	"github.com/fredfleetwood/backendbokning/internal/services/webhook"
	storagebadger "github.com/fredfleetwood/backendbokning/internal/storage/badger"
	"github.com/fredfleetwood/backendbokning/internal/worker"
)

// App holds all application dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB          *storagebadger.BadgerDB
	JobStorage  interfaces.JobStorage
	DeadLetters interfaces.DeadLetterStorage

	EventService interfaces.EventService
	Admission    *admission.Controller
	QRCache      *qrcache.Service
	Lifecycle    *lifecycle.Service
	Deliverer    *webhook.Deliverer
	Dispatcher   *worker.Dispatcher

	WSHandler      *handlers.WebSocketHandler
	BookingHandler *handlers.BookingHandler
	HealthHandler  *handlers.HealthHandler

	scheduler *cron.Cron
}

// New creates and wires the application
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	if err := a.initStorage(); err != nil {
		return nil, err
	}
	a.initServices()
	a.initHandlers()
	if err := a.initSubscriptions(); err != nil {
		return nil, err
	}
	if err := a.initScheduler(); err != nil {
		return nil, err
	}

	a.Dispatcher.Start()
	a.scheduler.Start()

	logger.Info().
		Int("max_concurrent_jobs", config.Booking.MaxConcurrentJobs).
		Int("max_browser_instances", config.Booking.MaxBrowserInstances).
		Int("worker_concurrency", config.Booking.WorkerConcurrency).
		Msg("Application initialized")

	return a, nil
}

func (a *App) initStorage() error {
	db, err := storagebadger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db
	a.JobStorage = storagebadger.NewJobStorage(db, a.Logger)
	a.DeadLetters = storagebadger.NewDeadLetterStorage(db, a.Logger)
	return nil
}

func (a *App) initServices() {
	a.EventService = events.NewService(a.Logger)
	a.Admission = admission.NewController(
		a.Config.Booking.MaxConcurrentJobs,
		a.Config.Booking.MaxBrowserInstances,
		a.Logger,
	)
	a.QRCache = qrcache.NewService(a.Config.QR.TTLDuration(), a.Logger)
	a.Lifecycle = lifecycle.NewService(a.JobStorage, a.EventService, a.Logger)
	a.Deliverer = webhook.NewDeliverer(
		a.Config.Webhook.Secret,
		a.Config.Webhook.MaxAttempts,
		a.Config.Webhook.RequestTimeoutDuration(),
		a.Config.Webhook.BackoffBaseDuration(),
		a.DeadLetters,
		a.EventService,
		a.Logger,
	)

	drivers := driver.NewFactory(a.Config.Browser, a.Logger)
	executor := worker.NewBookingExecutor(
		drivers,
		a.Lifecycle,
		a.QRCache,
		a.EventService,
		a.Config.Browser.StartURL,
		a.Config.QR.CaptureIntervalDuration(),
		a.Config.QR.BankIDTimeoutDuration(),
		a.Logger,
	)
	a.Dispatcher = worker.NewDispatcher(
		a.Config.Booking.WorkerConcurrency,
		a.Config.Booking.MaxQueueSize,
		a.Config.Booking.JobTimeoutDuration(),
		a.Config.Booking.CancelGraceDuration(),
		a.Admission,
		a.Lifecycle,
		a.JobStorage,
		a.QRCache,
		executor,
		a.Logger,
	)
}

func (a *App) initHandlers() {
	a.WSHandler = handlers.NewWebSocketHandler(a.Config.WebSocket, a.Logger)
	a.BookingHandler = handlers.NewBookingHandler(
		a.JobStorage,
		a.DeadLetters,
		a.Admission,
		a.Lifecycle,
		a.Dispatcher,
		a.QRCache,
		a.Deliverer,
		a.Logger,
	)
	a.HealthHandler = handlers.NewHealthHandler(a.Admission, a.WSHandler, a.Logger)
}

// initSubscriptions routes change events to the live hub and webhooks
func (a *App) initSubscriptions() error {
	if err := a.EventService.Subscribe(interfaces.EventJobStatusChanged, a.onJobStatusChanged); err != nil {
		return err
	}
	return a.EventService.Subscribe(interfaces.EventQRCaptured, a.onQRCaptured)
}

func (a *App) onJobStatusChanged(ctx context.Context, event interfaces.Event) error {
	job, ok := event.Payload.(*models.BookingJob)
	if !ok {
		return fmt.Errorf("unexpected payload type for %s", event.Type)
	}

	a.WSHandler.BroadcastJobStatus(job)

	if job.WebhookURL != "" {
		data := map[string]interface{}{
			"status":   string(job.Status),
			"progress": job.Progress,
			"message":  job.Message,
		}
		if job.Error != "" {
			data["error"] = job.Error
		}
		if job.Result != nil {
			data["result"] = job.Result
		}
		a.Deliverer.Enqueue(models.NewWebhookPayload(webhookEventFor(job.Status), job.ID, job.UserID, data), job.WebhookURL)
	}

	if job.Status.IsTerminal() {
		a.WSHandler.ForgetJob(job.ID)
		a.QRCache.Evict(job.ID)
	}
	return nil
}

func (a *App) onQRCaptured(ctx context.Context, event interfaces.Event) error {
	frame, ok := event.Payload.(*models.QRCode)
	if !ok {
		return fmt.Errorf("unexpected payload type for %s", event.Type)
	}

	a.WSHandler.BroadcastQR(frame)

	job, err := a.JobStorage.GetJob(ctx, frame.JobID)
	if err != nil || job.WebhookURL == "" {
		return nil
	}
	a.Deliverer.Enqueue(models.NewWebhookPayload(models.EventQRCodeUpdate, job.ID, job.UserID, map[string]interface{}{
		"image_data":  frame.ImageData,
		"captured_at": frame.CapturedAt.UTC().Format(time.RFC3339Nano),
	}), job.WebhookURL)
	return nil
}

// webhookEventFor maps a job status to its webhook event type
func webhookEventFor(status models.JobStatus) models.WebhookEventType {
	switch status {
	case models.JobStatusCompleted:
		return models.EventBookingCompleted
	case models.JobStatusFailed:
		return models.EventBookingFailed
	case models.JobStatusCancelled:
		return models.EventBookingCancelled
	default:
		return models.EventStatusUpdate
	}
}

// initScheduler registers the QR sweep and stale-job reaper
func (a *App) initScheduler() error {
	a.scheduler = cron.New()

	schedule := a.Config.Booking.CleanupSchedule
	if schedule == "" {
		schedule = "@every 5m"
	}

	if _, err := a.scheduler.AddFunc(schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				a.Logger.Error().Msgf("Cleanup run panicked: %v", r)
			}
		}()
		a.QRCache.Sweep()
		a.reapStaleJobs()
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	return nil
}

// reapStaleJobs fails active jobs whose workers died: no update within
// the job timeout means nothing is driving them anymore.
func (a *App) reapStaleJobs() {
	ctx := context.Background()
	jobs, err := a.JobStorage.ListActiveJobs(ctx)
	if err != nil {
		a.Logger.Error().Err(err).Msg("Stale job scan failed")
		return
	}

	cutoff := time.Now().Add(-a.Config.Booking.JobTimeoutDuration())
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		a.Logger.Warn().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Str("updated_at", job.UpdatedAt.Format(time.RFC3339)).
			Msg("Reaping stale job")

		if _, err := a.Lifecycle.Apply(ctx, job.ID, job.Version, models.JobStatusFailed, models.StatusPayload{
			Error: fmt.Sprintf("%v: no progress since %s", models.ErrTimeout, job.UpdatedAt.Format(time.RFC3339)),
		}); err != nil {
			a.Logger.Debug().Err(err).Str("job_id", job.ID).Msg("Stale job settled elsewhere")
			continue
		}
		a.QRCache.Evict(job.ID)
		a.Admission.Release(job.ID)
	}
}

// Close tears the application down in dependency order
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application...")

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.Deliverer != nil {
		a.Deliverer.Close()
	}
	if a.EventService != nil {
		a.EventService.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	a.Logger.Info().Msg("Application stopped")
	return nil
}
