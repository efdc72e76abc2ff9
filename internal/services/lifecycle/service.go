// Package lifecycle applies status transitions to booking jobs under
// optimistic concurrency and publishes the resulting change events.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
)

// Service is the single writer of job status changes
type Service struct {
	storage interfaces.JobStorage
	events  interfaces.EventService
	logger  arbor.ILogger

	// mu keeps the publish order identical to the persist order, so
	// downstream fan-out (webhook queues, websocket) sees status changes
	// for a job in the sequence they were applied
	mu sync.Mutex
}

// NewService creates a lifecycle service
func NewService(storage interfaces.JobStorage, events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		events:  events,
		logger:  logger,
	}
}

// Apply transitions a job to next if and only if the caller's version
// matches the stored record and the edge is legal. A rejected apply has
// no side effects: nothing is persisted and no event is published.
// On success the returned job carries the bumped version.
func (s *Service) Apply(ctx context.Context, jobID string, expectedVersion int, next models.JobStatus, payload models.StatusPayload) (*models.BookingJob, error) {
	if !next.IsValid() {
		return nil, fmt.Errorf("unknown status %q: %w", next, models.ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.storage.UpdateJob(ctx, jobID, func(job *models.BookingJob) error {
		if job.Version != expectedVersion {
			return fmt.Errorf("job %s: expected version %d, have %d: %w",
				jobID, expectedVersion, job.Version, models.ErrStaleVersion)
		}
		if !job.Status.CanTransitionTo(next) {
			return fmt.Errorf("job %s: %s -> %s: %w",
				jobID, job.Status, next, models.ErrInvalidTransition)
		}

		now := time.Now()
		prev := job.Status
		job.Status = next
		// failed/cancelled keep the progress reached so far
		if p := next.Progress(); p > 0 {
			job.Progress = p
		}
		if payload.Message != "" {
			job.Message = payload.Message
		}
		if payload.Error != "" {
			job.Error = payload.Error
		}
		if payload.Result != nil {
			job.Result = payload.Result
		}
		if prev == models.JobStatusStarting && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if next.IsTerminal() {
			job.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("status", string(updated.Status)).
		Int("version", updated.Version).
		Int("progress", updated.Progress).
		Msg("Job status applied")

	// Handlers run to completion before Apply returns; enqueueing into the
	// webhook/websocket layers is non-blocking, only HTTP delivery is async
	if err := s.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: updated.Clone(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish status event")
	}

	return updated, nil
}

// Advance applies next using the job's current stored version. Used by
// the single-writer executor path where no concurrent writer exists.
func (s *Service) Advance(ctx context.Context, jobID string, next models.JobStatus, payload models.StatusPayload) (*models.BookingJob, error) {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, jobID, job.Version, next, payload)
}
