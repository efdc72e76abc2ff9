package interfaces

import (
	"context"

	"github.com/fredfleetwood/backendbokning/internal/models"
)

// JobStorage persists versioned booking job records
type JobStorage interface {
	// SaveJob creates or replaces a job record
	SaveJob(ctx context.Context, job *models.BookingJob) error

	// GetJob returns the job or models.ErrNotFound
	GetJob(ctx context.Context, id string) (*models.BookingJob, error)

	// UpdateJob applies mutate to the stored job under the storage lock.
	// The mutation sees the current record and may return an error to
	// abort without persisting. On success the job version is bumped and
	// UpdatedAt is stamped. Returns the persisted job.
	UpdateJob(ctx context.Context, id string, mutate func(*models.BookingJob) error) (*models.BookingJob, error)

	// ListJobs returns jobs filtered by user and/or status (empty = all),
	// newest first
	ListJobs(ctx context.Context, userID string, status models.JobStatus, limit int) ([]*models.BookingJob, error)

	// ListActiveJobs returns all jobs in non-terminal states
	ListActiveJobs(ctx context.Context) ([]*models.BookingJob, error)

	// DeleteJob removes a job record
	DeleteJob(ctx context.Context, id string) error
}

// DeadLetterStorage persists webhook deliveries that exhausted all attempts
type DeadLetterStorage interface {
	SaveDeadLetter(ctx context.Context, letter *models.DeadLetter) error
	ListDeadLetters(ctx context.Context, jobID string, limit int) ([]*models.DeadLetter, error)
}
