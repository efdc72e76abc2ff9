package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
)

// JobStorage implements the JobStorage interface for Badger.
// Mutations run under a process-wide lock so version bumps are serialized;
// the version check in UpdateJob callbacks is therefore race-free.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.BookingJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.BookingJob, error) {
	var job models.BookingJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, id string, mutate func(*models.BookingJob) error) (*models.BookingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.BookingJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := mutate(&job); err != nil {
		return nil, err
	}

	job.Version++
	job.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, userID string, status models.JobStatus, limit int) ([]*models.BookingJob, error) {
	query := badgerhold.Where("ID").Ne("")
	if userID != "" {
		query = query.And("UserID").Eq(userID)
	}
	if status != "" {
		query = query.And("Status").Eq(status)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []*models.BookingJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStorage) ListActiveJobs(ctx context.Context) ([]*models.BookingJob, error) {
	var jobs []*models.BookingJob
	query := badgerhold.Where("Status").Ne(models.JobStatusCompleted).
		And("Status").Ne(models.JobStatusFailed).
		And("Status").Ne(models.JobStatusCancelled)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(id, &models.BookingJob{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
