package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
)

// DeadLetterStorage implements the DeadLetterStorage interface for Badger
type DeadLetterStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDeadLetterStorage creates a new DeadLetterStorage instance
func NewDeadLetterStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DeadLetterStorage {
	return &DeadLetterStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DeadLetterStorage) SaveDeadLetter(ctx context.Context, letter *models.DeadLetter) error {
	if letter.ID == "" {
		return fmt.Errorf("dead letter ID is required")
	}
	if err := s.db.Store().Upsert(letter.ID, letter); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	s.logger.Warn().
		Str("job_id", letter.JobID).
		Str("event_type", string(letter.EventType)).
		Int("attempts", letter.Attempts).
		Msg("Webhook delivery dead-lettered")
	return nil
}

func (s *DeadLetterStorage) ListDeadLetters(ctx context.Context, jobID string, limit int) ([]*models.DeadLetter, error) {
	query := badgerhold.Where("ID").Ne("")
	if jobID != "" {
		query = badgerhold.Where("JobID").Eq(jobID)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var letters []*models.DeadLetter
	if err := s.db.Store().Find(&letters, query); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}
