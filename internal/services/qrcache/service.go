// Package qrcache holds the latest BankID QR frame per job. Frames
// expire after a TTL and a newer-wins rule resolves out-of-order puts.
package qrcache

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/models"
)

// Service is an in-memory QR frame cache keyed by job id
type Service struct {
	mu     sync.RWMutex
	frames map[string]*models.QRCode
	ttl    time.Duration
	logger arbor.ILogger

	// now is swappable for tests
	now func() time.Time
}

// NewService creates a QR cache with the given frame TTL
func NewService(ttl time.Duration, logger arbor.ILogger) *Service {
	return &Service{
		frames: make(map[string]*models.QRCode),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Put stores a frame unless a newer one is already cached. A frame with
// capturedAt at or before the cached frame's capture time is dropped, so
// late-arriving older frames never clobber fresher ones. Returns true
// when the frame was stored.
func (s *Service) Put(jobID, imageData string, capturedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.frames[jobID]; ok && !capturedAt.After(existing.CapturedAt) {
		return false
	}

	s.frames[jobID] = &models.QRCode{
		JobID:      jobID,
		ImageData:  imageData,
		CapturedAt: capturedAt,
		ExpiresAt:  capturedAt.Add(s.ttl),
	}
	return true
}

// Get returns the cached frame for the job, or ok=false when absent or
// expired. Expired frames are evicted on read.
func (s *Service) Get(jobID string) (*models.QRCode, bool) {
	s.mu.RLock()
	frame, ok := s.frames[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if frame.Expired(s.now()) {
		s.mu.Lock()
		// Recheck: a fresher frame may have replaced it
		if current, ok := s.frames[jobID]; ok && current.Expired(s.now()) {
			delete(s.frames, jobID)
		}
		s.mu.Unlock()
		return nil, false
	}
	return frame, true
}

// Evict removes the job's frame. Called on job termination.
func (s *Service) Evict(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frames, jobID)
}

// Sweep evicts all expired frames and returns the count removed.
// Scheduled periodically alongside the stale-job reaper.
func (s *Service) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for jobID, frame := range s.frames {
		if frame.Expired(now) {
			delete(s.frames, jobID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("evicted", removed).Msg("Swept expired QR frames")
	}
	return removed
}

// Size returns the number of cached frames
func (s *Service) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}
