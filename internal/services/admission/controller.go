// Package admission enforces the two concurrency caps: total admitted
// jobs and concurrently driven browser instances. Slots are tracked per
// job id so release is idempotent.
package admission

import (
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/models"
)

// Controller hands out job and browser slots under a single mutex
type Controller struct {
	mu             sync.Mutex
	maxJobs        int
	maxBrowsers    int
	jobHolders     map[string]struct{}
	browserHolders map[string]struct{}
	logger         arbor.ILogger
}

// NewController creates a controller with the given caps
func NewController(maxJobs, maxBrowsers int, logger arbor.ILogger) *Controller {
	return &Controller{
		maxJobs:        maxJobs,
		maxBrowsers:    maxBrowsers,
		jobHolders:     make(map[string]struct{}),
		browserHolders: make(map[string]struct{}),
		logger:         logger,
	}
}

// AdmitJob acquires a job slot for the given job. Acquisition is a single
// check-and-insert under the lock; re-admitting a holder is a no-op.
func (c *Controller) AdmitJob(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.jobHolders[jobID]; held {
		return nil
	}
	if len(c.jobHolders) >= c.maxJobs {
		return fmt.Errorf("job slots exhausted (%d/%d): %w", len(c.jobHolders), c.maxJobs, models.ErrCapacityExceeded)
	}
	c.jobHolders[jobID] = struct{}{}

	c.logger.Debug().
		Str("job_id", jobID).
		Int("active_jobs", len(c.jobHolders)).
		Int("max_jobs", c.maxJobs).
		Msg("Job slot acquired")
	return nil
}

// AcquireBrowser acquires a browser slot for the given job
func (c *Controller) AcquireBrowser(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.browserHolders[jobID]; held {
		return nil
	}
	if len(c.browserHolders) >= c.maxBrowsers {
		return fmt.Errorf("browser instances exhausted (%d/%d): %w", len(c.browserHolders), c.maxBrowsers, models.ErrCapacityExceeded)
	}
	c.browserHolders[jobID] = struct{}{}

	c.logger.Debug().
		Str("job_id", jobID).
		Int("active_browsers", len(c.browserHolders)).
		Int("max_browsers", c.maxBrowsers).
		Msg("Browser slot acquired")
	return nil
}

// Release frees both slots held by the job. Idempotent: releasing a job
// that holds nothing is a no-op and never frees another job's slot.
func (c *Controller) Release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobHolders, jobID)
	delete(c.browserHolders, jobID)
}

// ReleaseBrowser frees only the browser slot held by the job. Idempotent.
func (c *Controller) ReleaseBrowser(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.browserHolders, jobID)
}

// ActiveJobs returns the count of held job slots
func (c *Controller) ActiveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobHolders)
}

// ActiveBrowsers returns the count of held browser slots
func (c *Controller) ActiveBrowsers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.browserHolders)
}
