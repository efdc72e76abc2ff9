// Package webhook delivers signed job notifications to subscriber
// endpoints with retries, exponential backoff, and a persistent
// dead-letter store. Deliveries for one job are serialized in enqueue
// order; different jobs deliver independently.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerEvent     = "X-Webhook-Event"
	headerJobID     = "X-Job-ID"
)

type delivery struct {
	payload   *models.WebhookPayload
	targetURL string
}

// Deliverer posts webhook payloads with HMAC-SHA256 signatures
type Deliverer struct {
	client      *http.Client
	secret      []byte
	maxAttempts int
	backoffBase time.Duration
	deadLetters interfaces.DeadLetterStorage
	events      interfaces.EventService
	logger      arbor.ILogger

	mu     sync.Mutex
	queues map[string][]delivery
	wg     sync.WaitGroup
	closed bool
}

// NewDeliverer creates a webhook deliverer
func NewDeliverer(secret string, maxAttempts int, requestTimeout, backoffBase time.Duration, deadLetters interfaces.DeadLetterStorage, events interfaces.EventService, logger arbor.ILogger) *Deliverer {
	return &Deliverer{
		client:      &http.Client{Timeout: requestTimeout},
		secret:      []byte(secret),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		deadLetters: deadLetters,
		events:      events,
		logger:      logger,
		queues:      make(map[string][]delivery),
	}
}

// Enqueue schedules a payload for delivery. Payloads for the same job
// are delivered in enqueue order by a single in-flight goroutine per
// job; the call itself never blocks on network I/O.
func (d *Deliverer) Enqueue(payload *models.WebhookPayload, targetURL string) {
	if targetURL == "" {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	_, running := d.queues[payload.JobID]
	d.queues[payload.JobID] = append(d.queues[payload.JobID], delivery{payload: payload, targetURL: targetURL})
	if !running {
		d.wg.Add(1)
		go d.drain(payload.JobID)
	}
	d.mu.Unlock()
}

// drain delivers the job's queued payloads one at a time until empty
func (d *Deliverer) drain(jobID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[jobID]
		if len(queue) == 0 {
			delete(d.queues, jobID)
			d.mu.Unlock()
			return
		}
		next := queue[0]
		d.queues[jobID] = queue[1:]
		d.mu.Unlock()

		if err := d.deliver(context.Background(), next.payload, next.targetURL); err != nil {
			d.logger.Error().
				Err(err).
				Str("job_id", jobID).
				Str("event_type", string(next.payload.EventType)).
				Msg("Webhook delivery failed permanently")
		}
	}
}

// deliver posts the payload, retrying with exponential backoff. On
// exhaustion the payload is dead-lettered and ErrDeliveryFailure
// returned.
func (d *Deliverer) deliver(ctx context.Context, payload *models.WebhookPayload, targetURL string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			// 2^attempt backoff: base, 2*base, 4*base, ...
			backoff := d.backoffBase * (1 << (attempt - 1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
				return d.deadLetter(payload, targetURL, body, attempt, lastErr)
			}
		}

		if err := d.post(ctx, targetURL, payload, body); err != nil {
			lastErr = err
			d.logger.Warn().
				Err(err).
				Str("job_id", payload.JobID).
				Str("url", targetURL).
				Int("attempt", attempt+1).
				Int("max_attempts", d.maxAttempts).
				Msg("Webhook delivery attempt failed")
			continue
		}

		d.logger.Debug().
			Str("job_id", payload.JobID).
			Str("event_type", string(payload.EventType)).
			Int("attempt", attempt+1).
			Msg("Webhook delivered")
		return nil
	}

	return d.deadLetter(payload, targetURL, body, d.maxAttempts, lastErr)
}

func (d *Deliverer) post(ctx context.Context, targetURL string, payload *models.WebhookPayload, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, string(payload.EventType))
	req.Header.Set(headerJobID, payload.JobID)
	if len(d.secret) > 0 {
		req.Header.Set(headerSignature, Sign(d.secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	default:
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
}

func (d *Deliverer) deadLetter(payload *models.WebhookPayload, targetURL string, body []byte, attempts int, cause error) error {
	reason := "delivery attempts exhausted"
	if cause != nil {
		reason = cause.Error()
	}

	letter := models.NewDeadLetter(payload, targetURL, body, attempts, reason)
	if err := d.deadLetters.SaveDeadLetter(context.Background(), letter); err != nil {
		d.logger.Error().Err(err).Str("job_id", payload.JobID).Msg("Failed to persist dead letter")
	}

	if d.events != nil {
		d.events.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventJobDeadLettered,
			Payload: letter,
		})
	}

	return fmt.Errorf("webhook to %s after %d attempts: %s: %w", targetURL, attempts, reason, models.ErrDeliveryFailure)
}

// Close waits for in-flight deliveries to finish. Further enqueues are
// dropped.
func (d *Deliverer) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Sign computes the sha256 HMAC header value for a request body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body
func VerifySignature(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
