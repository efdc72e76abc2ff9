package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEventType identifies the kind of notification being delivered
type WebhookEventType string

const (
	EventBookingStarted   WebhookEventType = "booking_started"
	EventStatusUpdate     WebhookEventType = "status_update"
	EventQRCodeUpdate     WebhookEventType = "qr_code_update"
	EventBookingCompleted WebhookEventType = "booking_completed"
	EventBookingFailed    WebhookEventType = "booking_failed"
	EventBookingCancelled WebhookEventType = "booking_cancelled"
)

// WebhookPayload is the JSON body posted to subscriber endpoints
type WebhookPayload struct {
	EventType WebhookEventType       `json:"event_type"`
	JobID     string                 `json:"job_id"`
	UserID    string                 `json:"user_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewWebhookPayload builds a payload stamped with the current time
func NewWebhookPayload(eventType WebhookEventType, jobID, userID string, data map[string]interface{}) *WebhookPayload {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &WebhookPayload{
		EventType: eventType,
		JobID:     jobID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// DeadLetter records a webhook delivery that exhausted all attempts
type DeadLetter struct {
	ID        string           `json:"id" badgerhold:"key"`
	JobID     string           `json:"job_id" badgerhold:"index"`
	EventType WebhookEventType `json:"event_type"`
	TargetURL string           `json:"target_url"`
	Body      []byte           `json:"body"`
	Attempts  int              `json:"attempts"`
	Reason    string           `json:"reason"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewDeadLetter captures a failed delivery for later inspection or replay
func NewDeadLetter(payload *WebhookPayload, targetURL string, body []byte, attempts int, reason string) *DeadLetter {
	return &DeadLetter{
		ID:        uuid.New().String(),
		JobID:     payload.JobID,
		EventType: payload.EventType,
		TargetURL: targetURL,
		Body:      body,
		Attempts:  attempts,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}
