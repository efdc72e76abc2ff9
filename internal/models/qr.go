package models

import "time"

// QRCode is the latest captured BankID QR frame for a job
type QRCode struct {
	JobID      string    `json:"job_id"`
	ImageData  string    `json:"image_data"` // base64-encoded PNG
	CapturedAt time.Time `json:"captured_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the frame is past its TTL at the given instant
func (q *QRCode) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}
