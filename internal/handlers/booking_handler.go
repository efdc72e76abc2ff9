package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
	"github.com/fredfleetwood/backendbokning/internal/services/admission"
	"github.com/fredfleetwood/backendbokning/internal/services/lifecycle"
	"github.com/fredfleetwood/backendbokning/internal/services/qrcache"
	"github.com/fredfleetwood/backendbokning/internal/services/webhook"
	"github.com/fredfleetwood/backendbokning/internal/worker"
)

// BookingHandler handles booking job API requests
type BookingHandler struct {
	storage     interfaces.JobStorage
	deadLetters interfaces.DeadLetterStorage
	admission   *admission.Controller
	lifecycle   *lifecycle.Service
	dispatcher  *worker.Dispatcher
	qrCache     *qrcache.Service
	deliverer   *webhook.Deliverer
	validate    *validator.Validate
	logger      arbor.ILogger
}

// NewBookingHandler creates a new booking handler
func NewBookingHandler(
	storage interfaces.JobStorage,
	deadLetters interfaces.DeadLetterStorage,
	admissionCtrl *admission.Controller,
	lifecycleSvc *lifecycle.Service,
	dispatcher *worker.Dispatcher,
	qrCache *qrcache.Service,
	deliverer *webhook.Deliverer,
	logger arbor.ILogger,
) *BookingHandler {
	return &BookingHandler{
		storage:     storage,
		deadLetters: deadLetters,
		admission:   admissionCtrl,
		lifecycle:   lifecycleSvc,
		dispatcher:  dispatcher,
		qrCache:     qrCache,
		deliverer:   deliverer,
		validate:    validator.New(),
		logger:      logger,
	}
}

// SubmitHandler admits and queues a new booking job
// POST /api/bookings
func (h *BookingHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	var req models.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.ValidateDomain(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := models.NewBookingJob(&req)

	if err := h.admission.AdmitJob(job.ID); err != nil {
		h.logger.Warn().Str("user_id", req.UserID).Err(err).Msg("Booking rejected at admission")
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	if err := h.storage.SaveJob(r.Context(), job); err != nil {
		h.admission.Release(job.ID)
		h.logger.Error().Err(err).Msg("Failed to persist booking job")
		http.Error(w, "Failed to create booking", http.StatusInternalServerError)
		return
	}

	if err := h.dispatcher.Submit(job.ID); err != nil {
		h.admission.Release(job.ID)
		// The job is already persisted; settle it so it does not linger
		// in starting with no worker ever picking it up
		if _, applyErr := h.lifecycle.Apply(r.Context(), job.ID, job.Version, models.JobStatusFailed, models.StatusPayload{Error: err.Error()}); applyErr != nil {
			h.logger.Error().Str("job_id", job.ID).Err(applyErr).Msg("Failed to settle rejected booking")
		}
		h.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Submission queue full")
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	h.deliverer.Enqueue(models.NewWebhookPayload(models.EventBookingStarted, job.ID, job.UserID, map[string]interface{}{
		"status":   string(job.Status),
		"progress": job.Progress,
	}), job.WebhookURL)

	h.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("license_type", job.LicenseType).
		Msg("Booking job queued")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(job)
}

// GetHandler returns a booking job's current state
// GET /api/bookings/{id}
func (h *BookingHandler) GetHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.storage.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Booking not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get booking", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// ListHandler returns bookings, newest first
// GET /api/bookings?user_id=...&status=...&limit=50
func (h *BookingHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	status := models.JobStatus(r.URL.Query().Get("status"))

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := h.storage.ListJobs(r.Context(), userID, status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list bookings")
		http.Error(w, "Failed to list bookings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"bookings": jobs,
		"count":    len(jobs),
	})
}

// QRHandler returns the latest cached QR frame for a job (poll fallback
// for clients without a WebSocket connection)
// GET /api/bookings/{id}/qr
func (h *BookingHandler) QRHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := h.storage.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Booking not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get booking", http.StatusInternalServerError)
		return
	}

	frame, ok := h.qrCache.Get(jobID)
	if !ok {
		http.Error(w, "No QR code available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frame)
}

// CancelHandler requests cooperative cancellation of a job
// POST /api/bookings/{id}/cancel
func (h *BookingHandler) CancelHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.dispatcher.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Booking not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel booking")
		http.Error(w, "Failed to cancel booking", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"job_id": jobID,
		"status": "cancelling",
	})
}

// DeadLettersHandler lists failed webhook deliveries for a job
// GET /api/bookings/{id}/deadletters
func (h *BookingHandler) DeadLettersHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	letters, err := h.deadLetters.ListDeadLetters(r.Context(), jobID, 100)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to list dead letters")
		http.Error(w, "Failed to list dead letters", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}
