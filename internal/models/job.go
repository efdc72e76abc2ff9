package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a booking job
type JobStatus string

const (
	JobStatusStarting      JobStatus = "starting"
	JobStatusNavigating    JobStatus = "navigating"
	JobStatusLogin         JobStatus = "login"
	JobStatusBankID        JobStatus = "bankid"
	JobStatusQRWaiting     JobStatus = "qr_waiting"
	JobStatusAuthenticated JobStatus = "authenticated"
	JobStatusConfiguring   JobStatus = "configuring"
	JobStatusLocations     JobStatus = "locations"
	JobStatusSearching     JobStatus = "searching"
	JobStatusBooking       JobStatus = "booking"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusCancelled     JobStatus = "cancelled"
)

// allowedTransitions is the forward progression of the booking workflow.
// The single backward edge is qr_waiting -> bankid (QR refresh after a
// stale code). failed/cancelled are reachable from every non-terminal
// state and are handled in CanTransitionTo rather than listed here.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusStarting:      {JobStatusNavigating},
	JobStatusNavigating:    {JobStatusLogin},
	JobStatusLogin:         {JobStatusBankID},
	JobStatusBankID:        {JobStatusQRWaiting},
	JobStatusQRWaiting:     {JobStatusAuthenticated, JobStatusBankID},
	JobStatusAuthenticated: {JobStatusConfiguring},
	JobStatusConfiguring:   {JobStatusLocations},
	JobStatusLocations:     {JobStatusSearching},
	JobStatusSearching:     {JobStatusBooking},
	JobStatusBooking:       {JobStatusCompleted},
	JobStatusCompleted:     {},
	JobStatusFailed:        {},
	JobStatusCancelled:     {},
}

// progressByStatus maps each state to its completion percentage.
var progressByStatus = map[JobStatus]int{
	JobStatusStarting:      5,
	JobStatusNavigating:    10,
	JobStatusLogin:         15,
	JobStatusBankID:        20,
	JobStatusQRWaiting:     25,
	JobStatusAuthenticated: 30,
	JobStatusConfiguring:   60,
	JobStatusLocations:     70,
	JobStatusSearching:     75,
	JobStatusBooking:       90,
	JobStatusCompleted:     100,
}

// IsTerminal returns true for statuses that absorb all further transitions
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValid returns true when the status is a known lifecycle state
func (s JobStatus) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransitionTo reports whether s -> next is a legal edge
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == JobStatusFailed || next == JobStatusCancelled {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Progress returns the completion percentage for the status
func (s JobStatus) Progress() int {
	return progressByStatus[s]
}

// Supported Swedish driving licence categories
var validLicenseTypes = map[string]bool{
	"B": true, "A1": true, "A2": true, "A": true,
	"C1": true, "C": true, "D1": true, "D": true,
	"BE": true, "C1E": true, "CE": true, "D1E": true, "DE": true,
}

// Supported Trafikverket exam types
var validExamTypes = map[string]bool{
	"Körprov":                 true,
	"Kunskapsprov":            true,
	"Riskutbildning":          true,
	"Introduktionsutbildning": true,
}

// DateRange bounds an acceptable booking window
type DateRange struct {
	From time.Time `json:"from" toml:"from"`
	To   time.Time `json:"to" toml:"to"`
}

// BookingRequest is the user-supplied job submission
type BookingRequest struct {
	UserID         string      `json:"user_id" validate:"required"`
	PersonalNumber string      `json:"personal_number" validate:"required,len=12,numeric"`
	LicenseType    string      `json:"license_type" validate:"required"`
	ExamType       string      `json:"exam_type" validate:"required"`
	Locations      []string    `json:"locations" validate:"required,min=1"`
	DateRanges     []DateRange `json:"date_ranges,omitempty"`
	WebhookURL     string      `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

// ValidateDomain checks the fields struct tags cannot express
func (r *BookingRequest) ValidateDomain() error {
	if !validLicenseTypes[strings.ToUpper(r.LicenseType)] {
		return fmt.Errorf("invalid license type: %s", r.LicenseType)
	}
	if !validExamTypes[r.ExamType] {
		return fmt.Errorf("invalid exam type: %s", r.ExamType)
	}
	for i, dr := range r.DateRanges {
		if !dr.To.After(dr.From) {
			return fmt.Errorf("date range %d: 'to' must be after 'from'", i)
		}
	}
	return nil
}

// BookingJob is the versioned job record persisted in the job store
type BookingJob struct {
	ID             string      `json:"id" badgerhold:"key"`
	UserID         string      `json:"user_id" badgerhold:"index"`
	PersonalNumber string      `json:"personal_number"`
	LicenseType    string      `json:"license_type"`
	ExamType       string      `json:"exam_type"`
	Locations      []string    `json:"locations"`
	DateRanges     []DateRange `json:"date_ranges,omitempty"`
	WebhookURL     string      `json:"webhook_url,omitempty"`

	Status   JobStatus `json:"status" badgerhold:"index"`
	Version  int       `json:"version"`  // Bumped on every persisted mutation
	Progress int       `json:"progress"` // 0-100
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`

	// Result holds booking confirmation details on completion
	Result map[string]interface{} `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewBookingJob creates a job in the starting state from a validated request.
// When no date ranges are supplied the window defaults to the next 6 months.
func NewBookingJob(req *BookingRequest) *BookingJob {
	now := time.Now()

	dateRanges := req.DateRanges
	if len(dateRanges) == 0 {
		dateRanges = []DateRange{{From: now, To: now.AddDate(0, 6, 0)}}
	}

	return &BookingJob{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		PersonalNumber: req.PersonalNumber,
		LicenseType:    strings.ToUpper(req.LicenseType),
		ExamType:       req.ExamType,
		Locations:      req.Locations,
		DateRanges:     dateRanges,
		WebhookURL:     req.WebhookURL,
		Status:         JobStatusStarting,
		Version:        1,
		Progress:       JobStatusStarting.Progress(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy of the job
func (j *BookingJob) Clone() *BookingJob {
	clone := *j
	clone.Locations = append([]string(nil), j.Locations...)
	clone.DateRanges = append([]DateRange(nil), j.DateRanges...)
	if j.Result != nil {
		clone.Result = make(map[string]interface{}, len(j.Result))
		for k, v := range j.Result {
			clone.Result[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// ToJSON serializes the job to JSON
func (j *BookingJob) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// StatusPayload carries optional fields applied alongside a status change
type StatusPayload struct {
	Message string                 `json:"message,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Result  map[string]interface{} `json:"result,omitempty"`
}
