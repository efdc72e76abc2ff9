package interfaces

import "context"

// Step names a workflow action the driver knows how to perform
type Step string

const (
	StepOpenLogin       Step = "open_login"
	StepTriggerBankID   Step = "trigger_bankid"
	StepCheckAuth       Step = "check_auth"
	StepSelectLicense   Step = "select_license"
	StepSelectExam      Step = "select_exam"
	StepSelectLocations Step = "select_locations"
	StepSearchSlots     Step = "search_slots"
	StepConfirmBooking  Step = "confirm_booking"
)

// Outcome is the driver's verdict after performing a step
type Outcome string

const (
	// OutcomeDone means the step finished and the workflow may advance
	OutcomeDone Outcome = "done"
	// OutcomePending means the step has not resolved yet (poll again)
	OutcomePending Outcome = "pending"
	// OutcomeQRStale means the displayed QR code expired and BankID must be re-triggered
	OutcomeQRStale Outcome = "qr_stale"
	// OutcomeNoSlots means the search found no bookable slot this pass
	OutcomeNoSlots Outcome = "no_slots"
)

// StepInput carries the job parameters a step may need
type StepInput struct {
	PersonalNumber string
	LicenseType    string
	ExamType       string
	Locations      []string
}

// Driver abstracts the browser automation backing a booking job. The
// engine never depends on a concrete browser; tests substitute fakes.
type Driver interface {
	// Navigate loads the target page
	Navigate(ctx context.Context, target string) error

	// DetectQR returns the current QR frame as PNG bytes, or ok=false
	// when no QR code is visible
	DetectQR(ctx context.Context) (data []byte, ok bool, err error)

	// Perform executes a named workflow step
	Perform(ctx context.Context, step Step, input StepInput) (Outcome, error)

	// Abort tears down the underlying browser session. Safe to call
	// multiple times.
	Abort()
}

// DriverFactory creates a driver session per job run
type DriverFactory interface {
	NewDriver(ctx context.Context) (Driver, error)
}
