// Package driver implements the browser automation backing booking jobs
// with chromedp against the Trafikverket booking portal.
package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/common"
	"github.com/fredfleetwood/backendbokning/internal/interfaces"
	"github.com/fredfleetwood/backendbokning/internal/models"
)

// Portal selectors. The booking flow renders the BankID QR code into a
// canvas inside the login widget.
const (
	selLoginButton    = `button[data-testid="login-button"]`
	selBankIDButton   = `button[data-testid="bankid-qr"]`
	selQRCanvas       = `div.qr-code-wrapper canvas`
	selLicenseSelect  = `select#examination-type`
	selExamSelect     = `select#examination-subtype`
	selLocationSearch = `input#location-search`
	selSearchButton   = `button[data-testid="search-times"]`
	selSlotList       = `ul.occasion-list li`
	selConfirmButton  = `button[data-testid="confirm-booking"]`
	selAuthMarker     = `div[data-testid="logged-in-user"]`
	selQRStaleMarker  = `div.qr-expired-message`
)

// Factory creates one chromedp session per job run
type Factory struct {
	config common.BrowserConfig
	logger arbor.ILogger
}

// NewFactory creates a driver factory from browser configuration
func NewFactory(config common.BrowserConfig, logger arbor.ILogger) *Factory {
	return &Factory{config: config, logger: logger}
}

// NewDriver launches a browser session and verifies it is responsive
func (f *Factory) NewDriver(ctx context.Context) (interfaces.Driver, error) {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("headless", f.config.Headless),
		chromedp.Flag("disable-gpu", f.config.DisableGPU),
		chromedp.Flag("no-sandbox", f.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(f.config.UserAgent),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx,
		network.Enable(),
		chromedp.Navigate("about:blank"),
	); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed startup test: %v: %w", err, models.ErrDriverFailure)
	}

	f.logger.Debug().Bool("headless", f.config.Headless).Msg("Browser session created")

	return &ChromeDriver{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		logger:        f.logger,
	}, nil
}

// ChromeDriver drives a single browser session through the booking flow
type ChromeDriver struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	abortOnce     sync.Once
	logger        arbor.ILogger
}

// Navigate loads the target page and waits for the document body
func (d *ChromeDriver) Navigate(ctx context.Context, target string) error {
	runCtx, cancel := d.runContext(ctx)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(target),
		chromedp.WaitVisible("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %v: %w", target, err, models.ErrDriverFailure)
	}
	return nil
}

// DetectQR screenshots the QR canvas. Returns ok=false when the canvas
// is not rendered (e.g., before BankID is triggered or after auth).
func (d *ChromeDriver) DetectQR(ctx context.Context) ([]byte, bool, error) {
	runCtx, cancel := d.runContext(ctx)
	defer cancel()

	var present bool
	err := chromedp.Run(runCtx,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, selQRCanvas), &present),
	)
	if err != nil {
		return nil, false, fmt.Errorf("qr probe: %v: %w", err, models.ErrDriverFailure)
	}
	if !present {
		return nil, false, nil
	}

	var buf []byte
	err = chromedp.Run(runCtx,
		chromedp.Screenshot(selQRCanvas, &buf, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return nil, false, fmt.Errorf("qr screenshot: %v: %w", err, models.ErrDriverFailure)
	}
	return buf, true, nil
}

// Perform executes a named workflow step against the portal
func (d *ChromeDriver) Perform(ctx context.Context, step interfaces.Step, input interfaces.StepInput) (interfaces.Outcome, error) {
	runCtx, cancel := d.runContext(ctx)
	defer cancel()

	switch step {
	case interfaces.StepOpenLogin:
		return d.run(runCtx, chromedp.Tasks{
			chromedp.WaitVisible(selLoginButton, chromedp.ByQuery),
			chromedp.Click(selLoginButton, chromedp.ByQuery),
		})

	case interfaces.StepTriggerBankID:
		return d.run(runCtx, chromedp.Tasks{
			chromedp.WaitVisible(selBankIDButton, chromedp.ByQuery),
			chromedp.Click(selBankIDButton, chromedp.ByQuery),
		})

	case interfaces.StepCheckAuth:
		return d.checkAuth(runCtx)

	case interfaces.StepSelectLicense:
		return d.run(runCtx, chromedp.Tasks{
			chromedp.WaitVisible(selLicenseSelect, chromedp.ByQuery),
			chromedp.SetValue(selLicenseSelect, input.LicenseType, chromedp.ByQuery),
		})

	case interfaces.StepSelectExam:
		return d.run(runCtx, chromedp.Tasks{
			chromedp.WaitVisible(selExamSelect, chromedp.ByQuery),
			chromedp.SetValue(selExamSelect, input.ExamType, chromedp.ByQuery),
		})

	case interfaces.StepSelectLocations:
		tasks := chromedp.Tasks{chromedp.WaitVisible(selLocationSearch, chromedp.ByQuery)}
		for _, location := range input.Locations {
			tasks = append(tasks,
				chromedp.Clear(selLocationSearch, chromedp.ByQuery),
				chromedp.SendKeys(selLocationSearch, location, chromedp.ByQuery),
				chromedp.Click(fmt.Sprintf(`li[data-location=%q]`, location), chromedp.ByQuery),
			)
		}
		return d.run(runCtx, tasks)

	case interfaces.StepSearchSlots:
		return d.searchSlots(runCtx)

	case interfaces.StepConfirmBooking:
		return d.run(runCtx, chromedp.Tasks{
			chromedp.WaitVisible(selConfirmButton, chromedp.ByQuery),
			chromedp.Click(selConfirmButton, chromedp.ByQuery),
		})

	default:
		return "", fmt.Errorf("unknown step %q: %w", step, models.ErrDriverFailure)
	}
}

// checkAuth polls the page for the signed-in marker or a stale QR notice
func (d *ChromeDriver) checkAuth(ctx context.Context) (interfaces.Outcome, error) {
	var authenticated, stale bool
	err := chromedp.Run(ctx,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, selAuthMarker), &authenticated),
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, selQRStaleMarker), &stale),
	)
	if err != nil {
		return "", fmt.Errorf("auth check: %v: %w", err, models.ErrDriverFailure)
	}
	if authenticated {
		return interfaces.OutcomeDone, nil
	}
	if stale {
		return interfaces.OutcomeQRStale, nil
	}
	return interfaces.OutcomePending, nil
}

// searchSlots triggers a search and reports whether any slot is offered
func (d *ChromeDriver) searchSlots(ctx context.Context) (interfaces.Outcome, error) {
	var slotCount int
	err := chromedp.Run(ctx,
		chromedp.Click(selSearchButton, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%q).length`, selSlotList), &slotCount),
	)
	if err != nil {
		return "", fmt.Errorf("slot search: %v: %w", err, models.ErrDriverFailure)
	}
	if slotCount == 0 {
		return interfaces.OutcomeNoSlots, nil
	}
	return interfaces.OutcomeDone, nil
}

// Abort tears down the browser session. Safe to call multiple times.
func (d *ChromeDriver) Abort() {
	d.abortOnce.Do(func() {
		d.browserCancel()
		d.allocCancel()
		d.logger.Debug().Msg("Browser session aborted")
	})
}

// run executes tasks, mapping chromedp failures into the driver taxonomy
func (d *ChromeDriver) run(ctx context.Context, tasks chromedp.Tasks) (interfaces.Outcome, error) {
	if err := chromedp.Run(ctx, tasks); err != nil {
		if strings.Contains(err.Error(), "context deadline exceeded") {
			return "", fmt.Errorf("step timed out: %w", models.ErrDriverFailure)
		}
		return "", fmt.Errorf("step failed: %v: %w", err, models.ErrDriverFailure)
	}
	return interfaces.OutcomeDone, nil
}

// runContext binds a chromedp run to both the caller's deadline and the
// browser session lifetime.
func (d *ChromeDriver) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(d.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
