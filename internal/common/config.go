package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Booking     BookingConfig   `toml:"booking"`
	QR          QRConfig        `toml:"qr"`
	Webhook     WebhookConfig   `toml:"webhook"`
	Browser     BrowserConfig   `toml:"browser"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host"`
}

// BookingConfig controls job admission and dispatch.
type BookingConfig struct {
	MaxConcurrentJobs   int    `toml:"max_concurrent_jobs" validate:"gt=0"`   // Cap on jobs admitted into the system
	MaxBrowserInstances int    `toml:"max_browser_instances" validate:"gt=0"` // Cap on concurrently driven browsers
	WorkerConcurrency   int    `toml:"worker_concurrency" validate:"gt=0"`    // Dispatcher pool size
	MaxQueueSize        int    `toml:"max_queue_size" validate:"gt=0"`        // Submission queue depth
	JobTimeout          string `toml:"job_timeout"`                           // e.g., "30m" - wall-clock limit per job
	CancelGracePeriod   string `toml:"cancel_grace_period"`                   // e.g., "5s" - driver abort window on cancel
	CleanupSchedule     string `toml:"cleanup_schedule"`                      // Cron schedule for reaper/sweep (e.g., "@every 5m")
}

// QRConfig controls BankID QR capture and caching.
type QRConfig struct {
	CaptureInterval string `toml:"capture_interval"` // e.g., "1s" - polling interval for fresh QR frames
	TTL             string `toml:"ttl"`              // e.g., "180s" - cached frame lifetime
	BankIDTimeout   string `toml:"bankid_timeout"`   // e.g., "5m" - overall bound on the QR auth phase
}

// WebhookConfig controls signed webhook delivery.
type WebhookConfig struct {
	Secret         string `toml:"secret"`                       // HMAC-SHA256 signing key
	MaxAttempts    int    `toml:"max_attempts" validate:"gt=0"` // Delivery attempts before dead-letter
	RequestTimeout string `toml:"request_timeout"`              // e.g., "10s" - per-request HTTP timeout
	BackoffBase    string `toml:"backoff_base"`                 // e.g., "1s" - base for 2^attempt backoff
}

// BrowserConfig controls the chromedp-backed automation driver.
type BrowserConfig struct {
	StartURL   string `toml:"start_url"` // Booking portal entry point
	UserAgent  string `toml:"user_agent"`
	Headless   bool   `toml:"headless"`
	NoSandbox  bool   `toml:"no_sandbox"`
	DisableGPU bool   `toml:"disable_gpu"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// WebSocketConfig controls the live broadcast hub.
type WebSocketConfig struct {
	QueueSize        int    `toml:"queue_size" validate:"gt=0"` // Per-subscriber outbound queue depth
	QRThrottle       string `toml:"qr_throttle"`                // e.g., "500ms" - min interval between QR frames per job
	StatusThrottle   string `toml:"status_throttle"`            // e.g., "200ms" - min interval between status pushes per job
}

// NewDefaultConfig returns a Config populated with defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Booking: BookingConfig{
			MaxConcurrentJobs:   10,
			MaxBrowserInstances: 10,
			WorkerConcurrency:   5,
			MaxQueueSize:        50,
			JobTimeout:          "30m",
			CancelGracePeriod:   "5s",
			CleanupSchedule:     "@every 5m",
		},
		QR: QRConfig{
			CaptureInterval: "1s",
			TTL:             "180s",
			BankIDTimeout:   "5m",
		},
		Webhook: WebhookConfig{
			MaxAttempts:    3,
			RequestTimeout: "10s",
			BackoffBase:    "1s",
		},
		Browser: BrowserConfig{
			StartURL:  "https://fp.trafikverket.se/boka/",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			Headless:  true,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/bokning",
				ResetOnStartup: false,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			QueueSize:      64,
			QRThrottle:     "500ms",
			StatusThrottle: "200ms",
		},
	}
}

// LoadFromFiles loads configuration from defaults, then merges each file in
// order (later files override earlier ones), then applies env overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("BOKNING_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("BOKNING_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("BOKNING_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if v := os.Getenv("BOKNING_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Booking.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("BOKNING_MAX_BROWSER_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Booking.MaxBrowserInstances = n
		}
	}
	if v := os.Getenv("BOKNING_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Booking.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("BOKNING_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Booking.MaxQueueSize = n
		}
	}
	if v := os.Getenv("BOKNING_JOB_TIMEOUT"); v != "" {
		config.Booking.JobTimeout = v
	}
	if v := os.Getenv("BOKNING_QR_CAPTURE_INTERVAL"); v != "" {
		config.QR.CaptureInterval = v
	}
	if v := os.Getenv("BOKNING_QR_TTL"); v != "" {
		config.QR.TTL = v
	}
	if v := os.Getenv("BOKNING_BANKID_TIMEOUT"); v != "" {
		config.QR.BankIDTimeout = v
	}
	if v := os.Getenv("BOKNING_WEBHOOK_SECRET"); v != "" {
		config.Webhook.Secret = v
	}
	if v := os.Getenv("BOKNING_WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Webhook.MaxAttempts = n
		}
	}
	if v := os.Getenv("BOKNING_BROWSER_START_URL"); v != "" {
		config.Browser.StartURL = v
	}
	if v := os.Getenv("BOKNING_BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Browser.Headless = b
		}
	}

	if badgerPath := os.Getenv("BOKNING_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("BOKNING_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("BOKNING_LOG_OUTPUT"); output != "" {
		parts := strings.Split(output, ",")
		outputs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				outputs = append(outputs, p)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks structural constraints and duration syntax.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"booking.job_timeout":         c.Booking.JobTimeout,
		"booking.cancel_grace_period": c.Booking.CancelGracePeriod,
		"qr.capture_interval":         c.QR.CaptureInterval,
		"qr.ttl":                      c.QR.TTL,
		"qr.bankid_timeout":           c.QR.BankIDTimeout,
		"webhook.request_timeout":     c.Webhook.RequestTimeout,
		"webhook.backoff_base":        c.Webhook.BackoffBase,
		"websocket.qr_throttle":       c.WebSocket.QRThrottle,
		"websocket.status_throttle":   c.WebSocket.StatusThrottle,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", key, err)
		}
	}
	return nil
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ParseDurationOr parses a duration string, falling back to def when empty or invalid.
func ParseDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// JobTimeoutDuration returns the per-job wall-clock limit.
func (b BookingConfig) JobTimeoutDuration() time.Duration {
	return ParseDurationOr(b.JobTimeout, 30*time.Minute)
}

// CancelGraceDuration returns the driver abort window applied on cancellation.
func (b BookingConfig) CancelGraceDuration() time.Duration {
	return ParseDurationOr(b.CancelGracePeriod, 5*time.Second)
}

// CaptureIntervalDuration returns the QR polling interval.
func (q QRConfig) CaptureIntervalDuration() time.Duration {
	return ParseDurationOr(q.CaptureInterval, time.Second)
}

// TTLDuration returns the cached QR frame lifetime.
func (q QRConfig) TTLDuration() time.Duration {
	return ParseDurationOr(q.TTL, 180*time.Second)
}

// BankIDTimeoutDuration returns the bound on the QR auth phase.
func (q QRConfig) BankIDTimeoutDuration() time.Duration {
	return ParseDurationOr(q.BankIDTimeout, 5*time.Minute)
}

// RequestTimeoutDuration returns the per-delivery HTTP timeout.
func (w WebhookConfig) RequestTimeoutDuration() time.Duration {
	return ParseDurationOr(w.RequestTimeout, 10*time.Second)
}

// BackoffBaseDuration returns the base used for exponential retry backoff.
func (w WebhookConfig) BackoffBaseDuration() time.Duration {
	return ParseDurationOr(w.BackoffBase, time.Second)
}

// QRThrottleDuration returns the per-job minimum interval between QR broadcasts.
func (w WebSocketConfig) QRThrottleDuration() time.Duration {
	return ParseDurationOr(w.QRThrottle, 500*time.Millisecond)
}

// StatusThrottleDuration returns the per-job minimum interval between status broadcasts.
func (w WebSocketConfig) StatusThrottleDuration() time.Duration {
	return ParseDurationOr(w.StatusThrottle, 200*time.Millisecond)
}
