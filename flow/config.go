package flow

import (
	"os"
	"strconv"
	"time"
)

// Config carries the kernel's tunable settings. Zero values are
// replaced with the defaults from DefaultConfig when the orchestrator
// starts.
type Config struct {
	// SigningKey signs approval callback tokens. Without it the
	// kernel fails closed: no approval can be requested or decided.
	SigningKey string

	// AdapterSigningSecret verifies inbound adapter requests
	// (see adapter.SignatureValidator). Optional; adapters reject all
	// requests when unset.
	AdapterSigningSecret string

	// DatabaseURL selects the backing store when the caller does not
	// construct one directly (e.g. "sqlite:./flow.db" or a MySQL DSN).
	DatabaseURL string

	// DefaultApprovalTimeout bounds approvals that don't set their
	// own. Default 1h.
	DefaultApprovalTimeout time.Duration

	// TimeoutScanInterval is the timeout manager's polling interval.
	// Default 10s.
	TimeoutScanInterval time.Duration

	// DefaultMaxRetries is the retry budget for workflows that don't
	// set their own. Default 3.
	DefaultMaxRetries int

	// RetryInitialWait is the backoff before the first workflow
	// retry. Default 1m.
	RetryInitialWait time.Duration

	// RetryBackoffMultiplier grows the wait between successive
	// retries. Default 2.0.
	RetryBackoffMultiplier float64

	// RetryMaxWait caps the retry backoff. Default 1h.
	RetryMaxWait time.Duration

	// TaskFailuresAreFinal exempts task-step failures from the retry
	// budget: a failed task leaves the workflow FAILED until an
	// operator intervenes. By default task failures consume a retry
	// slot like approval timeouts do.
	TaskFailuresAreFinal bool

	// EventBusQueueSize bounds each subscriber's queue. Default 100.
	EventBusQueueSize int

	// EventBusMaxRetries is the redelivery budget per subscriber.
	// Default 3.
	EventBusMaxRetries int

	// EventBusBackoffInitial is the delay before the first
	// redelivery. Default 100ms.
	EventBusBackoffInitial time.Duration

	// EventBusBackoffMultiplier grows the redelivery delay.
	// Default 2.0.
	EventBusBackoffMultiplier float64
}

// DefaultConfig returns the kernel defaults.
func DefaultConfig() Config {
	return Config{
		DefaultApprovalTimeout:    time.Hour,
		TimeoutScanInterval:       10 * time.Second,
		DefaultMaxRetries:         3,
		RetryInitialWait:          time.Minute,
		RetryBackoffMultiplier:    2.0,
		RetryMaxWait:              time.Hour,
		EventBusQueueSize:         100,
		EventBusMaxRetries:        3,
		EventBusBackoffInitial:    100 * time.Millisecond,
		EventBusBackoffMultiplier: 2.0,
	}
}

// FromEnv builds a Config from environment variables, falling back to
// the defaults for anything unset or unparseable:
//
//	SIGNING_KEY                       callback token signing key
//	ADAPTER_SIGNING_SECRET            inbound adapter signature secret
//	DATABASE_URL                      backing store location
//	DEFAULT_APPROVAL_TIMEOUT_SECONDS  default 3600
//	TIMEOUT_SCAN_INTERVAL_SECONDS     default 10
//	MAX_RETRY_ATTEMPTS                default 3
//	RETRY_INITIAL_WAIT_SECONDS        default 60
//	RETRY_BACKOFF_MULTIPLIER          default 2.0
//	RETRY_MAX_WAIT_SECONDS            default 3600
//	EVENT_BUS_MAX_QUEUE_SIZE          default 100
//	EVENT_BUS_MAX_RETRIES             default 3
//	EVENT_BUS_BACKOFF_INITIAL         seconds, default 0.1
//	EVENT_BUS_BACKOFF_MULTIPLIER      default 2.0
func FromEnv() Config {
	cfg := DefaultConfig()

	cfg.SigningKey = os.Getenv("SIGNING_KEY")
	cfg.AdapterSigningSecret = os.Getenv("ADAPTER_SIGNING_SECRET")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.DefaultApprovalTimeout = envSeconds("DEFAULT_APPROVAL_TIMEOUT_SECONDS", cfg.DefaultApprovalTimeout)
	cfg.TimeoutScanInterval = envSeconds("TIMEOUT_SCAN_INTERVAL_SECONDS", cfg.TimeoutScanInterval)
	cfg.DefaultMaxRetries = envInt("MAX_RETRY_ATTEMPTS", cfg.DefaultMaxRetries)
	cfg.RetryInitialWait = envSeconds("RETRY_INITIAL_WAIT_SECONDS", cfg.RetryInitialWait)
	cfg.RetryBackoffMultiplier = envFloat("RETRY_BACKOFF_MULTIPLIER", cfg.RetryBackoffMultiplier)
	cfg.RetryMaxWait = envSeconds("RETRY_MAX_WAIT_SECONDS", cfg.RetryMaxWait)
	cfg.EventBusQueueSize = envInt("EVENT_BUS_MAX_QUEUE_SIZE", cfg.EventBusQueueSize)
	cfg.EventBusMaxRetries = envInt("EVENT_BUS_MAX_RETRIES", cfg.EventBusMaxRetries)
	cfg.EventBusBackoffInitial = envSeconds("EVENT_BUS_BACKOFF_INITIAL", cfg.EventBusBackoffInitial)
	cfg.EventBusBackoffMultiplier = envFloat("EVENT_BUS_BACKOFF_MULTIPLIER", cfg.EventBusBackoffMultiplier)

	return cfg
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultApprovalTimeout <= 0 {
		c.DefaultApprovalTimeout = def.DefaultApprovalTimeout
	}
	if c.TimeoutScanInterval <= 0 {
		c.TimeoutScanInterval = def.TimeoutScanInterval
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if c.RetryInitialWait <= 0 {
		c.RetryInitialWait = def.RetryInitialWait
	}
	if c.RetryBackoffMultiplier <= 1 {
		c.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = def.RetryMaxWait
	}
	if c.EventBusQueueSize <= 0 {
		c.EventBusQueueSize = def.EventBusQueueSize
	}
	if c.EventBusMaxRetries <= 0 {
		c.EventBusMaxRetries = def.EventBusMaxRetries
	}
	if c.EventBusBackoffInitial <= 0 {
		c.EventBusBackoffInitial = def.EventBusBackoffInitial
	}
	if c.EventBusBackoffMultiplier <= 1 {
		c.EventBusBackoffMultiplier = def.EventBusBackoffMultiplier
	}
	return c
}

func envSeconds(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
