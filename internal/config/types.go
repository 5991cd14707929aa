package config

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Business   BusinessConfig   `json:"business"`
	Sequences  SequencesConfig  `json:"sequences"`
	Automation AutomationConfig `json:"automation"`

	// Scheduler controls trigger behavior (cron/interval) for the automation jobs.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for automation jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Templates TemplatesConfig `json:"templates"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	NATS      NATSConfig      `json:"nats"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ log lines to the operator contact.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BusinessConfig holds the contact-time policy and the data fed to templates.
//
// Hours are 0-23 on the business timezone. An omitted dnd block keeps the
// defaults (20 -> 8, no Sunday contact).
type BusinessConfig struct {
	Timezone           string             `json:"timezone,omitempty"`
	ContactTimes       ContactTimesConfig `json:"contact_times"`
	DND                *DNDConfig         `json:"dnd,omitempty"`
	HighValueThreshold float64            `json:"high_value_threshold,omitempty"`
	Company            CompanyConfig      `json:"company"`

	// OperatorContact receives log alerts and manager escalations.
	OperatorContact string `json:"operator_contact,omitempty"`
}

type ContactTimesConfig struct {
	Weekdays map[string]HourRange `json:"weekdays,omitempty"`
	Weekends map[string]HourRange `json:"weekends,omitempty"`
}

type HourRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type DNDConfig struct {
	Start    int  `json:"start"`
	End      int  `json:"end"`
	NoSunday bool `json:"no_sunday"`
}

type CompanyConfig struct {
	Name         string `json:"name,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	Address      string `json:"address,omitempty"`
	ABN          string `json:"abn,omitempty"`
	QuoteURL     string `json:"quote_url,omitempty"`
	BookingURL   string `json:"booking_url,omitempty"`
	ReviewURL    string `json:"review_url,omitempty"`
	DiscountCode string `json:"discount_code,omitempty"`
}

type SequencesConfig struct {
	// CatalogFile optionally overrides or extends the built-in catalog (YAML).
	CatalogFile string `json:"catalog_file,omitempty"`
	// PolicyFollowups also starts the value/source/status selected follow-up sequence on quote-sent.
	PolicyFollowups bool `json:"policy_followups,omitempty"`
}

// AutomationConfig controls the periodic sweeps.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - overdue_sweep: "1m"
//   - dispatch_poll: "30s"
//   - escalation_sweep: "15m"
//   - retention: "0 3 * * *"
//   - retention_days: 90
//   - max_attempts: 3
type AutomationConfig struct {
	Enabled         *bool            `json:"enabled,omitempty"`
	OverdueSweep    string           `json:"overdue_sweep,omitempty"`
	DispatchPoll    string           `json:"dispatch_poll,omitempty"`
	EscalationSweep string           `json:"escalation_sweep,omitempty"`
	Retention       string           `json:"retention,omitempty"`
	RetentionDays   int              `json:"retention_days,omitempty"`
	MaxAttempts     int              `json:"max_attempts,omitempty"`
	Escalation      EscalationConfig `json:"escalation"`
}

type EscalationConfig struct {
	RaiseAfter    string `json:"raise_after,omitempty"`    // default "24h"
	EscalateAfter string `json:"escalate_after,omitempty"` // default "48h"
	NotifyManager bool   `json:"notify_manager,omitempty"`
}

// SchedulerConfig controls the cron/interval triggers.
//
// Enabled defaults to true. Timezone applies to cron specs; empty falls
// back to business.timezone.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// TaskEngineConfig controls the job execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops jobs that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`
}

type CircuitBreakerConfig struct {
	Enabled   bool   `json:"enabled"`
	Threshold int    `json:"threshold,omitempty"`
	Cooldown  string `json:"cooldown,omitempty"`
}

// NotifierConfig controls the outbound message guard and the async alert queue.
//
// If the whole section is omitted the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type GatewayConfig struct {
	// Driver is "log" (dry run, default) or "discard".
	Driver string `json:"driver,omitempty"`
}

type TemplatesConfig struct {
	File string `json:"file,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./quoteflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default ":8080"
	Pprof        bool   `json:"pprof,omitempty"`
	Metrics      bool   `json:"metrics,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"` // default "quoteflow"
}
