package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full tubewatch configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Config files may be JSON or YAML; both are decoded strictly so typos in
// keys are caught at load time.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the dispatch loop that fires recurring tasks.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Search controls the external video-search call made per execution.
	Search SearchConfig `json:"search"`

	Auth      AuthConfig         `json:"auth"`
	Notify    NotifyConfig       `json:"notify"`
	Translate TranslateConfig    `json:"translate,omitempty"`
	Housekeep HousekeepingConfig `json:"housekeeping,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the job registry and its dispatch workers.
//
// UTCOffsetHours fixes the civil timezone used for all schedule arithmetic
// (daily/weekly/monthly firing times). The deployment standardizes on a
// single fixed offset so recurring semantics stay reproducible regardless
// of the host timezone. Default: 8 (UTC+8).
//
// MonthlyDayPolicy decides what happens when a monthly task's day-of-month
// exceeds the target month's length: "clamp" (default) moves the firing to
// the month's last day, "reject" refuses such values at task creation.
type SchedulerConfig struct {
	TickEvery        string `json:"tick_every,omitempty"` // default "1s"
	Workers          int    `json:"workers,omitempty"`    // default 4
	QueueSize        int    `json:"queue_size,omitempty"` // default 64
	UTCOffsetHours   *int   `json:"utc_offset_hours,omitempty"`
	MonthlyDayPolicy string `json:"monthly_day_policy,omitempty"`
}

// SearchConfig controls the provider call retry policy.
type SearchConfig struct {
	UserID    string `json:"user_id,omitempty"`    // credential owner, default "default"
	RetryMax  int    `json:"retry_max,omitempty"`  // attempts, default 3
	RetryBase string `json:"retry_base,omitempty"` // base backoff, default "2s"
}

// AuthConfig controls the credential lifecycle manager.
type AuthConfig struct {
	RefreshLead string `json:"refresh_lead,omitempty"` // default "5m"
	CacheTTL    string `json:"cache_ttl,omitempty"`    // default "60s"
}

// NotifyConfig controls the async notification pipeline.
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	WebhookURL    string `json:"webhook_url,omitempty"` // falls back to $TUBEWATCH_WEBHOOK_URL
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	MaxItems      int    `json:"max_items,omitempty"` // items per message, default 25
}

// TranslateConfig controls the optional translation backfill.
type TranslateConfig struct {
	Enabled    bool   `json:"enabled"`
	Endpoint   string `json:"endpoint,omitempty"`
	TargetLang string `json:"target_lang,omitempty"` // default "zh"
	BatchSize  int    `json:"batch_size,omitempty"`  // default 20
}

// HousekeepingConfig holds the internal maintenance cadences.
// Specs are cron expressions (or @every durations) evaluated in the
// scheduler's fixed timezone.
type HousekeepingConfig struct {
	RefreshSweep   string `json:"refresh_sweep,omitempty"`   // default "*/30 * * * *"
	Prune          string `json:"prune,omitempty"`           // default "0 4 * * *"
	PruneKeep      string `json:"prune_keep,omitempty"`      // default "2160h" (90 days)
	TranslateEvery string `json:"translate_every,omitempty"` // default "@every 10m"
}

// ParseDurationField parses a duration-string field like storage.busy_timeout
// or auth.refresh_lead. Empty means unset and yields zero without error; the
// field name prefixes any error so the bad key is obvious in the log.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback, for cadence
// knobs whose zero value would be meaningless (tick intervals, retry bases).
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
