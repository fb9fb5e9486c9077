package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ExecStatus is the lifecycle state of one execution of a scheduled task.
//
// A record is created in StatusRunning and takes exactly one terminal
// transition (success, failed or skipped). Terminal records are immutable.
type ExecStatus string

const (
	StatusRunning ExecStatus = "running"
	StatusSuccess ExecStatus = "success"
	StatusFailed  ExecStatus = "failed"
	StatusSkipped ExecStatus = "skipped"
)

// Terminal reports whether s is a terminal execution status.
func (s ExecStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// SearchSpec is the underlying search-parameter definition a scheduled task
// re-runs. Optional filters are empty strings when unset.
type SearchSpec struct {
	ID                string
	Query             string
	MaxResults        int
	PublishedAfter    string // RFC3339 or YYYY-MM-DD, passed through to the provider
	PublishedBefore   string
	RegionCode        string
	RelevanceLanguage string
	VideoDuration     string
	VideoDefinition   string
	VideoType         string
	OrderBy           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ScheduledTask is a recurring unit of work.
//
// Kind-specific parameters: IntervalMinutes (interval), TimeOfDay (daily,
// weekly, monthly; "HH:MM"), Weekdays (weekly; CSV of ISO weekday numbers
// 1=Monday..7=Sunday), DayOfMonth (monthly; 1..31).
type ScheduledTask struct {
	ID              string
	SpecID          string
	Kind            string
	IntervalMinutes int
	TimeOfDay       string
	Weekdays        string
	DayOfMonth      int
	Active          bool
	NextRun         time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExecutionRecord is the persisted outcome of one firing of a scheduled task.
type ExecutionRecord struct {
	ID           string
	TaskID       string
	Status       ExecStatus
	StartedAt    time.Time
	CompletedAt  time.Time // zero until terminal
	ErrorMessage string
	ItemCount    int
	ResultJSON   string // raw provider batch snapshot
}

// AdhocExecution is the persisted outcome of a one-off, operator-triggered
// run of a search spec (no schedule, no dedup, no notification).
type AdhocExecution struct {
	ID           string
	SpecID       string
	Status       ExecStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string
	ItemCount    int
	ResultJSON   string
}

// Video is denormalized metadata for one search result, keyed by the
// provider's stable video ID. First sighting creates the row; later
// sightings reuse it. Translated fields are backfilled asynchronously.
type Video struct {
	VideoID               string
	Title                 string
	Description           string
	ChannelTitle          string
	ChannelID             string
	PublishedAt           time.Time
	ThumbnailsJSON        string
	Duration              string
	ViewCount             int64
	LikeCount             int64
	CommentCount          int64
	TranslatedTitle       string
	TranslatedDescription string
	TranslationUpdatedAt  time.Time
	CreatedAt             time.Time
}

// Credential is one OAuth credential per logical user.
// Updated in place on refresh; soft-deleted (Active=false) on logout or
// unrecoverable refresh failure.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenURI     string
	ClientID     string
	ClientSecret string
	ScopesJSON   string
	ExpiresAt    time.Time // zero means "no known expiry"
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
