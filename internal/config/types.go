package config

import (
	"strings"
	"time"

	"sheetsync/internal/timewindow"
)

type Config struct {
	Window  WindowConfig  `json:"window"`
	Queue   QueueConfig   `json:"queue"`
	Sheets  SheetsConfig  `json:"sheets,omitempty"`
	Ingest  IngestConfig  `json:"ingest,omitempty"`
	Storage StorageConfig `json:"storage"`

	// Jobs overrides stored schedules by job name. Omitted jobs keep what
	// the scheduled_jobs table says.
	Jobs map[string]JobConfig `json:"jobs,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of scheduled and manual job runs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Telegram TelegramConfig  `json:"telegram,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	HTTP     HTTPConfig      `json:"http,omitempty"`
}

// WindowConfig is the daily operating window in the scheduler timezone.
// Hours are pointers so that 0 (midnight) can be told apart from omitted.
//
// Defaults: start_hour 21, end_hour 3.
type WindowConfig struct {
	StartHour *int `json:"start_hour,omitempty"`
	EndHour   *int `json:"end_hour,omitempty"`
}

// QueueConfig points at the external parsing queue.
type QueueConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token"`
	// PageCount is sent with every submission. Default 3.
	PageCount  int    `json:"page_count,omitempty"`
	Timeout    string `json:"timeout,omitempty"`      // default "30s"
	RatePerSec int    `json:"rate_per_sec,omitempty"` // 0 disables pacing
}

type SheetsConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "30s"
}

type IngestConfig struct {
	BatchSize int `json:"batch_size,omitempty"` // default 10
	Fetchers  int `json:"fetchers,omitempty"`   // default 2
}

// StorageConfig selects the sqlite database.
//
// Example:
//
//	"storage": { "path": "./sheetsync.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// JobConfig overrides one job's schedule. Active is a pointer so that
// omitting it keeps the stored flag.
type JobConfig struct {
	IntervalMinutes int   `json:"interval_minutes,omitempty"`
	Active          *bool `json:"active,omitempty"`
}

// TaskEngineConfig controls the job execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`

	// Consecutive failures before a job's circuit opens; -1 disables.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// NotifierConfig controls job failure alerts. If the section is omitted
// alerts are enabled with the defaults below.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`  // default 1
	DedupWindow string `json:"dedup_window,omitempty"`  // default "10m"
	Persist     bool   `json:"persist_dedup,omitempty"` // keep dedup keys in sqlite
}

type TelegramConfig struct {
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is "<chat_id>" or "<chat_id>:<thread_id>".
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // empty disables the API
	// Token, when set, is required as a bearer token on /api routes.
	Token string `json:"token,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

const (
	DefaultPageCount   = 3
	DefaultIngestBatch = 10
	DefaultFetchers    = 2
	DefaultHTTPTimeout = 30 * time.Second
)

// TimeWindow returns the configured window with defaults filled in.
func (c *Config) TimeWindow() timewindow.Window {
	w := timewindow.Default
	if c == nil {
		return w
	}
	if c.Window.StartHour != nil {
		w.StartHour = *c.Window.StartHour
	}
	if c.Window.EndHour != nil {
		w.EndHour = *c.Window.EndHour
	}
	return w
}

func (c *Config) PageCount() int {
	if c == nil || c.Queue.PageCount <= 0 {
		return DefaultPageCount
	}
	return c.Queue.PageCount
}

func (c *Config) IngestBatch() int {
	if c == nil || c.Ingest.BatchSize <= 0 {
		return DefaultIngestBatch
	}
	return c.Ingest.BatchSize
}

func (c *Config) IngestFetchers() int {
	if c == nil || c.Ingest.Fetchers <= 0 {
		return DefaultFetchers
	}
	return c.Ingest.Fetchers
}

// TelegramEnabled reports whether a bot token is configured.
func (c *Config) TelegramEnabled() bool {
	return c != nil && strings.TrimSpace(c.Telegram.Token) != ""
}

// NotifierEnabled defaults to true when the section is omitted.
func (c *Config) NotifierEnabled() bool {
	return c != nil && (c.Notifier == nil || c.Notifier.Enabled)
}
