package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Scheduler controls trigger evaluation and the resync loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Broadcast controls the fan-out dispatcher.
	Broadcast BroadcastConfig `json:"broadcast"`

	// Notifier controls transport-level retry of single sends.
	Notifier NotifierConfig `json:"notifier"`

	SystemJobs SystemJobsConfig `json:"system_jobs"`
	Web        WebConfig        `json:"web"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AdminUserIDs restricts the settings commands. Empty means anyone.
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
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
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data", "watch": true }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Watch reconciles early when another process rewrites the store (file driver).
	Watch bool `json:"watch,omitempty"`
}

// SchedulerConfig controls arming of jobs.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Europe/Moscow"
//   - resync_interval: "1m"
//   - misfire_grace: "1h"
//   - retry_delay: "1m"
//   - fire_timeout: "2m"
//   - on_failure: "drop"
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	Timezone       string `json:"timezone,omitempty"`
	ResyncInterval string `json:"resync_interval,omitempty"`
	MisfireGrace   string `json:"misfire_grace,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	FireTimeout    string `json:"fire_timeout,omitempty"`
	OnFailure      string `json:"on_failure,omitempty"`
}

type BroadcastConfig struct {
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// NotifierConfig controls retries around a single transport send.
// A negative retry_max disables retries.
type NotifierConfig struct {
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// SystemJobsConfig overrides the built-in system job texts.
// A nil Templates list keeps the defaults; an empty list disables them.
type SystemJobsConfig struct {
	Primary   PrimaryJobConfig `json:"primary"`
	Templates []TemplateConfig `json:"templates,omitempty"`
}

type PrimaryJobConfig struct {
	Name     string `json:"name,omitempty"`
	Message  string `json:"message,omitempty"`
	Weekdays []int  `json:"weekdays,omitempty"`
}

type TemplateConfig struct {
	Key      string `json:"key"`
	Name     string `json:"name,omitempty"`
	Message  string `json:"message"`
	Weekdays []int  `json:"weekdays"`
	Time     string `json:"time"`
	Timezone string `json:"timezone,omitempty"`
}

// WebConfig controls the management HTTP API.
//
// Security note: the password is never logged. With an empty password the API
// is served without authentication, so bind it to localhost.
type WebConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"` // default: "127.0.0.1:5000"
	User     string `json:"user,omitempty"` // default: "admin"
	Password string `json:"password,omitempty"`
	// Debug mounts net/http/pprof under /debug.
	Debug bool `json:"debug,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
