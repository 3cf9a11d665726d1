package storage

import (
	"context"
	"fmt"
	"time"
)

// Kind names one independent record set.
type Kind string

const (
	KindChats    Kind = "chats"
	KindSettings Kind = "settings"
	KindJobs     Kind = "jobs"
	KindAudit    Kind = "audit"
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): one JSON file per kind inside the Path directory
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists whole record sets. Every Save overwrites the kind it names
// and nothing else.
type Store interface {
	LoadChats(ctx context.Context) ([]ChatRecord, error)
	SaveChats(ctx context.Context, chats []ChatRecord) error

	// LoadSettings reports false when no settings were ever saved.
	LoadSettings(ctx context.Context) (SettingsRecord, bool, error)
	SaveSettings(ctx context.Context, s SettingsRecord) error

	LoadJobs(ctx context.Context) ([]JobRecord, error)
	SaveJobs(ctx context.Context, jobs []JobRecord) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Watcher is implemented by stores that can report changes made by another
// process.
type Watcher interface {
	Watch(ctx context.Context, onChange func(Kind)) error
}

type ChatRecord struct {
	ID    int64  `json:"id"`
	Kind  string `json:"kind,omitempty"`
	Title string `json:"title,omitempty"`
}

type SettingsRecord struct {
	ScheduledChatID   *int64 `json:"scheduled_chat_id"`
	ScheduledTime     string `json:"scheduled_time,omitempty"`
	ScheduledTimezone string `json:"scheduled_timezone,omitempty"`
}

type PatternRecord struct {
	Days     []int  `json:"days"`
	Time     string `json:"time"`
	Timezone string `json:"timezone,omitempty"`
}

// JobRecord is a persisted user job. SendTime and CreatedAt are ISO-8601
// strings; an offset-less SendTime is read in Timezone.
type JobRecord struct {
	ID               string         `json:"id"`
	Name             string         `json:"name,omitempty"`
	ChatID           int64          `json:"chat_id"`
	Message          string         `json:"message"`
	SendTime         string         `json:"send_time,omitempty"`
	Timezone         string         `json:"timezone,omitempty"`
	IsRecurring      bool           `json:"is_recurring"`
	RecurringPattern *PatternRecord `json:"recurring_pattern,omitempty"`
	OnFailure        string         `json:"on_failure,omitempty"`
	CreatedAt        string         `json:"created_at,omitempty"`
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"` // "api" or "command"
	Actor   string    `json:"actor,omitempty"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"`
	ChatID  int64     `json:"chat_id,omitempty"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	Summary string    `json:"summary,omitempty"`
}

// Error is returned for real I/O failures. Absent or malformed data is not
// an error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
