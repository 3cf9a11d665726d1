package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slashbot/internal/notifier/broadcast"
	"slashbot/internal/schedule"
)

var ErrNotOwned = errors.New("job origin not owned by this scheduler")

// ConflictError reports an id that is already armed with another origin.
type ConflictError struct {
	ID       string
	Armed    schedule.Origin
	Incoming schedule.Origin
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s armed as %s, refusing %s", e.ID, e.Armed, e.Incoming)
}

type Config struct {
	// Name labels logs and metrics, e.g. "system" or "user".
	Name    string
	Origins []schedule.Origin
	// RetryDelay is the wait before a retry_once re-fire.
	RetryDelay time.Duration
	// MisfireGrace bounds how late a one-off may still fire.
	MisfireGrace time.Duration
	// FireTimeout bounds a single dispatch, batches included.
	FireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = time.Hour
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 5 * time.Minute
	}
	if c.Name == "" {
		c.Name = "scheduler"
	}
	return c
}

// Dispatcher sends job messages.
type Dispatcher interface {
	SendOne(ctx context.Context, chatID int64, text string) broadcast.DeliveryResult
	SendMany(ctx context.Context, chatIDs []int64, text string) broadcast.BatchSummary
}

// ChatSource lists broadcast destinations.
type ChatSource interface {
	All() []int64
}

// Terminator retires a fired one-off from persistent storage.
type Terminator interface {
	MarkFired(ctx context.Context, id string) error
}

// Report summarizes a Reconcile pass.
type Report struct {
	Armed     int `json:"armed"`
	Rearmed   int `json:"rearmed"`
	Disarmed  int `json:"disarmed"`
	Unchanged int `json:"unchanged"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
}

// Changed reports whether the pass touched any wake-up.
func (r Report) Changed() bool { return r.Armed+r.Rearmed+r.Disarmed > 0 }

// FireEvent is the payload of a job.fired event.
type FireEvent struct {
	ID        string          `json:"id"`
	Origin    schedule.Origin `json:"origin"`
	Kind      schedule.Kind   `json:"kind"`
	Broadcast bool            `json:"broadcast"`
	ChatID    int64           `json:"chat_id,omitempty"`
	Attempted int             `json:"attempted"`
	Failed    int             `json:"failed"`
	At        time.Time       `json:"at"`
}

type ArmedInfo struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Origin    schedule.Origin `json:"origin"`
	Kind      schedule.Kind   `json:"kind"`
	ChatID    int64           `json:"chat_id,omitempty"`
	Broadcast bool            `json:"broadcast"`
	Next      time.Time       `json:"next"`
	Retry     bool            `json:"retry,omitempty"`
}

type Snapshot struct {
	Name    string      `json:"name"`
	Running bool        `json:"running"`
	Jobs    []ArmedInfo `json:"jobs"`
}
