package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"slashbot/internal/schedule"
	logx "slashbot/pkg/logx"
)

// ScheduleOnce adds a system one-off that sends text to chatID after delay.
// It lives only in memory: a restart or a failed delivery drops it, and
// MarkFired retires it like a persisted one-off.
func (c *Catalog) ScheduleOnce(ctx context.Context, chatID int64, text string, delay time.Duration) (schedule.Job, error) {
	if err := ctx.Err(); err != nil {
		return schedule.Job{}, err
	}
	if delay < 0 {
		delay = 0
	}
	now := c.now()
	j := schedule.Job{
		ID:        systemPrefix + "once_" + uuid.NewString(),
		Name:      "Reply",
		ChatID:    chatID,
		Message:   text,
		Trigger:   schedule.OneOff(now.Add(delay), c.cfg.DefaultTimezone),
		Origin:    schedule.OriginSystem,
		OnFailure: schedule.OnFailureDrop,
		CreatedAt: now.UTC(),
	}
	if err := j.Validate(); err != nil {
		return schedule.Job{}, err
	}

	c.mu.Lock()
	c.transient = append(c.transient, j)
	c.mu.Unlock()

	c.log.Debug("system one-off scheduled", logx.String("id", j.ID), logx.Int64("chat_id", chatID))
	c.notify(Change{Op: "create", ID: j.ID})
	return j, nil
}

// retireTransientLocked drops the in-memory one-off id and reports whether it
// was there.
func (c *Catalog) retireTransientLocked(id string) bool {
	for i, j := range c.transient {
		if j.ID == id {
			c.transient = append(c.transient[:i:i], c.transient[i+1:]...)
			return true
		}
	}
	return false
}
