package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"slashbot/internal/metrics"
	"slashbot/internal/schedule"
	logx "slashbot/pkg/logx"
)

// JobInput is a request to create a user job. For a one-off SendTime is an
// ISO-8601 timestamp; for a recurring job Weekdays and Time describe the
// weekly pattern. Timezone defaults to the catalog default.
type JobInput struct {
	ChatID    int64
	Name      string
	Message   string
	Recurring bool
	SendTime  string
	Weekdays  []int
	Time      string
	Timezone  string
	OnFailure string
}

// Patch changes selected fields of an existing job. Nil fields are kept.
type Patch struct {
	ChatID    *int64
	Name      *string
	Message   *string
	Recurring *bool
	SendTime  *string
	Weekdays  []int
	Time      *string
	Timezone  *string
	OnFailure *string
}

func (c *Catalog) buildTrigger(recurring bool, sendTime string, weekdays []int, at, tz string) (schedule.Trigger, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = c.cfg.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return schedule.Trigger{}, &schedule.ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown timezone %q", tz)}
	}
	if recurring {
		tod, err := schedule.ParseTimeOfDay(at)
		if err != nil {
			return schedule.Trigger{}, &schedule.ValidationError{Field: "recurring_pattern.time", Reason: err.Error()}
		}
		return schedule.Weekly(weekdays, tod, tz), nil
	}
	fireAt, err := schedule.ParseInstant(sendTime, loc)
	if err != nil {
		return schedule.Trigger{}, err
	}
	return schedule.OneOff(fireAt, tz), nil
}

func (c *Catalog) checkNotPast(t schedule.Trigger) error {
	if t.Kind == schedule.KindOneOff && t.FireAt.Before(c.now().Add(-c.cfg.PastTolerance)) {
		return &schedule.ValidationError{Field: "send_time", Reason: "is in the past"}
	}
	return nil
}

// Create validates in, assigns an id and persists the new user job.
func (c *Catalog) Create(ctx context.Context, in JobInput) (schedule.Job, error) {
	trig, err := c.buildTrigger(in.Recurring, in.SendTime, in.Weekdays, in.Time, in.Timezone)
	if err != nil {
		return schedule.Job{}, err
	}
	onFailure := c.cfg.DefaultOnFailure
	if strings.TrimSpace(in.OnFailure) != "" {
		if onFailure, err = schedule.ParseOnFailure(in.OnFailure); err != nil {
			return schedule.Job{}, err
		}
	}
	j := schedule.Job{
		Name:      strings.TrimSpace(in.Name),
		ChatID:    in.ChatID,
		Message:   in.Message,
		Trigger:   trig,
		Origin:    schedule.OriginUser,
		Mutable:   true,
		OnFailure: onFailure,
		CreatedAt: c.now().UTC(),
	}
	if err := j.Validate(); err != nil {
		return schedule.Job{}, err
	}
	if err := c.checkNotPast(trig); err != nil {
		return schedule.Job{}, err
	}

	c.mu.Lock()
	j.ID = c.newID()
	next := append(append([]schedule.Job(nil), c.jobs...), j)
	err = c.persistJobsLocked(ctx, next)
	c.mu.Unlock()
	if err != nil {
		return schedule.Job{}, err
	}

	c.log.Info("job created", logx.String("id", j.ID), logx.Int64("chat_id", j.ChatID), logx.String("kind", string(j.Trigger.Kind)))
	c.notify(Change{Op: "create", ID: j.ID})
	return j, nil
}

// Update applies p to a user job, or routes chat and time of the primary
// system job to Settings. Other system ids are read-only.
func (c *Catalog) Update(ctx context.Context, id string, p Patch) (schedule.Job, error) {
	if id == PrimaryJobID {
		return c.updatePrimary(ctx, p)
	}

	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		if IsSystemID(id) {
			return schedule.Job{}, ErrReadOnly
		}
		return schedule.Job{}, ErrNotFound
	}
	j, err := c.applyPatch(c.jobs[i], p)
	if err == nil {
		next := append([]schedule.Job(nil), c.jobs...)
		next[i] = j
		err = c.persistJobsLocked(ctx, next)
	}
	c.mu.Unlock()
	if err != nil {
		return schedule.Job{}, err
	}

	c.log.Info("job updated", logx.String("id", id))
	c.notify(Change{Op: "update", ID: id})
	return j, nil
}

func (c *Catalog) applyPatch(cur schedule.Job, p Patch) (schedule.Job, error) {
	j := cur
	if p.ChatID != nil {
		j.ChatID = *p.ChatID
	}
	if p.Name != nil {
		j.Name = strings.TrimSpace(*p.Name)
	}
	if p.Message != nil {
		j.Message = *p.Message
	}
	if p.OnFailure != nil {
		of, err := schedule.ParseOnFailure(*p.OnFailure)
		if err != nil {
			return cur, err
		}
		j.OnFailure = of
	}

	triggerTouched := p.Recurring != nil || p.SendTime != nil || p.Weekdays != nil || p.Time != nil || p.Timezone != nil
	if triggerTouched {
		recurring := cur.Trigger.Kind == schedule.KindRecurring
		if p.Recurring != nil {
			recurring = *p.Recurring
		}
		tz := cur.Trigger.Timezone
		if p.Timezone != nil {
			tz = *p.Timezone
		}
		weekdays := cur.Trigger.Weekdays
		if p.Weekdays != nil {
			weekdays = p.Weekdays
		}
		at := cur.Trigger.At.String()
		if p.Time != nil {
			at = *p.Time
		}
		sendTime := ""
		if p.SendTime != nil {
			sendTime = *p.SendTime
		} else if cur.Trigger.Kind == schedule.KindOneOff {
			sendTime = cur.Trigger.FireAt.Format(time.RFC3339)
		}
		trig, err := c.buildTrigger(recurring, sendTime, weekdays, at, tz)
		if err != nil {
			return cur, err
		}
		if p.SendTime != nil {
			if err := c.checkNotPast(trig); err != nil {
				return cur, err
			}
		}
		j.Trigger = trig
	}
	if err := j.Validate(); err != nil {
		return cur, err
	}
	return j, nil
}

func (c *Catalog) updatePrimary(ctx context.Context, p Patch) (schedule.Job, error) {
	if p.Message != nil && *p.Message != c.cfg.PrimaryMessage {
		return schedule.Job{}, &schedule.ValidationError{Field: "message", Reason: "cannot be changed on a system job"}
	}
	if p.Recurring != nil && !*p.Recurring || p.SendTime != nil || p.Weekdays != nil || p.Timezone != nil || p.OnFailure != nil {
		return schedule.Job{}, &schedule.ValidationError{Field: "trigger", Reason: "only chat_id and time can be changed on a system job"}
	}
	var at schedule.TimeOfDay
	if p.Time != nil {
		t, err := schedule.ParseTimeOfDay(*p.Time)
		if err != nil {
			return schedule.Job{}, &schedule.ValidationError{Field: "time", Reason: err.Error()}
		}
		at = t
	}
	if p.ChatID != nil && *p.ChatID == 0 {
		return schedule.Job{}, &schedule.ValidationError{Field: "chat_id", Reason: "is required"}
	}

	_, err := c.UpdateSettings(ctx, func(s *schedule.Settings) error {
		if p.ChatID != nil {
			id := *p.ChatID
			s.PrimaryChatID = &id
		}
		if p.Time != nil {
			s.PrimaryTime = at
		}
		if s.PrimaryChatID == nil {
			return &schedule.ValidationError{Field: "chat_id", Reason: "no chat configured for the primary job"}
		}
		return nil
	})
	if err != nil {
		return schedule.Job{}, err
	}
	j, ok := c.Get(PrimaryJobID)
	if !ok {
		return schedule.Job{}, ErrNotFound
	}
	return j, nil
}

// Delete removes a user job. System ids are read-only.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		if IsSystemID(id) {
			return ErrReadOnly
		}
		return ErrNotFound
	}
	next := append(append([]schedule.Job(nil), c.jobs[:i]...), c.jobs[i+1:]...)
	err := c.persistJobsLocked(ctx, next)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.log.Info("job deleted", logx.String("id", id))
	c.notify(Change{Op: "delete", ID: id})
	return nil
}

// MarkFired removes a one-off that reached its terminal state. Unknown ids
// are ignored.
func (c *Catalog) MarkFired(ctx context.Context, id string) error {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		retired := c.retireTransientLocked(id)
		c.mu.Unlock()
		if retired {
			c.notify(Change{Op: "fired", ID: id})
		}
		return nil
	}
	if c.jobs[i].Trigger.Kind != schedule.KindOneOff {
		c.mu.Unlock()
		return nil
	}
	next := append(append([]schedule.Job(nil), c.jobs[:i]...), c.jobs[i+1:]...)
	err := c.persistJobsLocked(ctx, next)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.log.Debug("one-off job retired", logx.String("id", id))
	c.notify(Change{Op: "fired", ID: id})
	return nil
}

// UpdateSettings re-reads settings from the store, applies fn and persists
// the result. Another process may have written settings since our last load.
func (c *Catalog) UpdateSettings(ctx context.Context, fn func(*schedule.Settings) error) (schedule.Settings, error) {
	c.mu.Lock()
	rec, found, err := c.store.LoadSettings(ctx)
	if err != nil {
		c.mu.Unlock()
		return schedule.Settings{}, err
	}
	cur := c.settingsFromRecord(rec, found)
	next := copySettings(cur)
	if err := fn(&next); err != nil {
		c.mu.Unlock()
		return schedule.Settings{}, err
	}
	if _, err := time.LoadLocation(next.PrimaryTimezone); err != nil || strings.TrimSpace(next.PrimaryTimezone) == "" {
		c.mu.Unlock()
		return schedule.Settings{}, &schedule.ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown timezone %q", next.PrimaryTimezone)}
	}
	if next.PrimaryChatID != nil && *next.PrimaryChatID == 0 {
		next.PrimaryChatID = nil
	}

	changed := !next.Equal(c.settings)
	if !next.Equal(cur) || !found {
		if err := c.store.SaveSettings(ctx, settingsToRecord(next)); err != nil {
			metrics.PersistErrors.WithLabelValues("settings").Inc()
			c.mu.Unlock()
			return schedule.Settings{}, err
		}
	}
	c.settings = next
	c.mu.Unlock()

	if changed {
		c.log.Info("settings updated", logx.Bool("primary_enabled", next.PrimaryChatID != nil),
			logx.String("time", next.PrimaryTime.String()), logx.String("timezone", next.PrimaryTimezone))
		c.notify(Change{Op: "settings", ID: PrimaryJobID})
	}
	return copySettings(next), nil
}
