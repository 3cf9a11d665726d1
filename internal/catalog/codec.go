package catalog

import (
	"strings"
	"time"

	"slashbot/internal/schedule"
	"slashbot/internal/storage"
	logx "slashbot/pkg/logx"
)

// Older records carry no pattern details; these were the defaults then.
var (
	legacyWeekdays = []int{1, 2, 3, 4, 5}
	legacyTime     = schedule.TimeOfDay{Hour: 10, Minute: 0}
)

func (c *Catalog) location(name string) *time.Location {
	if name = strings.TrimSpace(name); name == "" {
		name = c.cfg.DefaultTimezone
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.UTC
}

func (c *Catalog) fromRecord(rec storage.JobRecord) (schedule.Job, error) {
	onFailure, err := schedule.ParseOnFailure(rec.OnFailure)
	if err != nil {
		return schedule.Job{}, err
	}
	if strings.TrimSpace(rec.OnFailure) == "" {
		onFailure = c.cfg.DefaultOnFailure
	}
	j := schedule.Job{
		ID:        rec.ID,
		Name:      rec.Name,
		ChatID:    rec.ChatID,
		Message:   rec.Message,
		Origin:    schedule.OriginUser,
		Mutable:   true,
		OnFailure: onFailure,
	}
	if rec.CreatedAt != "" {
		if t, err := schedule.ParseInstant(rec.CreatedAt, c.location(rec.Timezone)); err == nil {
			j.CreatedAt = t
		}
	}

	if rec.IsRecurring {
		days, at, tz := legacyWeekdays, legacyTime, rec.Timezone
		if p := rec.RecurringPattern; p != nil {
			if len(p.Days) > 0 {
				days = p.Days
			}
			if strings.TrimSpace(p.Time) != "" {
				if at, err = schedule.ParseTimeOfDay(p.Time); err != nil {
					return schedule.Job{}, &schedule.ValidationError{Field: "recurring_pattern.time", Reason: err.Error()}
				}
			}
			if p.Timezone != "" {
				tz = p.Timezone
			}
		}
		if strings.TrimSpace(tz) == "" {
			tz = c.cfg.DefaultTimezone
		}
		j.Trigger = schedule.Weekly(days, at, tz)
	} else {
		tz := rec.Timezone
		if strings.TrimSpace(tz) == "" {
			tz = c.cfg.DefaultTimezone
		}
		at, err := schedule.ParseInstant(rec.SendTime, c.location(tz))
		if err != nil {
			return schedule.Job{}, err
		}
		j.Trigger = schedule.OneOff(at, tz)
	}
	return j, j.Validate()
}

func (c *Catalog) toRecord(j schedule.Job) storage.JobRecord {
	rec := storage.JobRecord{
		ID:        j.ID,
		Name:      j.Name,
		ChatID:    j.ChatID,
		Message:   j.Message,
		Timezone:  j.Trigger.Timezone,
		OnFailure: string(j.OnFailure),
	}
	if !j.CreatedAt.IsZero() {
		rec.CreatedAt = j.CreatedAt.Format(time.RFC3339)
	}
	switch j.Trigger.Kind {
	case schedule.KindRecurring:
		rec.IsRecurring = true
		rec.RecurringPattern = &storage.PatternRecord{
			Days:     append([]int(nil), j.Trigger.Weekdays...),
			Time:     j.Trigger.At.String(),
			Timezone: j.Trigger.Timezone,
		}
	case schedule.KindOneOff:
		rec.SendTime = j.Trigger.FireAt.In(c.location(j.Trigger.Timezone)).Format(time.RFC3339)
	}
	return rec
}

func (c *Catalog) settingsFromRecord(rec storage.SettingsRecord, found bool) schedule.Settings {
	s := schedule.DefaultSettings()
	if !found {
		return s
	}
	if rec.ScheduledChatID != nil && *rec.ScheduledChatID != 0 {
		id := *rec.ScheduledChatID
		s.PrimaryChatID = &id
	}
	if strings.TrimSpace(rec.ScheduledTime) != "" {
		if at, err := schedule.ParseTimeOfDay(rec.ScheduledTime); err == nil {
			s.PrimaryTime = at
		} else {
			c.log.Warn("invalid scheduled_time in settings; using default", logx.String("value", rec.ScheduledTime))
		}
	}
	if tz := strings.TrimSpace(rec.ScheduledTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			s.PrimaryTimezone = tz
		} else {
			c.log.Warn("invalid scheduled_timezone in settings; using default", logx.String("value", tz))
		}
	}
	return s
}

func settingsToRecord(s schedule.Settings) storage.SettingsRecord {
	rec := storage.SettingsRecord{
		ScheduledTime:     s.PrimaryTime.String(),
		ScheduledTimezone: s.PrimaryTimezone,
	}
	if s.PrimaryChatID != nil {
		id := *s.PrimaryChatID
		rec.ScheduledChatID = &id
	}
	return rec
}
