package catalog

import (
	"fmt"
	"strings"
	"time"

	"slashbot/internal/schedule"
)

// PrimaryJobID is the system job driven by Settings.
const PrimaryJobID = "sys_daily_maket"

const systemPrefix = "sys_"

// Template is a broadcast system job sent to every registered chat.
type Template struct {
	Key      string
	Name     string
	Message  string
	Weekdays []int
	At       schedule.TimeOfDay
	Timezone string
}

type Config struct {
	// DefaultTimezone reads offset-less user input and fills missing zones.
	DefaultTimezone  string
	DefaultOnFailure schedule.OnFailure
	// PastTolerance is how far in the past a new one-off may be.
	PastTolerance time.Duration

	PrimaryName     string
	PrimaryMessage  string
	PrimaryWeekdays []int

	// Templates nil means DefaultTemplates; empty means none.
	Templates []Template
}

func DefaultTemplates() []Template {
	return []Template{
		{
			Key:      "morning",
			Name:     "Утренняя рассылка",
			Message:  "Бодрейшего утра, посоны! Держите ссыль https://whereby.com/kukumroom ",
			Weekdays: []int{1, 2, 3, 4, 5},
			At:       schedule.TimeOfDay{Hour: 10, Minute: 30},
			Timezone: "Europe/Moscow",
		},
		{
			Key:      "friday",
			Name:     "Пятничная рассылка",
			Message:  "Эх, а скоро дудосинг...",
			Weekdays: []int{5},
			At:       schedule.TimeOfDay{Hour: 17, Minute: 50},
			Timezone: "Europe/Moscow",
		},
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.DefaultTimezone) == "" {
		c.DefaultTimezone = schedule.DefaultPrimaryTimezone
	}
	if c.DefaultOnFailure == "" {
		c.DefaultOnFailure = schedule.OnFailureDrop
	}
	if c.PastTolerance <= 0 {
		c.PastTolerance = time.Minute
	}
	if strings.TrimSpace(c.PrimaryMessage) == "" {
		c.PrimaryMessage = "Че как там по макетам"
	}
	if strings.TrimSpace(c.PrimaryName) == "" {
		c.PrimaryName = c.PrimaryMessage
	}
	if len(c.PrimaryWeekdays) == 0 {
		c.PrimaryWeekdays = []int{1, 2, 3, 4, 5}
	}
	if c.Templates == nil {
		c.Templates = DefaultTemplates()
	}
	for i := range c.Templates {
		if c.Templates[i].Timezone == "" {
			c.Templates[i].Timezone = c.DefaultTimezone
		}
	}
	return c
}

// IsSystemID reports whether id names a system job.
func IsSystemID(id string) bool { return strings.HasPrefix(id, systemPrefix) }

func (c *Catalog) primaryLocked() (schedule.Job, bool) {
	s := c.settings
	if s.PrimaryChatID == nil {
		return schedule.Job{}, false
	}
	return schedule.Job{
		ID:        PrimaryJobID,
		Name:      c.cfg.PrimaryName,
		ChatID:    *s.PrimaryChatID,
		Message:   c.cfg.PrimaryMessage,
		Trigger:   schedule.Weekly(c.cfg.PrimaryWeekdays, s.PrimaryTime, s.PrimaryTimezone),
		Origin:    schedule.OriginSystem,
		OnFailure: schedule.OnFailureDrop,
	}, true
}

func (c *Catalog) templateJob(t Template) schedule.Job {
	return schedule.Job{
		ID:        systemPrefix + t.Key,
		Name:      t.Name,
		Broadcast: true,
		Message:   t.Message,
		Trigger:   schedule.Weekly(t.Weekdays, t.At, t.Timezone),
		Origin:    schedule.OriginSystem,
		OnFailure: schedule.OnFailureDrop,
	}
}

func (c *Catalog) systemJobsLocked() []schedule.Job {
	out := make([]schedule.Job, 0, 1+len(c.cfg.Templates)+len(c.transient))
	if p, ok := c.primaryLocked(); ok {
		out = append(out, p)
	}
	for _, t := range c.cfg.Templates {
		out = append(out, c.templateJob(t))
	}
	return append(out, c.transient...)
}

// SystemJobs returns the armable system jobs: the primary job when a chat is
// configured, one broadcast job per template, and pending in-memory one-offs.
func (c *Catalog) SystemJobs() []schedule.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemJobsLocked()
}

// MergedView lists user jobs followed by synthesized system entries. With a
// chat filter, user jobs are limited to that chat and each broadcast
// template is expanded into an entry for it. Without one, templates are not
// enumerated per chat.
func (c *Catalog) MergedView(filterChat *int64) []schedule.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]schedule.Job, 0, len(c.jobs)+1+len(c.cfg.Templates))
	for _, j := range c.jobs {
		if filterChat == nil || j.ChatID == *filterChat {
			out = append(out, j)
		}
	}
	if p, ok := c.primaryLocked(); ok && (filterChat == nil || p.ChatID == *filterChat) {
		out = append(out, p)
	}
	if filterChat != nil {
		for _, t := range c.cfg.Templates {
			j := c.templateJob(t)
			j.ID = fmt.Sprintf("%s%s_%d", systemPrefix, t.Key, *filterChat)
			j.Broadcast = false
			j.ChatID = *filterChat
			out = append(out, j)
		}
	}
	for _, j := range c.transient {
		if filterChat == nil || j.ChatID == *filterChat {
			out = append(out, j)
		}
	}
	return out
}
