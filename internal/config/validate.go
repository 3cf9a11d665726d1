package config

import (
	"fmt"
	"strings"
	"time"

	"slashbot/internal/schedule"
)

// Validate rejects configs that would fail later at wiring time. It is used
// at startup and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.resync_interval", cfg.Scheduler.ResyncInterval},
		{"scheduler.misfire_grace", cfg.Scheduler.MisfireGrace},
		{"scheduler.retry_delay", cfg.Scheduler.RetryDelay},
		{"scheduler.fire_timeout", cfg.Scheduler.FireTimeout},
		{"broadcast.send_timeout", cfg.Broadcast.SendTimeout},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"web.read_timeout", cfg.Web.ReadTimeout},
		{"web.write_timeout", cfg.Web.WriteTimeout},
		{"web.idle_timeout", cfg.Web.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	switch strings.TrimSpace(cfg.Scheduler.OnFailure) {
	case "", string(schedule.OnFailureDrop), string(schedule.OnFailureRetryOnce):
	default:
		return fmt.Errorf("scheduler.on_failure: unknown policy %q", cfg.Scheduler.OnFailure)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	if cfg.Broadcast.Workers < 0 {
		return fmt.Errorf("broadcast.workers must be >= 0")
	}
	if cfg.Broadcast.RatePerSec < 0 {
		return fmt.Errorf("broadcast.rate_per_sec must be >= 0")
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return fmt.Errorf("logging.telegram.chat_id is required when logging.telegram.enabled")
	}

	if err := validateWeekdays("system_jobs.primary.weekdays", cfg.SystemJobs.Primary.Weekdays, true); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for i, t := range cfg.SystemJobs.Templates {
		path := fmt.Sprintf("system_jobs.templates[%d]", i)
		key := strings.TrimSpace(t.Key)
		if key == "" {
			return fmt.Errorf("%s.key is required", path)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%s.key: duplicate %q", path, key)
		}
		seen[key] = struct{}{}
		if strings.TrimSpace(t.Message) == "" {
			return fmt.Errorf("%s.message is required", path)
		}
		if err := validateWeekdays(path+".weekdays", t.Weekdays, false); err != nil {
			return err
		}
		if _, err := schedule.ParseTimeOfDay(t.Time); err != nil {
			return fmt.Errorf("%s.time: %w", path, err)
		}
		if tz := strings.TrimSpace(t.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("%s.timezone: invalid %q: %w", path, tz, err)
			}
		}
	}
	return nil
}

func validateWeekdays(path string, days []int, allowEmpty bool) error {
	if len(days) == 0 {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("%s must not be empty", path)
	}
	for _, d := range days {
		if d < 1 || d > 7 {
			return fmt.Errorf("%s: weekday %d out of range 1..7", path, d)
		}
	}
	return nil
}
