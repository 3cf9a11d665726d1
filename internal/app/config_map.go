package app

import (
	"fmt"
	"strings"
	"time"

	"slashbot/internal/api"
	"slashbot/internal/catalog"
	"slashbot/internal/config"
	"slashbot/internal/notifier"
	"slashbot/internal/notifier/broadcast"
	"slashbot/internal/schedule"
	"slashbot/internal/storage"
	"slashbot/internal/task/scheduler"
	logx "slashbot/pkg/logx"
)

const defaultResyncInterval = time.Minute

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "file":
		if path == "" {
			path = "."
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapCatalogConfig(cfg *config.Config) (catalog.Config, error) {
	out := catalog.Config{
		DefaultTimezone: strings.TrimSpace(cfg.Scheduler.Timezone),
		PrimaryName:     cfg.SystemJobs.Primary.Name,
		PrimaryMessage:  cfg.SystemJobs.Primary.Message,
		PrimaryWeekdays: cfg.SystemJobs.Primary.Weekdays,
	}
	if raw := strings.TrimSpace(cfg.Scheduler.OnFailure); raw != "" {
		pol, err := schedule.ParseOnFailure(raw)
		if err != nil {
			return catalog.Config{}, fmt.Errorf("scheduler.on_failure: %w", err)
		}
		out.DefaultOnFailure = pol
	}
	if cfg.SystemJobs.Templates != nil {
		out.Templates = make([]catalog.Template, 0, len(cfg.SystemJobs.Templates))
		for i, t := range cfg.SystemJobs.Templates {
			at, err := schedule.ParseTimeOfDay(t.Time)
			if err != nil {
				return catalog.Config{}, fmt.Errorf("system_jobs.templates[%d].time: %w", i, err)
			}
			out.Templates = append(out.Templates, catalog.Template{
				Key:      strings.TrimSpace(t.Key),
				Name:     t.Name,
				Message:  t.Message,
				Weekdays: t.Weekdays,
				At:       at,
				Timezone: strings.TrimSpace(t.Timezone),
			})
		}
	}
	return out, nil
}

// schedulerSettings are the scheduler knobs shared by both origins.
type schedulerSettings struct {
	Enabled        bool
	ResyncInterval time.Duration
	MisfireGrace   time.Duration
	RetryDelay     time.Duration
	FireTimeout    time.Duration
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	out := schedulerSettings{Enabled: sc.Enabled}
	var err error
	if out.ResyncInterval, err = config.ParseDurationOrDefault("scheduler.resync_interval", sc.ResyncInterval, defaultResyncInterval); err != nil {
		return out, err
	}
	if out.MisfireGrace, err = config.ParseDurationOrDefault("scheduler.misfire_grace", sc.MisfireGrace, time.Hour); err != nil {
		return out, err
	}
	if out.RetryDelay, err = config.ParseDurationOrDefault("scheduler.retry_delay", sc.RetryDelay, time.Minute); err != nil {
		return out, err
	}
	if out.FireTimeout, err = config.ParseDurationOrDefault("scheduler.fire_timeout", sc.FireTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.ResyncInterval < time.Second {
		return out, fmt.Errorf("scheduler.resync_interval must be >= 1s")
	}
	return out, nil
}

func (s schedulerSettings) forOrigin(name string, o schedule.Origin) scheduler.Config {
	return scheduler.Config{
		Name:         name,
		Origins:      []schedule.Origin{o},
		RetryDelay:   s.RetryDelay,
		MisfireGrace: s.MisfireGrace,
		FireTimeout:  s.FireTimeout,
	}
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	timeout, err := config.ParseDurationOrDefault("broadcast.send_timeout", cfg.Broadcast.SendTimeout, 10*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:     cfg.Broadcast.Workers,
		RatePerSec:  cfg.Broadcast.RatePerSec,
		SendTimeout: timeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	def := notifier.DefaultConfig()
	nc := cfg.Notifier
	out := notifier.Config{RetryMax: nc.RetryMax}
	switch {
	case nc.RetryMax == 0:
		out.RetryMax = def.RetryMax
	case nc.RetryMax < 0:
		out.RetryMax = 0
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, def.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, def.RetryMaxDelay); err != nil {
		return out, err
	}
	return out, nil
}

func mapWebConfig(cfg *config.Config) (api.Config, error) {
	wc := cfg.Web
	out := api.Config{
		Addr:     strings.TrimSpace(wc.Addr),
		User:     strings.TrimSpace(wc.User),
		Password: wc.Password,
		Debug:    wc.Debug,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("web.read_timeout", wc.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("web.write_timeout", wc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("web.idle_timeout", wc.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}
