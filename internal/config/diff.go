package config

import (
	"reflect"
	"sort"
	"strings"

	logx "slashbot/pkg/logx"
)

// Sections that can be applied without a restart.
var hotSections = map[string]bool{
	"logging":   true,
	"broadcast": true,
	"notifier":  true,
}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (token, web password) never appear.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.watch", newCfg.Storage.Watch),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.resync_interval", strings.TrimSpace(newCfg.Scheduler.ResyncInterval)),
			logx.String("scheduler.on_failure", strings.TrimSpace(newCfg.Scheduler.OnFailure)),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.workers", newCfg.Broadcast.Workers),
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
			logx.String("broadcast.send_timeout", strings.TrimSpace(newCfg.Broadcast.SendTimeout)),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
			logx.String("notifier.retry_base", strings.TrimSpace(newCfg.Notifier.RetryBase)),
		)
	}

	if !reflect.DeepEqual(oldCfg.SystemJobs, newCfg.SystemJobs) {
		changed = append(changed, "system_jobs")
		attrs = append(attrs, logx.Int("system_jobs.templates", len(newCfg.SystemJobs.Templates)))
	}

	if oldCfg.Web.Enabled != newCfg.Web.Enabled ||
		strings.TrimSpace(oldCfg.Web.Addr) != strings.TrimSpace(newCfg.Web.Addr) ||
		oldCfg.Web.User != newCfg.Web.User ||
		oldCfg.Web.Password != newCfg.Web.Password ||
		oldCfg.Web.Debug != newCfg.Web.Debug ||
		oldCfg.Web.ReadTimeout != newCfg.Web.ReadTimeout ||
		oldCfg.Web.WriteTimeout != newCfg.Web.WriteTimeout ||
		oldCfg.Web.IdleTimeout != newCfg.Web.IdleTimeout {
		changed = append(changed, "web")
		attrs = append(attrs,
			logx.Bool("web.enabled", newCfg.Web.Enabled),
			logx.String("web.addr", strings.TrimSpace(newCfg.Web.Addr)),
			logx.Bool("web.auth", newCfg.Web.Password != ""),
			logx.Bool("web.debug", newCfg.Web.Debug),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that cannot be hot-applied.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
