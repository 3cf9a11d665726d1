package config

import (
	"os"
	"strings"
)

// ApplyEnv overlays deployment environment variables on cfg. The variable
// names match the ones the bot has always been deployed with.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv("WEB_USER")); v != "" {
		cfg.Web.User = v
	}
	if v := getenv("WEB_PASSWORD"); v != "" {
		cfg.Web.Password = v
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		cfg.Web.Addr = ":" + v
	}
	if v := strings.TrimSpace(getenv("SLASHBOT_DATA_DIR")); v != "" {
		cfg.Storage.Path = v
	}
}
