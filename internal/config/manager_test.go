package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseYAMLAndJSONAgree(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"telegram":{"token":"x"},"scheduler":{"enabled":true,"timezone":"UTC"},"broadcast":{"workers":3}}`)
	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "telegram:\n  token: x\nscheduler:\n  enabled: true\n  timezone: UTC\nbroadcast:\n  workers: 3\n")

	for _, p := range []string{jsonPath, yamlPath} {
		m := NewConfigManager(p)
		m.SetEnv(nil)
		cfg, err := m.Load()
		if err != nil {
			t.Fatalf("%s: load: %v", filepath.Base(p), err)
		}
		if cfg.Telegram.Token != "x" || !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "UTC" || cfg.Broadcast.Workers != 3 {
			t.Fatalf("%s: unexpected config %+v", filepath.Base(p), cfg)
		}
		if m.Get() != cfg {
			t.Fatalf("%s: Load did not commit", filepath.Base(p))
		}
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, p, `{"telegram":{"token":"x","owner_user_ids":[1]}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, p, `{"telegram":{}} {"telegram":{}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, p, `{"telegram":{"token":"file"},"web":{"addr":"127.0.0.1:1"}}`)

	env := map[string]string{
		"TELEGRAM_BOT_TOKEN": "env-token",
		"WEB_PASSWORD":       "secret",
		"PORT":               "8080",
		"SLASHBOT_DATA_DIR":  "/var/lib/slashbot",
	}
	m := NewConfigManager(p)
	m.SetEnv(func(k string) string { return env[k] })
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Web.Password != "secret" || cfg.Web.Addr != ":8080" {
		t.Fatalf("web = %+v", cfg.Web)
	}
	if cfg.Storage.Path != "/var/lib/slashbot" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"ok", Config{}, ""},
		{"bad duration", Config{Scheduler: SchedulerConfig{ResyncInterval: "soon"}}, "scheduler.resync_interval"},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}, "scheduler.timezone"},
		{"bad policy", Config{Scheduler: SchedulerConfig{OnFailure: "retry_forever"}}, "scheduler.on_failure"},
		{"bad driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"telegram log without chat", Config{Logging: LoggingConfig{Telegram: LoggingTelegram{Enabled: true}}}, "chat_id"},
		{"template weekday", Config{SystemJobs: SystemJobsConfig{Templates: []TemplateConfig{{Key: "a", Message: "m", Weekdays: []int{8}, Time: "10:00"}}}}, "out of range"},
		{"template time", Config{SystemJobs: SystemJobsConfig{Templates: []TemplateConfig{{Key: "a", Message: "m", Weekdays: []int{1}, Time: "25:00"}}}}, "templates[0].time"},
		{"duplicate template", Config{SystemJobs: SystemJobsConfig{Templates: []TemplateConfig{
			{Key: "a", Message: "m", Weekdays: []int{1}, Time: "10:00"},
			{Key: "a", Message: "m", Weekdays: []int{1}, Time: "10:00"},
		}}}, "duplicate"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, p, `{"broadcast":{"workers":1}}`)

	m := NewConfigManager(p)
	m.SetEnv(nil)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register, then rewrite until the change is seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Broadcast.Workers != 7 {
				t.Fatalf("workers = %d, want 7", cfg.Broadcast.Workers)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			writeFile(t, p, `{"broadcast":{"workers":7}}`)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Web: WebConfig{Password: "a"}, Broadcast: BroadcastConfig{Workers: 1}}
	newCfg := &Config{Web: WebConfig{Password: "b"}, Broadcast: BroadcastConfig{Workers: 2}}
	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "broadcast,web" {
		t.Fatalf("sections = %v", sections)
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "web" {
		t.Fatalf("restart required = %v", got)
	}
}
