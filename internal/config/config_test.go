package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskhub/internal/config"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "TASKHUB_HOME", t.TempDir())
	setEnv(t, "CHAT_BOT_TOKEN", "123456:bot-token")
	setEnv(t, "PORT", "")
	setEnv(t, "HUB_PUBLIC_URL", "")
	setEnv(t, "DATABASE_URL", "")
	setEnv(t, "DEFAULT_CHAT_ID", "")
	setEnv(t, "HUB_SECRET", "")
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != config.DefaultPort {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.BotToken != "123456:bot-token" {
		t.Fatalf("bot token = %q", cfg.BotToken)
	}
	if cfg.SweepSchedule != config.DefaultSweepSchedule {
		t.Fatalf("sweep schedule = %q", cfg.SweepSchedule)
	}
	if cfg.ConversationIdle != config.DefaultConversationIdle {
		t.Fatalf("conversation idle = %v", cfg.ConversationIdle)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.MaxRequests != 30 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
}

func TestLoadRequiresBotToken(t *testing.T) {
	baseEnv(t)
	setEnv(t, "CHAT_BOT_TOKEN", "")

	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "CHAT_BOT_TOKEN") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	baseEnv(t)
	setEnv(t, "PORT", "8080")
	setEnv(t, "HUB_PUBLIC_URL", "https://hub.example.com/")
	setEnv(t, "DATABASE_URL", "file:hub.db")
	setEnv(t, "DEFAULT_CHAT_ID", "-100123")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port = %d", cfg.Port)
	}
	// Trailing slash is stripped so path joins stay clean.
	if cfg.PublicURL != "https://hub.example.com" {
		t.Fatalf("public url = %q", cfg.PublicURL)
	}
	if cfg.DatabaseURL != "file:hub.db" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.DefaultChatID != -100123 {
		t.Fatalf("default chat = %d", cfg.DefaultChatID)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	baseEnv(t)
	for _, bad := range []string{"abc", "0", "-1", "70000"} {
		setEnv(t, "PORT", bad)
		if _, err := config.Load(); err == nil {
			t.Fatalf("PORT=%q accepted", bad)
		}
	}
}

func TestLoadTunablesFromYAML(t *testing.T) {
	home := t.TempDir()
	path := config.ConfigPath(home)
	yaml := `
log_level: debug
sweep_schedule: "@every 30s"
conversation_idle: 10m
progress_debounce: 5s
rate_limit:
  enabled: false
  window: 30s
  max_requests: 5
otel:
  enabled: true
  exporter: stdout
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	tun, err := config.LoadTunables(path)
	if err != nil {
		t.Fatalf("load tunables: %v", err)
	}
	if tun.LogLevel != "debug" || tun.SweepSchedule != "@every 30s" {
		t.Fatalf("tunables = %+v", tun)
	}
	if tun.ConversationIdle != 10*time.Minute || tun.ProgressDebounce != 5*time.Second {
		t.Fatalf("durations = %v / %v", tun.ConversationIdle, tun.ProgressDebounce)
	}
	if tun.RateLimit.Enabled || tun.RateLimit.MaxRequests != 5 {
		t.Fatalf("rate limit = %+v", tun.RateLimit)
	}
	if !tun.Otel.Enabled || tun.Otel.Exporter != "stdout" {
		t.Fatalf("otel = %+v", tun.Otel)
	}
	// Unset knobs fall back to defaults.
	if tun.PanelDebounce != 2*time.Second || tun.OnlineDebounce != 5*time.Second {
		t.Fatalf("debounces = %v / %v", tun.PanelDebounce, tun.OnlineDebounce)
	}
}

func TestLoadTunablesMissingFile(t *testing.T) {
	tun, err := config.LoadTunables(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if tun.SweepSchedule != config.DefaultSweepSchedule {
		t.Fatalf("tunables = %+v", tun)
	}
}

func TestLoadTunablesMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: [broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := config.LoadTunables(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestHomeDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKHUB_HOME", dir)
	if got := config.HomeDir(); got != dir {
		t.Fatalf("home = %q", got)
	}
}
