// Package config loads hub configuration from environment variables and an
// optional config.yaml under the hub home directory. Environment variables
// carry identity and wiring (bot token, listener port, database URL); the
// YAML file carries operational tunables that may be hot-reloaded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the HTTP/WebSocket listener port.
	DefaultPort = 9900

	// DefaultConversationIdle is how long a conversation may sit idle
	// before the sweeper closes it.
	DefaultConversationIdle = 30 * time.Minute

	// DefaultSweepSchedule drives the conversation sweeper cadence.
	DefaultSweepSchedule = "@every 1m"
)

// RateLimitConfig tunes the sliding-window limiter on task submission.
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// CORSConfig lists origins accepted for cross-origin API calls.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
}

// OtelConfig configures the OpenTelemetry provider.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Tunables are the YAML-backed knobs that may change at runtime.
type Tunables struct {
	LogLevel         string          `yaml:"log_level"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	CORS             CORSConfig      `yaml:"cors"`
	Otel             OtelConfig      `yaml:"otel"`
	SweepSchedule    string          `yaml:"sweep_schedule"`
	ConversationIdle time.Duration   `yaml:"conversation_idle"`
	ProgressDebounce time.Duration   `yaml:"progress_debounce"`
	PanelDebounce    time.Duration   `yaml:"panel_debounce"`
	OnlineDebounce   time.Duration   `yaml:"online_debounce"`
}

// Config is the assembled hub configuration.
type Config struct {
	Port          int
	BotToken      string
	PublicURL     string
	DatabaseURL   string
	DefaultChatID int64
	HubSecret     string
	HomeDir       string

	Tunables
}

// HomeDir resolves the hub data directory (TASKHUB_HOME or ~/.taskhub).
func HomeDir() string {
	if v := strings.TrimSpace(os.Getenv("TASKHUB_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskhub")
}

// ConfigPath returns the YAML tunables path under the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load assembles configuration from the environment and, when present, the
// config.yaml under the hub home directory. A missing CHAT_BOT_TOKEN is an
// error: the hub cannot run without its chat front-end identity.
func Load() (Config, error) {
	cfg := Config{
		Port:     DefaultPort,
		HomeDir:  HomeDir(),
		Tunables: defaultTunables(),
	}

	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT %q", raw)
		}
		cfg.Port = port
	}

	cfg.BotToken = strings.TrimSpace(os.Getenv("CHAT_BOT_TOKEN"))
	if cfg.BotToken == "" {
		return Config{}, fmt.Errorf("CHAT_BOT_TOKEN is required")
	}

	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(os.Getenv("HUB_PUBLIC_URL")), "/")
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.HubSecret = strings.TrimSpace(os.Getenv("HUB_SECRET"))

	if raw := strings.TrimSpace(os.Getenv("DEFAULT_CHAT_ID")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DEFAULT_CHAT_ID %q", raw)
		}
		cfg.DefaultChatID = id
	}

	tun, err := LoadTunables(ConfigPath(cfg.HomeDir))
	if err != nil {
		return Config{}, err
	}
	cfg.Tunables = tun

	return cfg, nil
}

// LoadTunables reads the YAML tunables file. A missing file yields defaults;
// a malformed file is an error so that a typo does not silently reset knobs.
func LoadTunables(path string) (Tunables, error) {
	tun := defaultTunables()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tun, nil
		}
		return Tunables{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &tun); err != nil {
		return Tunables{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&tun)
	return tun, nil
}

func defaultTunables() Tunables {
	return Tunables{
		LogLevel: "info",
		RateLimit: RateLimitConfig{
			Enabled:     true,
			Window:      time.Minute,
			MaxRequests: 30,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "taskhub",
			SampleRate:  1.0,
		},
		SweepSchedule:    DefaultSweepSchedule,
		ConversationIdle: DefaultConversationIdle,
		ProgressDebounce: 3 * time.Second,
		PanelDebounce:    2 * time.Second,
		OnlineDebounce:   5 * time.Second,
	}
}

func normalize(tun *Tunables) {
	if tun.SweepSchedule == "" {
		tun.SweepSchedule = DefaultSweepSchedule
	}
	if tun.ConversationIdle <= 0 {
		tun.ConversationIdle = DefaultConversationIdle
	}
	if tun.ProgressDebounce <= 0 {
		tun.ProgressDebounce = 3 * time.Second
	}
	if tun.PanelDebounce <= 0 {
		tun.PanelDebounce = 2 * time.Second
	}
	if tun.OnlineDebounce <= 0 {
		tun.OnlineDebounce = 5 * time.Second
	}
	if tun.RateLimit.Window <= 0 {
		tun.RateLimit.Window = time.Minute
	}
	if tun.RateLimit.MaxRequests <= 0 {
		tun.RateLimit.MaxRequests = 30
	}
	if tun.Otel.SampleRate <= 0 {
		tun.Otel.SampleRate = 1.0
	}
}
