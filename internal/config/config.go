package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/basket/taskpulse/internal/channels"
	"github.com/basket/taskpulse/internal/duration"
	"github.com/basket/taskpulse/internal/otel"
)

type SlackConfig struct {
	BotToken string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	// APIBase overrides the Web API root (proxies, tests).
	APIBase string `yaml:"api_base" envconfig:"API_BASE"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	// Endpoint overrides the Bot API URL format, e.g. "https://host/bot%s/%s".
	Endpoint string `yaml:"endpoint" envconfig:"ENDPOINT"`
}

type GatewayConfig struct {
	URL            string `yaml:"url" envconfig:"URL"`
	Token          string `yaml:"token" envconfig:"TOKEN"`
	TimeoutSeconds int    `yaml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
}

// ChannelsConfig holds per-platform credentials and the agent route table.
type ChannelsConfig struct {
	Slack    SlackConfig               `yaml:"slack"`
	Telegram TelegramConfig            `yaml:"telegram"`
	Gateway  GatewayConfig             `yaml:"gateway"`
	Routes   map[string]channels.Route `yaml:"routes"`
}

// Enabled returns the channel kinds that have enough configuration to send,
// sorted. The in-process bus is always available.
func (c ChannelsConfig) Enabled() []string {
	out := []string{"bus"}
	if c.Gateway.URL != "" {
		out = append(out, "gateway")
	}
	if c.Slack.BotToken != "" {
		out = append(out, "slack")
	}
	if c.Telegram.BotToken != "" {
		out = append(out, "telegram")
	}
	sort.Strings(out)
	return out
}

type KafkaConfig struct {
	// Brokers is a comma-separated host:port list. Empty disables forwarding.
	Brokers string `yaml:"brokers" envconfig:"BROKERS"`
	Topic   string `yaml:"topic" envconfig:"TOPIC"`
	// Prefix selects which bus topics are forwarded; empty forwards all.
	Prefix string `yaml:"prefix" envconfig:"PREFIX"`
}

type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type Config struct {
	HomeDir string `yaml:"-" ignored:"true"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	DBPath   string `yaml:"db_path" envconfig:"DB_PATH"`
	LockPath string `yaml:"lock_path" envconfig:"LOCK_PATH"`

	TickIntervalSeconds int `yaml:"tick_interval_seconds" envconfig:"TICK_INTERVAL_SECONDS"`

	// DefaultStatusInterval applies to project tasks created without one.
	DefaultStatusInterval string `yaml:"default_status_interval" envconfig:"DEFAULT_STATUS_INTERVAL"`
	// OverdueThreshold multiplies task intervals for fleet monitoring and
	// wake escalation.
	OverdueThreshold float64 `yaml:"overdue_threshold" envconfig:"OVERDUE_THRESHOLD"`
	// IdleThreshold applies to agents without their own.
	IdleThreshold string `yaml:"idle_threshold" envconfig:"IDLE_THRESHOLD"`

	Channels ChannelsConfig `yaml:"channels" ignored:"true"`
	OTel     otel.Config    `yaml:"otel" ignored:"true"`
	Events   EventsConfig   `yaml:"events" ignored:"true"`

	// NeedsInit is set when config.yaml did not exist.
	NeedsInit bool `yaml:"-" ignored:"true"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetRoute writes one agent route into config.yaml, preserving other settings.
func SetRoute(homeDir, agentID string, route channels.Route) error {
	if err := channels.ValidateSchema(map[string]channels.Route{agentID: route}); err != nil {
		return err
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	chans, _ := raw["channels"].(map[string]interface{})
	if chans == nil {
		chans = make(map[string]interface{})
	}
	routes, _ := chans["routes"].(map[string]interface{})
	if routes == nil {
		routes = make(map[string]interface{})
	}
	routes[agentID] = map[string]interface{}{
		"silent":  map[string]interface{}{"channel": route.Silent.Channel, "target": route.Silent.Target},
		"visible": map[string]interface{}{"channel": route.Visible.Channel, "target": route.Visible.Target},
	}
	chans["routes"] = routes
	raw["channels"] = chans
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings that change scheduling
// behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tick=%d|status=%s|threshold=%g|idle=%s|log=%s|routes=%d",
		c.TickIntervalSeconds, c.DefaultStatusInterval, c.OverdueThreshold, c.IdleThreshold, c.LogLevel, len(c.Channels.Routes))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// TickInterval returns the daemon's evaluation period.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// IdleThresholdDuration returns the global idle threshold. Load has already
// validated it.
func (c Config) IdleThresholdDuration() time.Duration {
	d, _ := duration.ParseSafe(c.IdleThreshold)
	return d
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		TickIntervalSeconds:   60,
		DefaultStatusInterval: "2h",
		OverdueThreshold:      2,
		IdleThreshold:         "30m",
		Events:                EventsConfig{Kafka: KafkaConfig{Topic: "taskpulse.events"}},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKPULSE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskpulse")
}

// Load reads config.yaml from HomeDir, applies environment overrides and
// validates the result.
func Load() (Config, error) {
	homeDir := HomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return defaultConfig(), fmt.Errorf("create taskpulse home: %w", err)
	}
	return LoadFrom(homeDir)
}

// LoadFrom is Load for an explicit home directory. The daemon uses it to
// reload after config.yaml changes.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	targets := []struct {
		prefix string
		spec   any
	}{
		{"TASKPULSE", cfg},
		{"TASKPULSE_SLACK", &cfg.Channels.Slack},
		{"TASKPULSE_TELEGRAM", &cfg.Channels.Telegram},
		{"TASKPULSE_GATEWAY", &cfg.Channels.Gateway},
		{"TASKPULSE_OTEL", &cfg.OTel},
		{"TASKPULSE_KAFKA", &cfg.Events.Kafka},
	}
	for _, t := range targets {
		if err := envconfig.Process(t.prefix, t.spec); err != nil {
			return fmt.Errorf("env overrides (%s_*): %w", t.prefix, err)
		}
	}
	// Conventional names used by the platform SDKs' own tooling.
	if cfg.Channels.Slack.BotToken == "" {
		cfg.Channels.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if cfg.Channels.Telegram.BotToken == "" {
		cfg.Channels.Telegram.BotToken = os.Getenv("TELEGRAM_TOKEN")
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskpulse.db")
	}
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(cfg.HomeDir, "tick.lock")
	}
	if cfg.TickIntervalSeconds <= 0 {
		cfg.TickIntervalSeconds = 60
	}
	if cfg.DefaultStatusInterval == "" {
		cfg.DefaultStatusInterval = "2h"
	}
	if cfg.OverdueThreshold == 0 {
		cfg.OverdueThreshold = 2
	}
	if cfg.IdleThreshold == "" {
		cfg.IdleThreshold = "30m"
	}
	if cfg.Channels.Gateway.TimeoutSeconds <= 0 {
		cfg.Channels.Gateway.TimeoutSeconds = 10
	}
	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "taskpulse.events"
	}
}

func validate(cfg *Config) error {
	if _, err := duration.Parse(cfg.DefaultStatusInterval); err != nil {
		return fmt.Errorf("default_status_interval: %w", err)
	}
	if _, err := duration.Parse(cfg.IdleThreshold); err != nil {
		return fmt.Errorf("idle_threshold: %w", err)
	}
	if cfg.OverdueThreshold < 0 {
		return fmt.Errorf("overdue_threshold must be positive, got %g", cfg.OverdueThreshold)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", cfg.LogLevel)
	}
	if err := channels.ValidateSchema(cfg.Channels.Routes); err != nil {
		return err
	}
	return channels.Validate(cfg.Channels.Routes, cfg.Channels.Enabled())
}
