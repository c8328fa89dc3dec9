// Package config loads hookbridge configuration from config.yaml under the
// bridge home directory, with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/basket/hookbridge/internal/otel"
)

type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken guards the hook API. Empty means the localhost-only API
	// runs unauthenticated.
	AuthToken string `yaml:"auth_token"`

	// DefaultMode is the routing mode at startup: delegated, local, or
	// notify-only.
	DefaultMode string `yaml:"default_mode"`

	// ApprovalTimeoutSeconds is the default deadline for a blocking
	// approval request; expiry denies.
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds"`

	// MessageWaitSeconds caps how long /send_message long-polls for
	// queued instructions.
	MessageWaitSeconds int `yaml:"message_wait_seconds"`

	// HeartbeatCron is a 5-field cron expression for the operator status
	// digest. Empty disables the heartbeat.
	HeartbeatCron string `yaml:"heartbeat_cron"`

	Telegram TelegramConfig `yaml:"telegram"`
	Otel     otel.Config    `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|mode=%s|timeout=%d|wait=%d|tg=%t|cron=%s",
		c.BindAddr, c.LogLevel, c.DefaultMode, c.ApprovalTimeoutSeconds,
		c.MessageWaitSeconds, c.Telegram.Enabled, c.HeartbeatCron)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:8765",
		LogLevel:               "info",
		DefaultMode:            "delegated",
		ApprovalTimeoutSeconds: 300,
		MessageWaitSeconds:     120,
	}
}

func HomeDir() string {
	if override := os.Getenv("HOOKBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hookbridge")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applying defaults and env
// overrides. A missing file is not an error; NeedsGenesis marks it.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hookbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8765"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = "delegated"
	}
	if cfg.ApprovalTimeoutSeconds <= 0 {
		cfg.ApprovalTimeoutSeconds = 300
	}
	if cfg.MessageWaitSeconds <= 0 || cfg.MessageWaitSeconds > 120 {
		cfg.MessageWaitSeconds = 120
	}
	// A token without an explicit enabled flag still turns the channel on.
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		cfg.Telegram.Enabled = true
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HOOKBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HOOKBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HOOKBRIDGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("HOOKBRIDGE_DEFAULT_MODE"); raw != "" {
		cfg.DefaultMode = raw
	}
	if raw := os.Getenv("HOOKBRIDGE_APPROVAL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ApprovalTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("HOOKBRIDGE_HEARTBEAT_CRON"); raw != "" {
		cfg.HeartbeatCron = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.ChatID = v
		}
	}
}
