package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/hookbridge/internal/config"
)

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for a missing config.yaml")
	}
	if cfg.BindAddr != "127.0.0.1:8765" {
		t.Fatalf("BindAddr = %q, want 127.0.0.1:8765", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.DefaultMode != "delegated" {
		t.Fatalf("DefaultMode = %q, want delegated", cfg.DefaultMode)
	}
	if cfg.ApprovalTimeoutSeconds != 300 {
		t.Fatalf("ApprovalTimeoutSeconds = %d, want 300", cfg.ApprovalTimeoutSeconds)
	}
	if cfg.Telegram.Enabled {
		t.Fatal("telegram should be disabled with no token")
	}
}

func TestLoadFrom_YAML(t *testing.T) {
	home := t.TempDir()
	raw := `
bind_addr: 127.0.0.1:9900
log_level: debug
default_mode: notify-only
approval_timeout_seconds: 45
message_wait_seconds: 30
heartbeat_cron: "0 * * * *"
telegram:
  token: "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
  chat_id: 4242
otel:
  enabled: true
  exporter: none
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis set despite existing config.yaml")
	}
	if cfg.BindAddr != "127.0.0.1:9900" {
		t.Fatalf("BindAddr = %q, want 127.0.0.1:9900", cfg.BindAddr)
	}
	if cfg.DefaultMode != "notify-only" {
		t.Fatalf("DefaultMode = %q, want notify-only", cfg.DefaultMode)
	}
	if cfg.ApprovalTimeoutSeconds != 45 {
		t.Fatalf("ApprovalTimeoutSeconds = %d, want 45", cfg.ApprovalTimeoutSeconds)
	}
	if cfg.MessageWaitSeconds != 30 {
		t.Fatalf("MessageWaitSeconds = %d, want 30", cfg.MessageWaitSeconds)
	}
	if cfg.HeartbeatCron != "0 * * * *" {
		t.Fatalf("HeartbeatCron = %q", cfg.HeartbeatCron)
	}
	if !cfg.Telegram.Enabled {
		t.Fatal("telegram token+chat_id present, expected Enabled")
	}
	if cfg.Telegram.ChatID != 4242 {
		t.Fatalf("ChatID = %d, want 4242", cfg.Telegram.ChatID)
	}
	if !cfg.Otel.Enabled {
		t.Fatal("otel.enabled not parsed")
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOOKBRIDGE_BIND_ADDR", "0.0.0.0:1234")
	t.Setenv("HOOKBRIDGE_AUTH_TOKEN", "hb-secret")
	t.Setenv("HOOKBRIDGE_DEFAULT_MODE", "local")
	t.Setenv("TELEGRAM_TOKEN", "987654321:BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	t.Setenv("TELEGRAM_CHAT_ID", "777")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:1234" {
		t.Fatalf("BindAddr = %q, want env override", cfg.BindAddr)
	}
	if cfg.AuthToken != "hb-secret" {
		t.Fatalf("AuthToken = %q, want hb-secret", cfg.AuthToken)
	}
	if cfg.DefaultMode != "local" {
		t.Fatalf("DefaultMode = %q, want local", cfg.DefaultMode)
	}
	if cfg.Telegram.ChatID != 777 {
		t.Fatalf("ChatID = %d, want 777", cfg.Telegram.ChatID)
	}
	if !cfg.Telegram.Enabled {
		t.Fatal("env token+chat_id present, expected Enabled")
	}
}

func TestLoadFrom_NormalizesBadValues(t *testing.T) {
	home := t.TempDir()
	raw := `
approval_timeout_seconds: -1
message_wait_seconds: 9999
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ApprovalTimeoutSeconds != 300 {
		t.Fatalf("ApprovalTimeoutSeconds = %d, want normalized 300", cfg.ApprovalTimeoutSeconds)
	}
	if cfg.MessageWaitSeconds != 120 {
		t.Fatalf("MessageWaitSeconds = %d, want capped 120", cfg.MessageWaitSeconds)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	b, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}

	b.BindAddr = "127.0.0.1:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint did not change with bind addr")
	}
}
