package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Default()
	if cfg.KillSwitch.Mode != ModeActive {
		t.Fatalf("expected mode=active by default, got %q", cfg.KillSwitch.Mode)
	}
	if cfg.KillSwitch.Triggers.MaxDrawdownPct != 15.0 {
		t.Fatalf("expected max_drawdown_pct=15 by default, got %f", cfg.KillSwitch.Triggers.MaxDrawdownPct)
	}
	if cfg.KillSwitch.Recovery.Cooldown() != 300*time.Second {
		t.Fatalf("expected 300s cooldown by default, got %v", cfg.KillSwitch.Recovery.Cooldown())
	}
	esc := cfg.KillSwitch.Recovery.Escalation()
	if len(esc) != 2 || esc[0] != time.Hour || esc[1] != 2*time.Hour {
		t.Fatalf("expected escalation [1h 2h], got %v", esc)
	}
	if cfg.KillSwitch.HealthTimeout() != 2*time.Second {
		t.Fatalf("expected 2s health timeout, got %v", cfg.KillSwitch.HealthTimeout())
	}
	if cfg.KillSwitch.Audit.MaxFileBytes != 10*1024*1024 {
		t.Fatalf("expected 10MB audit rotation threshold, got %d", cfg.KillSwitch.Audit.MaxFileBytes)
	}
}

func TestLoadFromTOML(t *testing.T) {
	doc := `
[kill_switch]
mode = "disabled"

[kill_switch.triggers]
max_drawdown_pct = 12.5
min_memory_mb = 1024
max_cpu_pct = 90
max_price_age_seconds = 120

[kill_switch.recovery]
cooldown_seconds = 60
escalation_intervals = [600, 1200, 1800]
approval_code_env_var = "MY_CODE"
`
	path := filepath.Join(t.TempDir(), "killswitch.toml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ks := cfg.KillSwitch
	if ks.Mode != ModeDisabled {
		t.Fatalf("expected disabled, got %q", ks.Mode)
	}
	if ks.Triggers.MaxDrawdownPct != 12.5 || ks.Triggers.MinMemoryMB != 1024 {
		t.Fatalf("unexpected triggers: %+v", ks.Triggers)
	}
	if ks.Recovery.CooldownSeconds != 60 || len(ks.Recovery.EscalationIntervals) != 3 {
		t.Fatalf("unexpected recovery: %+v", ks.Recovery)
	}
	if ks.Recovery.ApprovalCodeEnvVar != "MY_CODE" {
		t.Fatalf("expected MY_CODE, got %q", ks.Recovery.ApprovalCodeEnvVar)
	}
	// Unset keys keep their defaults.
	if ks.Recovery.EscalationTickSeconds != 60 {
		t.Fatalf("expected default escalation tick, got %d", ks.Recovery.EscalationTickSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	doc := `
kill_switch:
  triggers:
    max_drawdown_pct: 20
  audit:
    dir: /var/lib/killswitch
api:
  addr: 127.0.0.1:9000
`
	path := filepath.Join(t.TempDir(), "killswitch.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KillSwitch.Triggers.MaxDrawdownPct != 20 {
		t.Fatalf("expected 20, got %f", cfg.KillSwitch.Triggers.MaxDrawdownPct)
	}
	if cfg.KillSwitch.Audit.Dir != "/var/lib/killswitch" {
		t.Fatalf("unexpected audit dir %q", cfg.KillSwitch.Audit.Dir)
	}
	if cfg.API.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected api addr %q", cfg.API.Addr)
	}
	if cfg.KillSwitch.Triggers.MaxCPUPct != 80 {
		t.Fatalf("expected default max_cpu_pct, got %d", cfg.KillSwitch.Triggers.MaxCPUPct)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[kill_switch\nmode = "), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if _, ok := err.(*Error); !ok {
		t.Fatalf("expected *config.Error, got %T", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("KILL_SWITCH_MODE", "DISABLED")
	t.Setenv("KILL_SWITCH_AUDIT_DIR", "/tmp/audit")
	t.Setenv("KILL_SWITCH_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.KillSwitch.Mode != ModeDisabled {
		t.Fatalf("expected disabled, got %q", cfg.KillSwitch.Mode)
	}
	if cfg.KillSwitch.Audit.Dir != "/tmp/audit" {
		t.Fatalf("unexpected audit dir %q", cfg.KillSwitch.Audit.Dir)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Telegram.BotToken != "tok" {
		t.Fatalf("unexpected bot token %q", cfg.Telegram.BotToken)
	}
}

func TestApprovalCodeFromEnv(t *testing.T) {
	rc := Default().KillSwitch.Recovery
	rc.ApprovalCodeEnvVar = "KS_TEST_APPROVAL_CODE"

	if _, err := rc.ApprovalCode(); err == nil {
		t.Fatal("expected error when env var is unset")
	}
	t.Setenv("KS_TEST_APPROVAL_CODE", " s3cret ")
	code, err := rc.ApprovalCode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != "s3cret" {
		t.Fatalf("expected trimmed code, got %q", code)
	}
}
