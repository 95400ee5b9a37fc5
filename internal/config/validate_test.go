package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidateInvalidMode(t *testing.T) {
	cfg := Default()
	cfg.KillSwitch.Mode = "paused"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected invalid mode to fail validation")
	}
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *config.Error, got %T", err)
	}
	if cerr.Field != "kill_switch.mode" {
		t.Fatalf("expected field kill_switch.mode, got %q", cerr.Field)
	}
}

func TestValidateThresholds(t *testing.T) {
	cfg := Default()
	cfg.KillSwitch.Triggers.MaxDrawdownPct = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero max_drawdown_pct to fail validation")
	}

	cfg = Default()
	cfg.KillSwitch.Triggers.MaxCPUPct = 150
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected max_cpu_pct > 100 to fail validation")
	}

	cfg = Default()
	cfg.KillSwitch.Recovery.CooldownSeconds = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative cooldown to fail validation")
	}
}

func TestValidateZeroCooldown(t *testing.T) {
	cfg := Default()
	cfg.KillSwitch.Recovery.CooldownSeconds = 0
	err := cfg.Validate()
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *config.Error for zero cooldown, got %v", err)
	}
	if cerr.Field != "kill_switch.recovery.cooldown_seconds" {
		t.Fatalf("expected field kill_switch.recovery.cooldown_seconds, got %q", cerr.Field)
	}
}

func TestValidateEscalationIntervals(t *testing.T) {
	cfg := Default()
	cfg.KillSwitch.Recovery.EscalationIntervals = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty escalation_intervals to fail validation")
	}

	cfg = Default()
	cfg.KillSwitch.Recovery.EscalationIntervals = []int{7200, 3600}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "strictly increasing") {
		t.Fatalf("expected ordering error, got %v", err)
	}
}

func TestValidateOptionalSinks(t *testing.T) {
	cfg := Default()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected kafka without brokers to fail validation")
	}

	cfg = Default()
	cfg.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected telegram without credentials to fail validation")
	}
}

func TestValidatePortfolioAddress(t *testing.T) {
	cfg := Default()
	cfg.Portfolio.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected portfolio without wallet to fail validation")
	}

	cfg.Portfolio.WalletAddress = "0xnot-an-address"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "portfolio.wallet_address") {
		t.Fatalf("expected wallet address error, got %v", err)
	}

	cfg.Portfolio.WalletAddress = "0x1234567890abcdef1234567890abcdef12345678"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid portfolio config, got %v", err)
	}
}
