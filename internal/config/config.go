package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	ModeActive   = "active"
	ModeDisabled = "disabled"
)

type Config struct {
	KillSwitch KillSwitchConfig `yaml:"kill_switch" toml:"kill_switch"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	API        APIConfig        `yaml:"api" toml:"api"`
	Telegram   TelegramConfig   `yaml:"telegram" toml:"telegram"`
	Kafka      KafkaConfig      `yaml:"kafka" toml:"kafka"`
	Exchange   ExchangeConfig   `yaml:"exchange" toml:"exchange"`
	Risk       RiskConfig       `yaml:"risk" toml:"risk"`
	Portfolio  PortfolioConfig  `yaml:"portfolio" toml:"portfolio"`
}

// KillSwitchConfig is the policy loaded once at process start.
type KillSwitchConfig struct {
	Mode                      string         `yaml:"mode" toml:"mode" validate:"oneof=active disabled"`
	EvaluationIntervalSeconds int            `yaml:"evaluation_interval_seconds" toml:"evaluation_interval_seconds" validate:"gt=0"`
	HealthTimeoutSeconds      int            `yaml:"health_timeout_seconds" toml:"health_timeout_seconds" validate:"gt=0"`
	MaxMetricFailures         int            `yaml:"max_metric_failures" toml:"max_metric_failures" validate:"gte=1"`
	Triggers                  TriggerConfig  `yaml:"triggers" toml:"triggers"`
	Recovery                  RecoveryConfig `yaml:"recovery" toml:"recovery"`
	Audit                     AuditConfig    `yaml:"audit" toml:"audit"`
}

type TriggerConfig struct {
	MaxDrawdownPct     float64 `yaml:"max_drawdown_pct" toml:"max_drawdown_pct" validate:"gt=0,lte=100"`
	MinMemoryMB        int     `yaml:"min_memory_mb" toml:"min_memory_mb" validate:"gte=0"`
	MaxCPUPct          int     `yaml:"max_cpu_pct" toml:"max_cpu_pct" validate:"gt=0,lte=100"`
	MaxPriceAgeSeconds int     `yaml:"max_price_age_seconds" toml:"max_price_age_seconds" validate:"gt=0"`
}

type RecoveryConfig struct {
	CooldownSeconds       int    `yaml:"cooldown_seconds" toml:"cooldown_seconds" validate:"gt=0"`
	EscalationIntervals   []int  `yaml:"escalation_intervals" toml:"escalation_intervals" validate:"min=1,dive,gt=0"`
	EscalationTickSeconds int    `yaml:"escalation_tick_seconds" toml:"escalation_tick_seconds" validate:"gt=0"`
	ApprovalCodeEnvVar    string `yaml:"approval_code_env_var" toml:"approval_code_env_var" validate:"required"`
	MaxAttemptsPerMinute  int    `yaml:"max_attempts_per_minute" toml:"max_attempts_per_minute" validate:"gte=0"`
}

type AuditConfig struct {
	Dir          string `yaml:"dir" toml:"dir" validate:"required"`
	MaxFileBytes int64  `yaml:"max_file_bytes" toml:"max_file_bytes" validate:"gt=0"`
}

type LogConfig struct {
	Level      string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" toml:"format" validate:"oneof=json console"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" validate:"gte=0"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr" validate:"required_if=Enabled true"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	ChatID   string `yaml:"chat_id" toml:"chat_id"`
}

type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Brokers  []string `yaml:"brokers" toml:"brokers" validate:"required_if=Enabled true"`
	Topic    string   `yaml:"topic" toml:"topic" validate:"required_if=Enabled true"`
	ClientID string   `yaml:"client_id" toml:"client_id"`
}

// ExchangeConfig controls the Polymarket connectivity probe and the
// orderbook subscription used for price freshness.
type ExchangeConfig struct {
	Enabled             bool     `yaml:"enabled" toml:"enabled"`
	Assets              []string `yaml:"assets" toml:"assets"`
	ProbeTimeoutSeconds int      `yaml:"probe_timeout_seconds" toml:"probe_timeout_seconds" validate:"gte=0"`
}

// RiskConfig sizes the order gate and the drawdown baseline.
type RiskConfig struct {
	AccountCapitalUSDC   float64 `yaml:"account_capital_usdc" toml:"account_capital_usdc" validate:"gt=0"`
	MaxPositionPerMarket float64 `yaml:"max_position_per_market" toml:"max_position_per_market" validate:"gt=0"`
	MaxOpenOrders        int     `yaml:"max_open_orders" toml:"max_open_orders" validate:"gt=0"`
}

// PortfolioConfig polls account value from the Polymarket Data API and
// feeds it to the drawdown trigger.
type PortfolioConfig struct {
	Enabled             bool   `yaml:"enabled" toml:"enabled"`
	WalletAddress       string `yaml:"wallet_address" toml:"wallet_address" validate:"required_if=Enabled true"`
	SyncIntervalSeconds int    `yaml:"sync_interval_seconds" toml:"sync_interval_seconds" validate:"gt=0"`
}

func Default() Config {
	return Config{
		KillSwitch: KillSwitchConfig{
			Mode:                      ModeActive,
			EvaluationIntervalSeconds: 5,
			HealthTimeoutSeconds:      2,
			MaxMetricFailures:         3,
			Triggers: TriggerConfig{
				MaxDrawdownPct:     15.0,
				MinMemoryMB:        512,
				MaxCPUPct:          80,
				MaxPriceAgeSeconds: 300,
			},
			Recovery: RecoveryConfig{
				CooldownSeconds:       300,
				EscalationIntervals:   []int{3600, 7200},
				EscalationTickSeconds: 60,
				ApprovalCodeEnvVar:    "KILL_SWITCH_APPROVAL_CODE",
				MaxAttemptsPerMinute:  6,
			},
			Audit: AuditConfig{
				Dir:          "audit",
				MaxFileBytes: 10 * 1024 * 1024,
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
		Kafka: KafkaConfig{
			Topic:    "killswitch.transitions",
			ClientID: "polymarket-killswitch",
		},
		Exchange: ExchangeConfig{
			ProbeTimeoutSeconds: 2,
		},
		Risk: RiskConfig{
			AccountCapitalUSDC:   1000,
			MaxPositionPerMarket: 3,
			MaxOpenOrders:        6,
		},
		Portfolio: PortfolioConfig{
			SyncIntervalSeconds: 60,
		},
	}
}

// LoadFile reads a TOML config, or YAML when the extension says so, on top
// of Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, &Error{Field: path, Msg: err.Error()}
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("KILL_SWITCH_MODE")); v != "" {
		c.KillSwitch.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("KILL_SWITCH_AUDIT_DIR")); v != "" {
		c.KillSwitch.Audit.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("KILL_SWITCH_API_ADDR")); v != "" {
		c.API.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("KILL_SWITCH_LOG_LEVEL")); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("POLYMARKET_WALLET_ADDRESS")); v != "" {
		c.Portfolio.WalletAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("KILL_SWITCH_KAFKA_BROKERS")); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
}

func (c KillSwitchConfig) EvaluationInterval() time.Duration {
	return time.Duration(c.EvaluationIntervalSeconds) * time.Second
}

func (c KillSwitchConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSeconds) * time.Second
}

func (c TriggerConfig) MaxPriceAge() time.Duration {
	return time.Duration(c.MaxPriceAgeSeconds) * time.Second
}

func (c RecoveryConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c RecoveryConfig) EscalationTick() time.Duration {
	return time.Duration(c.EscalationTickSeconds) * time.Second
}

// Escalation returns the escalation intervals as durations measured from
// the moment trading resumes.
func (c RecoveryConfig) Escalation() []time.Duration {
	out := make([]time.Duration, len(c.EscalationIntervals))
	for i, s := range c.EscalationIntervals {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// ApprovalCode reads the shared recovery secret from the configured
// environment variable at call time.
func (c RecoveryConfig) ApprovalCode() (string, error) {
	v, ok := os.LookupEnv(c.ApprovalCodeEnvVar)
	if !ok || strings.TrimSpace(v) == "" {
		return "", &Error{Field: "kill_switch.recovery.approval_code_env_var", Msg: "environment variable " + c.ApprovalCodeEnvVar + " is not set"}
	}
	return strings.TrimSpace(v), nil
}

func (c PortfolioConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c ExchangeConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}
