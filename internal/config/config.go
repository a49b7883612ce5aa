// Package config defines all configuration for the asv8 services.
// Config is loaded from a YAML file (default: config.yaml) with
// sensitive fields overridable via ASV8_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"asv8/internal/clock"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Features FeatureConfig  `mapstructure:"features"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	AI       AIConfig       `mapstructure:"ai"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Name         string `mapstructure:"name"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// DSN renders the lib/pq key=value connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// RedisConfig holds the cache/lock backend address.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ExchangeConfig identifies the derivatives venue and its credentials.
// Ceilings mirror the venue's published per-minute budgets and bound the
// adaptive rate limiter before response headers refine them.
type ExchangeConfig struct {
	Name                 string `mapstructure:"name"`
	BaseURL              string `mapstructure:"base_url"`
	WSBaseURL            string `mapstructure:"ws_base_url"`
	APIKey               string `mapstructure:"api_key"`
	APISecret            string `mapstructure:"api_secret"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	MarketWeightCeiling  int    `mapstructure:"market_weight_ceiling"`
	AccountWeightCeiling int    `mapstructure:"account_weight_ceiling"`
	OrderCountCeiling    int    `mapstructure:"order_count_ceiling"`
}

// Timeout bounds one REST round trip.
func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// TradingConfig selects the traded universe and execution mode.
type TradingConfig struct {
	Symbols             []string `mapstructure:"symbols"`
	Timeframe           string   `mapstructure:"timeframe"`
	EnableTrading       bool     `mapstructure:"enable_trading"`
	PaperTrading        bool     `mapstructure:"paper_trading"`
	PaperEquity         float64  `mapstructure:"paper_equity"`
	TradeLockTTLSeconds int      `mapstructure:"trade_lock_ttl_seconds"`
}

// LockTTL is the distributed trade lock expiry.
func (t TradingConfig) LockTTL() time.Duration {
	return time.Duration(t.TradeLockTTLSeconds) * time.Second
}

// Interval parses the configured timeframe.
func (t TradingConfig) Interval() (time.Duration, error) {
	return clock.ParseTimeframe(t.Timeframe)
}

// ScheduleConfig carries every loop cadence and deadline, in seconds to
// match the operational knob names.
type ScheduleConfig struct {
	TickBudgetSeconds               int `mapstructure:"tick_budget_seconds"`
	ControlPollSeconds              int `mapstructure:"control_poll_seconds"`
	PositionSnapshotIntervalSeconds int `mapstructure:"position_snapshot_interval_seconds"`
	HeartbeatIntervalSeconds        int `mapstructure:"heartbeat_interval_seconds"`
	OrderConfirmTimeoutSeconds      int `mapstructure:"order_confirm_timeout_seconds"`
	SyncIntervalSeconds             int `mapstructure:"sync_interval_seconds"`
	ReconcileMaxAgeSeconds          int `mapstructure:"reconcile_max_age_seconds"`
}

func (s ScheduleConfig) TickBudget() time.Duration {
	return time.Duration(s.TickBudgetSeconds) * time.Second
}

func (s ScheduleConfig) ControlPoll() time.Duration {
	return time.Duration(s.ControlPollSeconds) * time.Second
}

func (s ScheduleConfig) SnapshotInterval() time.Duration {
	return time.Duration(s.PositionSnapshotIntervalSeconds) * time.Second
}

func (s ScheduleConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

func (s ScheduleConfig) OrderConfirmTimeout() time.Duration {
	return time.Duration(s.OrderConfirmTimeoutSeconds) * time.Second
}

func (s ScheduleConfig) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalSeconds) * time.Second
}

func (s ScheduleConfig) ReconcileMaxAge() time.Duration {
	return time.Duration(s.ReconcileMaxAgeSeconds) * time.Second
}

// FeatureConfig tunes the versioned indicator cache and data-lag alerting.
type FeatureConfig struct {
	Version                 int `mapstructure:"version"`
	LagAlertSeconds         int `mapstructure:"lag_alert_seconds"`
	LagAlertCooldownSeconds int `mapstructure:"lag_alert_cooldown_seconds"`
}

func (f FeatureConfig) LagAlertAfter() time.Duration {
	return time.Duration(f.LagAlertSeconds) * time.Second
}

func (f FeatureConfig) LagAlertCooldown() time.Duration {
	return time.Duration(f.LagAlertCooldownSeconds) * time.Second
}

// StrategyConfig tunes the Setup B entry template.
//
//   - AdxMin / VolRatioMin: trend and participation floors on the closed bar.
//   - AIScoreMin: minimum classifier score (0-100 scale) to allow entry.
//   - StopAtrMult: protective stop distance in ATR multiples.
//   - TakeProfitRR: profit target distance as a multiple of the stop distance.
//   - AutoLeverageMin/Max: leverage band mapped from the combined score
//     before the risk budget walks it down.
type StrategyConfig struct {
	AdxMin          float64 `mapstructure:"adx_min"`
	VolRatioMin     float64 `mapstructure:"vol_ratio_min"`
	AIScoreMin      float64 `mapstructure:"ai_score_min"`
	StopAtrMult     float64 `mapstructure:"stop_atr_mult"`
	TakeProfitRR    float64 `mapstructure:"take_profit_rr"`
	AutoLeverageMin int     `mapstructure:"auto_leverage_min"`
	AutoLeverageMax int     `mapstructure:"auto_leverage_max"`
}

// RiskConfig sets the sizing rules and the hard risk budget.
//
//   - MinMarginUSD / EquityFraction: base margin is max(MinMarginUSD, equity*EquityFraction).
//   - AmplifyScoreMin / ScoreAmplifier: margin multiplier when the AI score clears the bar.
//   - MaxRiskFraction: hard ceiling on margin*leverage*stopDistPct as a share of equity.
type RiskConfig struct {
	MinMarginUSD    float64 `mapstructure:"min_margin_usd"`
	EquityFraction  float64 `mapstructure:"equity_fraction"`
	AmplifyScoreMin float64 `mapstructure:"amplify_score_min"`
	ScoreAmplifier  float64 `mapstructure:"score_amplifier"`
	MaxRiskFraction float64 `mapstructure:"max_risk_fraction"`
	MaxLeverage     int     `mapstructure:"max_leverage"`
}

// AIConfig selects and tunes the online scorer.
type AIConfig struct {
	ModelImpl    string  `mapstructure:"model_impl"` // online_lr or sgd_compat
	ModelName    string  `mapstructure:"model_name"`
	Dim          int     `mapstructure:"dim"`
	LearningRate float64 `mapstructure:"learning_rate"`
	L2           float64 `mapstructure:"l2"`
	PersistEvery int     `mapstructure:"persist_every"`
}

// TelegramConfig enables operator alerts. BotToken and ChatID both empty
// disables sending.
type TelegramConfig struct {
	BotToken       string `mapstructure:"bot_token"`
	ChatID         string `mapstructure:"chat_id"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout bounds one sendMessage round trip.
func (t TelegramConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ASV8_EXCHANGE_API_KEY, ASV8_EXCHANGE_API_SECRET,
// ASV8_DATABASE_PASSWORD, ASV8_TELEGRAM_BOT_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ASV8")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ASV8_EXCHANGE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("ASV8_EXCHANGE_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if pass := os.Getenv("ASV8_DATABASE_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}
	if tok := os.Getenv("ASV8_TELEGRAM_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}
	if paper := os.Getenv("ASV8_PAPER_TRADING"); paper == "true" || paper == "1" {
		cfg.Trading.PaperTrading = true
	}

	return &cfg, nil
}

// setDefaults pins every operational knob to its documented default so a
// minimal YAML file still yields a runnable service.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 8)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.ws_base_url", "wss://fstream.binance.com")
	v.SetDefault("exchange.timeout_seconds", 10)
	v.SetDefault("exchange.market_weight_ceiling", 2400)
	v.SetDefault("exchange.account_weight_ceiling", 1200)
	v.SetDefault("exchange.order_count_ceiling", 300)

	v.SetDefault("trading.timeframe", "15m")
	v.SetDefault("trading.paper_equity", 10000.0)
	v.SetDefault("trading.trade_lock_ttl_seconds", 30)

	v.SetDefault("schedule.tick_budget_seconds", 10)
	v.SetDefault("schedule.control_poll_seconds", 2)
	v.SetDefault("schedule.position_snapshot_interval_seconds", 300)
	v.SetDefault("schedule.heartbeat_interval_seconds", 30)
	v.SetDefault("schedule.order_confirm_timeout_seconds", 8)
	v.SetDefault("schedule.sync_interval_seconds", 30)
	v.SetDefault("schedule.reconcile_max_age_seconds", 180)

	v.SetDefault("features.version", 1)
	v.SetDefault("features.lag_alert_seconds", 120)
	v.SetDefault("features.lag_alert_cooldown_seconds", 300)

	v.SetDefault("strategy.adx_min", 25.0)
	v.SetDefault("strategy.vol_ratio_min", 1.5)
	v.SetDefault("strategy.ai_score_min", 50.0)
	v.SetDefault("strategy.stop_atr_mult", 2.0)
	v.SetDefault("strategy.take_profit_rr", 1.5)
	v.SetDefault("strategy.auto_leverage_min", 10)
	v.SetDefault("strategy.auto_leverage_max", 20)

	v.SetDefault("risk.min_margin_usd", 50.0)
	v.SetDefault("risk.equity_fraction", 0.10)
	v.SetDefault("risk.amplify_score_min", 85.0)
	v.SetDefault("risk.score_amplifier", 1.2)
	v.SetDefault("risk.max_risk_fraction", 0.03)
	v.SetDefault("risk.max_leverage", 20)

	v.SetDefault("telegram.timeout_seconds", 10)

	v.SetDefault("ai.model_impl", "online_lr")
	v.SetDefault("ai.model_name", "setup_b")
	v.SetDefault("ai.dim", 8)
	v.SetDefault("ai.learning_rate", 0.05)
	v.SetDefault("ai.l2", 1e-6)
	v.SetDefault("ai.persist_every", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" || c.Database.User == "" {
		return fmt.Errorf("database.name and database.user are required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must list at least one symbol")
	}
	if _, err := c.Trading.Interval(); err != nil {
		return fmt.Errorf("trading.timeframe: %w", err)
	}
	if !c.Trading.PaperTrading {
		if c.Exchange.BaseURL == "" {
			return fmt.Errorf("exchange.base_url is required unless trading.paper_trading is set")
		}
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange credentials are required (set ASV8_EXCHANGE_API_KEY / ASV8_EXCHANGE_API_SECRET)")
		}
	}
	if c.Trading.PaperTrading && c.Trading.PaperEquity <= 0 {
		return fmt.Errorf("trading.paper_equity must be > 0 in paper mode")
	}
	if c.Features.Version < 1 {
		return fmt.Errorf("features.version must be >= 1")
	}
	if c.Schedule.TickBudgetSeconds <= 0 {
		return fmt.Errorf("schedule.tick_budget_seconds must be > 0")
	}
	if c.Risk.MaxRiskFraction <= 0 || c.Risk.MaxRiskFraction >= 1 {
		return fmt.Errorf("risk.max_risk_fraction must be in (0, 1)")
	}
	if c.Strategy.AutoLeverageMin < 1 || c.Strategy.AutoLeverageMax < c.Strategy.AutoLeverageMin {
		return fmt.Errorf("strategy.auto_leverage_min/max must satisfy 1 <= min <= max")
	}
	switch c.AI.ModelImpl {
	case "online_lr", "sgd_compat":
	default:
		return fmt.Errorf("ai.model_impl must be online_lr or sgd_compat, got %q", c.AI.ModelImpl)
	}
	return nil
}

// InstanceID identifies this process in service_status rows. Operators can
// pin it via ASV8_INSTANCE_ID; the default is hostname:pid.
func InstanceID() string {
	if id := os.Getenv("ASV8_INSTANCE_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
