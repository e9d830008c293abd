// Package config defines all configuration for the funding-rate arbitrage
// engine. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via FUNDARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration tree. Maps directly to the YAML
// file structure described by the dotted keys in the configuration section
// of the external interfaces.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	API      APIConfig      `mapstructure:"api"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// APIConfig holds the exchange REST/WebSocket connection settings, nested
// under `api.binance` to match the external interface's dotted-key layout.
type APIConfig struct {
	Binance BinanceConfig `mapstructure:"binance"`
}

// BinanceConfig configures the Binance-style perpetual-futures adapter.
type BinanceConfig struct {
	APIKey    string          `mapstructure:"api_key"`
	APISecret string          `mapstructure:"api_secret"`
	BaseURL   string          `mapstructure:"base_url"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// RateLimitConfig parameterizes the two independent rate limiters (general
// requests vs. order placement).
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	OrdersPerSecond   float64 `mapstructure:"orders_per_second"`
}

// RetryConfig tunes the Exchange Adapter's exponential-backoff retry policy.
type RetryConfig struct {
	MaxRetries       int     `mapstructure:"max_retries"`
	RetryDelayMs     int     `mapstructure:"retry_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

// WebSocketConfig tunes the streaming client's heartbeat and reconnect
// behavior.
type WebSocketConfig struct {
	URL                  string `mapstructure:"url"`
	PingIntervalSec      int    `mapstructure:"ping_interval_sec"`
	PongTimeoutSec       int    `mapstructure:"pong_timeout_sec"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	ReconnectIntervalSec int    `mapstructure:"reconnect_interval_sec"`
}

// StrategyConfig tunes the funding-rate arbitrage control loop: instrument
// selection, validation thresholds, sizing, TWAP execution, and exit
// rules. Nested under `strategy.funding_arbitrage`.
type StrategyConfig struct {
	FundingArbitrage FundingArbitrageConfig `mapstructure:"funding_arbitrage"`
}

// FundingArbitrageConfig is the full set of tunables for §4.5-§4.6.
type FundingArbitrageConfig struct {
	TopNInstruments         int           `mapstructure:"top_n_instruments"`
	MinBasisRatio           float64       `mapstructure:"min_basis_ratio"`
	MinFundingRate          float64       `mapstructure:"min_funding_rate"`
	PreFundingMinutes       int           `mapstructure:"pre_funding_minutes"`
	PositionSizeUSD         float64       `mapstructure:"position_size_usd"`
	MaxPositionPerSymbol    float64       `mapstructure:"max_position_per_symbol"`
	MaxTotalPosition        float64       `mapstructure:"max_total_position"`
	MinLiquidityScore       float64       `mapstructure:"min_liquidity_score"`
	MaxSpreadRatio          float64       `mapstructure:"max_spread_ratio"`
	MinVolumeUSD            float64       `mapstructure:"min_volume_usd"`
	MinMarketImpactMinutes  int           `mapstructure:"min_market_impact_minutes"`
	UseTWAP                 bool          `mapstructure:"use_twap"`
	UsePostOnly              bool          `mapstructure:"use_post_only"`
	TWAPIntervals           int           `mapstructure:"twap_intervals"`
	ExecutionTimeoutSeconds int           `mapstructure:"execution_timeout_seconds"`
	MaxSlippage             float64       `mapstructure:"max_slippage"`
	StopLossRatio           float64       `mapstructure:"stop_loss_ratio"`
	ProfitTakeRatio         float64       `mapstructure:"profit_take_ratio"`
	MaxDrawdown             float64       `mapstructure:"max_drawdown"`
	PositionImbalanceTol    float64       `mapstructure:"position_imbalance_tolerance"`
	TickInterval            time.Duration `mapstructure:"tick_interval"`
	TradingFee              float64       `mapstructure:"trading_fee"`
}

// RiskConfig sets the pre-trade limits and continuous-monitoring thresholds
// consumed by the Risk Controller (§4.7-§4.8).
type RiskConfig struct {
	Limits  RiskLimits  `mapstructure:"limits"`
	Control RiskControl `mapstructure:"control"`
}

// RiskLimits are the conjunctive pre-trade checks.
type RiskLimits struct {
	MaxPositionSize      float64 `mapstructure:"max_position_size"`
	MaxTotalPositions    float64 `mapstructure:"max_total_positions"`
	MaxFundingExposure   float64 `mapstructure:"max_funding_exposure"`
	MaxTradesPerHour     int     `mapstructure:"max_trades_per_hour"`
	MinMarginRatio       float64 `mapstructure:"min_margin_ratio"`
	MaxHourlyLoss        float64 `mapstructure:"max_hourly_loss"`
	MaxDailyLoss         float64 `mapstructure:"max_daily_loss"`
	VolatilityThreshold  float64 `mapstructure:"volatility_threshold"`
}

// RiskControl configures emergency de-risking behavior.
type RiskControl struct {
	AutoReducePosition       bool    `mapstructure:"auto_reduce_position"`
	AutoAdjustLeverage       bool    `mapstructure:"auto_adjust_leverage"`
	PositionReductionRatio   float64 `mapstructure:"position_reduction_ratio"`
	MaxErrorsBeforeUnhealthy int     `mapstructure:"max_errors_before_unhealthy"`
}

// StoreConfig sets where pair/position state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig configures the structured logger and its rolling file sink.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Dir        string `mapstructure:"dir"`
	LoggerName string `mapstructure:"logger_name"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// MonitorConfig controls the Monitor's metrics exposition and dashboard.
type MonitorConfig struct {
	General    GeneralMonitorConfig    `mapstructure:"general"`
	Prometheus PrometheusConfig        `mapstructure:"prometheus"`
	Alerts     AlertsConfig            `mapstructure:"alerts"`
}

// GeneralMonitorConfig tunes the dashboard snapshot cadence.
type GeneralMonitorConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	DashboardEnabled bool          `mapstructure:"dashboard_enabled"`
	DashboardPort    int           `mapstructure:"dashboard_port"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
}

// PrometheusConfig controls the Prometheus text-exposition endpoint.
type PrometheusConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
}

// AlertsConfig holds the monitor.alerts block. Enabled is loaded but not
// read by any component; fan-out to external notification channels is out
// of scope.
type AlertsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FUNDARB_API_KEY, FUNDARB_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FUNDARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("FUNDARB_API_KEY"); key != "" {
		cfg.API.Binance.APIKey = key
	}
	if secret := os.Getenv("FUNDARB_API_SECRET"); secret != "" {
		cfg.API.Binance.APISecret = secret
	}
	if os.Getenv("FUNDARB_DRY_RUN") == "true" || os.Getenv("FUNDARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.Binance.APIKey == "" {
		return fmt.Errorf("api.binance.api_key is required (set FUNDARB_API_KEY)")
	}
	if c.API.Binance.APISecret == "" {
		return fmt.Errorf("api.binance.api_secret is required (set FUNDARB_API_SECRET)")
	}
	if c.API.Binance.BaseURL == "" {
		return fmt.Errorf("api.binance.base_url is required")
	}
	if c.API.Binance.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("api.binance.rate_limit.requests_per_second must be > 0")
	}
	if c.Strategy.FundingArbitrage.PositionSizeUSD <= 0 {
		return fmt.Errorf("strategy.funding_arbitrage.position_size_usd must be > 0")
	}
	if c.Strategy.FundingArbitrage.TopNInstruments <= 0 {
		return fmt.Errorf("strategy.funding_arbitrage.top_n_instruments must be > 0")
	}
	if c.Strategy.FundingArbitrage.TickInterval <= 0 {
		return fmt.Errorf("strategy.funding_arbitrage.tick_interval must be > 0")
	}
	if c.Risk.Limits.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.limits.max_position_size must be > 0")
	}
	if c.Risk.Limits.MaxTotalPositions <= 0 {
		return fmt.Errorf("risk.limits.max_total_positions must be > 0")
	}
	return nil
}
