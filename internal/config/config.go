// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Lighter   VenueConfig     `yaml:"lighter"`
	X10       VenueConfig     `yaml:"x10"`
	Database  DatabaseConfig  `yaml:"database"`
	Trading   TradingConfig   `yaml:"trading"`
	Execution ExecutionConfig `yaml:"execution"`
	Risk      RiskConfig      `yaml:"risk"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	LiveTrading bool   `yaml:"live_trading"`
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	DatabaseURL string `yaml:"database_url"` // required when engine_type == dbos
}

// VenueConfig is the connection/auth configuration for one perp venue.
// Lighter authenticates with a private key + account index; X10 with an
// api key + private key + vault id. Both fields are present on the shared
// struct; unused ones are left empty per venue.
type VenueConfig struct {
	PrivateKey               Secret `yaml:"private_key"`
	AccountIndex              int64  `yaml:"account_index"`
	APIKey                    Secret `yaml:"api_key"`
	VaultID                   string `yaml:"vault_id"`
	BaseURL                   string `yaml:"base_url" validate:"required"`
	WSURL                     string `yaml:"ws_url"`
	FundingRateIntervalHours  int    `yaml:"funding_rate_interval_hours" validate:"required"`
	MakerFeeRate              float64 `yaml:"maker_fee_rate"`
	TakerFeeRate              float64 `yaml:"taker_fee_rate"`
}

// DatabaseConfig controls the single local SQLite file and its write-behind
// queue (spec §4.6).
type DatabaseConfig struct {
	Path               string `yaml:"path" validate:"required"`
	WALMode            bool   `yaml:"wal_mode"`
	WriteBatchSize     int    `yaml:"write_batch_size" validate:"min=1"`
	WriteQueueMaxSize  int    `yaml:"write_queue_max_size" validate:"min=1"`
	OpenTradesCacheTTLSeconds int `yaml:"open_trades_cache_ttl_seconds" validate:"min=0"`
}

// TradingConfig holds the trading/exit-rule parameters from spec §6.
type TradingConfig struct {
	// Symbols is the configured symbol universe OpportunityEngine scans —
	// every entry must have a corresponding venue market on both Lighter and
	// X10, checked at startup alongside funding_rate_interval_hours.
	Symbols                         []string `yaml:"symbols" validate:"min=1"`
	MinApyFilter                   float64  `yaml:"min_apy_filter" validate:"min=0"`
	MaxEntrySpread                  float64  `yaml:"max_entry_spread" validate:"min=0"`
	MinHoldSeconds                  int      `yaml:"min_hold_seconds" validate:"min=0"`
	MaxHoldHours                    float64  `yaml:"max_hold_hours" validate:"min=0"`
	MinProfitExitUSD                 float64  `yaml:"min_profit_exit_usd"`
	EarlyTakeProfitNetUSD             float64  `yaml:"early_take_profit_net_usd"`
	EarlyTakeProfitSlippageMultiple   float64  `yaml:"early_take_profit_slippage_multiple"`
	FundingFlipHoursThreshold        float64  `yaml:"funding_flip_hours_threshold"`
	DepthGateMode                    string   `yaml:"depth_gate_mode" validate:"oneof=L1 IMPACT"`
	DepthGateLevels                  int      `yaml:"depth_gate_levels" validate:"min=1"`
	DepthGateMaxPriceImpactPercent   float64  `yaml:"depth_gate_max_price_impact_percent" validate:"min=0"`
	MaxL1QtyUtilization               float64  `yaml:"max_l1_qty_utilization" validate:"min=0,max=1"`
	DeltaBoundEnabled                 bool     `yaml:"delta_bound_enabled"`
	DeltaBoundMaxDeltaPct             float64  `yaml:"delta_bound_max_delta_pct" validate:"min=0"`
	ATRTrailingEnabled                bool     `yaml:"atr_trailing_enabled"`
	ATRPeriod                         int      `yaml:"atr_period" validate:"min=1"`
	ATRMultiplier                     float64  `yaml:"atr_multiplier" validate:"min=0"`
	ATRMinActivationUSD               float64  `yaml:"atr_min_activation_usd"`
	FundingVelocityExitEnabled        bool     `yaml:"funding_velocity_exit_enabled"`
	VelocityThresholdHourly           float64  `yaml:"velocity_threshold_hourly"`
	AccelerationThreshold             float64  `yaml:"acceleration_threshold"`
	VelocityLookbackHours             int      `yaml:"velocity_lookback_hours" validate:"min=1"`
	ExitEVEnabled                     bool     `yaml:"exit_ev_enabled"`
	ExitEVHorizonHours                float64  `yaml:"exit_ev_horizon_hours" validate:"min=0"`
	ExitEVExitCostMultiple             float64  `yaml:"exit_ev_exit_cost_multiple" validate:"min=0"`
	OpportunityCostApyDiff             float64  `yaml:"opportunity_cost_apy_diff"`
	BlacklistSymbols                   []string `yaml:"blacklist_symbols"`
	EmergencyFundingThreshold          float64  `yaml:"emergency_funding_threshold"`
	LiquidationDistancePctThreshold    float64  `yaml:"liquidation_distance_pct_threshold"`
	EarlyEdgeExitMinAgeSeconds         int      `yaml:"early_edge_exit_min_age_seconds"`
	ZScoreMinSamples                  int      `yaml:"zscore_min_samples" validate:"min=2"`
	BasisConvergenceAbsThreshold       float64  `yaml:"basis_convergence_abs_threshold"`
	BasisConvergenceMinRatio           float64  `yaml:"basis_convergence_min_ratio"`
	BasisConvergenceMinProfitUSD       float64  `yaml:"basis_convergence_min_profit_usd"`
}

// ExecutionConfig holds the §6 execution.* parameters.
type ExecutionConfig struct {
	WSFillWaitEnabled               bool    `yaml:"ws_fill_wait_enabled"`
	HedgeDepthPreflightEnabled       bool    `yaml:"hedge_depth_preflight_enabled"`
	HedgeDepthPreflightMultiplier    float64 `yaml:"hedge_depth_preflight_multiplier" validate:"min=1"`
	HedgeDepthPreflightChecks        int     `yaml:"hedge_depth_preflight_checks" validate:"min=1"`
	HedgeIOCFillTimeoutSeconds        int     `yaml:"hedge_ioc_fill_timeout_seconds" validate:"min=1"`
	X10CloseSlippage                  float64 `yaml:"x10_close_slippage" validate:"min=0"`
	Leg1EscalateToTakerSlippage       float64 `yaml:"leg1_escalate_to_taker_slippage" validate:"min=0"`
	Leg1MaxAttempts                   int     `yaml:"leg1_max_attempts" validate:"min=1"`
	Leg1MinAggressivenessBps          float64 `yaml:"leg1_min_aggressiveness_bps"`
	Leg1MaxAggressivenessBps          float64 `yaml:"leg1_max_aggressiveness_bps"`
	Leg1EscalateAfterSeconds          int     `yaml:"leg1_escalate_after_seconds" validate:"min=1"`
	Leg1AttemptTimeoutSeconds         int     `yaml:"leg1_attempt_timeout_seconds" validate:"min=1"`
}

// RiskConfig holds the §6 risk.* supervisor parameters.
type RiskConfig struct {
	MaxDrawdownPct             float64 `yaml:"max_drawdown_pct" validate:"min=0,max=1"`
	MinFreeMarginPct            float64 `yaml:"min_free_margin_pct" validate:"min=0,max=1"`
	BrokenHedgeCooldownSeconds  int     `yaml:"broken_hedge_cooldown_seconds" validate:"min=1"`
	MaxConsecutiveFailures       int     `yaml:"max_consecutive_failures" validate:"min=1"`
	ConsecutiveFailurePauseSeconds int  `yaml:"consecutive_failure_pause_seconds" validate:"min=1"`
}

// TelemetryConfig contains telemetry/logging settings.
type TelemetryConfig struct {
	MetricsPort   int    `yaml:"metrics_port"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	LogLevel      string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	ServiceName   string `yaml:"service_name"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateVenue("lighter", c.Lighter); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateVenue("x10", c.X10); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDatabase(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTelemetry(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.EngineType != "simple" && c.App.EngineType != "dbos" {
		return ValidationError{Field: "app.engine_type", Value: c.App.EngineType, Message: "must be one of: simple, dbos"}
	}
	if c.App.EngineType == "dbos" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "required when engine_type is 'dbos'"}
	}
	return nil
}

// validateVenue enforces spec §3's startup invariant: fundingRateIntervalHours
// must equal 1 for every configured venue — any other value fails validation.
func (c *Config) validateVenue(name string, v VenueConfig) error {
	if v.BaseURL == "" {
		return ValidationError{Field: name + ".base_url", Message: "base_url is required"}
	}
	if v.FundingRateIntervalHours != 1 {
		return ValidationError{
			Field:   name + ".funding_rate_interval_hours",
			Value:   v.FundingRateIntervalHours,
			Message: "must be 1 (hourly funding); any other interval fails validation",
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return ValidationError{Field: "database.path", Message: "database path is required"}
	}
	if c.Database.WriteQueueMaxSize <= 0 {
		return ValidationError{Field: "database.write_queue_max_size", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if len(c.Trading.Symbols) == 0 {
		return ValidationError{Field: "trading.symbols", Message: "at least one symbol is required"}
	}
	if c.Trading.DepthGateMode != "L1" && c.Trading.DepthGateMode != "IMPACT" {
		return ValidationError{Field: "trading.depth_gate_mode", Value: c.Trading.DepthGateMode, Message: "must be one of: L1, IMPACT"}
	}
	if c.Trading.MinApyFilter < 0 {
		return ValidationError{Field: "trading.min_apy_filter", Value: c.Trading.MinApyFilter, Message: "must be non-negative"}
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.Telemetry.LogLevel)) {
		return ValidationError{
			Field:   "telemetry.log_level",
			Value:   c.Telemetry.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration. Venue
// private keys and API keys redact themselves via Secret.MarshalYAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"LIGHTER_PRIVATE_KEY", "X10_API_KEY", "X10_PRIVATE_KEY", "X10_VAULT_ID",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{LiveTrading: false, EngineType: "simple"},
		Lighter: VenueConfig{
			PrivateKey: "test", AccountIndex: 1, BaseURL: "https://testnet.lighter.xyz", WSURL: "wss://testnet.lighter.xyz/ws",
			FundingRateIntervalHours: 1, MakerFeeRate: 0.0, TakerFeeRate: 0.0002,
		},
		X10: VenueConfig{
			APIKey: "test", PrivateKey: "test", VaultID: "1", BaseURL: "https://testnet.x10.exchange", WSURL: "wss://testnet.x10.exchange/ws",
			FundingRateIntervalHours: 1, MakerFeeRate: 0.0002, TakerFeeRate: 0.0005,
		},
		Database: DatabaseConfig{
			Path: "fundingarb.db", WALMode: true, WriteBatchSize: 50,
			WriteQueueMaxSize: 1000, OpenTradesCacheTTLSeconds: 5,
		},
		Trading: TradingConfig{
			Symbols:      []string{"BTC-USD", "ETH-USD"},
			MinApyFilter: 0.10, MaxEntrySpread: 0.01, MinHoldSeconds: 1800, MaxHoldHours: 72,
			MinProfitExitUSD: 1.0, EarlyTakeProfitNetUSD: 5.0, EarlyTakeProfitSlippageMultiple: 2.0,
			FundingFlipHoursThreshold: 6, DepthGateMode: "L1", DepthGateLevels: 10,
			DepthGateMaxPriceImpactPercent: 0.5, MaxL1QtyUtilization: 0.8,
			DeltaBoundEnabled: true, DeltaBoundMaxDeltaPct: 0.03,
			ATRTrailingEnabled: true, ATRPeriod: 14, ATRMultiplier: 2.0, ATRMinActivationUSD: 10,
			FundingVelocityExitEnabled: true, VelocityThresholdHourly: -0.00002, AccelerationThreshold: -0.000005,
			VelocityLookbackHours: 6, ExitEVEnabled: true, ExitEVHorizonHours: 8, ExitEVExitCostMultiple: 1.5,
			OpportunityCostApyDiff: 0.15, EmergencyFundingThreshold: 0.002,
			LiquidationDistancePctThreshold: 0.05, EarlyEdgeExitMinAgeSeconds: 3600,
			ZScoreMinSamples: 20, BasisConvergenceAbsThreshold: 0.00001, BasisConvergenceMinRatio: 0.2,
			BasisConvergenceMinProfitUSD: 1.0,
		},
		Execution: ExecutionConfig{
			WSFillWaitEnabled: true, HedgeDepthPreflightEnabled: true, HedgeDepthPreflightMultiplier: 1.2,
			HedgeDepthPreflightChecks: 2, HedgeIOCFillTimeoutSeconds: 5, X10CloseSlippage: 0.0015,
			Leg1EscalateToTakerSlippage: 0.002, Leg1MaxAttempts: 4, Leg1MinAggressivenessBps: 1,
			Leg1MaxAggressivenessBps: 8, Leg1EscalateAfterSeconds: 8, Leg1AttemptTimeoutSeconds: 15,
		},
		Risk: RiskConfig{
			MaxDrawdownPct: 0.15, MinFreeMarginPct: 0.2, BrokenHedgeCooldownSeconds: 300,
			MaxConsecutiveFailures: 3, ConsecutiveFailurePauseSeconds: 600,
		},
		Telemetry: TelemetryConfig{LogLevel: "INFO", ServiceName: "fundingarb"},
	}
}
