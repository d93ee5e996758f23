package config

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/lnops/chand/internal/errs"
	"github.com/lnops/chand/internal/logging"
)

// Config materialises the daemon's full runtime configuration.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Logging    logging.Config   `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Autopilot  AutopilotConfig  `mapstructure:"autopilot"`
	Rebalancer RebalancerConfig `mapstructure:"rebalancer"`
	Judge      JudgeConfig      `mapstructure:"judge"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// GeneralConfig governs the master switch and loop cadence.
type GeneralConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	DryRun               bool          `mapstructure:"dry_run"`
	CycleInterval        time.Duration `mapstructure:"cycle_interval_seconds"`
	LogLevel             string        `mapstructure:"log_level"`
}

// ServerConfig describes the remote node-management API.
type ServerConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	TLSCertPath string        `mapstructure:"tls_cert_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StoreConfig describes the persistent relational store.
type StoreConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// PriceTheoryConfig tunes the per-peer fee-exploration bandit.
type PriceTheoryConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MinCyclesPerCard  int  `mapstructure:"min_cycles_per_card"`
	MaxAge            int  `mapstructure:"max_age"`
}

// FeesConfig governs the fee controller.
type FeesConfig struct {
	Enabled          bool              `mapstructure:"enabled"`
	BasePPM          int64             `mapstructure:"base_ppm"`
	BaseBaseFeeMsat  int64             `mapstructure:"base_base_fee_msat"`
	MinPPM           int64             `mapstructure:"min_ppm"`
	MaxPPM           int64             `mapstructure:"max_ppm"`
	MinBaseMsat      int64             `mapstructure:"min_base_msat"`
	MaxBaseMsat      int64             `mapstructure:"max_base_msat"`
	BalanceBins      int               `mapstructure:"balance_bins"`
	MinChangePercent float64           `mapstructure:"min_change_percent"`
	PriceTheory      PriceTheoryConfig `mapstructure:"price_theory"`
}

// AutopilotConfig governs the channel opener.
type AutopilotConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	ReserveSats        int64    `mapstructure:"reserve_sats"`
	ReservePercent     float64  `mapstructure:"reserve_percent"`
	MaxProposals       int      `mapstructure:"max_proposals"`
	TargetChannelCount int      `mapstructure:"target_channel_count"`
	MinChannelSats     int64    `mapstructure:"min_channel_sats"`
	SeedNodes          []string `mapstructure:"seed_nodes"`
	CandidateAPIURL    string   `mapstructure:"candidate_api_url"`
	Blacklist          []string `mapstructure:"blacklist"`
	FailedOpenCooldown time.Duration `mapstructure:"failed_open_cooldown"`
}

// RebalancerConfig governs the circular-rebalance engine.
type RebalancerConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	PerOpFeeCapMsat   int64   `mapstructure:"per_op_fee_cap_msat"`
	PerCycleFeeCapMsat int64  `mapstructure:"per_cycle_fee_cap_msat"`
	LowThreshold      float64 `mapstructure:"low_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
}

// JudgeConfig governs the closure recommender.
type JudgeConfig struct {
	Enabled          bool  `mapstructure:"enabled"`
	MinChannelAgeDays int  `mapstructure:"min_channel_age_days"`
	ReopenCostSats   int64 `mapstructure:"reopen_cost_sats"`
}

// OracleConfig describes the on-chain fee oracle HTTP endpoint.
type OracleConfig struct {
	URL              string        `mapstructure:"url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	LowPercentile    float64       `mapstructure:"lo_to_hi_percentile"`
	HighPercentile   float64       `mapstructure:"hi_to_lo_percentile"`
	WindowDays       int           `mapstructure:"window_days"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// AlertingConfig configures the Telegram notifier the loop uses for
// CloseChannel actions.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram bot-API delivery parameters.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export defaults.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, errs.Config("unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errs.Config("read config", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.enabled", true)
	v.SetDefault("general.dry_run", false)
	v.SetDefault("general.cycle_interval_seconds", "10m")
	v.SetDefault("general.log_level", "info")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.timeout", "15s")

	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", "30m")
	v.SetDefault("store.advisory_lock_key", int64(0x6368616e64))

	v.SetDefault("fees.enabled", true)
	v.SetDefault("fees.base_ppm", 100)
	v.SetDefault("fees.base_base_fee_msat", 1000)
	v.SetDefault("fees.min_ppm", 1)
	v.SetDefault("fees.max_ppm", 50000)
	v.SetDefault("fees.min_base_msat", 0)
	v.SetDefault("fees.max_base_msat", 5000)
	v.SetDefault("fees.balance_bins", 20)
	v.SetDefault("fees.min_change_percent", 0.05)
	v.SetDefault("fees.price_theory.enabled", true)
	v.SetDefault("fees.price_theory.min_cycles_per_card", 6)
	v.SetDefault("fees.price_theory.max_age", 30)

	v.SetDefault("autopilot.enabled", false)
	v.SetDefault("autopilot.reserve_sats", 200000)
	v.SetDefault("autopilot.reserve_percent", 0.2)
	v.SetDefault("autopilot.max_proposals", 2)
	v.SetDefault("autopilot.target_channel_count", 20)
	v.SetDefault("autopilot.min_channel_sats", 500000)
	v.SetDefault("autopilot.failed_open_cooldown", "24h")

	v.SetDefault("rebalancer.enabled", true)
	v.SetDefault("rebalancer.per_op_fee_cap_msat", 5000)
	v.SetDefault("rebalancer.per_cycle_fee_cap_msat", 20000)
	v.SetDefault("rebalancer.low_threshold", 0.25)
	v.SetDefault("rebalancer.high_threshold", 0.275)

	v.SetDefault("judge.enabled", false)
	v.SetDefault("judge.min_channel_age_days", 90)
	v.SetDefault("judge.reopen_cost_sats", 30000)

	v.SetDefault("oracle.timeout", "10s")
	v.SetDefault("oracle.lo_to_hi_percentile", 0.33)
	v.SetDefault("oracle.hi_to_lo_percentile", 0.67)
	v.SetDefault("oracle.window_days", 7)
	v.SetDefault("oracle.min_samples", 24)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks, raising a ConfigError on violation.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errs.Config("server.base_url must be configured", nil)
	}
	if c.Server.APIKey == "" {
		return errs.Config("server.api_key must be configured", nil)
	}
	if c.General.CycleInterval <= 0 {
		return errs.Config("general.cycle_interval_seconds must be greater than zero", nil)
	}
	if c.Fees.BasePPM <= 0 {
		return errs.Config("fees.base_ppm must be greater than zero", nil)
	}
	if c.Fees.MinPPM <= 0 || c.Fees.MaxPPM < c.Fees.MinPPM {
		return errs.Config("fees.min_ppm/max_ppm must satisfy 0 < min_ppm <= max_ppm", nil)
	}
	if c.Fees.MaxBaseMsat < c.Fees.MinBaseMsat {
		return errs.Config("fees.max_base_msat must be >= fees.min_base_msat", nil)
	}
	if c.Fees.BalanceBins <= 0 {
		return errs.Config("fees.balance_bins must be greater than zero", nil)
	}
	if c.Rebalancer.HighThreshold <= c.Rebalancer.LowThreshold {
		return errs.Config("rebalancer.high_threshold must be greater than rebalancer.low_threshold", nil)
	}
	if c.Oracle.LowPercentile >= c.Oracle.HighPercentile {
		return errs.Config("oracle.lo_to_hi_percentile must be less than oracle.hi_to_lo_percentile", nil)
	}
	if c.Export.MaxDataPoints <= 0 {
		return errs.Config("export.max_data_points must be greater than zero", nil)
	}
	if c.Alerting.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return errs.Config("alerting.telegram.bot_token must be configured", nil)
		}
		if c.Alerting.Telegram.ChatID == "" {
			return errs.Config("alerting.telegram.chat_id must be configured", nil)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
