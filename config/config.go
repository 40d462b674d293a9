package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// Chain and network settings
	ChainID          uint64            `yaml:"chain_id" json:"chain_id"`
	RPCEndpoint      string            `yaml:"rpc_endpoint" json:"rpc_endpoint"`
	WSEndpoint       string            `yaml:"ws_endpoint" json:"ws_endpoint"`
	FlashbotsRelay   string            `yaml:"flashbots_relay" json:"flashbots_relay"`
	UsePrivateRelay  bool              `yaml:"use_private_relay" json:"use_private_relay"`
	ExecutorContract string            `yaml:"executor_contract" json:"executor_contract"`
	Dexes            map[string]string `yaml:"dexes" json:"dexes"`
	SimulateBundles  bool              `yaml:"simulate_bundles" json:"simulate_bundles"`

	// Decimals of tokens that do not use 18, keyed by address
	TokenDecimals map[string]int32 `yaml:"token_decimals" json:"token_decimals"`

	// Risk limits handed to the decision core
	Limits RiskSettings `yaml:"risk" json:"risk"`

	Mempool        MempoolConfig        `yaml:"mempool" json:"mempool"`
	Gas            GasConfig            `yaml:"gas" json:"gas"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	RPCRateLimit   RateLimitConfig      `yaml:"rpc_rate_limit" json:"rpc_rate_limit"`

	// Opportunity intake and result reporting
	Feed  FeedConfig  `yaml:"feed" json:"feed"`
	Redis RedisConfig `yaml:"redis" json:"redis"`

	Workers     int       `yaml:"workers" json:"workers"`
	MetricsAddr string    `yaml:"metrics_addr" json:"metrics_addr"`
	Log         LogConfig `yaml:"log" json:"log"`
}

// RiskSettings is the file representation of RiskConfig. Quantities are
// decimal strings and windows are Go duration strings.
type RiskSettings struct {
	MaxTradeSize            string            `yaml:"max_trade_size" json:"max_trade_size"`
	MinProfitThreshold      string            `yaml:"min_profit_threshold" json:"min_profit_threshold"`
	MaxSlippage             string            `yaml:"max_slippage" json:"max_slippage"`
	MinLiquidityRatio       string            `yaml:"min_liquidity_ratio" json:"min_liquidity_ratio"`
	MaxGasPriceGwei         string            `yaml:"max_gas_price_gwei" json:"max_gas_price_gwei"`
	MaxExposurePercentage   string            `yaml:"max_exposure_percentage" json:"max_exposure_percentage"`
	CapitalBase             string            `yaml:"capital_base" json:"capital_base"`
	MaxGasCostRatio         string            `yaml:"max_gas_cost_ratio" json:"max_gas_cost_ratio"`
	MaxConcurrentTrades     int               `yaml:"max_concurrent_trades" json:"max_concurrent_trades"`
	MaxDailyTrades          int               `yaml:"max_daily_trades" json:"max_daily_trades"`
	MaxSimilarPendingTrades int               `yaml:"max_similar_pending_trades" json:"max_similar_pending_trades"`
	MEVTimeWindow           string            `yaml:"mev_time_window" json:"mev_time_window"`
	MEVSimilarityThreshold  float64           `yaml:"mev_similarity_threshold" json:"mev_similarity_threshold"`
	MEVRiskLevels           MEVRiskLevels     `yaml:"mev_risk_levels" json:"mev_risk_levels"`
	FlashLoan               FlashLoanSettings `yaml:"flash_loan" json:"flash_loan"`
	PairCooldown            string            `yaml:"pair_cooldown" json:"pair_cooldown"`
	ReceiptTimeout          string            `yaml:"receipt_timeout" json:"receipt_timeout"`
}

type FlashLoanSettings struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	MinAmount       string   `yaml:"min_amount" json:"min_amount"`
	MaxAmount       string   `yaml:"max_amount" json:"max_amount"`
	FeePercentage   string   `yaml:"fee_percentage" json:"fee_percentage"`
	SupportedTokens []string `yaml:"supported_tokens" json:"supported_tokens"`
}

// MEVRiskLevels are the observation counts at which each tier triggers.
type MEVRiskLevels struct {
	Low    int `yaml:"low" json:"low"`
	Medium int `yaml:"medium" json:"medium"`
	High   int `yaml:"high" json:"high"`
}

type MempoolConfig struct {
	IndexSize    int    `yaml:"index_size" json:"index_size"`
	EvictionTime string `yaml:"eviction_time" json:"eviction_time"`
	MaxScan      int    `yaml:"max_scan" json:"max_scan"`
}

type GasConfig struct {
	RefreshInterval string `yaml:"refresh_interval" json:"refresh_interval"`
}

type CircuitBreakerConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	ErrorThreshold uint32 `yaml:"error_threshold" json:"error_threshold"`
	ResetInterval  string `yaml:"reset_interval" json:"reset_interval"`
	CooldownPeriod string `yaml:"cooldown_period" json:"cooldown_period"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

type FeedConfig struct {
	Source   string `yaml:"source" json:"source"` // "file" or "redis"
	File     string `yaml:"file" json:"file"`
	Group    string `yaml:"group" json:"group"`
	Consumer string `yaml:"consumer" json:"consumer"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr" json:"addr"`
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"password" json:"password"`
	DB            int    `yaml:"db" json:"db"`
	Stream        string `yaml:"stream" json:"stream"`
	ResultsStream string `yaml:"results_stream" json:"results_stream"`
}

type LogConfig struct {
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// FlashLoanTerms are the parsed flash-loan constraints.
type FlashLoanTerms struct {
	Enabled         bool
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
	FeePercentage   decimal.Decimal
	SupportedTokens []common.Address
}

// RiskConfig is the immutable set of limits the decision core works with.
type RiskConfig struct {
	MaxTradeSize            decimal.Decimal
	MinProfitThreshold      decimal.Decimal
	MaxSlippage             decimal.Decimal
	MinLiquidityRatio       decimal.Decimal
	MaxGasPrice             *big.Int // wei
	MaxExposurePercentage   decimal.Decimal
	CapitalBase             decimal.Decimal
	MaxGasCostRatio         decimal.Decimal
	MaxConcurrentTrades     int
	MaxDailyTrades          int
	MaxSimilarPendingTrades int
	MEVTimeWindow           time.Duration
	MEVSimilarityThreshold  float64
	MEVRiskLevels           MEVRiskLevels
	FlashLoan               FlashLoanTerms
	PairCooldown            time.Duration
	ReceiptTimeout          time.Duration
}

// Risk parses the file settings into a RiskConfig. Every call returns a
// fresh value so callers can never share mutable slices.
func (c *Config) Risk() (RiskConfig, error) {
	s := c.Limits
	var (
		rc   RiskConfig
		errs []string
	)

	dec := func(name, raw string) decimal.Decimal {
		if raw == "" {
			errs = append(errs, name+" must be specified")
			return decimal.Zero
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid decimal %q", name, raw))
		}
		return d
	}
	dur := func(name, raw string) time.Duration {
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid duration %q", name, raw))
		}
		return d
	}

	rc.MaxTradeSize = dec("max_trade_size", s.MaxTradeSize)
	rc.MinProfitThreshold = dec("min_profit_threshold", s.MinProfitThreshold)
	rc.MaxSlippage = dec("max_slippage", s.MaxSlippage)
	rc.MinLiquidityRatio = dec("min_liquidity_ratio", s.MinLiquidityRatio)
	rc.MaxExposurePercentage = dec("max_exposure_percentage", s.MaxExposurePercentage)
	rc.CapitalBase = dec("capital_base", s.CapitalBase)
	rc.MaxGasCostRatio = dec("max_gas_cost_ratio", s.MaxGasCostRatio)

	gwei := dec("max_gas_price_gwei", s.MaxGasPriceGwei)
	rc.MaxGasPrice = gwei.Mul(decimal.NewFromInt(params.GWei)).BigInt()

	rc.MaxConcurrentTrades = s.MaxConcurrentTrades
	rc.MaxDailyTrades = s.MaxDailyTrades
	rc.MaxSimilarPendingTrades = s.MaxSimilarPendingTrades
	rc.MEVTimeWindow = dur("mev_time_window", s.MEVTimeWindow)
	rc.MEVSimilarityThreshold = s.MEVSimilarityThreshold
	rc.MEVRiskLevels = s.MEVRiskLevels
	rc.PairCooldown = dur("pair_cooldown", s.PairCooldown)
	rc.ReceiptTimeout = dur("receipt_timeout", s.ReceiptTimeout)

	rc.FlashLoan.Enabled = s.FlashLoan.Enabled
	if s.FlashLoan.Enabled {
		rc.FlashLoan.MinAmount = dec("flash_loan.min_amount", s.FlashLoan.MinAmount)
		rc.FlashLoan.MaxAmount = dec("flash_loan.max_amount", s.FlashLoan.MaxAmount)
		rc.FlashLoan.FeePercentage = dec("flash_loan.fee_percentage", s.FlashLoan.FeePercentage)
	}
	for _, tok := range s.FlashLoan.SupportedTokens {
		if !common.IsHexAddress(tok) {
			errs = append(errs, fmt.Sprintf("flash_loan.supported_tokens: invalid address %q", tok))
			continue
		}
		rc.FlashLoan.SupportedTokens = append(rc.FlashLoan.SupportedTokens, common.HexToAddress(tok))
	}

	if len(errs) > 0 {
		return RiskConfig{}, fmt.Errorf("invalid risk settings: %s", strings.Join(errs, "; "))
	}
	if err := rc.Validate(); err != nil {
		return RiskConfig{}, err
	}
	return rc, nil
}

// Validate checks the ranges of a parsed RiskConfig.
func (rc RiskConfig) Validate() error {
	var errors []string

	if !rc.MaxTradeSize.IsPositive() {
		errors = append(errors, "max_trade_size must be positive")
	}
	if rc.MinProfitThreshold.IsNegative() {
		errors = append(errors, "min_profit_threshold must not be negative")
	}
	if rc.MaxSlippage.IsNegative() || rc.MaxSlippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errors = append(errors, "max_slippage must be in [0, 1)")
	}
	if rc.MinLiquidityRatio.IsNegative() {
		errors = append(errors, "min_liquidity_ratio must not be negative")
	}
	if rc.MaxGasPrice == nil || rc.MaxGasPrice.Sign() <= 0 {
		errors = append(errors, "max_gas_price must be positive")
	}
	if !rc.MaxExposurePercentage.IsPositive() {
		errors = append(errors, "max_exposure_percentage must be positive")
	}
	if !rc.CapitalBase.IsPositive() {
		errors = append(errors, "capital_base must be positive")
	}
	if !rc.MaxGasCostRatio.IsPositive() {
		errors = append(errors, "max_gas_cost_ratio must be positive")
	}
	if rc.MaxConcurrentTrades <= 0 {
		errors = append(errors, "max_concurrent_trades must be positive")
	}
	if rc.MaxDailyTrades <= 0 {
		errors = append(errors, "max_daily_trades must be positive")
	}
	if rc.MaxSimilarPendingTrades < 0 {
		errors = append(errors, "max_similar_pending_trades must not be negative")
	}
	if rc.MEVTimeWindow <= 0 {
		errors = append(errors, "mev_time_window must be positive")
	}
	if rc.MEVSimilarityThreshold < 0 || rc.MEVSimilarityThreshold > 1 {
		errors = append(errors, "mev_similarity_threshold must be in [0, 1]")
	}
	lv := rc.MEVRiskLevels
	if lv.Low <= 0 || lv.Low >= lv.Medium || lv.Medium >= lv.High {
		errors = append(errors, "mev_risk_levels must satisfy 0 < low < medium < high")
	}
	if rc.ReceiptTimeout <= 0 {
		errors = append(errors, "receipt_timeout must be positive")
	}
	if rc.PairCooldown < 0 {
		errors = append(errors, "pair_cooldown must not be negative")
	}
	if fl := rc.FlashLoan; fl.Enabled {
		if fl.MinAmount.IsNegative() || fl.MaxAmount.LessThan(fl.MinAmount) {
			errors = append(errors, "flash_loan amounts must satisfy 0 <= min_amount <= max_amount")
		}
		if fl.FeePercentage.IsNegative() || fl.FeePercentage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errors = append(errors, "flash_loan.fee_percentage must be in [0, 1)")
		}
		if len(fl.SupportedTokens) == 0 {
			errors = append(errors, "flash_loan.supported_tokens must not be empty when enabled")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("risk config validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

func (c *Config) ValidateConfig() error {
	var errors []string

	if c.ChainID == 0 {
		errors = append(errors, "chain_id must be specified")
	}
	if c.RPCEndpoint == "" {
		errors = append(errors, "rpc_endpoint must be specified")
	}
	if c.UsePrivateRelay && c.FlashbotsRelay == "" {
		errors = append(errors, "flashbots_relay must be specified when use_private_relay is set")
	}
	if !common.IsHexAddress(c.ExecutorContract) {
		errors = append(errors, "executor_contract must be a valid address")
	}
	if len(c.Dexes) == 0 {
		errors = append(errors, "at least one dex router must be configured")
	}
	seen := make(map[string]string, len(c.Dexes))
	for name, router := range c.Dexes {
		if !common.IsHexAddress(router) {
			errors = append(errors, fmt.Sprintf("dex %s: invalid router address %q", name, router))
		}
		key := NormalizeDex(name)
		if key == "" {
			errors = append(errors, "dex names must not be empty")
			continue
		}
		if prev, ok := seen[key]; ok {
			errors = append(errors, fmt.Sprintf("dex %s duplicates %s", name, prev))
		}
		seen[key] = name
	}
	for token, d := range c.TokenDecimals {
		if !common.IsHexAddress(token) || d < 0 || d > 36 {
			errors = append(errors, fmt.Sprintf("token_decimals: invalid entry %s=%d", token, d))
		}
	}
	if c.Workers <= 0 {
		errors = append(errors, "workers must be positive")
	}

	if _, err := c.Risk(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("circuit breaker error: %v", err))
	}
	if err := c.RPCRateLimit.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("RPC rate limit error: %v", err))
	}

	switch c.Feed.Source {
	case "file":
		if c.Feed.File == "" {
			errors = append(errors, "feed.file must be specified for the file source")
		}
	case "redis":
		if c.Redis.Addr == "" || c.Redis.Stream == "" {
			errors = append(errors, "redis.addr and redis.stream must be specified for the redis source")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown feed source %q", c.Feed.Source))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (c *CircuitBreakerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.ErrorThreshold == 0 {
		return fmt.Errorf("error threshold must be positive")
	}
	if d, err := time.ParseDuration(c.ResetInterval); err != nil || d <= 0 {
		return fmt.Errorf("reset interval must be a positive duration")
	}
	if d, err := time.ParseDuration(c.CooldownPeriod); err != nil || d <= 0 {
		return fmt.Errorf("cooldown period must be a positive duration")
	}

	return nil
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}

	return nil
}

// NormalizeDex is the canonical form of a dex name. Config keys and feed
// records are both compared in this form.
func NormalizeDex(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DexRouters returns the router address of every configured dex, keyed by
// normalized name.
func (c *Config) DexRouters() map[string]common.Address {
	out := make(map[string]common.Address, len(c.Dexes))
	for name, addr := range c.Dexes {
		out[NormalizeDex(name)] = common.HexToAddress(addr)
	}
	return out
}

// Decimals returns the configured token decimals keyed by address.
func (c *Config) Decimals() map[common.Address]int32 {
	out := make(map[common.Address]int32, len(c.TokenDecimals))
	for addr, d := range c.TokenDecimals {
		out[common.HexToAddress(addr)] = d
	}
	return out
}

// ParseDuration returns the parsed value of raw or fallback when raw is empty
// or malformed.
func ParseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadConfig reads a YAML or JSON file on top of DefaultConfig, applies the
// environment overrides and validates the result.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, ".arbexec.yaml")
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(cfgFile)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	ApplyEnv(config)

	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}

	return config, nil
}

func SaveConfig(cfg *Config, cfgFile string) error {
	var (
		data []byte
		err  error
	)
	if strings.ToLower(filepath.Ext(cfgFile)) == ".json" {
		data, err = json.MarshalIndent(cfg, "", "    ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(cfgFile, data, 0o600)
}

// DefaultConfig returns the settings used for anything a config file leaves
// out.
func DefaultConfig() *Config {
	return &Config{
		ChainID:     1,
		RPCEndpoint: "http://localhost:8545",
		WSEndpoint:  "ws://localhost:8546",
		Dexes:       map[string]string{},
		Limits: RiskSettings{
			MaxTradeSize:            "10",
			MinProfitThreshold:      "0.001",
			MaxSlippage:             "0.005",
			MinLiquidityRatio:       "0",
			MaxGasPriceGwei:         "300",
			MaxExposurePercentage:   "0.2",
			CapitalBase:             "100",
			MaxGasCostRatio:         "0.5",
			MaxConcurrentTrades:     2,
			MaxDailyTrades:          100,
			MaxSimilarPendingTrades: 10,
			MEVTimeWindow:           "60s",
			MEVSimilarityThreshold:  0.7,
			MEVRiskLevels:           MEVRiskLevels{Low: 5, Medium: 10, High: 20},
			FlashLoan: FlashLoanSettings{
				Enabled:       false,
				MinAmount:     "0",
				MaxAmount:     "1000",
				FeePercentage: "0.0009",
			},
			PairCooldown:   "30s",
			ReceiptTimeout: "2m",
		},
		Mempool: MempoolConfig{
			IndexSize:    10000,
			EvictionTime: "2m",
			MaxScan:      500,
		},
		Gas: GasConfig{
			RefreshInterval: "2s",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        true,
			ErrorThreshold: 5,
			ResetInterval:  "1m",
			CooldownPeriod: "30s",
		},
		RPCRateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			BurstSize:         100,
		},
		Feed: FeedConfig{
			Source:   "file",
			Group:    "arbexec",
			Consumer: "arbexec-1",
		},
		Redis: RedisConfig{
			Stream:        "arb:opportunities",
			ResultsStream: "arb:results",
		},
		Workers:     4,
		MetricsAddr: ":9090",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}
