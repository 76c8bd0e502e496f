package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cdpledger/crypto"
	"cdpledger/native/oracle"
	"cdpledger/native/params"
)

// Duration wraps time.Duration to accept human readable strings in both TOML
// and YAML documents.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

// UnmarshalYAML parses YAML duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.parse(value.Value)
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for cdpd.
type Config struct {
	ListenAddress string          `toml:"listen" yaml:"listen"`
	Environment   string          `toml:"environment" yaml:"environment"`
	DataDir       string          `toml:"data_dir" yaml:"data_dir"`
	JournalPath   string          `toml:"journal" yaml:"journal"`
	AdminToken    string          `toml:"admin_token" yaml:"admin_token"`
	SignatureSkew Duration        `toml:"signature_skew" yaml:"signature_skew"`
	Log           LogConfig       `toml:"log" yaml:"log"`
	Tokens        TokensConfig    `toml:"tokens" yaml:"tokens"`
	Liquidation   LiquidationCfg  `toml:"liquidation" yaml:"liquidation"`
	Pauses        PausesConfig    `toml:"pauses" yaml:"pauses"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Oracle        OracleConfig    `toml:"oracle" yaml:"oracle"`
	Telemetry     TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Assets        []AssetConfig   `toml:"assets" yaml:"assets"`
}

// LogConfig selects the log level and an optional rotating file sink.
type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
}

// TokensConfig names the stable token, the secondary collateral token and the
// protocol accounts.
type TokensConfig struct {
	USDP     string `toml:"usdp" yaml:"usdp"`
	COL      string `toml:"col" yaml:"col"`
	Vault    string `toml:"vault" yaml:"vault"`
	Treasury string `toml:"treasury" yaml:"treasury"`
}

// LiquidationCfg routes seized collateral.
type LiquidationCfg struct {
	ProtocolBps uint64 `toml:"protocol_bps" yaml:"protocol_bps"`
	Treasury    string `toml:"treasury" yaml:"treasury"`
}

// PausesConfig is the initial pause switchboard.
type PausesConfig struct {
	CDP         bool `toml:"cdp" yaml:"cdp"`
	Liquidation bool `toml:"liquidation" yaml:"liquidation"`
}

// RateLimitConfig throttles mutating API calls per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `toml:"burst" yaml:"burst"`
}

// OracleConfig configures historical proof verification.
type OracleConfig struct {
	InitialHead uint64   `toml:"initial_head" yaml:"initial_head"`
	Attesters   []string `toml:"attesters" yaml:"attesters"`
}

// TelemetryConfig mirrors the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	Headers     string  `toml:"headers" yaml:"headers"`
	Traces      bool    `toml:"traces" yaml:"traces"`
	Metrics     bool    `toml:"metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

// AssetConfig describes one priced asset. Entries with PriceOnly set, and the
// COL token, only register a price verifier; every other entry is a main
// collateral asset and carries risk parameters.
type AssetConfig struct {
	Address   string `toml:"address" yaml:"address"`
	PriceOnly bool   `toml:"price_only" yaml:"price_only"`

	StabilityFeeBps         uint64 `toml:"stability_fee_bps" yaml:"stability_fee_bps"`
	LiquidationThresholdBps uint64 `toml:"liquidation_threshold_bps" yaml:"liquidation_threshold_bps"`
	LiquidationPenaltyBps   uint64 `toml:"liquidation_penalty_bps" yaml:"liquidation_penalty_bps"`
	DebtCeiling             string `toml:"debt_ceiling" yaml:"debt_ceiling"`

	Oracle      string   `toml:"oracle" yaml:"oracle"`
	Price       string   `toml:"price" yaml:"price"`
	MaxQuoteAge Duration `toml:"max_quote_age" yaml:"max_quote_age"`
	MinProofAge uint64   `toml:"min_proof_age_blocks" yaml:"min_proof_age_blocks"`
	MaxProofAge uint64   `toml:"max_proof_age_blocks" yaml:"max_proof_age_blocks"`

	Underlying  string `toml:"underlying" yaml:"underlying"`
	PoolReserve string `toml:"pool_reserve" yaml:"pool_reserve"`
	PoolSupply  string `toml:"pool_supply" yaml:"pool_supply"`
}

// Load reads configuration from path. Files ending in .yaml or .yml are
// decoded as YAML; everything else as TOML. Environment overrides are applied
// before defaults and validation.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	ApplyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/cdpd"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "journal.sqlite")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	for i := range cfg.Assets {
		if cfg.Assets[i].Oracle == "" {
			cfg.Assets[i].Oracle = oracle.KindDirectQuote
		}
	}
}

func validate(cfg Config) error {
	usdp, err := crypto.DecodeAddressWithPrefix(cfg.Tokens.USDP, crypto.AssetPrefix)
	if err != nil {
		return fmt.Errorf("tokens.usdp: %w", err)
	}
	col, err := crypto.DecodeAddressWithPrefix(cfg.Tokens.COL, crypto.AssetPrefix)
	if err != nil {
		return fmt.Errorf("tokens.col: %w", err)
	}
	if usdp.Equal(col) {
		return fmt.Errorf("tokens.usdp and tokens.col must differ")
	}
	if _, err := crypto.DecodeAddressWithPrefix(cfg.Tokens.Vault, crypto.OwnerPrefix); err != nil {
		return fmt.Errorf("tokens.vault: %w", err)
	}
	if _, err := crypto.DecodeAddressWithPrefix(cfg.Tokens.Treasury, crypto.OwnerPrefix); err != nil {
		return fmt.Errorf("tokens.treasury: %w", err)
	}
	if cfg.Liquidation.ProtocolBps > params.BasisPoints {
		return fmt.Errorf("liquidation.protocol_bps cannot exceed %d", params.BasisPoints)
	}
	if cfg.Liquidation.Treasury != "" {
		if _, err := crypto.DecodeAddressWithPrefix(cfg.Liquidation.Treasury, crypto.OwnerPrefix); err != nil {
			return fmt.Errorf("liquidation.treasury: %w", err)
		}
	}
	for _, raw := range cfg.Oracle.Attesters {
		if _, err := crypto.DecodeAddressWithPrefix(raw, crypto.OwnerPrefix); err != nil {
			return fmt.Errorf("oracle.attesters: %w", err)
		}
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be non-negative")
	}

	seen := make(map[crypto.Address]AssetConfig, len(cfg.Assets))
	mains := 0
	for i, asset := range cfg.Assets {
		addr, err := asset.AssetAddress()
		if err != nil {
			return fmt.Errorf("assets[%d]: %w", i, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("assets[%d]: duplicate asset %s", i, asset.Address)
		}
		if addr.Equal(usdp) {
			return fmt.Errorf("assets[%d]: the stable token cannot be priced as collateral", i)
		}
		seen[addr] = asset
		if !asset.PriceOnly && !addr.Equal(col) {
			mains++
			p, err := asset.RiskParams()
			if err != nil {
				return fmt.Errorf("assets[%d]: %w", i, err)
			}
			if err := p.Validate(); err != nil {
				return fmt.Errorf("assets[%d]: %w", i, err)
			}
		}
		if err := asset.validateOracle(); err != nil {
			return fmt.Errorf("assets[%d]: %w", i, err)
		}
	}
	if mains == 0 {
		return fmt.Errorf("at least one collateral asset must be configured")
	}
	if _, ok := seen[col]; !ok {
		return fmt.Errorf("tokens.col must have a price entry in assets")
	}
	for i, asset := range cfg.Assets {
		if asset.Oracle != oracle.KindPooled {
			continue
		}
		underlying, _ := crypto.DecodeAddressWithPrefix(asset.Underlying, crypto.AssetPrefix)
		if _, ok := seen[underlying]; !ok {
			return fmt.Errorf("assets[%d]: underlying %s has no price entry", i, asset.Underlying)
		}
	}
	if len(cfg.Oracle.Attesters) == 0 {
		for i, asset := range cfg.Assets {
			if asset.Oracle == oracle.KindHistorical {
				return fmt.Errorf("assets[%d]: historical oracle requires oracle.attesters", i)
			}
		}
	}
	return nil
}

func (a AssetConfig) validateOracle() error {
	switch a.Oracle {
	case oracle.KindDirectQuote:
		if _, err := a.QuotePrice(); err != nil {
			return err
		}
	case oracle.KindHistorical:
		if a.MaxProofAge > 0 && a.MaxProofAge < a.MinProofAge {
			return fmt.Errorf("max_proof_age_blocks must not be below min_proof_age_blocks")
		}
	case oracle.KindPooled:
		if _, err := crypto.DecodeAddressWithPrefix(a.Underlying, crypto.AssetPrefix); err != nil {
			return fmt.Errorf("underlying: %w", err)
		}
		if _, _, err := a.PoolState(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown oracle kind %q", a.Oracle)
	}
	return nil
}

// AssetAddress decodes the asset identifier.
func (a AssetConfig) AssetAddress() (crypto.Address, error) {
	return crypto.DecodeAddressWithPrefix(a.Address, crypto.AssetPrefix)
}

// RiskParams converts the entry into engine parameters.
func (a AssetConfig) RiskParams() (params.AssetParams, error) {
	p := params.AssetParams{
		StabilityFeeBps:         a.StabilityFeeBps,
		LiquidationThresholdBps: a.LiquidationThresholdBps,
		LiquidationPenaltyBps:   a.LiquidationPenaltyBps,
	}
	if ceiling := strings.TrimSpace(a.DebtCeiling); ceiling != "" {
		value, ok := new(big.Int).SetString(ceiling, 10)
		if !ok {
			return p, fmt.Errorf("debt_ceiling %q is not an integer", a.DebtCeiling)
		}
		p.DebtCeiling = value
	}
	return p, nil
}

// QuotePrice parses the static quote as an exact rational.
func (a AssetConfig) QuotePrice() (*big.Rat, error) {
	return positiveDecimal("price", a.Price)
}

// PoolState parses the static pool reserve and supply.
func (a AssetConfig) PoolState() (reserve, supply *big.Int, err error) {
	reserve, ok := new(big.Int).SetString(strings.TrimSpace(a.PoolReserve), 10)
	if !ok || reserve.Sign() <= 0 {
		return nil, nil, fmt.Errorf("pool_reserve %q must be a positive integer", a.PoolReserve)
	}
	supply, ok = new(big.Int).SetString(strings.TrimSpace(a.PoolSupply), 10)
	if !ok || supply.Sign() <= 0 {
		return nil, nil, fmt.Errorf("pool_supply %q must be a positive integer", a.PoolSupply)
	}
	return reserve, supply, nil
}

func positiveDecimal(field, raw string) (*big.Rat, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", field, raw, err)
	}
	if !value.IsPositive() {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return value.Rat(), nil
}
