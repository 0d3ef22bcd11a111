// Package config loads agent runtime configuration from YAML or TOML files
// with environment overrides for secrets.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tradeagent/storage"
)

// Environment variables that override file values.
const (
	EnvStorePath      = "STORE_PATH"
	EnvStoreEngine    = "STORE_ENGINE"
	EnvMockTrade      = "MOCK_TRADE"
	EnvCoinGeckoKey   = "COINGECKO_API_KEY"
	EnvGeminiKey      = "GEMINI_API_KEY"
	EnvAttestationKey = "ACTION_ATTESTATION_KEY"
	EnvOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTLPHeaders    = "OTEL_EXPORTER_OTLP_HEADERS"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures runtime configuration for the agent.
type Config struct {
	Service     string            `yaml:"service" toml:"service"`
	Env         string            `yaml:"env" toml:"env"`
	Listen      string            `yaml:"listen" toml:"listen"`
	MockTrade   bool              `yaml:"mock_trade" toml:"mock_trade"`
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Log         LogConfig         `yaml:"log" toml:"log"`
	Oracle      OracleConfig      `yaml:"oracle" toml:"oracle"`
	Tokens      TokensConfig      `yaml:"tokens" toml:"tokens"`
	Paper       PaperConfig       `yaml:"paper" toml:"paper"`
	Memo        MemoConfig        `yaml:"memo" toml:"memo"`
	Strategy    StrategyConfig    `yaml:"strategy" toml:"strategy"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Attestation AttestationConfig `yaml:"attestation" toml:"attestation"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
}

// StoreConfig selects the storage engine.
type StoreConfig struct {
	Engine      string   `yaml:"engine" toml:"engine"`
	Path        string   `yaml:"path" toml:"path"`
	SyncWrites  bool     `yaml:"sync_writes" toml:"sync_writes"`
	LockTimeout Duration `yaml:"lock_timeout" toml:"lock_timeout"`
	// SeparateWrites disables the shared-batch ledger commit.
	SeparateWrites bool `yaml:"separate_writes" toml:"separate_writes"`
}

// LogConfig controls the structured logger. File enables rotated file output.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// OracleConfig tunes the CoinGecko client.
type OracleConfig struct {
	Endpoint      string  `yaml:"endpoint" toml:"endpoint"`
	CoinsEndpoint string  `yaml:"coins_endpoint" toml:"coins_endpoint"`
	APIKey        string  `yaml:"api_key" toml:"api_key"`
	RatePerMinute float64 `yaml:"rate_per_minute" toml:"rate_per_minute"`
}

// TokensConfig points at the verified token list.
type TokensConfig struct {
	ListURL string `yaml:"list_url" toml:"list_url"`
}

// PaperConfig seeds the paper-trading wallet.
type PaperConfig struct {
	NativeLamports uint64 `yaml:"native_lamports" toml:"native_lamports"`
}

// MemoConfig schedules investor memos.
type MemoConfig struct {
	Interval  Duration `yaml:"interval" toml:"interval"`
	ActiveFor Duration `yaml:"active_for" toml:"active_for"`
	Model     string   `yaml:"model" toml:"model"`
	APIKey    string   `yaml:"api_key" toml:"api_key"`
}

// StrategyConfig tunes candidate selection and take-profit.
type StrategyConfig struct {
	MinProfitRate  float64 `yaml:"min_profit_rate" toml:"min_profit_rate"`
	DailyBudgetSOL float64 `yaml:"daily_budget_sol" toml:"daily_budget_sol"`
	HistoryDays    int     `yaml:"history_days" toml:"history_days"`
}

// TelemetryConfig enables OTLP trace and metric export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
}

// AttestationConfig carries the action log signing secret.
type AttestationConfig struct {
	Key string `yaml:"key" toml:"key"`
}

// RateLimitConfig bounds per-client API requests.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps" toml:"rps"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// DailyBudgetLamports converts the strategy budget to lamports.
func (c Config) DailyBudgetLamports() uint64 {
	return uint64(math.Round(c.Strategy.DailyBudgetSOL * 1e9))
}

// StorageConfig converts the store section for storage.Open.
func (c Config) StorageConfig() storage.Config {
	return storage.Config{
		Engine:      c.Store.Engine,
		Path:        c.Store.Path,
		SyncWrites:  c.Store.SyncWrites,
		LockTimeout: c.Store.LockTimeout.Duration,
	}
}

// Default returns a configuration with defaults applied and no file values.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads configuration from path, chosen by extension (.yaml, .yml or
// .toml). An empty path yields defaults. Environment overrides are applied
// before defaults and validation.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
		return nil
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvStorePath); ok && strings.TrimSpace(v) != "" {
		cfg.Store.Path = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvStoreEngine); ok && strings.TrimSpace(v) != "" {
		cfg.Store.Engine = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvMockTrade); ok && strings.TrimSpace(v) != "" {
		mock, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMockTrade, err)
		}
		cfg.MockTrade = mock
	}
	if v, ok := lookup(EnvCoinGeckoKey); ok {
		cfg.Oracle.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvGeminiKey); ok {
		cfg.Memo.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAttestationKey); ok {
		cfg.Attestation.Key = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && strings.TrimSpace(v) != "" {
		cfg.Telemetry.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvOTLPHeaders); ok {
		cfg.Telemetry.Headers = strings.TrimSpace(v)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "tradeagent"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7080"
	}
	if cfg.Store.Engine == "" {
		cfg.Store.Engine = storage.EngineLevelDB
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "store"
	}
	if cfg.Store.LockTimeout.Duration == 0 {
		cfg.Store.LockTimeout.Duration = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 28
	}
	if cfg.Oracle.RatePerMinute == 0 {
		cfg.Oracle.RatePerMinute = 30
	}
	if cfg.Paper.NativeLamports == 0 {
		cfg.Paper.NativeLamports = 10_000_000_000
	}
	if cfg.Memo.Interval.Duration == 0 {
		cfg.Memo.Interval.Duration = 24 * time.Hour
	}
	if cfg.Memo.ActiveFor.Duration == 0 {
		cfg.Memo.ActiveFor.Duration = 24 * time.Hour
	}
	if cfg.Memo.Model == "" {
		cfg.Memo.Model = "gemini-2.0-flash"
	}
	if cfg.Strategy.MinProfitRate == 0 {
		cfg.Strategy.MinProfitRate = 0.2
	}
	if cfg.Strategy.DailyBudgetSOL == 0 {
		cfg.Strategy.DailyBudgetSOL = 0.5
	}
	if cfg.Strategy.HistoryDays == 0 {
		cfg.Strategy.HistoryDays = 3
	}
	if cfg.Telemetry.Enabled && !cfg.Telemetry.Traces && !cfg.Telemetry.Metrics {
		cfg.Telemetry.Traces = true
		cfg.Telemetry.Metrics = true
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
}

func validate(cfg Config) error {
	engine := strings.ToLower(strings.TrimSpace(cfg.Store.Engine))
	known := false
	for _, e := range storage.Engines() {
		if e == engine {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("store: unknown engine %q", cfg.Store.Engine)
	}
	if cfg.Oracle.RatePerMinute < 0 {
		return fmt.Errorf("oracle: rate_per_minute must not be negative")
	}
	if cfg.Memo.ActiveFor.Duration < 0 || cfg.Memo.Interval.Duration < 0 {
		return fmt.Errorf("memo: durations must not be negative")
	}
	if cfg.Strategy.MinProfitRate < 0 || cfg.Strategy.DailyBudgetSOL < 0 || cfg.Strategy.HistoryDays < 0 {
		return fmt.Errorf("strategy: values must not be negative")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	// Only the paper executor is wired.
	if !cfg.MockTrade {
		return fmt.Errorf("live swap execution is not available; set mock_trade or %s=true", EnvMockTrade)
	}
	return nil
}
