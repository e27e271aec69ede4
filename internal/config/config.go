// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	RPCURL           string `mapstructure:"rpc_url"`
	RouterAddress    string `mapstructure:"router_address"`
	ChainID          uint64 `mapstructure:"chain_id"`
	SupportedChainID uint64 `mapstructure:"supported_chain_id"`

	RegistryFile string `mapstructure:"registry_file"`
	BalancesFile string `mapstructure:"balances_file"`

	ReferenceToken          string `mapstructure:"reference_token"`
	SentinelToken           string `mapstructure:"sentinel_token"`
	WrappedNativeSymbol     string `mapstructure:"wrapped_native_symbol"`
	DefaultReferenceAddress string `mapstructure:"default_reference_address"`
	DefaultBaseAddress      string `mapstructure:"default_base_address"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	WorkerRetries  uint          `mapstructure:"worker_retries"`

	ActiveInterval time.Duration `mapstructure:"active_interval"`
	IdleInterval   time.Duration `mapstructure:"idle_interval"`
	ThrottleWindow time.Duration `mapstructure:"throttle_window"`

	CachePath string        `mapstructure:"cache_path"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`

	QuoteRate         float64 `mapstructure:"quote_rate"`
	QuoteBurst        int     `mapstructure:"quote_burst"`
	MaxParallelQuotes int     `mapstructure:"max_parallel_quotes"`

	// Курсы для резервной оценки, когда движок недоступен
	ReferenceToBaseRatio string            `mapstructure:"reference_to_base_ratio"`
	TokenRatios          map[string]string `mapstructure:"token_ratios"`

	DebugLogging bool   `mapstructure:"debug_logging"`
	LogFile      string `mapstructure:"log_file"`
	MetricsAddr  string `mapstructure:"metrics_addr"`

	ExportDir    string `mapstructure:"export_dir"`
	ExportFormat string `mapstructure:"export_format"`
}

const (
	EnvPrefix = "AMM_VALUATOR"

	DefaultRPCURL           = "https://pulsechain-rpc.publicnode.com"
	DefaultRouterAddress    = "0x98bf93ebf5c380C0e6Ae8e192A7e2AE08edAcc02"
	DefaultChainID          = 369
	DefaultReferenceAddress = "0x233fDa1043d9fbE59Fe89fA0492644430C67C35a"
	DefaultBaseAddress      = "0xA1077a294dDE1B09bB078844df40758a5D0f9a27"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultStaleAfter       = 60 * time.Second
	DefaultSweepInterval    = 30 * time.Second
	DefaultActiveInterval   = 15 * time.Second
	DefaultIdleInterval     = 60 * time.Second
	DefaultThrottleWindow   = 3 * time.Second
	DefaultCacheTTL         = 5 * time.Minute
)

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"rpc_url":                   DefaultRPCURL,
		"router_address":            DefaultRouterAddress,
		"chain_id":                  DefaultChainID,
		"supported_chain_id":        DefaultChainID,
		"registry_file":             "configs/tokens.yaml",
		"balances_file":             "configs/balances.yaml",
		"reference_token":           "STATE",
		"sentinel_token":            "DAV",
		"wrapped_native_symbol":     "WPLS",
		"default_reference_address": DefaultReferenceAddress,
		"default_base_address":      DefaultBaseAddress,
		"request_timeout":           DefaultRequestTimeout,
		"stale_after":               DefaultStaleAfter,
		"sweep_interval":            DefaultSweepInterval,
		"worker_retries":            3,
		"active_interval":           DefaultActiveInterval,
		"idle_interval":             DefaultIdleInterval,
		"throttle_window":           DefaultThrottleWindow,
		"cache_path":                "data/cache",
		"cache_ttl":                 DefaultCacheTTL,
		"quote_rate":                20.0,
		"quote_burst":               5,
		"max_parallel_quotes":       16,
		"reference_to_base_ratio":   "",
		"token_ratios":              map[string]string{},
		"debug_logging":             false,
		"log_file":                  "valuator.log",
		"metrics_addr":              "",
		"export_dir":                "exports",
		"export_format":             "csv",
	}
}

// LoadConfig reads path (any format viper knows by extension) over the
// built-in defaults. An empty path uses defaults and the environment only.
// AMM_VALUATOR_<KEY> variables override both.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if err := validateURLWithCache(cfg.RPCURL, "http", "ws"); err != nil {
		return fmt.Errorf("invalid rpc_url: %w", err)
	}
	if _, ok := parseAddress(cfg.RouterAddress); !ok {
		return errors.New("invalid router_address")
	}
	for key, addr := range map[string]string{
		"default_reference_address": cfg.DefaultReferenceAddress,
		"default_base_address":      cfg.DefaultBaseAddress,
	} {
		if addr == "" {
			continue
		}
		if _, ok := parseAddress(addr); !ok {
			return fmt.Errorf("invalid %s", key)
		}
	}
	if cfg.ReferenceToken == "" {
		return errors.New("reference_token is empty")
	}
	if cfg.ChainID == 0 {
		return errors.New("chain_id is empty")
	}
	switch cfg.ExportFormat {
	case "csv", "json":
	default:
		return fmt.Errorf("invalid export_format %q", cfg.ExportFormat)
	}
	if err := validateNumericParams(cfg); err != nil {
		return err
	}
	return nil
}

func validateNumericParams(cfg *Config) error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"request_timeout", cfg.RequestTimeout},
		{"stale_after", cfg.StaleAfter},
		{"sweep_interval", cfg.SweepInterval},
		{"active_interval", cfg.ActiveInterval},
		{"idle_interval", cfg.IdleInterval},
		{"cache_ttl", cfg.CacheTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("invalid %s", d.name)
		}
	}
	if cfg.ThrottleWindow < 0 {
		return errors.New("invalid throttle_window")
	}
	if cfg.QuoteRate < 0 {
		return errors.New("invalid quote_rate")
	}
	if cfg.QuoteBurst < 0 {
		return errors.New("invalid quote_burst")
	}
	if cfg.MaxParallelQuotes < 0 {
		return errors.New("invalid max_parallel_quotes")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocols ...string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return errors.New("invalid URL format")
	}
	for _, p := range protocols {
		if strings.HasPrefix(parsed.Scheme, p) {
			urlCache.Store(rawURL, parsed)
			return nil
		}
	}
	return errors.New("invalid URL protocol")
}

func parseAddress(raw string) (common.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, false
	}
	return common.HexToAddress(trimmed), true
}
