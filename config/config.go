// Package config loads and validates the gateway configuration from a YAML
// file with environment-variable overrides. A .env file is honored for
// local development. The resulting struct is validated once at startup and
// injected into components; nothing reads ambient configuration afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	X402      X402Config      `yaml:"x402"`
	Preflight PreflightConfig `yaml:"preflight"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SwarmConfig struct {
	APIURL         string `yaml:"api_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type X402Config struct {
	Enabled           bool    `yaml:"enabled"`
	FacilitatorURL    string  `yaml:"facilitator_url"`
	Network           string  `yaml:"network"`
	PayToAddress      string  `yaml:"pay_to_address"`
	BzzUSDRate        float64 `yaml:"bzz_usd_rate"`
	MarkupPercent     float64 `yaml:"markup_percent"`
	MinPriceUSD       float64 `yaml:"min_price_usd"`
	BlocklistIPs      string  `yaml:"blocklist_ips"`
	AllowlistIPs      string  `yaml:"allowlist_ips"`
	RateLimitPerIP    int     `yaml:"rate_limit_per_ip"`
	FreeTierEnabled   bool    `yaml:"free_tier_enabled"`
	FreeTierRateLimit int     `yaml:"free_tier_rate_limit"`
	AuditLogPath      string  `yaml:"audit_log_path"`
}

type PreflightConfig struct {
	XBZZWarnThreshold       float64 `yaml:"xbzz_warn_threshold"`
	XDAIWarnThreshold       float64 `yaml:"xdai_warn_threshold"`
	ChequebookWarnThreshold float64 `yaml:"chequebook_warn_threshold"`
	// BaseRPCURL enables the settlement-chain gas balance check when set.
	BaseRPCURL           string  `yaml:"base_rpc_url"`
	BaseETHWarnThreshold float64 `yaml:"base_eth_warn_threshold"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Swarm:  SwarmConfig{TimeoutSeconds: 10},
		X402: X402Config{
			Network:           "base-sepolia",
			BzzUSDRate:        0.50,
			MarkupPercent:     50,
			MinPriceUSD:       0.01,
			RateLimitPerIP:    10,
			FreeTierRateLimit: 5,
			AuditLogPath:      "logs/x402_audit.jsonl",
		},
		Preflight: PreflightConfig{
			XBZZWarnThreshold:       1.0,
			XDAIWarnThreshold:       0.1,
			ChequebookWarnThreshold: 0.5,
			BaseETHWarnThreshold:    0.01,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the optional YAML config file, applies environment overrides
// and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	loadEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadEnvVars applies environment overrides, mirroring the variable names
// operators already use for this gateway. A .env file is loaded first when
// present.
func loadEnvVars(cfg *Config) {
	_ = godotenv.Load()

	setString(&cfg.Swarm.APIURL, "SWARM_BEE_API_URL")
	setBool(&cfg.X402.Enabled, "X402_ENABLED")
	setString(&cfg.X402.FacilitatorURL, "X402_FACILITATOR_URL")
	setString(&cfg.X402.Network, "X402_NETWORK")
	setString(&cfg.X402.PayToAddress, "X402_PAY_TO_ADDRESS")
	setFloat(&cfg.X402.BzzUSDRate, "X402_BZZ_USD_RATE")
	setFloat(&cfg.X402.MarkupPercent, "X402_MARKUP_PERCENT")
	setFloat(&cfg.X402.MinPriceUSD, "X402_MIN_PRICE_USD")
	setString(&cfg.X402.BlocklistIPs, "X402_BLACKLIST_IPS")
	setString(&cfg.X402.AllowlistIPs, "X402_WHITELIST_IPS")
	setInt(&cfg.X402.RateLimitPerIP, "X402_RATE_LIMIT_PER_IP")
	setBool(&cfg.X402.FreeTierEnabled, "X402_FREE_TIER_ENABLED")
	setInt(&cfg.X402.FreeTierRateLimit, "X402_FREE_TIER_RATE_LIMIT")
	setString(&cfg.X402.AuditLogPath, "X402_AUDIT_LOG_PATH")
	setString(&cfg.Preflight.BaseRPCURL, "X402_BASE_RPC_URL")
	setString(&cfg.Log.Level, "LOG_LEVEL")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Swarm.APIURL == "" {
		return fmt.Errorf("swarm api_url is required (SWARM_BEE_API_URL)")
	}
	if c.Swarm.TimeoutSeconds <= 0 {
		return fmt.Errorf("swarm timeout must be positive, got %d", c.Swarm.TimeoutSeconds)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	x := &c.X402
	if !x.Enabled {
		return nil
	}
	if x.FacilitatorURL == "" {
		return fmt.Errorf("x402 facilitator_url is required when x402 is enabled")
	}
	if x.Network == "" {
		return fmt.Errorf("x402 network is required when x402 is enabled")
	}
	if x.BzzUSDRate <= 0 {
		return fmt.Errorf("x402 bzz_usd_rate must be positive, got %v", x.BzzUSDRate)
	}
	if x.MarkupPercent < 0 {
		return fmt.Errorf("x402 markup_percent must not be negative, got %v", x.MarkupPercent)
	}
	if x.MinPriceUSD < 0 {
		return fmt.Errorf("x402 min_price_usd must not be negative, got %v", x.MinPriceUSD)
	}
	if x.RateLimitPerIP <= 0 {
		return fmt.Errorf("x402 rate_limit_per_ip must be positive, got %d", x.RateLimitPerIP)
	}
	if x.FreeTierEnabled && x.FreeTierRateLimit <= 0 {
		return fmt.Errorf("x402 free_tier_rate_limit must be positive, got %d", x.FreeTierRateLimit)
	}
	if x.AuditLogPath == "" {
		return fmt.Errorf("x402 audit_log_path is required when x402 is enabled")
	}
	// A missing payee degrades to the zero address at requirement-build
	// time; a malformed one is a hard error.
	if x.PayToAddress != "" {
		if !common.IsHexAddress(x.PayToAddress) {
			return fmt.Errorf("x402 pay_to_address is not a valid address: %s", x.PayToAddress)
		}
		x.PayToAddress = common.HexToAddress(x.PayToAddress).Hex()
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
