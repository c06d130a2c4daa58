package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingSetting is returned when a setting required at dispatch time is empty.
var ErrMissingSetting = errors.New("missing required setting")

const (
	DefaultCoinType = "118"

	defaultHTTPPort        = 3000
	defaultGasAdjustment   = 1.4
	defaultRPCTimeout      = 15 * time.Second
	defaultConfirmTimeout  = 60 * time.Second
	defaultDispatchTimeout = 2 * time.Minute
	defaultShutdownTimeout = 30 * time.Second
	defaultRunRetention    = 24 * time.Hour
	defaultHMACClockSkew   = 60 * time.Second
)

// Run store backends.
const (
	RunStoreMemory   = "memory"
	RunStoreFile     = "file"
	RunStorePostgres = "postgres"
)

// Config ties together the service, chain and drip settings.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Chain   Chain         `yaml:"chain"`
	Drip    Drip          `yaml:"drip"`
	Log     LogConfig     `yaml:"log"`
}

type ServiceConfig struct {
	HTTPPort        int           `yaml:"httpPort"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RunStore        string        `yaml:"runStore"`
	RunStorePath    string        `yaml:"runStorePath"`
	DatabaseURL     string        `yaml:"databaseURL"`
	RunRetention    time.Duration `yaml:"runRetention"`
	HMACSecret      string        `yaml:"hmacSecret"`
	HMACClockSkew   time.Duration `yaml:"hmacClockSkew"`
}

// Chain is the dispatch configuration handed to every drip. It holds the
// custodial mnemonic, so it must never be logged verbatim.
type Chain struct {
	Mnemonic        string        `yaml:"mnemonic"`
	RPCEndpoint     string        `yaml:"rpcEndpoint"`
	Bech32Prefix    string        `yaml:"bech32Prefix"`
	GasPrice        string        `yaml:"gasPrice"`
	CoinType        string        `yaml:"coinType"`
	GasAdjustment   float64       `yaml:"gasAdjustment"`
	RPCTimeout      time.Duration `yaml:"rpcTimeout"`
	ConfirmTimeout  time.Duration `yaml:"confirmTimeout"`
	DispatchTimeout time.Duration `yaml:"dispatchTimeout"`
}

// Drip is the fixed amount handed out per request.
type Drip struct {
	Denom  string `yaml:"denom"`
	Amount string `yaml:"amount"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the optional YAML file named by FAUCET_CONFIG and overlays the
// environment. Chain and drip settings are not validated here.
func Load() (*Config, error) {
	cfg := Default()

	if path := envOr("FAUCET_CONFIG", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with every optional setting populated.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnv(cfg *Config) {
	s := &cfg.Service
	s.HTTPPort = envOrInt("API_HTTP_PORT", s.HTTPPort)
	s.ShutdownTimeout = envOrSeconds("FAUCET_SHUTDOWN_TIMEOUT_SECONDS", s.ShutdownTimeout)
	s.RunStore = envOr("FAUCET_RUN_STORE", s.RunStore)
	s.RunStorePath = envOr("FAUCET_RUN_STORE_PATH", s.RunStorePath)
	s.DatabaseURL = envOr("DATABASE_URL", s.DatabaseURL)
	s.RunRetention = envOrSeconds("FAUCET_RUN_RETENTION_SECONDS", s.RunRetention)
	s.HMACSecret = envOr("FAUCET_HMAC_SECRET", s.HMACSecret)
	s.HMACClockSkew = envOrSeconds("HMAC_CLOCK_SKEW_SECONDS", s.HMACClockSkew)

	c := &cfg.Chain
	c.Mnemonic = envOr("FAUCET_MNEMONIC", c.Mnemonic)
	c.RPCEndpoint = envOr("FAUCET_RPC_ENDPOINT", c.RPCEndpoint)
	c.Bech32Prefix = envOr("FAUCET_BECH32_PREFIX", c.Bech32Prefix)
	c.GasPrice = envOr("FAUCET_GAS_PRICE", c.GasPrice)
	c.CoinType = envOr("FAUCET_COIN_TYPE", c.CoinType)
	c.GasAdjustment = envOrFloat("FAUCET_GAS_ADJUSTMENT", c.GasAdjustment)
	c.RPCTimeout = envOrSeconds("FAUCET_RPC_TIMEOUT_SECONDS", c.RPCTimeout)
	c.ConfirmTimeout = envOrSeconds("FAUCET_CONFIRM_TIMEOUT_SECONDS", c.ConfirmTimeout)
	c.DispatchTimeout = envOrSeconds("FAUCET_DISPATCH_TIMEOUT_SECONDS", c.DispatchTimeout)

	cfg.Drip.Denom = envOr("FAUCET_DENOM", cfg.Drip.Denom)
	cfg.Drip.Amount = envOr("FAUCET_AMOUNT", cfg.Drip.Amount)

	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("LOG_FORMAT", cfg.Log.Format)
}

func applyDefaults(cfg *Config) {
	s := &cfg.Service
	if s.HTTPPort == 0 {
		s.HTTPPort = defaultHTTPPort
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}
	if s.RunStore == "" {
		s.RunStore = RunStoreMemory
	}
	if s.RunStorePath == "" {
		s.RunStorePath = filepath.Join(os.TempDir(), "faucet-runs.json")
	}
	if s.RunRetention <= 0 {
		s.RunRetention = defaultRunRetention
	}
	if s.HMACClockSkew <= 0 {
		s.HMACClockSkew = defaultHMACClockSkew
	}

	c := &cfg.Chain
	if strings.TrimSpace(c.CoinType) == "" {
		c.CoinType = DefaultCoinType
	}
	if c.GasAdjustment <= 0 {
		c.GasAdjustment = defaultGasAdjustment
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate reports the first empty drip setting.
func (d Drip) Validate() error {
	if strings.TrimSpace(d.Denom) == "" {
		return fmt.Errorf("%w: denom", ErrMissingSetting)
	}
	if strings.TrimSpace(d.Amount) == "" {
		return fmt.Errorf("%w: amount", ErrMissingSetting)
	}
	return nil
}

// String keeps the mnemonic out of formatted output.
func (c Chain) String() string {
	return fmt.Sprintf("Chain{RPCEndpoint:%s Bech32Prefix:%s GasPrice:%s CoinType:%s Mnemonic:%s}",
		c.RPCEndpoint, c.Bech32Prefix, c.GasPrice, c.CoinType, redact(c.Mnemonic))
}

func (c Chain) GoString() string {
	return c.String()
}

// LogValue implements slog.LogValuer.
func (c Chain) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("rpc_endpoint", c.RPCEndpoint),
		slog.String("bech32_prefix", c.Bech32Prefix),
		slog.String("gas_price", c.GasPrice),
		slog.String("coin_type", c.CoinType),
		slog.String("mnemonic", redact(c.Mnemonic)),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrSeconds(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return time.Duration(parsed) * time.Second
		}
	}
	return fallback
}
