// Package config loads application configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are joined
// with a double underscore: CERTMINTER_QUEUE__BATCH_SIZE.
const EnvPrefix = "CERTMINTER_"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Storage   StorageConfig   `koanf:"storage"`
	Log       LogConfig       `koanf:"log"`
	CORS      CORSConfig      `koanf:"cors"`
	JWT       JWTConfig       `koanf:"jwt"`
	Queue     QueueConfig     `koanf:"queue"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Chain     ChainConfig     `koanf:"chain"`
	IPFS      IPFSConfig      `koanf:"ipfs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// StorageConfig selects where certificates and queue items live.
type StorageConfig struct {
	Backend string `koanf:"backend"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// JWTConfig contains access token settings.
type JWTConfig struct {
	SecretKey           string        `koanf:"secret_key"`
	Issuer              string        `koanf:"issuer"`
	AccessTokenDuration time.Duration `koanf:"access_token_duration"`
}

// QueueConfig contains minting queue and scheduler settings.
type QueueConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	BatchSize         int           `koanf:"batch_size"`
	RetentionDays     int           `koanf:"retention_days"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	Schedule          string        `koanf:"schedule"`
	CleanupSchedule   string        `koanf:"cleanup_schedule"`
	MintTimeout       time.Duration `koanf:"mint_timeout"`
	StaleAfter        time.Duration `koanf:"stale_after"`
}

// Rate limiter backends.
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// RateLimitConfig contains mint rate limiter settings.
type RateLimitConfig struct {
	Backend           string        `koanf:"backend"`
	RedisURL          string        `koanf:"redis_url"`
	RedisKey          string        `koanf:"redis_key"`
	MaxAttempts       int           `koanf:"max_attempts"`
	Window            time.Duration `koanf:"window"`
	BudgetGwei        int64         `koanf:"budget_gwei"`
	BudgetWindow      time.Duration `koanf:"budget_window"`
	EstimatedCostGwei int64         `koanf:"estimated_cost_gwei"`
	BalanceFraction   float64       `koanf:"balance_fraction"`
}

// ChainConfig contains registry and admin wallet settings. Wei amounts are
// decimal strings.
type ChainConfig struct {
	Network           string        `koanf:"network"`
	ContractAddress   string        `koanf:"contract_address"`
	AdminPrivateKey   string        `koanf:"admin_private_key"`
	ConfirmationDelay time.Duration `koanf:"confirmation_delay"`
	InitialBalanceWei string        `koanf:"initial_balance_wei"`
	GasPriceWei       string        `koanf:"gas_price_wei"`
	MaxGasPriceWei    string        `koanf:"max_gas_price_wei"`
}

// IPFSConfig contains metadata storage settings. When disabled, metadata is
// addressed by its keccak hash without an upload.
type IPFSConfig struct {
	Enabled   bool          `koanf:"enabled"`
	APIURL    string        `koanf:"api_url"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.host":                "0.0.0.0",
		"server.port":                "8080",
		"server.metrics_port":        "9090",
		"server.read_timeout":        "15s",
		"server.read_header_timeout": "5s",
		"server.write_timeout":       "90s",
		"server.idle_timeout":        "60s",

		"database.max_open_conns":    25,
		"database.max_idle_conns":    5,
		"database.conn_max_lifetime": "5m",
		"database.connect_timeout":   "30s",
		"database.connect_attempts":  5,

		"storage.backend": StoragePostgres,

		"log.level":  "info",
		"log.format": "json",

		"cors.allowed_origins": []string{},

		"jwt.issuer":                "certminter",
		"jwt.access_token_duration": "15m",

		"queue.max_attempts":       5,
		"queue.batch_size":         10,
		"queue.retention_days":     30,
		"queue.initial_backoff":    "30s",
		"queue.max_backoff":        "30m",
		"queue.backoff_multiplier": 2.0,
		"queue.schedule":           "@every 5m",
		"queue.cleanup_schedule":   "@daily",
		"queue.mint_timeout":       "2m",
		"queue.stale_after":        "4m",

		"rate_limit.backend":             RateLimitMemory,
		"rate_limit.redis_key":           "certminter:mint_attempts",
		"rate_limit.max_attempts":        30,
		"rate_limit.window":              "1h",
		"rate_limit.budget_gwei":         50_000_000,
		"rate_limit.budget_window":       "24h",
		"rate_limit.estimated_cost_gwei": 5_550_000,
		"rate_limit.balance_fraction":    0.25,

		"chain.network":             "local",
		"chain.contract_address":    "0x0000000000000000000000000000000000000c17",
		"chain.confirmation_delay":  "0s",
		"chain.initial_balance_wei": "1000000000000000000",
		"chain.gas_price_wei":       "20000000000",
		"chain.max_gas_price_wei":   "",

		"ipfs.enabled":    false,
		"ipfs.timeout":    "30s",
		"ipfs.rate_limit": 5.0,
	}
}

// Load reads defaults, then the YAML file named by CONFIG_PATH when set,
// then CERTMINTER_* environment variables.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func envValue(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")

	if key == "cors.allowed_origins" {
		origins := make([]string, 0)
		for _, o := range strings.Split(value, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return key, origins
	}
	return key, value
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case StoragePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres storage"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q", StoragePostgres, StorageMemory))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}
	if c.JWT.AccessTokenDuration <= 0 {
		errs = append(errs, errors.New("jwt.access_token_duration must be positive"))
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.BatchSize < 1 {
		errs = append(errs, errors.New("queue.batch_size must be at least 1"))
	}
	if c.Queue.RetentionDays < 0 {
		errs = append(errs, errors.New("queue.retention_days must not be negative"))
	}
	if c.Queue.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("queue.backoff_multiplier must be at least 1"))
	}
	if c.Queue.MintTimeout <= 0 {
		errs = append(errs, errors.New("queue.mint_timeout must be positive"))
	}
	if _, err := cron.ParseStandard(c.Queue.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("queue.schedule: %w", err))
	}
	if c.Queue.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.Queue.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("queue.cleanup_schedule: %w", err))
		}
	}

	switch c.RateLimit.Backend {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.RateLimit.RedisURL == "" {
			errs = append(errs, errors.New("rate_limit.redis_url is required for redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be %q or %q", RateLimitMemory, RateLimitRedis))
	}
	if c.RateLimit.MaxAttempts < 1 {
		errs = append(errs, errors.New("rate_limit.max_attempts must be at least 1"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.RateLimit.BalanceFraction < 0 || c.RateLimit.BalanceFraction > 1 {
		errs = append(errs, errors.New("rate_limit.balance_fraction must be between 0 and 1"))
	}

	if c.Chain.AdminPrivateKey == "" {
		errs = append(errs, errors.New("chain.admin_private_key is required"))
	}
	for name, v := range map[string]string{
		"chain.initial_balance_wei": c.Chain.InitialBalanceWei,
		"chain.gas_price_wei":       c.Chain.GasPriceWei,
		"chain.max_gas_price_wei":   c.Chain.MaxGasPriceWei,
	} {
		if _, err := ParseWei(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.IPFS.Enabled && c.IPFS.APIURL == "" {
		errs = append(errs, errors.New("ipfs.api_url is required when ipfs is enabled"))
	}

	return errors.Join(errs...)
}

// ParseWei parses a decimal wei amount. An empty string yields nil.
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}
