package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CERTMINTER_DATABASE__URL", "postgres://localhost:5432/certminter")
	t.Setenv("CERTMINTER_JWT__SECRET_KEY", "secret")
	t.Setenv("CERTMINTER_CHAIN__ADMIN_PRIVATE_KEY", testKey)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, StoragePostgres, cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Queue.MintTimeout)
	assert.Equal(t, "@every 5m", cfg.Queue.Schedule)
	assert.Equal(t, RateLimitMemory, cfg.RateLimit.Backend)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.InDelta(t, 0.25, cfg.RateLimit.BalanceFraction, 1e-9)
	assert.False(t, cfg.IPFS.Enabled)
	assert.Empty(t, cfg.CORS.AllowedOrigins)
}

func TestLoad_FileThenEnv(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  batch_size: 25
  schedule: "*/10 * * * *"
rate_limit:
  backend: redis
  redis_url: redis://localhost:6379/0
log:
  level: debug
`), 0o600))

	t.Setenv("CERTMINTER_QUEUE__BATCH_SIZE", "50")
	t.Setenv("CERTMINTER_QUEUE__MINT_TIMEOUT", "45s")
	t.Setenv("CERTMINTER_CORS__ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Queue.BatchSize)
	assert.Equal(t, "*/10 * * * *", cfg.Queue.Schedule)
	assert.Equal(t, 45*time.Second, cfg.Queue.MintTimeout)
	assert.Equal(t, RateLimitRedis, cfg.RateLimit.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_MissingFile(t *testing.T) {
	setRequired(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{URL: "postgres://localhost/db"},
			Storage:  StorageConfig{Backend: StoragePostgres},
			Log:      LogConfig{Level: "info"},
			JWT:      JWTConfig{SecretKey: "secret", AccessTokenDuration: time.Minute},
			Queue: QueueConfig{
				MaxAttempts:       5,
				BatchSize:         10,
				BackoffMultiplier: 2,
				Schedule:          "@every 5m",
				MintTimeout:       time.Minute,
			},
			RateLimit: RateLimitConfig{Backend: RateLimitMemory, MaxAttempts: 1, Window: time.Hour},
			Chain:     ChainConfig{AdminPrivateKey: testKey, InitialBalanceWei: "1"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no database url", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"memory storage needs no url", func(c *Config) { c.Database.URL = ""; c.Storage.Backend = StorageMemory }, ""},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"no jwt secret", func(c *Config) { c.JWT.SecretKey = "" }, "jwt.secret_key"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"zero batch", func(c *Config) { c.Queue.BatchSize = 0 }, "queue.batch_size"},
		{"bad schedule", func(c *Config) { c.Queue.Schedule = "sometimes" }, "queue.schedule"},
		{"bad cleanup schedule", func(c *Config) { c.Queue.CleanupSchedule = "never" }, "queue.cleanup_schedule"},
		{"redis without url", func(c *Config) { c.RateLimit.Backend = RateLimitRedis }, "rate_limit.redis_url"},
		{"balance fraction", func(c *Config) { c.RateLimit.BalanceFraction = 1.5 }, "rate_limit.balance_fraction"},
		{"no admin key", func(c *Config) { c.Chain.AdminPrivateKey = "" }, "chain.admin_private_key"},
		{"bad wei", func(c *Config) { c.Chain.GasPriceWei = "20 gwei" }, "chain.gas_price_wei"},
		{"ipfs without url", func(c *Config) { c.IPFS.Enabled = true }, "ipfs.api_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseWei(t *testing.T) {
	v, err := ParseWei("")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ParseWei("20000000000")
	require.NoError(t, err)
	assert.Equal(t, "20000000000", v.String())

	_, err = ParseWei("-1")
	assert.Error(t, err)
}
