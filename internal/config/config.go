package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env       string          `mapstructure:"env"`
	ServerID  string          `mapstructure:"server_id"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	API       APIConfig       `mapstructure:"api"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type APIConfig struct {
	Bind          string        `mapstructure:"bind"`
	IngestTimeout time.Duration `mapstructure:"ingest_timeout"`
	HMACSecret    string        `mapstructure:"hmac_secret"`
}

type DeliveryConfig struct {
	Workers       int             `mapstructure:"workers"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	JobBudget     time.Duration   `mapstructure:"job_budget"`
	RetryLadder   []time.Duration `mapstructure:"retry_ladder"`
	StatsInterval time.Duration   `mapstructure:"stats_interval"`
}

type TunnelConfig struct {
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
}

type RateLimitConfig struct {
	Free       int `mapstructure:"free"`
	Pro        int `mapstructure:"pro"`
	Enterprise int `mapstructure:"enterprise"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file plus the environment.
// The HERALD_-prefixed variables bound in bindAliases, and HERALD_<KEY> for
// top-level keys, override the file and defaults; the conventional bare
// names DATABASE_URL, REDIS_URL and SERVER_ID are honored as aliases.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("herald")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/herald")
	}

	setDefaults(v)

	v.SetEnvPrefix("HERALD")
	v.AutomaticEnv()

	bindAliases(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if cfg.API.HMACSecret == "" {
		return nil, fmt.Errorf("hmac secret is required (HERALD_HMAC_SECRET)")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("server_id", "")

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")

	v.SetDefault("api.bind", "0.0.0.0:3000")
	v.SetDefault("api.ingest_timeout", 10*time.Second)
	v.SetDefault("api.hmac_secret", "")

	v.SetDefault("delivery.workers", 8)
	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.job_budget", 60*time.Second)
	v.SetDefault("delivery.retry_ladder", []time.Duration{
		0,
		60 * time.Second,
		300 * time.Second,
		1800 * time.Second,
		7200 * time.Second,
		21600 * time.Second,
	})
	v.SetDefault("delivery.stats_interval", time.Minute)

	v.SetDefault("tunnel.heartbeat", 30*time.Second)
	v.SetDefault("tunnel.handshake_timeout", 10*time.Second)
	v.SetDefault("tunnel.queue_capacity", 64)
	v.SetDefault("tunnel.max_frame_bytes", 1<<20)

	v.SetDefault("rate_limit.free", 60)
	v.SetDefault("rate_limit.pro", 600)
	v.SetDefault("rate_limit.enterprise", 6000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindAliases(v *viper.Viper) {
	// No env key replacer is set, so AutomaticEnv only reaches top-level
	// keys; nested keys are bound here under their flat HERALD_* spellings
	// and the conventional unprefixed names.
	v.BindEnv("database.url", "HERALD_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("redis.url", "HERALD_REDIS_URL", "REDIS_URL")
	v.BindEnv("server_id", "HERALD_SERVER_ID", "SERVER_ID")
	v.BindEnv("api.bind", "HERALD_API_BIND")
	v.BindEnv("api.hmac_secret", "HERALD_HMAC_SECRET", "HMAC_SECRET")
	v.BindEnv("delivery.workers", "HERALD_WORKER_CONCURRENCY")
	v.BindEnv("rate_limit.free", "HERALD_RATE_LIMIT_FREE")
	v.BindEnv("rate_limit.pro", "HERALD_RATE_LIMIT_PRO")
	v.BindEnv("rate_limit.enterprise", "HERALD_RATE_LIMIT_ENT")
	v.BindEnv("env", "HERALD_ENV")
}

// Capacity returns the per-minute token bucket capacity for a tier.
func (c RateLimitConfig) Capacity(tier string) int {
	switch tier {
	case "pro":
		return c.Pro
	case "enterprise":
		return c.Enterprise
	default:
		return c.Free
	}
}
