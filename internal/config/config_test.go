package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:///tmp/herald.db")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("HERALD_HMAC_SECRET", "s3cret")
	t.Setenv("HERALD_API_BIND", "127.0.0.1:9000")
	t.Setenv("HERALD_WORKER_CONCURRENCY", "16")
	t.Setenv("HERALD_RATE_LIMIT_PRO", "1200")
	t.Setenv("SERVER_ID", "srv_a")
	t.Setenv("HERALD_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite:///tmp/herald.db", cfg.Database.URL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "s3cret", cfg.API.HMACSecret)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Bind)
	assert.Equal(t, 16, cfg.Delivery.Workers)
	assert.Equal(t, 1200, cfg.RateLimit.Pro)
	assert.Equal(t, "srv_a", cfg.ServerID)
	assert.Equal(t, "production", cfg.Env)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://herald.db")
	t.Setenv("HERALD_HMAC_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "0.0.0.0:3000", cfg.API.Bind)
	assert.Equal(t, 10*time.Second, cfg.API.IngestTimeout)
	assert.Equal(t, 8, cfg.Delivery.Workers)
	assert.Equal(t, 30*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Delivery.JobBudget)
	assert.Equal(t, []time.Duration{
		0, 60 * time.Second, 300 * time.Second,
		1800 * time.Second, 7200 * time.Second, 21600 * time.Second,
	}, cfg.Delivery.RetryLadder)
	assert.Equal(t, 30*time.Second, cfg.Tunnel.Heartbeat)
	assert.Equal(t, 64, cfg.Tunnel.QueueCapacity)
	assert.Equal(t, int64(1<<20), cfg.Tunnel.MaxFrameBytes)
	assert.Equal(t, 60, cfg.RateLimit.Free)
	assert.Equal(t, 600, cfg.RateLimit.Pro)
	assert.Equal(t, 6000, cfg.RateLimit.Enterprise)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadRequiresDatabaseAndSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("HERALD_DATABASE_URL", "")
	t.Setenv("HERALD_HMAC_SECRET", "")
	t.Setenv("HMAC_SECRET", "")

	_, err := Load("")
	require.Error(t, err)

	t.Setenv("DATABASE_URL", "sqlite://x.db")
	_, err = Load("")
	require.Error(t, err, "hmac secret still missing")
}

func TestTierCapacity(t *testing.T) {
	cfg := RateLimitConfig{Free: 60, Pro: 600, Enterprise: 6000}
	assert.Equal(t, 60, cfg.Capacity("free"))
	assert.Equal(t, 600, cfg.Capacity("pro"))
	assert.Equal(t, 6000, cfg.Capacity("enterprise"))
	assert.Equal(t, 60, cfg.Capacity("unknown"))
}
