package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", ":memory:")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30, cfg.Tracker.Parts)
	assert.Equal(t, DefaultTrackName, cfg.Tracker.DefaultTrackName)
	assert.Equal(t, "memory", cfg.Feed.Driver)
	assert.Equal(t, time.Hour, cfg.Storage.SignedURLTTL)
	assert.Equal(t, int64(10<<20), cfg.Storage.MaxUploadBytes)
	assert.Equal(t, "device_id", cfg.Cookie.Name)
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	body := []byte(`
port: "9090"
db:
  driver: sqlite
  path: /tmp/portal.db
auth:
  jwtSecret: from-file
tracker:
  parts: 12
feed:
  driver: poll
  pollInterval: 500ms
`)
	require.NoError(t, os.WriteFile(file, body, 0o600))
	t.Setenv("APP_PORT", "7070")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 12, cfg.Tracker.Parts)
	assert.Equal(t, "poll", cfg.Feed.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Feed.PollInterval)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, "JWT_SECRET"},
		{"missing mysql user", func(c *Config) { c.DB.User = "" }, "DB_USER"},
		{"bad driver", func(c *Config) { c.DB.Driver = "postgres" }, "DB_DRIVER"},
		{"zero parts", func(c *Config) { c.Tracker.Parts = 0 }, "TRACKER_PARTS"},
		{"bad feed", func(c *Config) { c.Feed.Driver = "kafka" }, "FEED_DRIVER"},
		{"bad storage", func(c *Config) { c.Storage.Provider = "azure" }, "STORAGE_PROVIDER"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "x"
			cfg.DB.User = "root"
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRateLimitNormalize(t *testing.T) {
	c := RateLimitConfig{Capacity: 0, RefillTokens: 0, RefillInterval: 0, TTL: time.Second}
	c.normalize()
	assert.Equal(t, 1, c.Capacity)
	assert.Equal(t, 1, c.RefillTokens)
	assert.Equal(t, time.Second, c.RefillInterval)
	assert.Equal(t, 5*time.Second, c.TTL)
}

func TestCacheMethodSet(t *testing.T) {
	c := CacheConfig{Methods: " get, head ,"}
	assert.Equal(t, map[string]bool{"GET": true, "HEAD": true}, c.MethodSet())
}

func TestRedisAddress(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Addr: "cache:6380", Host: "x", Port: "1"}.Address())
	assert.Equal(t, "x:1", RedisConfig{Host: "x", Port: "1"}.Address())
	assert.Equal(t, "localhost:6379", RedisConfig{}.Address())
	assert.Nil(t, NewRedisClient(RedisConfig{Disabled: true}))
}
