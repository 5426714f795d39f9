package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "duel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, cfg.Symbols())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  rate_limit_per_minute: 0
match:
  min_duration_seconds: 30
  finish_grace: 500ms
  idle_ttl: 1h
  require_distinct_assets: true
oracle:
  url: wss://hermes.example/ws
  feeds:
    - symbol: doge
      id: "0xabc"
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 0, cfg.Server.RateLimitPerMinute)
	assert.Equal(t, 30, cfg.Match.MinDurationSeconds)
	assert.Equal(t, 500*time.Millisecond, cfg.Match.FinishGrace)
	assert.Equal(t, time.Hour, cfg.Match.IdleTTL)
	assert.True(t, cfg.Match.RequireDistinctAssets)
	assert.Equal(t, []string{"DOGE"}, cfg.Symbols())
	assert.Equal(t, "json", cfg.Logging.Format)

	// Untouched sections keep their defaults
	assert.Equal(t, "duel.db", cfg.Database.Path)
	assert.Equal(t, 24*60*60, cfg.Match.MaxDurationSeconds)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DUEL_ADDR", ":7000")
	t.Setenv("DUEL_DB_PATH", "/tmp/x.db")
	t.Setenv("DUEL_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DUEL_ORACLE_URL", "wss://feed.example/ws")
	t.Setenv("DUEL_LOG_LEVEL", "warn")
	t.Setenv("DUEL_AUTH", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Realtime.RedisURL)
	assert.Equal(t, "wss://feed.example/ws", cfg.Oracle.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Auth.Enabled)
}

func TestEnvBadBool(t *testing.T) {
	t.Setenv("DUEL_AUTH", "maybe")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"http oracle", func(c *Config) { c.Oracle.URL = "http://feed" }},
		{"no feeds", func(c *Config) { c.Oracle.Feeds = nil }},
		{"zero min duration", func(c *Config) { c.Match.MinDurationSeconds = 0 }},
		{"max below min", func(c *Config) { c.Match.MaxDurationSeconds = 5 }},
		{"negative grace", func(c *Config) { c.Match.FinishGrace = -time.Second }},
		{"bad redis", func(c *Config) { c.Realtime.RedisURL = "localhost:6379" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"negative rate", func(c *Config) { c.Server.RateLimitPerMinute = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestSimAssets(t *testing.T) {
	assets, err := Default().SimAssets()
	require.NoError(t, err)
	require.Len(t, assets, 3)
	assert.Equal(t, "64000", assets[0].Price.String())

	c := Default()
	c.Feedsim.Assets[0].Price = "lots"
	_, err = c.SimAssets()
	assert.Error(t, err)
}
