// Package config loads service settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"duel/internal/feedsim"
	"duel/internal/oracle"
)

// Config holds every setting of the duel service
type Config struct {
	Server struct {
		Addr               string        `yaml:"addr"`
		AllowedOrigins     []string      `yaml:"allowed_origins"`
		RateLimitPerMinute int           `yaml:"rate_limit_per_minute"` // 0 disables
		ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Auth struct {
		Enabled  bool          `yaml:"enabled"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"auth"`

	Oracle struct {
		URL          string        `yaml:"url"`
		Feeds        []oracle.Feed `yaml:"feeds"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		PingInterval time.Duration `yaml:"ping_interval"`
		BackoffBase  time.Duration `yaml:"backoff_base"`
		BackoffMax   time.Duration `yaml:"backoff_max"`
	} `yaml:"oracle"`

	Match struct {
		MinDurationSeconds    int           `yaml:"min_duration_seconds"`
		MaxDurationSeconds    int           `yaml:"max_duration_seconds"`
		FinishGrace           time.Duration `yaml:"finish_grace"`
		RequireDistinctAssets bool          `yaml:"require_distinct_assets"`
		IdleTTL               time.Duration `yaml:"idle_ttl"` // 0 disables idle cancellation
		JanitorInterval       time.Duration `yaml:"janitor_interval"`
	} `yaml:"match"`

	Realtime struct {
		RedisURL      string `yaml:"redis_url"` // Empty keeps fan-out in process
		ChannelPrefix string `yaml:"channel_prefix"`
		Buffer        int    `yaml:"buffer"`
	} `yaml:"realtime"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console or json
	} `yaml:"logging"`

	Feedsim struct {
		Addr     string        `yaml:"addr"`
		Interval time.Duration `yaml:"interval"`
		Expo     int32         `yaml:"expo"`
		Assets   []SimAsset    `yaml:"assets"`
	} `yaml:"feedsim"`
}

// SimAsset configures one simulated feed
type SimAsset struct {
	Symbol     string  `yaml:"symbol"`
	ID         string  `yaml:"id"`
	Price      string  `yaml:"price"`
	Volatility float64 `yaml:"volatility"`
}

// Well-known feed ids for the default symbols
const (
	FeedBTC = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
	FeedETH = "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"
	FeedSOL = "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"
)

// Default returns a configuration that runs locally against the feed simulator
func Default() *Config {
	var c Config

	c.Server.Addr = ":8080"
	c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	c.Server.RateLimitPerMinute = 120
	c.Server.ShutdownTimeout = 10 * time.Second

	c.Database.Path = "duel.db"

	c.Auth.CacheTTL = 5 * time.Minute

	c.Oracle.URL = "ws://localhost:8081/ws"
	c.Oracle.Feeds = []oracle.Feed{
		{Symbol: "BTC", ID: FeedBTC},
		{Symbol: "ETH", ID: FeedETH},
		{Symbol: "SOL", ID: FeedSOL},
	}
	c.Oracle.ReadTimeout = 60 * time.Second
	c.Oracle.PingInterval = 20 * time.Second
	c.Oracle.BackoffBase = time.Second
	c.Oracle.BackoffMax = 60 * time.Second

	c.Match.MinDurationSeconds = 10
	c.Match.MaxDurationSeconds = 24 * 60 * 60
	c.Match.FinishGrace = 2 * time.Second
	c.Match.IdleTTL = 24 * time.Hour
	c.Match.JanitorInterval = 30 * time.Second

	c.Realtime.ChannelPrefix = "duel:match:"
	c.Realtime.Buffer = 16

	c.Logging.Level = "info"
	c.Logging.Format = "console"

	c.Feedsim.Addr = ":8081"
	c.Feedsim.Interval = 400 * time.Millisecond
	c.Feedsim.Expo = -8
	c.Feedsim.Assets = []SimAsset{
		{Symbol: "BTC", ID: FeedBTC, Price: "64000", Volatility: 0.0008},
		{Symbol: "ETH", ID: FeedETH, Price: "3000", Volatility: 0.001},
		{Symbol: "SOL", ID: FeedSOL, Price: "150", Volatility: 0.0015},
	}

	return &c
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.overrideWithEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) overrideWithEnv() error {
	if v := os.Getenv("DUEL_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DUEL_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("DUEL_REDIS_URL"); v != "" {
		c.Realtime.RedisURL = v
	}
	if v := os.Getenv("DUEL_ORACLE_URL"); v != "" {
		c.Oracle.URL = v
	}
	if v := os.Getenv("DUEL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DUEL_AUTH"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DUEL_AUTH: %w", err)
		}
		c.Auth.Enabled = enabled
	}
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Oracle.URL != "" && !strings.HasPrefix(c.Oracle.URL, "ws://") && !strings.HasPrefix(c.Oracle.URL, "wss://") {
		return fmt.Errorf("invalid oracle URL: %s", c.Oracle.URL)
	}
	if len(c.Oracle.Feeds) == 0 {
		return fmt.Errorf("at least one oracle feed is required")
	}
	for _, f := range c.Oracle.Feeds {
		if f.Symbol == "" || f.ID == "" {
			return fmt.Errorf("oracle feed needs symbol and id: %+v", f)
		}
	}

	if c.Match.MinDurationSeconds <= 0 {
		return fmt.Errorf("min duration must be positive")
	}
	if c.Match.MaxDurationSeconds != 0 && c.Match.MaxDurationSeconds < c.Match.MinDurationSeconds {
		return fmt.Errorf("max duration %d is below min duration %d", c.Match.MaxDurationSeconds, c.Match.MinDurationSeconds)
	}
	if c.Match.FinishGrace < 0 || c.Match.IdleTTL < 0 {
		return fmt.Errorf("match durations must not be negative")
	}

	if c.Realtime.RedisURL != "" && !strings.HasPrefix(c.Realtime.RedisURL, "redis://") && !strings.HasPrefix(c.Realtime.RedisURL, "rediss://") {
		return fmt.Errorf("invalid redis URL: %s", c.Realtime.RedisURL)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("log format must be console or json, got %q", c.Logging.Format)
	}

	return nil
}

// Symbols returns the configured oracle symbols
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Oracle.Feeds))
	for _, f := range c.Oracle.Feeds {
		out = append(out, strings.ToUpper(f.Symbol))
	}
	return out
}

// OracleConfig builds the oracle client settings
func (c *Config) OracleConfig() oracle.Config {
	return oracle.Config{
		URL:          c.Oracle.URL,
		Feeds:        c.Oracle.Feeds,
		ReadTimeout:  c.Oracle.ReadTimeout,
		PingInterval: c.Oracle.PingInterval,
		Backoff:      oracle.Backoff{Base: c.Oracle.BackoffBase, Max: c.Oracle.BackoffMax},
	}
}

// SimAssets converts the simulator asset list
func (c *Config) SimAssets() ([]feedsim.Asset, error) {
	out := make([]feedsim.Asset, 0, len(c.Feedsim.Assets))
	for _, a := range c.Feedsim.Assets {
		price, err := decimal.NewFromString(a.Price)
		if err != nil {
			return nil, fmt.Errorf("feedsim asset %s: bad price %q: %w", a.Symbol, a.Price, err)
		}
		out = append(out, feedsim.Asset{Symbol: a.Symbol, ID: a.ID, Price: price, Volatility: a.Volatility})
	}
	return out, nil
}
