package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CLANHARVEST_STATS_API_KEY
const EnvPrefix = "CLANHARVEST"

const dateLayout = "2006-01-02"

// Config is the full application configuration
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Harvest  HarvestConfig  `mapstructure:"harvest"`
	Messages MessagesConfig `mapstructure:"messages"`
	API      APIConfig      `mapstructure:"api"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // memory, sqlite, postgres or redis
	DSN       string `mapstructure:"dsn"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StatsConfig configures the stats provider and the gateway in front of it
type StatsConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	UserAgent      string        `mapstructure:"user_agent"`
	GroupID        string        `mapstructure:"group_id"`
	GroupSecret    string        `mapstructure:"group_secret"`
	MinDelay       time.Duration `mapstructure:"min_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheSize      int           `mapstructure:"cache_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type HarvestConfig struct {
	SafeDeleteRatio float64       `mapstructure:"safe_delete_ratio"`
	FreshWithin     time.Duration `mapstructure:"fresh_within"`
	RescanAfter     time.Duration `mapstructure:"rescan_after"`
	GroupUpdateWait time.Duration `mapstructure:"group_update_wait"`
	Concurrency     int           `mapstructure:"concurrency"`
	HistoryBackfill bool          `mapstructure:"history_backfill"`
	RosterLimit     int           `mapstructure:"roster_limit"`
}

type MessagesConfig struct {
	Token             string        `mapstructure:"token"`
	BaseURL           string        `mapstructure:"base_url"`
	ChannelIDs        []string      `mapstructure:"channel_ids"`
	RelayAuthors      []string      `mapstructure:"relay_authors"`
	FoundingDate      string        `mapstructure:"founding_date"`
	BackfillTolerance time.Duration `mapstructure:"backfill_tolerance"`
	BatchSize         int           `mapstructure:"batch_size"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
	// TokenHash is a bcrypt hash of the bearer token; empty disables auth
	TokenHash string `mapstructure:"token_hash"`
}

type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.dsn", "clanharvest.db")
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.key_prefix", "clanharvest")

	v.SetDefault("stats.base_url", "https://api.wiseoldman.net/v2")
	v.SetDefault("stats.api_key", "")
	v.SetDefault("stats.user_agent", "clanharvest")
	v.SetDefault("stats.group_id", "")
	v.SetDefault("stats.group_secret", "")
	v.SetDefault("stats.min_delay", "670ms")
	v.SetDefault("stats.max_delay", "5s")
	v.SetDefault("stats.max_concurrent", 2)
	v.SetDefault("stats.max_attempts", 6)
	v.SetDefault("stats.cache_ttl", "5m")
	v.SetDefault("stats.cache_size", 1000)
	v.SetDefault("stats.request_timeout", "30s")

	v.SetDefault("harvest.safe_delete_ratio", 0.2)
	v.SetDefault("harvest.fresh_within", "0s")
	v.SetDefault("harvest.rescan_after", "24h")
	v.SetDefault("harvest.group_update_wait", "5m")
	v.SetDefault("harvest.concurrency", 4)
	v.SetDefault("harvest.history_backfill", false)
	v.SetDefault("harvest.roster_limit", 0)

	v.SetDefault("messages.token", "")
	v.SetDefault("messages.base_url", "https://discord.com/api/v10")
	v.SetDefault("messages.channel_ids", []string{})
	v.SetDefault("messages.relay_authors", []string{})
	v.SetDefault("messages.founding_date", "2025-02-14")
	v.SetDefault("messages.backfill_tolerance", "24h")
	v.SetDefault("messages.batch_size", 100)
	v.SetDefault("messages.min_delay", "750ms")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.token_hash", "")

	v.SetDefault("schedule.cron", "")
}

// Default returns the built-in defaults without reading files or the environment
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads configuration from defaults, the optional YAML file at path
// and CLANHARVEST_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be caught by decoding
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("storage.type must be memory, sqlite, postgres or redis, got %q", c.Storage.Type)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Harvest.SafeDeleteRatio < 0 || c.Harvest.SafeDeleteRatio > 1 {
		return fmt.Errorf("harvest.safe_delete_ratio must be within [0, 1], got %v", c.Harvest.SafeDeleteRatio)
	}
	if _, err := c.Messages.Cutoff(); err != nil {
		return err
	}
	return nil
}

// Cutoff is the founding date before which no messages are fetched
func (m MessagesConfig) Cutoff() (time.Time, error) {
	t, err := time.Parse(dateLayout, m.FoundingDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("messages.founding_date must be YYYY-MM-DD: %w", err)
	}
	return t.UTC(), nil
}
