// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Blob backends accepted by BlobConfig.Backend.
const (
	BackendGCS    = "gcs"
	BackendS3     = "s3"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	DB      DBConfig      `mapstructure:"db"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Server  ServerConfig  `mapstructure:"server"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DBConfig controls the metadata index connection. An empty DSN puts the
// retrieval client in passthrough mode: no caching at all.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	RetryDelayMs int    `mapstructure:"retry_delay_ms"`
}

// BlobConfig selects and parameterizes the blob store backend.
type BlobConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
	// Profile selects the AWS shared-config profile for the s3 backend.
	Profile string `mapstructure:"profile"`
}

// FetchConfig governs the fetch client's proxies and retry behavior.
type FetchConfig struct {
	Proxies        []string `mapstructure:"proxies"`
	MaxAttempts    int      `mapstructure:"max_attempts"`
	BackoffMs      int      `mapstructure:"backoff_ms"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	UserAgent      string   `mapstructure:"user_agent"`
}

// CrawlerConfig governs the crawl scheduler.
type CrawlerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxAgeHours int `mapstructure:"max_age_hours"`
}

// ServerConfig controls the operational HTTP server; port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PubSubConfig holds metadata for persisted-record announcements; an empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("blob.backend", BackendLocal)
	v.SetDefault("blob.base_dir", "cache")
	v.SetDefault("blob.prefix", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.retry_delay_ms", 2000)
	v.SetDefault("fetch.max_attempts", 9)
	v.SetDefault("fetch.backoff_ms", 1000)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.user_agent", "sb-scraper/0.2")
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("crawler.max_age_hours", 24*365)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Blob.Backend {
	case BackendGCS, BackendS3:
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set for backend %q", c.Blob.Backend)
		}
	case BackendLocal:
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set for the local backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown blob.backend %q", c.Blob.Backend)
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// MaxAge converts the configured freshness window into a duration.
func (c Config) MaxAge() time.Duration {
	return time.Duration(c.Crawler.MaxAgeHours) * time.Hour
}
