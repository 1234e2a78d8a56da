// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It
// is built once at startup and passed into constructors; nothing reads
// the process environment at call time.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	DB        DBConfig        `mapstructure:"db"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Parse     ParseConfig     `mapstructure:"parse"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Schedules ScheduleConfig  `mapstructure:"schedules"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the admin/orchestrator HTTP server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// WorkerConfig describes the out-of-process worker: where the admin tier
// reaches it and the shared secret both sides hold.
type WorkerConfig struct {
	Port           int    `mapstructure:"port"`
	BaseURL        string `mapstructure:"base_url"`
	SharedSecret   string `mapstructure:"shared_secret"`
	QueueDepth     int    `mapstructure:"queue_depth"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	ConnLifetime int    `mapstructure:"conn_lifetime_minutes"`
}

// CrawlConfig governs listing-page fetching.
type CrawlConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxPages       int    `mapstructure:"max_pages"`
}

// HeadlessConfig configures the chromedp renderer used for
// script-rendered sources.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// EmbeddingConfig configures the external embedding provider and batch
// behavior.
type EmbeddingConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	BatchSize      int    `mapstructure:"batch_size"`
	LocalBatchSize int    `mapstructure:"local_batch_size"`
	MaxInputChars  int    `mapstructure:"max_input_chars"`
	MinInputChars  int    `mapstructure:"min_input_chars"`
	LeaseMinutes   int    `mapstructure:"lease_minutes"`
}

// ParseConfig configures parse recovery batches and the external
// document parsing service.
type ParseConfig struct {
	BatchSize       int    `mapstructure:"batch_size"`
	Endpoint        string `mapstructure:"endpoint"`
	APIKey          string `mapstructure:"api_key"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	DownloadTimeout int    `mapstructure:"download_timeout_seconds"`
}

// CleanupConfig sets the default stuck-job threshold.
type CleanupConfig struct {
	StuckMinutes int `mapstructure:"stuck_minutes"`
}

// StorageConfig sets blob persistence for attachment files.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for job completion events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig carries cron expressions, evaluated in UTC. An empty
// expression disables the trigger.
type ScheduleConfig struct {
	Embed string `mapstructure:"embed"`
	Parse string `mapstructure:"parse"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.port", 8090)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.request_timeout_seconds", 30)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("crawl.user_agent", "bizmatch-pipeline/0.1")
	v.SetDefault("crawl.timeout_seconds", 30)
	v.SetDefault("crawl.max_pages", 10)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 50)
	v.SetDefault("embedding.local_batch_size", 10)
	v.SetDefault("embedding.max_input_chars", 8000)
	v.SetDefault("embedding.min_input_chars", 20)
	v.SetDefault("embedding.lease_minutes", 10)
	v.SetDefault("parse.batch_size", 20)
	v.SetDefault("parse.timeout_seconds", 60)
	v.SetDefault("parse.download_timeout_seconds", 30)
	v.SetDefault("cleanup.stuck_minutes", 60)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "attachments")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Port <= 0 {
		return fmt.Errorf("worker.port must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if c.Embedding.BatchSize < 0 || c.Embedding.LocalBatchSize < 0 {
		return fmt.Errorf("embedding batch sizes must be >= 0")
	}
	if c.Cleanup.StuckMinutes <= 0 {
		return fmt.Errorf("cleanup.stuck_minutes must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
	}
	return nil
}

// EmbedLease returns the embedding claim lease as a duration.
func (c Config) EmbedLease() time.Duration {
	return time.Duration(c.Embedding.LeaseMinutes) * time.Minute
}

// StuckThreshold returns the default stuck-job threshold as a duration.
func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.Cleanup.StuckMinutes) * time.Minute
}
