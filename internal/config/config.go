// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Events    EventsConfig    `mapstructure:"events"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CaptureConfig governs the worker pool and admission control.
type CaptureConfig struct {
	Concurrency  int      `mapstructure:"concurrency"`
	QueueDepth   int      `mapstructure:"queue_depth"`
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// RendererConfig configures the headless rendering subsystem.
type RendererConfig struct {
	Backend       string `mapstructure:"backend"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	NoSandbox     bool   `mapstructure:"no_sandbox"`
}

// ProbeConfig gates the preflight fetch that runs before Chromium.
type ProbeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// NotifyConfig controls webhook delivery behavior.
type NotifyConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// LocalStorageConfig captures the parameters for the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// StorageConfig sets backend and paths for blob persistence.
type StorageConfig struct {
	Backend     string             `mapstructure:"backend"`
	Bucket      string             `mapstructure:"bucket"`
	Local       LocalStorageConfig `mapstructure:"local"`
	Prefix      string             `mapstructure:"prefix"`
	ContentType string             `mapstructure:"content_type"`
}

// DatabaseConfig controls the optional Postgres capture store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	CapturesTable   string        `mapstructure:"captures_table"`
	ShotsTable      string        `mapstructure:"shots_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for GCP Pub/Sub completion events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig holds metadata for Kafka completion events.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// EventsConfig selects where completion events are published.
type EventsConfig struct {
	Backend string       `mapstructure:"backend"`
	Topic   string       `mapstructure:"topic"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
}

// RateLimitConfig governs per-host capture pacing.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// ProgressBatchConfig bounds progress hub flushes.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ProgressConfig toggles the lifecycle event hub and its sinks.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESHOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Container parity: the conventional PORT variable selects the listen
	// port when the prefixed form is absent.
	if err := v.BindEnv("server.port", "PAGESHOT_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

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
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("capture.concurrency", 4)
	v.SetDefault("capture.queue_depth", 64)
	v.SetDefault("renderer.backend", "chromedp")
	v.SetDefault("renderer.max_parallel", 2)
	v.SetDefault("renderer.nav_timeout_seconds", 45)
	v.SetDefault("renderer.no_sandbox", true)
	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.timeout_seconds", 10)
	v.SetDefault("notify.timeout_seconds", 30)
	v.SetDefault("notify.max_retries", 2)
	v.SetDefault("notify.backoff_initial_ms", 250)
	v.SetDefault("notify.backoff_max_ms", 2000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "shots")
	v.SetDefault("storage.content_type", "image/png")
	v.SetDefault("database.captures_table", "captures")
	v.SetDefault("database.shots_table", "shots")
	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.topic", "captures")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.default_rps", 1)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Capture.Concurrency <= 0 {
		return fmt.Errorf("capture.concurrency must be > 0")
	}
	switch c.Renderer.Backend {
	case "chromedp":
		if c.Renderer.MaxParallel <= 0 {
			return fmt.Errorf("renderer.max_parallel must be > 0")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown renderer backend: %s", c.Renderer.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for local storage")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for gcs storage")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	switch c.Events.Backend {
	case "memory":
	case "pubsub":
		if c.Events.PubSub.ProjectID == "" || c.Events.PubSub.TopicName == "" {
			return fmt.Errorf("events.pubsub.project_id and topic_name must be set for pubsub events")
		}
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers must be set for kafka events")
		}
	default:
		return fmt.Errorf("unknown events backend: %s", c.Events.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// NotifyTimeout converts the notify timeout config into a duration.
func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}

// NavTimeout converts the renderer navigation timeout into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Renderer.NavTimeoutSec) * time.Second
}
