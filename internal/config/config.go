// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Controller ControllerConfig `mapstructure:"controller"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DispatcherConfig governs the polling loop and stale-job reconciliation.
type DispatcherConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// ControllerConfig tunes the adaptive concurrency controller. Zero min/max
// derive the range from host resources.
type ControllerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MinConcurrency     int           `mapstructure:"min_concurrency"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	FixedConcurrency   int           `mapstructure:"fixed_concurrency"`
	TargetResponseTime time.Duration `mapstructure:"target_response_time"`
	AdjustInterval     time.Duration `mapstructure:"adjust_interval"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	ProbeURLs          []string      `mapstructure:"probe_urls"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	ProcPath           string        `mapstructure:"proc_path"`
}

// RetryConfig bounds backoff between attempts.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// FetcherConfig configures the Colly fetcher and per-attempt timeouts.
type FetcherConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	BaseTimeout  time.Duration `mapstructure:"base_timeout"`
	MaxTimeout   time.Duration `mapstructure:"max_timeout"`
	Secondary    bool          `mapstructure:"secondary"`
}

// NormalizerConfig tunes URL validation and DNS batching.
type NormalizerConfig struct {
	DNSBatchSize     int           `mapstructure:"dns_batch_size"`
	DNSBatchDelay    time.Duration `mapstructure:"dns_batch_delay"`
	DNSSkipThreshold int           `mapstructure:"dns_skip_threshold"`
	MaxURLs          int           `mapstructure:"max_urls"`
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout"`
}

// RateLimitConfig configures per-host politeness throttling.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DatabaseConfig controls the job store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds the event topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig holds the dashboard bridge channel.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig configures OpenTelemetry providers.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Metrics     bool    `mapstructure:"metrics"`
}

const minControllerConcurrency = 5

// Storage and database backend names.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("dispatcher.tick_interval", "1s")
	v.SetDefault("dispatcher.shutdown_timeout", "30s")
	v.SetDefault("dispatcher.stale_after", "10m")
	v.SetDefault("dispatcher.reconcile_interval", "5m")
	v.SetDefault("controller.enabled", true)
	v.SetDefault("controller.target_response_time", "3s")
	v.SetDefault("controller.adjust_interval", "30s")
	v.SetDefault("controller.probe_interval", "5m")
	v.SetDefault("controller.probe_timeout", "5s")
	v.SetDefault("controller.fixed_concurrency", 10)
	v.SetDefault("retry.base_delay", "10s")
	v.SetDefault("retry.max_delay", "5m")
	v.SetDefault("fetcher.user_agent", "bulk-crawl-orchestrator/1.0")
	v.SetDefault("fetcher.max_redirects", 5)
	v.SetDefault("fetcher.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetcher.base_timeout", "10s")
	v.SetDefault("fetcher.max_timeout", "120s")
	v.SetDefault("fetcher.secondary", true)
	v.SetDefault("normalizer.dns_batch_size", 50)
	v.SetDefault("normalizer.dns_batch_delay", "100ms")
	v.SetDefault("normalizer.dns_skip_threshold", 1000)
	v.SetDefault("normalizer.max_urls", 20000)
	v.SetDefault("normalizer.lookup_timeout", "5s")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 2.0)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local_dir", "data/snapshots")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("database.driver", BackendMemory)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("pubsub.topic_name", "crawl-events")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "crawl-events")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "bulk-crawl-orchestrator")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.metrics", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Dispatcher.TickInterval <= 0 {
		return errors.New("dispatcher.tick_interval must be > 0")
	}
	if c.Fetcher.BaseTimeout <= 0 || c.Fetcher.MaxTimeout < c.Fetcher.BaseTimeout {
		return errors.New("fetcher.base_timeout must be > 0 and <= fetcher.max_timeout")
	}
	if c.Controller.MinConcurrency < 0 || c.Controller.MaxConcurrency < 0 {
		return errors.New("controller concurrency bounds must be >= 0")
	}
	// Below 5, a one-worker step is more than 20% of the current value.
	if c.Controller.MinConcurrency > 0 && c.Controller.MinConcurrency < minControllerConcurrency {
		return fmt.Errorf("controller.min_concurrency must be 0 (derived) or >= %d", minControllerConcurrency)
	}
	if c.Controller.MaxConcurrency > 0 && c.Controller.MinConcurrency > c.Controller.MaxConcurrency {
		return errors.New("controller.min_concurrency must be <= controller.max_concurrency")
	}
	if !c.Controller.Enabled && c.Controller.FixedConcurrency <= 0 {
		return errors.New("controller.fixed_concurrency must be > 0 when the controller is disabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return errors.New("rate_limit.requests_per_second must be > 0 when enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Database.Driver {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr must be set when redis is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}
