// Package config loads and validates scrapefleet configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/scrapefleet/internal/geosource/static"
	"github.com/JakeFAU/scrapefleet/internal/storage/local"
)

// Blob archive backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageNone   = "none"
)

// Geography source backends.
const (
	GeoStatic = "static"
	GeoHTTP   = "http"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	DB         DBConfig         `mapstructure:"db"`
	Assignment AssignmentConfig `mapstructure:"assignment"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Storage    StorageConfig    `mapstructure:"storage"`
	GeoSource  GeoSourceConfig  `mapstructure:"geosource"`
	Agent      AgentConfig      `mapstructure:"agent"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RetryAfter is the hint handed to workers that are not eligible.
	RetryAfter time.Duration `mapstructure:"retry_after"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry span creation for the API.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Exporter is "stdout", "gcp" (Cloud Trace) or "none".
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// AssignmentConfig tunes the assignment engine.
type AssignmentConfig struct {
	MaxClaimAttempts int `mapstructure:"max_claim_attempts"`
}

// LifecycleConfig tunes the lifecycle controller.
type LifecycleConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// ReaperConfig schedules the stale-job scan.
type ReaperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"`
	Threshold time.Duration `mapstructure:"threshold"`
}

// NotifierConfig configures the completion notifier hub and its sinks.
type NotifierConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"`
	TestWebhookURL    string        `mapstructure:"test_webhook_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BufferSize        int           `mapstructure:"buffer_size"`
	MaxBatchEvents    int           `mapstructure:"max_batch_events"`
	MaxBatchWait      time.Duration `mapstructure:"max_batch_wait"`
	EnqueueTimeout    time.Duration `mapstructure:"enqueue_timeout"`
	SinkTimeout       time.Duration `mapstructure:"sink_timeout"`
	LogEnabled        bool          `mapstructure:"log_enabled"`
	PrometheusEnabled bool          `mapstructure:"prometheus_enabled"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether outcomes are published to Pub/Sub.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.TopicName != ""
}

// StorageConfig selects where raw completion payloads are archived.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// GeoSourceConfig selects the geography collaborator.
type GeoSourceConfig struct {
	Backend   string        `mapstructure:"backend"`
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// Static is keyed by ISO country code. Viper lowercases keys; the static
	// source normalizes them back.
	Static static.Tree `mapstructure:"static"`
}

// AgentConfig governs the worker process.
type AgentConfig struct {
	ServerURL         string         `mapstructure:"server_url"`
	WorkerID          string         `mapstructure:"worker_id"`
	APIKey            string         `mapstructure:"api_key"`
	Concurrency       int            `mapstructure:"concurrency"`
	MaxResults        int            `mapstructure:"max_results"`
	PollInterval      time.Duration  `mapstructure:"poll_interval"`
	MaxBackoff        time.Duration  `mapstructure:"max_backoff"`
	PollsPerSecond    float64        `mapstructure:"polls_per_second"`
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
	RequestTimeout    time.Duration  `mapstructure:"request_timeout"`
	Headless          HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the browser-automation scraper.
type HeadlessConfig struct {
	// Enabled runs Chrome without a window; disable it to watch a scrape.
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SearchURL         string        `mapstructure:"search_url"`
	ScrollRounds      int           `mapstructure:"scroll_rounds"`
	ScrollPause       time.Duration `mapstructure:"scroll_pause"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEFLEET")
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.retry_after", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "scrapefleet")
	v.SetDefault("tracing.version", "dev")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("assignment.max_claim_attempts", 5)
	v.SetDefault("lifecycle.stale_threshold", "30m")
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "@every 5m")
	v.SetDefault("reaper.threshold", "30m")
	v.SetDefault("notifier.webhook_url", "")
	v.SetDefault("notifier.test_webhook_url", "")
	v.SetDefault("notifier.timeout", "60s")
	v.SetDefault("notifier.max_retries", 3)
	v.SetDefault("notifier.buffer_size", 256)
	v.SetDefault("notifier.max_batch_events", 32)
	v.SetDefault("notifier.max_batch_wait", "1s")
	v.SetDefault("notifier.enqueue_timeout", "2s")
	v.SetDefault("notifier.sink_timeout", "90s")
	v.SetDefault("notifier.log_enabled", true)
	v.SetDefault("notifier.prometheus_enabled", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "payloads")
	v.SetDefault("storage.local.base_dir", "./data/payloads")
	v.SetDefault("geosource.backend", GeoStatic)
	v.SetDefault("geosource.base_url", "")
	v.SetDefault("geosource.user_agent", "scrapefleet/0.1")
	v.SetDefault("geosource.timeout", "15s")
	v.SetDefault("agent.server_url", "http://localhost:8080")
	v.SetDefault("agent.worker_id", "")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.concurrency", 1)
	v.SetDefault("agent.max_results", 20)
	v.SetDefault("agent.poll_interval", "5s")
	v.SetDefault("agent.max_backoff", "2m")
	v.SetDefault("agent.polls_per_second", 2.0)
	v.SetDefault("agent.heartbeat_interval", "1m")
	v.SetDefault("agent.request_timeout", "30s")
	v.SetDefault("agent.headless.enabled", true)
	v.SetDefault("agent.headless.max_parallel", 1)
	v.SetDefault("agent.headless.user_agent", "")
	v.SetDefault("agent.headless.navigation_timeout", "3m")
	v.SetDefault("agent.headless.search_url", "https://www.google.com/maps/search/")
	v.SetDefault("agent.headless.scroll_rounds", 8)
	v.SetDefault("agent.headless.scroll_pause", "1500ms")
}

// Validate enforces required values and reasonable limits for the server.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "", "none", "stdout":
		case "gcp":
			if c.Tracing.ProjectID == "" {
				return fmt.Errorf("tracing.project_id must be set for the gcp exporter")
			}
		default:
			return fmt.Errorf("tracing.exporter must be one of none, stdout, gcp")
		}
	}
	if c.DB.MaxConns < 0 || c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must be between 0 and db.max_conns")
	}
	if c.Assignment.MaxClaimAttempts <= 0 {
		return fmt.Errorf("assignment.max_claim_attempts must be > 0")
	}
	if c.Lifecycle.StaleThreshold <= 0 {
		return fmt.Errorf("lifecycle.stale_threshold must be > 0")
	}
	if c.Reaper.Enabled {
		if _, err := cron.ParseStandard(c.Reaper.Schedule); err != nil {
			return fmt.Errorf("reaper.schedule %q: %w", c.Reaper.Schedule, err)
		}
		if c.Reaper.Threshold <= 0 {
			return fmt.Errorf("reaper.threshold must be > 0")
		}
	}
	if err := c.Notifier.validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageNone:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs, none", c.Storage.Backend)
	}
	switch c.GeoSource.Backend {
	case GeoStatic:
	case GeoHTTP:
		if err := checkURL("geosource.base_url", c.GeoSource.BaseURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("geosource.backend %q is not one of static, http", c.GeoSource.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

func (n NotifierConfig) validate() error {
	if n.WebhookURL != "" {
		if err := checkURL("notifier.webhook_url", n.WebhookURL); err != nil {
			return err
		}
	}
	if n.TestWebhookURL != "" {
		if err := checkURL("notifier.test_webhook_url", n.TestWebhookURL); err != nil {
			return err
		}
	}
	if n.BufferSize <= 0 || n.MaxBatchEvents <= 0 {
		return fmt.Errorf("notifier.buffer_size and notifier.max_batch_events must be > 0")
	}
	if n.MaxRetries < 0 {
		return fmt.Errorf("notifier.max_retries must be >= 0")
	}
	return nil
}

// ValidateAgent checks the settings the agent command needs on top of
// Validate.
func (c Config) ValidateAgent() error {
	var errs []error
	if err := checkURL("agent.server_url", c.Agent.ServerURL); err != nil {
		errs = append(errs, err)
	}
	if c.Agent.WorkerID == "" {
		errs = append(errs, errors.New("agent.worker_id is required"))
	}
	if c.Agent.Concurrency <= 0 {
		errs = append(errs, errors.New("agent.concurrency must be > 0"))
	}
	if c.Agent.MaxResults <= 0 {
		errs = append(errs, errors.New("agent.max_results must be > 0"))
	}
	if c.Agent.PollInterval <= 0 || c.Agent.MaxBackoff < c.Agent.PollInterval {
		errs = append(errs, errors.New("agent.max_backoff must be >= agent.poll_interval > 0"))
	}
	if c.Agent.PollsPerSecond <= 0 {
		errs = append(errs, errors.New("agent.polls_per_second must be > 0"))
	}
	if c.Agent.Headless.MaxParallel < 0 {
		errs = append(errs, errors.New("agent.headless.max_parallel must be >= 0"))
	}
	return errors.Join(errs...)
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}
