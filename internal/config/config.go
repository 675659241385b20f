// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// constructed once in main and passed by value; nothing reads Viper after
// startup.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Submission SubmissionConfig `mapstructure:"submission"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational store.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// StorageConfig sets where raw fetched HTML bodies are persisted.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for operator-alert publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CollectorConfig governs collector job lifecycle behavior.
type CollectorConfig struct {
	AbortGraceSeconds int `mapstructure:"abort_grace_seconds"`
}

// SchedulerConfig governs the task scheduler loop.
type SchedulerConfig struct {
	MaxRepeats        int `mapstructure:"max_repeats"`
	PageSize          int `mapstructure:"page_size"`
	WorkerConcurrency int `mapstructure:"worker_concurrency"`
}

// FetchConfig configures the HTML fetch pipeline.
type FetchConfig struct {
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	PerDomainRPS      float64 `mapstructure:"per_domain_rps"`
	MaxBodyBytes      int64   `mapstructure:"max_body_bytes"`
	HeadlessEnabled   bool    `mapstructure:"headless_enabled"`
	HeadlessParallel  int     `mapstructure:"headless_parallel"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
}

// ClassifierConfig points at the model-serving endpoint used by the
// relevance, record-type, and agency operators.
type ClassifierConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SubmissionConfig points at the downstream data-sources API.
type SubmissionConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOURCEPIPE")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("collector.abort_grace_seconds", 10)
	v.SetDefault("scheduler.max_repeats", 20)
	v.SetDefault("scheduler.page_size", 100)
	v.SetDefault("scheduler.worker_concurrency", 4)
	v.SetDefault("fetch.user_agent", "sourcepipe-bot/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.per_domain_rps", 1)
	v.SetDefault("fetch.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetch.headless_enabled", false)
	v.SetDefault("fetch.headless_parallel", 1)
	v.SetDefault("fetch.nav_timeout_seconds", 25)
	v.SetDefault("classifier.timeout_seconds", 30)
	v.SetDefault("submission.timeout_seconds", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Collector.AbortGraceSeconds <= 0 {
		return fmt.Errorf("collector.abort_grace_seconds must be > 0")
	}
	if c.Scheduler.MaxRepeats <= 0 {
		return fmt.Errorf("scheduler.max_repeats must be > 0")
	}
	if c.Scheduler.PageSize <= 0 {
		return fmt.Errorf("scheduler.page_size must be > 0")
	}
	if c.Scheduler.WorkerConcurrency <= 0 {
		return fmt.Errorf("scheduler.worker_concurrency must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.HeadlessEnabled && c.Fetch.HeadlessParallel <= 0 {
		return fmt.Errorf("fetch.headless_parallel must be > 0 when headless is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// AbortGrace returns the registry's abort grace period as a duration.
func (c Config) AbortGrace() time.Duration {
	return time.Duration(c.Collector.AbortGraceSeconds) * time.Second
}

// FetchTimeout returns the per-request fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
