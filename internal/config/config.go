// Package config loads creation-engine configuration from YAML with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cortexhub/creation-engine/internal/logging"
)

// Remote model names. Each one gets exactly one pool.
const (
	ModelSpeechToText    = "speech-to-text"
	ModelPlanning        = "planning"
	ModelTextGeneration  = "text-generation"
	ModelImageGeneration = "image-generation"
	ModelSpeechSynthesis = "speech-synthesis"
	ModelVision          = "vision"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CREATION"

// RequiredModels lists every model the pipeline calls.
var RequiredModels = []string{
	ModelSpeechToText,
	ModelPlanning,
	ModelTextGeneration,
	ModelImageGeneration,
	ModelSpeechSynthesis,
	ModelVision,
}

// Config holds all configuration for the creation engine
type Config struct {
	Server     ServerConfig           `mapstructure:"server" yaml:"server"`
	Logging    logging.Config         `mapstructure:"logging" yaml:"logging"`
	Models     map[string]ModelConfig `mapstructure:"models" yaml:"models"`
	Pipeline   PipelineConfig         `mapstructure:"pipeline" yaml:"pipeline"`
	Cache      CacheConfig            `mapstructure:"cache" yaml:"cache"`
	Redis      RedisConfig            `mapstructure:"redis" yaml:"redis"`
	Queue      QueueConfig            `mapstructure:"queue" yaml:"queue"`
	Storage    StorageConfig          `mapstructure:"storage" yaml:"storage"`
	Store      StoreConfig            `mapstructure:"store" yaml:"store"`
	Scheduler  SchedulerConfig        `mapstructure:"scheduler" yaml:"scheduler"`
	HealthRing HealthRingConfig       `mapstructure:"healthring" yaml:"healthring"`
}

// ServerConfig defines the ops HTTP server
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// ModelConfig defines one remote model and its endpoints.
// URLs are tried in registration order until latency data exists.
type ModelConfig struct {
	URLs    []string      `mapstructure:"urls" yaml:"urls"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// PipelineConfig tunes stage behavior
type PipelineConfig struct {
	MaxImages       int           `mapstructure:"max_images" yaml:"max_images"`
	DefaultLanguage string        `mapstructure:"default_language" yaml:"default_language"`
	PerCallTimeout  time.Duration `mapstructure:"per_call_timeout" yaml:"per_call_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
}

// CacheConfig selects and tunes the result cache
type CacheConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"` // memory or redis
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Prefix  string        `mapstructure:"prefix" yaml:"prefix"`
}

// RedisConfig defines the shared Redis connection
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// QueueConfig defines the Redis Streams job intake
type QueueConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Stream       string        `mapstructure:"stream" yaml:"stream"`
	ResultStream string        `mapstructure:"result_stream" yaml:"result_stream"`
	DLQStream    string        `mapstructure:"dlq_stream" yaml:"dlq_stream"`
	Group        string        `mapstructure:"group" yaml:"group"`
	Consumer     string        `mapstructure:"consumer" yaml:"consumer,omitempty"`
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	JobTimeout   time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	// ClaimIdle is how long a pending job waits before another engine takes it over.
	ClaimIdle time.Duration `mapstructure:"claim_idle" yaml:"claim_idle"`
}

// StorageConfig defines the S3 bucket generated content is published to
type StorageConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket        string `mapstructure:"bucket" yaml:"bucket"`
	Region        string `mapstructure:"region" yaml:"region"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"`
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url,omitempty"`
}

// StoreConfig defines the creation record database
type StoreConfig struct {
	Path       string        `mapstructure:"path" yaml:"path"`
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// SchedulerConfig holds cron specs for background maintenance
type SchedulerConfig struct {
	CleanupSpec string `mapstructure:"cleanup_spec" yaml:"cleanup_spec"`
	SweepSpec   string `mapstructure:"sweep_spec" yaml:"sweep_spec"`
}

// HealthRingConfig defines endpoint probing
type HealthRingConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	Path          string        `mapstructure:"path" yaml:"path"`
}

// Default returns a configuration with every default applied and no models.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 18900},
		Logging: logging.Config{Level: "info", Format: "json"},
		Models:  map[string]ModelConfig{},
		Pipeline: PipelineConfig{
			MaxImages:       5,
			DefaultLanguage: "en",
			PerCallTimeout:  60 * time.Second,
			MaxAttempts:     3,
			BackoffBase:     2 * time.Second,
			BackoffCap:      10 * time.Second,
		},
		Cache: CacheConfig{Backend: "memory", TTL: time.Hour, Prefix: "creation"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Stream:       "creation:jobs",
			ResultStream: "creation:results",
			DLQStream:    "creation:jobs:dlq",
			Group:        "engines",
			Concurrency:  4,
			JobTimeout:   10 * time.Minute,
			DrainTimeout: 30 * time.Second,
			ClaimIdle:    15 * time.Minute,
		},
		Storage: StorageConfig{Region: "us-east-1", Bucket: "createai-media", Prefix: "creations"},
		Store:   StoreConfig{Path: "data/creations.db", StaleAfter: time.Hour},
		Scheduler: SchedulerConfig{
			CleanupSpec: "@every 10m",
			SweepSpec:   "@every 5m",
		},
		HealthRing: HealthRingConfig{CheckInterval: 30 * time.Second, Path: "/health"},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("pipeline.max_images", d.Pipeline.MaxImages)
	v.SetDefault("pipeline.default_language", d.Pipeline.DefaultLanguage)
	v.SetDefault("pipeline.per_call_timeout", d.Pipeline.PerCallTimeout)
	v.SetDefault("pipeline.max_attempts", d.Pipeline.MaxAttempts)
	v.SetDefault("pipeline.backoff_base", d.Pipeline.BackoffBase)
	v.SetDefault("pipeline.backoff_cap", d.Pipeline.BackoffCap)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.prefix", d.Cache.Prefix)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("queue.enabled", d.Queue.Enabled)
	v.SetDefault("queue.stream", d.Queue.Stream)
	v.SetDefault("queue.result_stream", d.Queue.ResultStream)
	v.SetDefault("queue.dlq_stream", d.Queue.DLQStream)
	v.SetDefault("queue.group", d.Queue.Group)
	v.SetDefault("queue.consumer", "")
	v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	v.SetDefault("queue.job_timeout", d.Queue.JobTimeout)
	v.SetDefault("queue.drain_timeout", d.Queue.DrainTimeout)
	v.SetDefault("queue.claim_idle", d.Queue.ClaimIdle)
	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.region", d.Storage.Region)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.stale_after", d.Store.StaleAfter)
	v.SetDefault("scheduler.cleanup_spec", d.Scheduler.CleanupSpec)
	v.SetDefault("scheduler.sweep_spec", d.Scheduler.SweepSpec)
	v.SetDefault("healthring.enabled", d.HealthRing.Enabled)
	v.SetDefault("healthring.check_interval", d.HealthRing.CheckInterval)
	v.SetDefault("healthring.path", d.HealthRing.Path)
}

// Load loads configuration from a YAML file with environment variable overrides.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Models == nil {
		cfg.Models = map[string]ModelConfig{}
	}

	cfg.applyEnvOverrides()
	cfg.applyModelDefaults()

	return cfg, nil
}

// modelEnvKey returns the environment variable for one model field,
// e.g. CREATION_MODELS_SPEECH_TO_TEXT_API_KEY.
func modelEnvKey(model, field string) string {
	name := strings.ToUpper(strings.ReplaceAll(model, "-", "_"))
	return fmt.Sprintf("%s_MODELS_%s_%s", EnvPrefix, name, field)
}

// applyEnvOverrides applies per-model credential and address overrides.
// Map entries are invisible to viper's AutomaticEnv, so they are bound here.
func (c *Config) applyEnvOverrides() {
	for _, name := range RequiredModels {
		mc := c.Models[name]
		changed := false
		if key := os.Getenv(modelEnvKey(name, "API_KEY")); key != "" {
			mc.APIKey = key
			changed = true
		}
		if urls := os.Getenv(modelEnvKey(name, "URLS")); urls != "" {
			mc.URLs = splitList(urls)
			changed = true
		}
		if changed {
			c.Models[name] = mc
		}
	}
}

func (c *Config) applyModelDefaults() {
	for name, mc := range c.Models {
		if mc.Timeout <= 0 {
			mc.Timeout = c.Pipeline.PerCallTimeout
		}
		c.Models[name] = mc
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	for _, name := range RequiredModels {
		mc, ok := c.Models[name]
		if !ok || len(mc.URLs) == 0 {
			errs = append(errs, fmt.Errorf("model %s: at least one url is required", name))
			continue
		}
		if mc.Timeout < 0 {
			errs = append(errs, fmt.Errorf("model %s: negative timeout", name))
		}
	}
	if c.Pipeline.MaxImages <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_images must be positive"))
	}
	if c.Pipeline.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_attempts must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive"))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend: %q", c.Cache.Backend))
	}
	if c.Queue.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr is required when the queue is enabled"))
		}
		if c.Queue.Stream == "" || c.Queue.Group == "" {
			errs = append(errs, fmt.Errorf("queue.stream and queue.group are required"))
		}
		if c.Queue.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("queue.concurrency must be positive"))
		}
		if c.Queue.ClaimIdle <= c.Queue.JobTimeout {
			errs = append(errs, fmt.Errorf("queue.claim_idle must exceed queue.job_timeout"))
		}
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		errs = append(errs, fmt.Errorf("storage.bucket is required when storage is enabled"))
	}
	return errors.Join(errs...)
}

// Example returns a complete configuration suitable as a starting point.
func Example() *Config {
	cfg := Default()
	ports := map[string]int{
		ModelSpeechToText:    9001,
		ModelPlanning:        9002,
		ModelTextGeneration:  9003,
		ModelImageGeneration: 9004,
		ModelSpeechSynthesis: 9005,
		ModelVision:          9006,
	}
	for _, name := range RequiredModels {
		cfg.Models[name] = ModelConfig{
			URLs:    []string{fmt.Sprintf("http://localhost:%d", ports[name])},
			Timeout: cfg.Pipeline.PerCallTimeout,
		}
	}
	return cfg
}

// WriteExample writes Example() as YAML to path.
func WriteExample(path string) error {
	data, err := yaml.Marshal(Example())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
