package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wfahnestock/caass-server/common/broker"
	"github.com/wfahnestock/caass-server/common/config"
	"github.com/wfahnestock/caass-server/common/events"
	"github.com/wfahnestock/caass-server/worker/consumer"
	"github.com/wfahnestock/caass-server/worker/provision"
	"github.com/wfahnestock/caass-server/worker/retry"
	"github.com/wfahnestock/caass-server/worker/runtime"
	"github.com/wfahnestock/caass-server/worker/storage"
)

const (
	// serviceComponent is the per-component directory under the CAASS config roots.
	serviceComponent = "provision-worker"
	configFileName   = "config.toml"
	envPrefix        = "WORKER"
	// configPathEnv names a TOML file used when --config is not given.
	configPathEnv = "CAASS_WORKER_CONFIG"
)

// Config represents the worker configuration
type Config struct {
	RabbitMQ config.BrokerConfig  `toml:"rabbitmq"`
	Logging  config.LoggingConfig `toml:"logging"`
	Runtime  RuntimeConfig        `toml:"runtime"`
	Worker   WorkerConfig         `toml:"worker"`
	Retry    RetryConfig          `toml:"retry"`
	Metrics  MetricsConfig        `toml:"metrics"`
}

// RuntimeConfig holds container runtime settings
type RuntimeConfig struct {
	Endpoint string `toml:"endpoint"`
	PoolSize int    `toml:"pool_size"`
	Image    string `toml:"image"`
}

// WorkerConfig holds consumer and provisioning settings
type WorkerConfig struct {
	Queue            string `toml:"queue"`
	MaxConcurrency   int64  `toml:"max_concurrency"`
	Prefetch         int    `toml:"prefetch"`
	DatabaseHost     string `toml:"database_host"`
	DiscardMalformed bool   `toml:"discard_malformed"`
}

// RetryConfig holds the retry policies
type RetryConfig struct {
	Migration retry.Policy `toml:"migration"`
	Port      retry.Policy `toml:"port"`
}

// MetricsConfig holds Prometheus exposition settings. An empty Listen
// disables the endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// DefaultConfig returns default worker configuration
func DefaultConfig() *Config {
	return &Config{
		RabbitMQ: config.BrokerConfig{
			Port:  config.DefaultBrokerPort,
			VHost: "/",
		},
		Logging: config.DefaultLoggingConfig(),
		Runtime: RuntimeConfig{
			Endpoint: runtime.DefaultEndpoint(),
			PoolSize: runtime.DefaultPoolSize,
			Image:    provision.DefaultImage,
		},
		Worker: WorkerConfig{
			Queue:          events.TenantCreatedQueue,
			MaxConcurrency: consumer.DefaultMaxConcurrency,
			Prefetch:       broker.DefaultPrefetch,
			DatabaseHost:   storage.DefaultHost,
		},
		Retry: RetryConfig{
			Migration: retry.MigrationPolicy,
			Port:      retry.PortPolicy,
		},
	}
}

// LoadConfig loads configuration from TOML file with environment variable
// overrides. A missing file is not an error; the result is validated.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := config.LoadTOML(configPath, cfg); err != nil {
				return nil, err
			}
		}
	}

	config.ApplyBrokerEnvOverrides(&cfg.RabbitMQ, envPrefix)
	config.ApplyLoggingEnvOverrides(&cfg.Logging, envPrefix)
	applyWorkerEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyWorkerEnvOverrides(cfg *Config) {
	if val, ok := lookupEnv("DOCKER_ENDPOINT"); ok {
		cfg.Runtime.Endpoint = val
	}
	if val, ok := lookupEnv("DOCKER_CLIENT_POOL_SIZE"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Runtime.PoolSize = n
		}
	}
	if val, ok := lookupEnv("DATABASE_IMAGE"); ok {
		cfg.Runtime.Image = val
	}
	if val, ok := lookupEnv("QUEUE"); ok {
		cfg.Worker.Queue = val
	}
	if val, ok := lookupEnv("MAX_CONCURRENCY"); ok {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Worker.MaxConcurrency = n
		}
	}
	if val, ok := lookupEnv("PREFETCH"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Worker.Prefetch = n
		}
	}
	if val, ok := lookupEnv("DATABASE_HOST"); ok {
		cfg.Worker.DatabaseHost = val
	}
	if val, ok := lookupEnv("DISCARD_MALFORMED"); ok {
		cfg.Worker.DiscardMalformed = val == "true" || val == "1"
	}
	if val, ok := lookupEnv("MIGRATION_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Retry.Migration.MaxAttempts = n
		}
	}
	if val, ok := lookupEnv("MIGRATION_DELAY"); ok {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Retry.Migration.Delay = d
		}
	}
	if val, ok := lookupEnv("METRICS_LISTEN"); ok {
		cfg.Metrics.Listen = val
	}
}

// lookupEnv checks the WORKER_ prefixed variable first, then the generic one.
func lookupEnv(key string) (string, bool) {
	if val := os.Getenv(envPrefix + "_" + key); val != "" {
		return val, true
	}
	if val := os.Getenv(key); val != "" {
		return val, true
	}
	return "", false
}

// Validate checks required settings and rejects nonsensical values.
func (c *Config) Validate() error {
	if err := c.RabbitMQ.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Worker.Queue) == "" {
		return fmt.Errorf("worker.queue must not be empty")
	}
	if c.Runtime.PoolSize < 1 {
		return fmt.Errorf("runtime.pool_size must be at least 1, got %d", c.Runtime.PoolSize)
	}
	if c.Worker.Prefetch < 0 {
		return fmt.Errorf("worker.prefetch must not be negative, got %d", c.Worker.Prefetch)
	}
	if c.Retry.Migration.MaxAttempts < 1 || c.Retry.Port.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	return nil
}

// resolveConfigPath returns the --config value, then the file named by
// CAASS_WORKER_CONFIG, then the first existing file on the standard search paths.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if val := os.Getenv(configPathEnv); val != "" {
		return val
	}
	if path, _, err := config.FindConfigFile(configFileName, serviceComponent); err == nil {
		return path
	}
	return ""
}

// WriteDefaultConfig writes a default configuration file
func WriteDefaultConfig(configPath string) error {
	return config.WriteDefaultTOML(configPath, DefaultConfig())
}
