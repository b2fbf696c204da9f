package internal

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gitsync/pkg/auth"
	"gitsync/pkg/worker"

	"gopkg.in/yaml.v3"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Encryption EncryptionConfig `yaml:"encryption"`
	// Providers contains API and integration settings for each service.
	Providers  auth.Config      `yaml:"providers"`
	Sync       SyncConfig       `yaml:"sync"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds the catalog database settings.
type StorageConfig struct {
	Driver             string `yaml:"driver"`
	DSN                string `yaml:"dsn"`
	Dialect            string `yaml:"dialect"`
	TablePrefix        string `yaml:"table_prefix"`
	InstallationsTable string `yaml:"installations_table"`
	AutoMigrate        bool   `yaml:"auto_migrate"`
}

// EncryptionConfig holds the secret used to seal stored tokens.
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// SyncConfig tunes a single sync run.
type SyncConfig struct {
	PageSize  int   `yaml:"page_size"`
	TimeoutMS int64 `yaml:"timeout_ms"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// DispatcherConfig selects how sync requests reach the orchestrator.
type DispatcherConfig struct {
	Driver    string          `yaml:"driver"`
	River     RiverConfig     `yaml:"river"`
	Watermill WatermillConfig `yaml:"watermill"`
}

// RiverConfig holds configuration for the River job client.
type RiverConfig struct {
	DSN         string `yaml:"dsn"`
	Queue       string `yaml:"queue"`
	MaxWorkers  int    `yaml:"max_workers"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// WatermillConfig holds the subscriber used by the message worker.
type WatermillConfig struct {
	worker.SubscriberConfig `yaml:",inline"`
	Topic                   string `yaml:"topic"`
	Concurrency             int    `yaml:"concurrency"`
}

// LoadConfig loads the application configuration from a YAML file.
// It expands environment variables and applies default values.
func LoadConfig(path string) (AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c AppConfig) Validate() error {
	if c.Storage.DSN == "" {
		return errors.New("storage.dsn is required")
	}
	if c.Encryption.Key == "" {
		return errors.New("encryption.key is required")
	}
	switch c.Dispatcher.Driver {
	case "river":
		if c.Dispatcher.River.DSN == "" {
			return errors.New("dispatcher.river.dsn is required")
		}
	case "watermill":
		if c.Dispatcher.Watermill.Topic == "" {
			return errors.New("dispatcher.watermill.topic is required")
		}
	default:
		return fmt.Errorf("unsupported dispatcher driver: %s", c.Dispatcher.Driver)
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Storage.Driver == "" && cfg.Storage.Dialect == "" {
		cfg.Storage.Driver = "postgres"
	}
	if cfg.Storage.InstallationsTable == "" {
		cfg.Storage.InstallationsTable = cfg.Storage.TablePrefix + "integration_tokens"
	}
	if cfg.Sync.PageSize == 0 {
		cfg.Sync.PageSize = 100
	}
	if cfg.Sync.TimeoutMS == 0 {
		cfg.Sync.TimeoutMS = 600000
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	cfg.Dispatcher.Driver = strings.ToLower(strings.TrimSpace(cfg.Dispatcher.Driver))
	if cfg.Dispatcher.Driver == "" {
		cfg.Dispatcher.Driver = "river"
	}
	if cfg.Dispatcher.River.DSN == "" && cfg.Dispatcher.Driver == "river" && isPostgresDSN(cfg.Storage.DSN) {
		cfg.Dispatcher.River.DSN = cfg.Storage.DSN
	}
	if cfg.Dispatcher.River.Queue == "" {
		cfg.Dispatcher.River.Queue = "sync"
	}
	if cfg.Dispatcher.River.MaxWorkers == 0 {
		cfg.Dispatcher.River.MaxWorkers = 5
	}
	if cfg.Dispatcher.River.MaxAttempts == 0 {
		cfg.Dispatcher.River.MaxAttempts = 5
	}
	if cfg.Dispatcher.Watermill.Driver == "" && len(cfg.Dispatcher.Watermill.Drivers) == 0 {
		cfg.Dispatcher.Watermill.Driver = "gochannel"
	}
	if cfg.Dispatcher.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Dispatcher.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Dispatcher.Watermill.Topic == "" {
		cfg.Dispatcher.Watermill.Topic = "gitsync.sync_repos"
	}
	if cfg.Dispatcher.Watermill.Concurrency == 0 {
		cfg.Dispatcher.Watermill.Concurrency = 1
	}
}

func isPostgresDSN(dsn string) bool {
	dsn = strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
