// Package config provides configuration loading and structs for the bimingest server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/bimingest/internal/pipeline"
	"github.com/hyperjump/bimingest/internal/retry"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	Debug    bool           `yaml:"debug" env:"BIMINGEST_DEBUG"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Watch    WatchConfig    `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" env:"BIMINGEST_HOST"`
	Port int    `yaml:"port" env:"BIMINGEST_PORT"`
}

// StorageConfig selects the database backend and where files live.
type StorageConfig struct {
	Driver          string `yaml:"driver" env:"BIMINGEST_STORAGE_DRIVER"`
	DatabasePath    string `yaml:"database_path" env:"BIMINGEST_DATABASE_PATH"`
	PostgresURL     string `yaml:"postgres_url" env:"BIMINGEST_POSTGRES_URL"`
	MaxConnections  int32  `yaml:"max_connections" env:"BIMINGEST_MAX_CONNECTIONS"`
	SearchIndexPath string `yaml:"search_index_path" env:"BIMINGEST_SEARCH_INDEX_PATH"`
	UploadDir       string `yaml:"upload_dir" env:"BIMINGEST_UPLOAD_DIR"`
}

// PipelineConfig tunes the processing layers.
type PipelineConfig struct {
	BatchSize           int           `yaml:"batch_size" env:"BIMINGEST_BATCH_SIZE"`
	GeometryWorkers     int           `yaml:"geometry_workers" env:"BIMINGEST_GEOMETRY_WORKERS"`
	GeometryTimeout     time.Duration `yaml:"geometry_timeout" env:"BIMINGEST_GEOMETRY_TIMEOUT"`
	MaxConcurrentModels int           `yaml:"max_concurrent_models" env:"BIMINGEST_MAX_CONCURRENT_MODELS"`
	AutoGeometry        *bool         `yaml:"auto_geometry"`
	CircleSegments      int           `yaml:"circle_segments"`
	PersistRetry        RetryConfig   `yaml:"persist_retry"`
}

// RetryConfig is the backoff applied to failed batch flushes.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// WatchConfig holds inbox directory settings.
type WatchConfig struct {
	Directories []string `yaml:"directories" env:"BIMINGEST_WATCH_DIRS" env-separator:","`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// AutoGeometryOrDefault reports whether Layer 2 follows a successful Layer 1; defaults to true.
func (p *PipelineConfig) AutoGeometryOrDefault() bool {
	if p.AutoGeometry != nil {
		return *p.AutoGeometry
	}
	return true
}

// Orchestrator converts the section into pipeline settings.
func (p *PipelineConfig) Orchestrator() pipeline.Config {
	rc := retry.DefaultConfig()
	if p.PersistRetry.MaxRetries > 0 {
		rc.MaxRetries = p.PersistRetry.MaxRetries
	}
	if p.PersistRetry.InitialDelay > 0 {
		rc.InitialDelay = p.PersistRetry.InitialDelay
	}
	if p.PersistRetry.MaxDelay > 0 {
		rc.MaxDelay = p.PersistRetry.MaxDelay
	}
	return pipeline.Config{
		BatchSize:       p.BatchSize,
		GeometryWorkers: p.GeometryWorkers,
		GeometryTimeout: p.GeometryTimeout,
		CircleSegments:  p.CircleSegments,
		Retry:           rc,
	}
}

// Load reads the config file at path, applies BIMINGEST_* environment
// overrides and defaults, and expands paths.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	finish(&cfg, filepath.Dir(path))
	return &cfg, nil
}

// LoadEnv builds a config from defaults and environment variables only.
// Relative paths are resolved against the working directory.
func LoadEnv() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	finish(&cfg, dir)
	return &cfg, nil
}

func finish(cfg *Config, configDir string) {
	ApplyDefaults(cfg)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.SearchIndexPath = expandPath(cfg.Storage.SearchIndexPath, configDir)
	cfg.Storage.UploadDir = expandPath(cfg.Storage.UploadDir, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
