package config

import (
	"runtime"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/bimingest/data/db/models.db"
	}
	if cfg.Storage.SearchIndexPath == "" {
		cfg.Storage.SearchIndexPath = "/usr/local/var/bimingest/data/indices/entities"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "/usr/local/var/bimingest/data/uploads"
	}
	if cfg.Storage.MaxConnections == 0 {
		cfg.Storage.MaxConnections = 25
	}
	if cfg.Pipeline.BatchSize == 0 {
		cfg.Pipeline.BatchSize = 500
	}
	if cfg.Pipeline.GeometryWorkers == 0 {
		cfg.Pipeline.GeometryWorkers = runtime.NumCPU()
	}
	if cfg.Pipeline.GeometryTimeout == 0 {
		cfg.Pipeline.GeometryTimeout = 10 * time.Second
	}
	if cfg.Pipeline.MaxConcurrentModels == 0 {
		cfg.Pipeline.MaxConcurrentModels = 2
	}
	if cfg.Pipeline.AutoGeometry == nil {
		t := true
		cfg.Pipeline.AutoGeometry = &t
	}
	if cfg.Pipeline.CircleSegments == 0 {
		cfg.Pipeline.CircleSegments = 16
	}
	if cfg.Pipeline.PersistRetry.MaxRetries == 0 {
		cfg.Pipeline.PersistRetry.MaxRetries = 3
	}
	if cfg.Pipeline.PersistRetry.InitialDelay == 0 {
		cfg.Pipeline.PersistRetry.InitialDelay = 100 * time.Millisecond
	}
	if cfg.Pipeline.PersistRetry.MaxDelay == 0 {
		cfg.Pipeline.PersistRetry.MaxDelay = 5 * time.Second
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".ifc", ".ifczip"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
