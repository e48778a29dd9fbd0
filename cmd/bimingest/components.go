package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/config"
	"github.com/hyperjump/bimingest/internal/keyword"
	"github.com/hyperjump/bimingest/internal/pipeline"
	"github.com/hyperjump/bimingest/internal/storage"
)

// Components holds initialized services.
type Components struct {
	Storage      storage.Storage
	Files        *storage.FileStore
	Index        *keyword.BleveIndex
	Orchestrator *pipeline.Orchestrator
}

func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// openStorage opens the backend selected by cfg.Driver.
func openStorage(ctx context.Context, cfg *config.StorageConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return storage.NewSQLiteStorage(cfg.DatabasePath)
	case config.DriverPostgres:
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("storage driver %q requires postgres_url", cfg.Driver)
		}
		return storage.NewPostgresStorage(ctx, &storage.PostgresConfig{
			URL:            cfg.PostgresURL,
			MaxConnections: cfg.MaxConnections,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, consumers ...pipeline.Consumer) (*Components, error) {
	store, err := openStorage(ctx, &cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c := &Components{Storage: store}

	c.Files, err = storage.NewFileStore(cfg.Storage.UploadDir)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Index, err = keyword.NewBleveIndex(cfg.Storage.SearchIndexPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize search index: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithIndex(c.Index),
	}
	for _, consumer := range consumers {
		opts = append(opts, pipeline.WithConsumer(consumer))
	}
	c.Orchestrator = pipeline.NewOrchestrator(store, c.Files, cfg.Pipeline.Orchestrator(), opts...)
	return c, nil
}
