// Package main is the bimingest CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/config"
	"github.com/hyperjump/bimingest/internal/pipeline"
	"github.com/hyperjump/bimingest/internal/server"
	"github.com/hyperjump/bimingest/internal/watcher"
	"github.com/hyperjump/bimingest/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/bimingest/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// When neither exists, the config comes from defaults and environment variables
// and the returned path is empty, so nothing is saved back.
// Returns the config and the path that was actually loaded (for saving, etc.).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg, err := config.LoadEnv()
			if err != nil {
				return nil, "", err
			}
			return cfg, "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "models":
		runModels()
	case "status":
		runStatus()
	case "entities":
		runEntities()
	case "report":
		runReport()
	case "retry-geometry":
		runRetryGeometry()
	case "export":
		runExport()
	case "delete":
		runDelete()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("bimingest version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (layer runs, inbox files, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(context.Background(), cfg, logger, layerLogger(logger))
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	runner := pipeline.NewRunner(components.Orchestrator,
		pipeline.WithAutoGeometry(cfg.Pipeline.AutoGeometryOrDefault()),
		pipeline.WithMaxConcurrent(cfg.Pipeline.MaxConcurrentModels),
	)

	watchOpts := []watcher.Option{watcher.WithRecursive(cfg.Watch.RecursiveOrDefault())}
	if debugMode {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	inbox := watcher.New(
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		watcher.NewPipelineHandler(components.Orchestrator, runner, logger),
		watchOpts...,
	)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := inbox.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	inbox.SyncExistingFiles()

	srv := server.NewServer(
		components.Orchestrator,
		runner,
		components.Index,
		cfg,
		logger,
		inbox,
		resolvedConfigPath,
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	inbox.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
	// Running layers are cancelled and left resumable.
	runner.Close()
	components.Orchestrator.Events().Close()
}

// layerLogger returns a Layer 3 consumer that logs the outcome of every layer run.
func layerLogger(logger *zap.Logger) pipeline.Consumer {
	logger = logger.Named("layers")
	return pipeline.ConsumerFunc{
		ID: "log",
		Fn: func(ctx context.Context, ev pipeline.ModelEvent) error {
			fields := []zap.Field{
				zap.String("model_id", ev.Model.ID),
				zap.String("layer", string(ev.Layer)),
				zap.String("parsing_status", string(ev.Model.ParsingStatus)),
				zap.String("geometry_status", string(ev.Model.GeometryStatus)),
				zap.Int("entities", ev.Model.Counts.Entities),
			}
			if ev.Report != nil {
				fields = append(fields,
					zap.String("report_id", ev.Report.ID),
					zap.String("report_status", string(ev.Report.Status)),
					zap.Int("errors", ev.Report.Errors),
					zap.Int("warnings", ev.Report.Warnings),
				)
			}
			logger.Info("Layer finished", fields...)
			return nil
		},
	}
}

// argsReorder moves any flags (and their values) that appear after the
// positional arguments to the front of the slice so that flag.Parse() sees
// them. Go's flag package stops at the first non-flag argument, so
// "bimingest entities <id> --type IfcWall" would otherwise leave --type unparsed.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func printUsage() {
	fmt.Println(`bimingest - Layered building-model ingestion pipeline

Usage:
  bimingest server [flags]                   Start the HTTP server and inbox watcher
  bimingest ingest [flags] <file>            Ingest a model file and process it
  bimingest models [flags]                   List models
  bimingest status [flags] <model-id>        Show the status of a model
  bimingest entities [flags] <model-id>      List the entities of a parsed model
  bimingest report [flags] <model-id> [id]   Show processing reports
  bimingest retry-geometry [flags] <id>      Re-run geometry extraction
  bimingest export [flags] <model-id>        Write an .xlsx entity schedule
  bimingest delete [flags] <model-id>        Delete a model and its records
  bimingest watch <add|remove|list>          Manage inbox directories
  bimingest version                          Show version
  bimingest help                             Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/bimingest/config.yaml)
  --server string    Server URL (default: http://localhost:8080). Use empty (--server "")
                     to work on the storage directly when the server is not running.
  --output string    Output format: text, compact, or json (default: text)

Server Flags:
  --debug            Enable debug logging

Ingest Flags:
  --schema string    Declared schema identifier (e.g. IFC4); the file header wins
  --no-geometry      Run metadata extraction only
  --wait             With --server, wait until processing ends

Entities Flags:
  --type string             Canonical type filter (e.g. IfcWall)
  --container string        Spatial container GUID filter
  --geometry-status string  pending, extracting, completed, partial, or failed
  --limit int               Page size (default: 100)
  --offset int              Page offset

Export Flags:
  -o string          Output file (default: <model-id>.xlsx)

Examples:
  bimingest server
  bimingest ingest --schema IFC4 tower.ifc
  bimingest ingest --server "" --no-geometry tower.ifc
  bimingest status 7f0c...
  bimingest entities 7f0c... --type IfcWall --output json
  bimingest report 7f0c...
  bimingest retry-geometry 7f0c...
  bimingest export 7f0c... -o schedule.xlsx
  bimingest watch add /srv/inbox`)
}
