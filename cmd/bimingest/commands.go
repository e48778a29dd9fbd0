package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/cli"
	"github.com/hyperjump/bimingest/internal/config"
	"github.com/hyperjump/bimingest/internal/export"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/pipeline"
	"github.com/hyperjump/bimingest/pkg/utils"
)

// waitPollInterval is how often ingest --wait polls the server.
const waitPollInterval = 500 * time.Millisecond

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// clientFlags are the flags shared by commands that work either through a
// running server or directly on storage.
type clientFlags struct {
	configPath *string
	serverURL  *string
	output     *string
}

func newClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		configPath: fs.String("config", defaultConfigPath, "config file path (for direct storage mode)"),
		serverURL:  fs.String("server", defaultServerURL, "server URL (empty = use direct storage when server is not running)"),
		output:     fs.String("output", "text", "output format: text (human-readable), compact (one record per line), or json (parseable)"),
	}
}

func (f *clientFlags) format() cli.OutputFormat {
	format, err := cli.ParseFormat(*f.output)
	if err != nil {
		fail("%v", err)
	}
	return format
}

// client returns nil in direct storage mode.
func (f *clientFlags) client() *apiClient {
	if *f.serverURL == "" {
		return nil
	}
	return newAPIClient(*f.serverURL)
}

// directEnv is the set of components a command opens when no server is used.
type directEnv struct {
	cfg        *config.Config
	logger     *zap.Logger
	components *Components
}

func openDirect(configPath string) *directEnv {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	logger, err := utils.NewCommandLogger(cfg.Debug)
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		fail("Failed to initialize: %v", err)
	}
	return &directEnv{cfg: cfg, logger: logger, components: components}
}

func (e *directEnv) Close() {
	e.components.Close()
	_ = e.logger.Sync()
}

// parseCommand parses the flags of a subcommand, accepting flags after
// positional arguments, and requires at least minArgs positionals.
func parseCommand(fs *flag.FlagSet, minArgs int, usage string) {
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: bimingest %s\n\n", usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() < minArgs {
		fs.Usage()
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	cf := newClientFlags(fs)
	schema := fs.String("schema", "", "declared schema identifier (e.g. IFC2X3, IFC4, IFC4X3)")
	noGeometry := fs.Bool("no-geometry", false, "run metadata extraction only")
	wait := fs.Bool("wait", false, "with --server, wait until processing ends")
	parseCommand(fs, 1, "ingest [flags] <file>")
	format := cf.format()

	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		fail("Failed to open model file: %v", err)
	}
	defer f.Close()
	filename := filepath.Base(path)

	if c := cf.client(); c != nil {
		m, err := c.Upload(f, filename, *schema, !*noGeometry)
		if err != nil {
			fail("Ingest failed: %v", err)
		}
		for *wait && m.ActiveLayer != "" {
			time.Sleep(waitPollInterval)
			if m, err = c.Model(m.ID); err != nil {
				fail("Status failed: %v", err)
			}
		}
		if err := cli.WriteModelStatus(os.Stdout, &m.Model, m.ActiveLayer, format); err != nil {
			fail("Output failed: %v", err)
		}
		return
	}

	env := openDirect(*cf.configPath)
	defer env.Close()
	ctx, cancel := signalContext()
	defer cancel()

	orch := env.components.Orchestrator
	m, _, err := orch.Ingest(ctx, pipeline.IngestRequest{
		Filename:       filename,
		DeclaredSchema: *schema,
		Body:           f,
	})
	if err != nil {
		fail("Ingest failed: %v", err)
	}
	report, err := orch.RunParse(ctx, m.ID)
	if err != nil {
		env.logger.Warn("metadata extraction failed", zap.String("model_id", m.ID), zap.Error(err))
	}
	if err == nil && !*noGeometry && report.Status != models.ReportFailed {
		if _, err := orch.RunGeometry(ctx, m.ID); err != nil {
			env.logger.Warn("geometry extraction failed", zap.String("model_id", m.ID), zap.Error(err))
		}
	}
	writeStoredStatus(env, m.ID, format)
}

func writeStoredStatus(env *directEnv, id string, format cli.OutputFormat) {
	m, err := env.components.Storage.GetModel(context.Background(), id)
	if err != nil {
		fail("Status failed: %v", err)
	}
	if err := cli.WriteModelStatus(os.Stdout, m, "", format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runModels() {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	cf := newClientFlags(fs)
	limit := fs.Int("limit", 100, "number of models")
	offset := fs.Int("offset", 0, "number of models to skip")
	parseCommand(fs, 0, "models [flags]")
	format := cf.format()

	var list []*models.Model
	var err error
	if c := cf.client(); c != nil {
		list, err = c.Models(*offset, *limit)
	} else {
		env := openDirect(*cf.configPath)
		defer env.Close()
		list, err = env.components.Storage.ListModels(context.Background(), *offset, *limit)
	}
	if err != nil {
		fail("List failed: %v", err)
	}
	if err := cli.WriteModels(os.Stdout, list, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := newClientFlags(fs)
	parseCommand(fs, 1, "status [flags] <model-id>")
	format := cf.format()
	id := fs.Arg(0)

	if c := cf.client(); c != nil {
		m, err := c.Model(id)
		if err != nil {
			fail("Status failed: %v", err)
		}
		if err := cli.WriteModelStatus(os.Stdout, &m.Model, m.ActiveLayer, format); err != nil {
			fail("Output failed: %v", err)
		}
		return
	}
	env := openDirect(*cf.configPath)
	defer env.Close()
	writeStoredStatus(env, id, format)
}

func runEntities() {
	fs := flag.NewFlagSet("entities", flag.ExitOnError)
	cf := newClientFlags(fs)
	typeFilter := fs.String("type", "", "canonical type (e.g. IfcWall)")
	container := fs.String("container", "", "spatial container GUID")
	geometryStatus := fs.String("geometry-status", "", "pending, extracting, completed, partial, or failed")
	limit := fs.Int("limit", 100, "page size")
	offset := fs.Int("offset", 0, "page offset")
	parseCommand(fs, 1, "entities [flags] <model-id>")
	format := cf.format()

	filter := models.EntityFilter{
		ModelID:        fs.Arg(0),
		CanonicalType:  *typeFilter,
		ContainerGUID:  *container,
		GeometryStatus: models.GeometryStatus(*geometryStatus),
		Limit:          *limit,
		Offset:         *offset,
	}
	if filter.GeometryStatus != "" && !filter.GeometryStatus.Valid() {
		fail("Unknown geometry status %q", *geometryStatus)
	}

	var page *cli.EntityPage
	var err error
	if c := cf.client(); c != nil {
		page, err = c.Entities(filter)
	} else {
		env := openDirect(*cf.configPath)
		defer env.Close()
		page, err = listEntities(context.Background(), env, filter)
	}
	if err != nil {
		fail("List failed: %v", err)
	}
	if err := cli.WriteEntities(os.Stdout, page, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func listEntities(ctx context.Context, env *directEnv, filter models.EntityFilter) (*cli.EntityPage, error) {
	store := env.components.Storage
	m, err := store.GetModel(ctx, filter.ModelID)
	if err != nil {
		return nil, err
	}
	if !m.Queryable() {
		return nil, fmt.Errorf("%w: parsing status is %s", pipeline.ErrNotParsed, m.ParsingStatus)
	}
	entities, err := store.ListEntities(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := store.CountEntities(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &cli.EntityPage{Entities: entities, Total: total, Offset: filter.Offset, Limit: filter.Limit}, nil
}

func runReport() {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	cf := newClientFlags(fs)
	parseCommand(fs, 1, "report [flags] <model-id> [report-id]")
	format := cf.format()
	modelID, reportID := fs.Arg(0), fs.Arg(1)

	var reports []*models.ProcessingReport
	var err error
	if c := cf.client(); c != nil {
		reports, err = fetchReports(modelID, reportID, c.Reports, c.Report)
	} else {
		env := openDirect(*cf.configPath)
		defer env.Close()
		ctx := context.Background()
		store := env.components.Storage
		reports, err = fetchReports(modelID, reportID,
			func(id string) ([]*models.ProcessingReport, error) { return store.ListReports(ctx, id) },
			func(mid, rid string) (*models.ProcessingReport, error) {
				r, err := store.GetReport(ctx, rid)
				if err == nil && r.ModelID != mid {
					return nil, fmt.Errorf("report %s does not belong to model %s", rid, mid)
				}
				return r, err
			})
	}
	if err != nil {
		fail("Report failed: %v", err)
	}
	if err := cli.WriteReports(os.Stdout, reports, format); err != nil {
		fail("Output failed: %v", err)
	}
}

// fetchReports loads one report, or every report of the model with its entries.
func fetchReports(
	modelID, reportID string,
	list func(modelID string) ([]*models.ProcessingReport, error),
	get func(modelID, reportID string) (*models.ProcessingReport, error),
) ([]*models.ProcessingReport, error) {
	if reportID != "" {
		r, err := get(modelID, reportID)
		if err != nil {
			return nil, err
		}
		return []*models.ProcessingReport{r}, nil
	}
	summaries, err := list(modelID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ProcessingReport, 0, len(summaries))
	for _, s := range summaries {
		r, err := get(modelID, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func runRetryGeometry() {
	fs := flag.NewFlagSet("retry-geometry", flag.ExitOnError)
	cf := newClientFlags(fs)
	parseCommand(fs, 1, "retry-geometry [flags] <model-id>")
	format := cf.format()
	id := fs.Arg(0)

	if c := cf.client(); c != nil {
		if err := c.RetryGeometry(id); err != nil {
			fail("Retry failed: %v", err)
		}
		fmt.Printf("Geometry extraction scheduled: %s\n", id)
		return
	}
	env := openDirect(*cf.configPath)
	defer env.Close()
	ctx, cancel := signalContext()
	defer cancel()
	if _, err := env.components.Orchestrator.RetryGeometry(ctx, id); err != nil {
		fail("Retry failed: %v", err)
	}
	writeStoredStatus(env, id, format)
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cf := newClientFlags(fs)
	out := fs.String("o", "", "output file (default: <model-id>.xlsx)")
	parseCommand(fs, 1, "export [flags] <model-id>")
	id := fs.Arg(0)
	if *out == "" {
		*out = id + ".xlsx"
	}

	f, err := os.Create(*out)
	if err != nil {
		fail("Failed to create output file: %v", err)
	}
	if c := cf.client(); c != nil {
		err = c.Export(id, f)
	} else {
		env := openDirect(*cf.configPath)
		var sum *export.Summary
		sum, err = export.WriteSchedule(context.Background(), f, env.components.Storage, id)
		if err == nil {
			env.logger.Info("schedule written",
				zap.Int("entities", sum.Entities),
				zap.Int("containers", sum.Containers),
				zap.Int("properties", sum.Properties),
				zap.Int("quantities", sum.Quantities))
		}
		env.Close()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(*out)
		fail("Export failed: %v", err)
	}
	fmt.Printf("Exported %s to %s\n", id, *out)
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cf := newClientFlags(fs)
	parseCommand(fs, 1, "delete [flags] <model-id>")
	id := fs.Arg(0)

	var err error
	if c := cf.client(); c != nil {
		err = c.Delete(id)
	} else {
		env := openDirect(*cf.configPath)
		defer env.Close()
		err = env.components.Orchestrator.Delete(context.Background(), id)
	}
	if err != nil {
		fail("Deletion failed: %v", err)
	}
	fmt.Printf("Model deleted: %s\n", id)
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: bimingest watch <add|remove|list> [path]")
		fmt.Println("  bimingest watch add <path>     Add an inbox directory")
		fmt.Println("  bimingest watch remove <path>  Remove an inbox directory")
		fmt.Println("  bimingest watch list           List inbox directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(argsReorder(os.Args[3:]))
	if *serverURL == "" {
		fail("watch requires a running server")
	}
	c := newAPIClient(*serverURL)

	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fail("Usage: bimingest watch %s <path>", sub)
		}
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fail("Invalid path: %v", err)
		}
		if sub == "add" {
			if err := c.AddWatchDirectory(path); err != nil {
				fail("Add failed: %v", err)
			}
			fmt.Printf("Added: %s\n", path)
			return
		}
		if err := c.RemoveWatchDirectory(path); err != nil {
			fail("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		dirs, err := c.WatchDirectories()
		if err != nil {
			fail("List failed: %v", err)
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
	default:
		fail("Unknown watch subcommand: %s", sub)
	}
}
