// Package pipeline runs the processing layers of a model: Layer 1 extracts
// metadata, Layer 2 extracts geometry, and registered consumers form Layer 3.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/extract"
	"github.com/hyperjump/bimingest/internal/guid"
	"github.com/hyperjump/bimingest/internal/ifc"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/retry"
	"github.com/hyperjump/bimingest/internal/storage"
)

var (
	// ErrBusy is returned when a layer is already running for the model.
	ErrBusy = errors.New("a layer is already running for this model")
	// ErrNotParsed is returned when geometry is requested before Layer 1 completed.
	ErrNotParsed = errors.New("model has not been parsed")
)

// finishTimeout bounds the writes that close a run after its context ended.
const finishTimeout = 30 * time.Second

// Config tunes the orchestrator.
type Config struct {
	BatchSize       int
	GeometryWorkers int
	GeometryTimeout time.Duration
	CircleSegments  int
	Retry           *retry.Config
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:       500,
		GeometryWorkers: runtime.NumCPU(),
		GeometryTimeout: 10 * time.Second,
		CircleSegments:  16,
		Retry:           retry.DefaultConfig(),
	}
}

// Orchestrator drives the layers of a model and owns its status record.
type Orchestrator struct {
	store     storage.Storage
	files     *storage.FileStore
	index     EntityIndexer
	extractor *extract.Extractor
	events    *Events
	consumers []Consumer
	cfg       Config
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithIndex sets the full-text index that Layer 1 feeds.
func WithIndex(ix EntityIndexer) Option {
	return func(o *Orchestrator) {
		o.index = ix
	}
}

// WithEvents sets the broker status transitions are published to.
func WithEvents(e *Events) Option {
	return func(o *Orchestrator) {
		o.events = e
	}
}

// WithConsumer registers a Layer 3 consumer.
func WithConsumer(c Consumer) Option {
	return func(o *Orchestrator) {
		o.consumers = append(o.consumers, c)
	}
}

// NewOrchestrator creates an orchestrator over store and files.
func NewOrchestrator(store storage.Storage, files *storage.FileStore, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.GeometryWorkers < 1 {
		cfg.GeometryWorkers = def.GeometryWorkers
	}
	if cfg.CircleSegments < 3 {
		cfg.CircleSegments = def.CircleSegments
	}
	if cfg.Retry == nil {
		cfg.Retry = def.Retry
	}
	o := &Orchestrator{store: store, files: files, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("pipeline")
	if o.events == nil {
		o.events = NewEvents()
	}
	o.extractor = extract.NewExtractor(o.logger)
	return o
}

// Events returns the broker status transitions are published to.
func (o *Orchestrator) Events() *Events { return o.events }

// Store returns the underlying storage.
func (o *Orchestrator) Store() storage.Storage { return o.store }

// IngestRequest is one uploaded model file.
type IngestRequest struct {
	Filename string
	// DeclaredSchema is the schema tag supplied by the uploader, if any.
	DeclaredSchema string
	Body           io.Reader
	// ContentAddressed derives the model id from the file content, so
	// ingesting identical bytes twice yields the existing model.
	ContentAddressed bool
}

// Ingest stores the upload and creates its model with both layers pending.
// created is false when a content-addressed request matched an existing model.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (m *models.Model, created bool, err error) {
	if req.Body == nil {
		return nil, false, errors.New("ingest: empty body")
	}
	stored, err := o.files.Save(req.Body, req.Filename)
	if err != nil {
		return nil, false, err
	}

	id := guid.NewModelID()
	if req.ContentAddressed {
		id = guid.ModelIDFromHash(stored.ContentHash)
		existing, err := o.store.GetModel(ctx, id)
		if err == nil {
			o.logger.Debug("Model already ingested", zap.String("model_id", id))
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
	}

	m = &models.Model{
		ID:             id,
		Filename:       req.Filename,
		FileRef:        stored.Ref,
		FileSize:       stored.Size,
		ContentHash:    stored.ContentHash,
		DeclaredSchema: strings.TrimSpace(req.DeclaredSchema),
		ParsingStatus:  models.ParsingPending,
		GeometryStatus: models.GeometryPending,
	}
	if err := o.store.CreateModel(ctx, m); err != nil {
		return nil, false, fmt.Errorf("failed to create model: %w", err)
	}
	o.logger.Info("Model ingested",
		zap.String("model_id", m.ID), zap.String("filename", m.Filename), zap.Int64("size", m.FileSize))
	o.publish(m, "")
	return m, true, nil
}

// Delete removes a model, its extracted records, its index documents and,
// when no other model shares it, the stored file.
func (o *Orchestrator) Delete(ctx context.Context, modelID string) error {
	m, err := o.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if err := o.store.DeleteModel(ctx, modelID); err != nil {
		return err
	}
	if o.index != nil {
		if err := o.index.DeleteModel(ctx, modelID); err != nil {
			o.logger.Warn("Failed to drop model from search index", zap.String("model_id", modelID), zap.Error(err))
		}
	}
	if !o.fileShared(ctx, m) {
		if err := o.files.Remove(m.FileRef); err != nil {
			o.logger.Warn("Failed to remove model file", zap.String("model_id", modelID), zap.Error(err))
		}
	}
	o.logger.Info("Model deleted", zap.String("model_id", modelID))
	return nil
}

func (o *Orchestrator) fileShared(ctx context.Context, m *models.Model) bool {
	all, err := o.store.ListModels(ctx, 0, 0)
	if err != nil {
		return true
	}
	for _, other := range all {
		if other.ID != m.ID && other.FileRef == m.FileRef {
			return true
		}
	}
	return false
}

// open decodes the stored file of m.
func (o *Orchestrator) open(m *models.Model) (*ifc.Model, error) {
	f, err := o.files.Open(m.FileRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ifc.ErrUnreadable, err)
	}
	defer f.Close()
	return ifc.Open(f, m.Filename)
}

// saveParsing writes the Layer 1 fields of m with a context that survives
// cancellation of the run.
func (o *Orchestrator) saveParsing(m *models.Model) error {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := o.store.UpdateModelParsing(ctx, m); err != nil {
		o.logger.Error("Failed to update model", zap.String("model_id", m.ID), zap.Error(err))
		return err
	}
	return nil
}

func (o *Orchestrator) saveGeometry(m *models.Model) error {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := o.store.UpdateModelGeometry(ctx, m); err != nil {
		o.logger.Error("Failed to update model", zap.String("model_id", m.ID), zap.Error(err))
		return err
	}
	return nil
}

func (o *Orchestrator) publish(m *models.Model, layer models.Layer) {
	o.events.Publish(StatusEvent{Layer: layer, Status: m.Status()})
}
