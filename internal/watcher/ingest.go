package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/pipeline"
)

// Ingester is the pipeline surface inbox files are fed to.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (*models.Model, bool, error)
}

// Scheduler queues Layer 1 for a new model.
type Scheduler interface {
	SubmitParse(ctx context.Context, modelID string) error
}

// PipelineHandler ingests inbox files as content-addressed models, so the
// same bytes dropped twice map to one model, and schedules parsing for new ones.
type PipelineHandler struct {
	ingester  Ingester
	scheduler Scheduler
	logger    *zap.Logger
}

// NewPipelineHandler returns a Handler feeding ingester and scheduler.
func NewPipelineHandler(ingester Ingester, scheduler Scheduler, logger *zap.Logger) *PipelineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineHandler{ingester: ingester, scheduler: scheduler, logger: logger.Named("watcher")}
}

var _ Handler = (*PipelineHandler)(nil)

// FileReady ingests path.
func (h *PipelineHandler) FileReady(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open inbox file: %w", err)
	}
	defer f.Close()

	m, created, err := h.ingester.Ingest(ctx, pipeline.IngestRequest{
		Filename:         filepath.Base(path),
		Body:             f,
		ContentAddressed: true,
	})
	if err != nil {
		return err
	}
	if !created {
		h.logger.Debug("Inbox file already ingested", zap.String("path", path), zap.String("model_id", m.ID))
		return nil
	}
	h.logger.Info("Inbox file ingested", zap.String("path", path), zap.String("model_id", m.ID))
	if h.scheduler == nil {
		return nil
	}
	if err := h.scheduler.SubmitParse(ctx, m.ID); err != nil && !errors.Is(err, pipeline.ErrBusy) {
		return fmt.Errorf("failed to schedule model %s: %w", m.ID, err)
	}
	return nil
}

// FileRemoved only logs; models outlive their inbox files and are deleted explicitly.
func (h *PipelineHandler) FileRemoved(path string) {
	h.logger.Debug("Inbox file removed", zap.String("path", path))
}
