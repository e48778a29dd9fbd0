package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/batch"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/storage"
)

// accumulator owns the report of one layer run. Entries are numbered in the
// order they are added and written in batches; the tallies become the
// report's final counts.
type accumulator struct {
	store   storage.Storage
	report  *models.ProcessingReport
	entries *batch.Batcher[models.ReportEntry]
	seq     int
	logger  *zap.Logger
}

func (o *Orchestrator) newAccumulator(ctx context.Context, modelID string, layer models.Layer) (*accumulator, error) {
	r := &models.ProcessingReport{
		ID:      uuid.NewString(),
		ModelID: modelID,
		Layer:   layer,
		Status:  models.ReportRunning,
	}
	if err := o.store.CreateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create %s report: %w", layer, err)
	}
	a := &accumulator{store: o.store, report: r, logger: o.logger}
	a.entries = batch.New(o.cfg.BatchSize, func(ctx context.Context, es []models.ReportEntry) (int, error) {
		if err := o.store.AppendReportEntries(ctx, r.ID, es); err != nil {
			return 0, err
		}
		return len(es), nil
	}, batch.WithName("report_entries"), batch.WithRetry(o.cfg.Retry), batch.WithLogger(o.logger))
	return a, nil
}

// add numbers e and tallies it. Entry writes that fail are logged, never
// propagated: a lost entry must not abort the run it describes.
func (a *accumulator) add(ctx context.Context, e models.ReportEntry) {
	a.seq++
	e.Seq = a.seq
	switch e.Severity {
	case models.SeverityError, models.SeverityFatal:
		a.report.Errors++
	case models.SeverityWarning:
		a.report.Warnings++
	}
	if e.Healing != "" {
		a.report.Healed++
	}
	if err := a.entries.Add(ctx, e); err != nil {
		a.logger.Warn("Failed to write report entries",
			zap.String("report_id", a.report.ID), zap.Error(err))
	}
}

func (a *accumulator) fatal(ctx context.Context, stage models.Stage, err error) {
	a.add(ctx, models.ReportEntry{Severity: models.SeverityFatal, Stage: stage, Message: err.Error()})
}

// finish flushes pending entries and finalizes the report with status.
// It uses a fresh context so a cancelled run still records how it ended.
func (a *accumulator) finish(status models.ReportStatus, counts models.ModelCounts) *models.ProcessingReport {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if err := a.entries.Flush(ctx); err != nil {
		a.logger.Warn("Failed to write report entries",
			zap.String("report_id", a.report.ID), zap.Error(err))
	}
	now := time.Now().UTC()
	a.report.Status = status
	a.report.FinishedAt = &now
	a.report.Counts = counts
	if err := a.store.FinalizeReport(ctx, a.report); err != nil {
		a.logger.Error("Failed to finalize report",
			zap.String("report_id", a.report.ID), zap.Error(err))
	}
	return a.report
}
