package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/batch"
	"github.com/hyperjump/bimingest/internal/keyword"
	"github.com/hyperjump/bimingest/internal/models"
)

// EntityIndexer is the part of the search index Layer 1 writes to.
type EntityIndexer interface {
	Index(ctx context.Context, docs []keyword.EntityDoc) error
	DeleteModel(ctx context.Context, modelID string) error
}

// RunParse runs Layer 1 for a model: decode, extract and persist entities,
// containers, properties and quantities. It may be re-run; rows already
// written are kept and duplicates are discarded.
//
// A file that cannot be decoded ends the run with parsing status failed and
// the decode error returned. Cancellation returns the model to pending.
// A model that already completed Layer 1 stays parsed whatever the outcome
// of a later run; the run's report carries the outcome.
func (o *Orchestrator) RunParse(ctx context.Context, modelID string) (*models.ProcessingReport, error) {
	m, err := o.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With(zap.String("model_id", modelID), zap.String("layer", string(models.LayerParse)))

	acc, err := o.newAccumulator(ctx, modelID, models.LayerParse)
	if err != nil {
		return nil, err
	}
	reparse := m.ParsingStatus == models.ParsingParsed
	settle := func(s models.ParsingStatus) {
		if !reparse {
			m.ParsingStatus = s
		}
	}
	settle(models.ParsingRunning)
	if err := o.saveParsing(m); err != nil {
		acc.fatal(ctx, models.StagePersist, err)
		return acc.finish(models.ReportFailed, m.Counts), err
	}
	o.publish(m, models.LayerParse)
	logger.Info("Parsing model", zap.String("filename", m.Filename))

	decoded, err := o.open(m)
	if err != nil {
		logger.Warn("Model file could not be decoded", zap.Error(err))
		acc.fatal(ctx, models.StageDecode, err)
		settle(models.ParsingFailed)
		_ = o.saveParsing(m)
		report := acc.finish(models.ReportFailed, m.Counts)
		o.publish(m, models.LayerParse)
		o.notify(m, models.LayerParse, report)
		return report, err
	}

	m.SchemaID = decoded.SchemaIdentifier()
	m.SchemaVersion = decoded.Version()
	if m.DeclaredSchema != "" && !strings.EqualFold(m.DeclaredSchema, m.SchemaID) {
		acc.add(ctx, models.ReportEntry{
			Severity: models.SeverityWarning,
			Stage:    models.StageDecode,
			Message:  fmt.Sprintf("declared schema %q differs from file header %q, using the header", m.DeclaredSchema, m.SchemaID),
		})
	}
	for _, w := range decoded.Warnings() {
		acc.add(ctx, models.ReportEntry{Severity: models.SeverityWarning, Stage: models.StageDecode, Message: w})
	}

	sink := o.newParseSink(ctx, modelID, acc)
	stats, err := o.extractor.Extract(ctx, decoded, modelID, sink)
	if err == nil {
		err = sink.flush(ctx)
	}

	if err == nil || !reparse {
		m.Counts.Entities = stats.Entities
		m.Counts.Storeys = stats.Storeys
		m.Counts.Systems = stats.Systems
	}

	var status models.ReportStatus
	switch {
	case err != nil && ctx.Err() != nil:
		logger.Info("Parsing cancelled", zap.Int("entities", stats.Entities))
		settle(models.ParsingPending)
		status = models.ReportCancelled
		err = ctx.Err()
	case err != nil:
		logger.Error("Parsing aborted", zap.Error(err))
		acc.fatal(ctx, models.StagePersist, err)
		settle(models.ParsingFailed)
		status = models.ReportFailed
	default:
		m.ParsingStatus = models.ParsingParsed
		status = models.ReportCompleted
		if acc.report.Errors > 0 {
			status = models.ReportPartial
		}
	}

	if saveErr := o.saveParsing(m); saveErr != nil && err == nil {
		err = saveErr
		status = models.ReportFailed
	}
	report := acc.finish(status, m.Counts)
	o.publish(m, models.LayerParse)
	if status != models.ReportCancelled {
		o.notify(m, models.LayerParse, report)
	}
	logger.Info("Parsing finished",
		zap.String("status", string(status)),
		zap.Int("entities", stats.Entities),
		zap.Int("properties", stats.Properties),
		zap.Int("quantities", stats.Quantities),
		zap.Int("errors", report.Errors),
		zap.Int("healed", report.Healed))
	return report, err
}

// parseSink receives Layer 1 records and writes them in batches. It also
// builds one search document per entity from the records that follow it.
type parseSink struct {
	ctx        context.Context
	acc        *accumulator
	containers *batch.Batcher[models.Container]
	entities   *batch.Batcher[models.Entity]
	properties *batch.Batcher[models.Property]
	quantities *batch.Batcher[models.Quantity]
	docs       *batch.Batcher[keyword.EntityDoc]
	doc        *keyword.EntityDoc
	places     map[string]string
}

func (o *Orchestrator) newParseSink(ctx context.Context, modelID string, acc *accumulator) *parseSink {
	size := o.cfg.BatchSize
	opts := func(name string) []batch.Option {
		return []batch.Option{batch.WithName(name), batch.WithRetry(o.cfg.Retry), batch.WithLogger(o.logger)}
	}
	s := &parseSink{
		ctx:        ctx,
		acc:        acc,
		containers: batch.New(size, o.store.InsertContainers, opts("containers")...),
		entities:   batch.New(size, o.store.InsertEntities, opts("entities")...),
		properties: batch.New(size, o.store.InsertProperties, opts("properties")...),
		quantities: batch.New(size, o.store.InsertQuantities, opts("quantities")...),
		places:     make(map[string]string),
	}
	if o.index != nil {
		s.docs = batch.New(size, func(ctx context.Context, docs []keyword.EntityDoc) (int, error) {
			// The index is derived data; a failed write degrades search only.
			if err := o.index.Index(ctx, docs); err != nil {
				if ctx.Err() != nil {
					return 0, ctx.Err()
				}
				o.logger.Warn("Failed to index entities", zap.String("model_id", modelID), zap.Error(err))
				acc.add(ctx, models.ReportEntry{
					Severity: models.SeverityWarning,
					Stage:    models.StagePersist,
					Message:  fmt.Sprintf("search index: %v", err),
				})
				return 0, nil
			}
			return len(docs), nil
		}, batch.WithName("search_documents"), batch.WithRetry(o.cfg.Retry), batch.WithLogger(o.logger))
	}
	return s
}

func (s *parseSink) Container(c models.Container) error {
	s.places[c.GUID] = c.Name
	return s.containers.Add(s.ctx, c)
}

func (s *parseSink) Entity(e models.Entity) error {
	if err := s.endDoc(); err != nil {
		return err
	}
	if s.docs != nil {
		s.doc = &keyword.EntityDoc{
			ModelID:   e.ModelID,
			GUID:      e.GUID,
			Type:      e.OriginalType,
			Name:      strings.TrimSpace(e.Name + " " + e.Tag),
			Container: s.places[e.ContainerGUID],
		}
		if e.CanonicalType != e.OriginalType {
			s.doc.Type += " " + e.CanonicalType
		}
	}
	return s.entities.Add(s.ctx, e)
}

func (s *parseSink) Property(p models.Property) error {
	if s.doc != nil && s.doc.GUID == p.EntityGUID {
		s.doc.AddProperty(p.Name, p.Value.Text())
	}
	return s.properties.Add(s.ctx, p)
}

func (s *parseSink) Quantity(q models.Quantity) error {
	return s.quantities.Add(s.ctx, q)
}

func (s *parseSink) Report(e models.ReportEntry) { s.acc.add(s.ctx, e) }

func (s *parseSink) endDoc() error {
	if s.doc == nil {
		return nil
	}
	d := *s.doc
	s.doc = nil
	return s.docs.Add(s.ctx, d)
}

// flush writes everything still buffered.
func (s *parseSink) flush(ctx context.Context) error {
	if err := s.endDoc(); err != nil {
		return err
	}
	var errs []error
	errs = append(errs,
		s.containers.Flush(ctx),
		s.entities.Flush(ctx),
		s.properties.Flush(ctx),
		s.quantities.Flush(ctx))
	if s.docs != nil {
		errs = append(errs, s.docs.Flush(ctx))
	}
	return errors.Join(errs...)
}
