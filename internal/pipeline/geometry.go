package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/batch"
	"github.com/hyperjump/bimingest/internal/geometry"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/workerpool"
)

// outcome is the ladder result for one entity, produced by a worker.
type outcome struct {
	entity *models.Entity
	result geometry.Result
	err    error
}

// tally counts per-entity outcomes of one Layer 2 run.
type tally struct {
	completed, partial, failed int
	// represented counts entities that had any representation.
	represented int
}

// status aggregates the per-entity outcomes into the model's geometry status.
// Entities without a representation do not count against the model.
func (t tally) status() models.GeometryStatus {
	switch {
	case t.represented == 0 || t.completed == t.represented:
		return models.GeometryCompleted
	case t.completed+t.partial > 0:
		return models.GeometryPartial
	default:
		return models.GeometryFailed
	}
}

// RunGeometry runs Layer 2 for a parsed model: every persisted entity goes
// through the fallback ladder on a bounded worker pool. It can be re-entered
// any number of times; each run overwrites the stored meshes.
//
// Entity metadata is never modified. A run that cannot decode the file or
// write its results ends with geometry status failed, which is retriable.
func (o *Orchestrator) RunGeometry(ctx context.Context, modelID string) (*models.ProcessingReport, error) {
	m, err := o.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !m.Queryable() {
		return nil, fmt.Errorf("model %s: %w", modelID, ErrNotParsed)
	}
	logger := o.logger.With(zap.String("model_id", modelID), zap.String("layer", string(models.LayerGeometry)))

	acc, err := o.newAccumulator(ctx, modelID, models.LayerGeometry)
	if err != nil {
		return nil, err
	}
	m.GeometryStatus = models.GeometryExtracting
	if err := o.saveGeometry(m); err != nil {
		acc.fatal(ctx, models.StagePersist, err)
		return acc.finish(models.ReportFailed, m.Counts), err
	}
	o.publish(m, models.LayerGeometry)

	var t tally
	err = o.extractGeometry(ctx, m, acc, &t, logger)

	m.Counts.GeometryCompleted = t.completed
	m.Counts.GeometryPartial = t.partial
	m.Counts.GeometryFailed = t.failed

	var status models.ReportStatus
	switch {
	case err != nil && ctx.Err() != nil:
		logger.Info("Geometry extraction cancelled")
		m.GeometryStatus = models.GeometryFailed
		status = models.ReportCancelled
		err = ctx.Err()
	case err != nil:
		logger.Error("Geometry extraction aborted", zap.Error(err))
		stage := models.StagePersist
		if errors.Is(err, errDecode) {
			stage = models.StageDecode
		}
		acc.fatal(ctx, stage, err)
		m.GeometryStatus = models.GeometryFailed
		status = models.ReportFailed
	default:
		m.GeometryStatus = t.status()
		status = reportStatus(m.GeometryStatus)
	}

	if saveErr := o.saveGeometry(m); saveErr != nil && err == nil {
		err = saveErr
		status = models.ReportFailed
	}
	report := acc.finish(status, m.Counts)
	o.publish(m, models.LayerGeometry)
	if status != models.ReportCancelled {
		o.notify(m, models.LayerGeometry, report)
	}
	logger.Info("Geometry extraction finished",
		zap.String("status", string(m.GeometryStatus)),
		zap.Int("completed", t.completed),
		zap.Int("partial", t.partial),
		zap.Int("failed", t.failed))
	return report, err
}

// RetryGeometry re-enters Layer 2 without touching Layer 1 output.
func (o *Orchestrator) RetryGeometry(ctx context.Context, modelID string) (*models.ProcessingReport, error) {
	return o.RunGeometry(ctx, modelID)
}

var errDecode = errors.New("model file could not be decoded")

func reportStatus(s models.GeometryStatus) models.ReportStatus {
	switch s {
	case models.GeometryCompleted:
		return models.ReportCompleted
	case models.GeometryPartial:
		return models.ReportPartial
	}
	return models.ReportFailed
}

func (o *Orchestrator) extractGeometry(ctx context.Context, m *models.Model, acc *accumulator, t *tally, logger *zap.Logger) error {
	decoded, err := o.open(m)
	if err != nil {
		return fmt.Errorf("%w: %w", errDecode, err)
	}
	entities, err := o.store.ListEntities(ctx, models.EntityFilter{ModelID: m.ID})
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}
	logger.Info("Extracting geometry",
		zap.Int("entities", len(entities)), zap.Int("workers", o.cfg.GeometryWorkers))

	opts := func(name string) []batch.Option {
		return []batch.Option{batch.WithName(name), batch.WithRetry(o.cfg.Retry), batch.WithLogger(o.logger)}
	}
	meshes := batch.New(o.cfg.BatchSize, func(ctx context.Context, gs []models.Geometry) (int, error) {
		if err := o.store.UpsertGeometries(ctx, gs); err != nil {
			return 0, err
		}
		return len(gs), nil
	}, opts("geometries")...)
	statuses := batch.New(o.cfg.BatchSize, func(ctx context.Context, ss []models.EntityStatus) (int, error) {
		if err := o.store.SetGeometryStatuses(ctx, m.ID, ss); err != nil {
			return 0, err
		}
		return len(ss), nil
	}, opts("geometry_statuses")...)

	ladder := geometry.NewLadder(geometry.Settings{
		WorldCoords:    true,
		CircleSegments: o.cfg.CircleSegments,
	}, o.cfg.GeometryTimeout)
	pool := workerpool.New(o.cfg.GeometryWorkers, o.logger)

	work := func(ctx context.Context, e *models.Entity) outcome {
		return runLadder(ctx, ladder, decoded, e)
	}
	collect := func(out outcome) error {
		if out.err != nil {
			// Cancelled mid-ladder; the entity keeps its previous state.
			return nil
		}
		o.recordAttempts(ctx, acc, out)
		switch out.result.Status {
		case models.GeometryCompleted:
			t.completed++
		case models.GeometryPartial:
			t.partial++
		default:
			t.failed++
		}
		if !noRepresentation(out.result) {
			t.represented++
		}
		if err := meshes.Add(ctx, geometryRecord(m.ID, out)); err != nil {
			return err
		}
		return statuses.Add(ctx, models.EntityStatus{GUID: out.entity.GUID, Status: out.result.Status})
	}
	mapErr := workerpool.Map(ctx, pool, entities, work, collect)

	// Whatever was collected stays valid, also after cancellation.
	fctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	flushErr := errors.Join(meshes.Flush(fctx), statuses.Flush(fctx))
	if mapErr != nil {
		return mapErr
	}
	return flushErr
}

// runLadder extracts one entity. A panic that escapes the ladder still ends
// in a failed outcome, so no entity leaves the run without a status.
func runLadder(ctx context.Context, ladder *geometry.Ladder, src geometry.Source, e *models.Entity) (out outcome) {
	out.entity = e
	defer func() {
		if r := recover(); r != nil {
			out.err = nil
			out.result = geometry.Result{
				Status: models.GeometryFailed,
				Attempts: []geometry.Attempt{{
					Rung: "extraction",
					Err:  &geometry.KernelError{ID: e.ElementID, Item: e.OriginalType, Reason: fmt.Sprintf("panic: %v", r)},
				}},
			}
		}
	}()
	out.result, out.err = ladder.Run(ctx, src, e.ElementID)
	return out
}

func noRepresentation(r geometry.Result) bool {
	return r.Mesh == nil && len(r.Attempts) == 1 && errors.Is(r.Attempts[0].Err, geometry.ErrNoRepresentation)
}

// recordAttempts turns failed rungs into report entries. Falling back is a
// warning; exhausting the ladder is an error.
func (o *Orchestrator) recordAttempts(ctx context.Context, acc *accumulator, out outcome) {
	e := out.entity
	if noRepresentation(out.result) {
		acc.add(ctx, models.ReportEntry{
			Severity:    models.SeverityInfo,
			Stage:       models.StageGeometry,
			Message:     geometry.ErrNoRepresentation.Error(),
			EntityGUID:  e.GUID,
			ElementID:   e.ElementID,
			ElementType: e.OriginalType,
		})
		return
	}
	for _, a := range out.result.Attempts {
		acc.add(ctx, models.ReportEntry{
			Severity:    models.SeverityWarning,
			Stage:       models.StageGeometry,
			Message:     fmt.Sprintf("%s rung failed after %s: %v", a.Rung, a.Elapsed.Round(time.Millisecond), a.Err),
			EntityGUID:  e.GUID,
			ElementID:   e.ElementID,
			ElementType: e.OriginalType,
		})
	}
	if out.result.Status == models.GeometryFailed {
		acc.add(ctx, models.ReportEntry{
			Severity:    models.SeverityError,
			Stage:       models.StageGeometry,
			Message:     "no geometry could be derived",
			EntityGUID:  e.GUID,
			ElementID:   e.ElementID,
			ElementType: e.OriginalType,
		})
	}
}

func geometryRecord(modelID string, out outcome) models.Geometry {
	g := models.Geometry{
		ModelID:    modelID,
		EntityGUID: out.entity.GUID,
		Status:     out.result.Status,
		Rung:       out.result.Rung,
		UpdatedAt:  time.Now().UTC(),
	}
	mesh := out.result.Mesh
	if mesh == nil {
		return g
	}
	g.VertexCount = mesh.VertexCount()
	g.TriangleCount = mesh.TriangleCount()
	if lo, hi, ok := mesh.Bounds(); ok {
		g.BoundsMin, g.BoundsMax = lo, hi
	}
	g.Vertices, g.Indices = mesh.Encode()
	return g
}
