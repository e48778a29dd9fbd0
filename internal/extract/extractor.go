// Package extract turns a decoded model into canonical entity, container,
// property and quantity records.
package extract

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/ifc"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/schema"
)

// Sink receives extracted records. An error from a record method aborts the run;
// Report never fails.
type Sink interface {
	Container(models.Container) error
	Entity(models.Entity) error
	Property(models.Property) error
	Quantity(models.Quantity) error
	Report(models.ReportEntry)
}

// Stats summarizes one extraction run.
type Stats struct {
	Entities   int
	Containers int
	Storeys    int
	Systems    int
	Properties int
	Quantities int
	Errors     int
	Healed     int
}

// Extractor walks a decoded model. It holds no per-run state and can be shared.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor returns an Extractor logging to logger (nil for no logging).
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("extract")}
}

// run carries the state of one Extract call.
type run struct {
	x        *Extractor
	m        *ifc.Model
	modelID  string
	version  models.SchemaVersion
	sink     Sink
	ids      *identities
	stats    Stats
	normal   map[string]string
	normalN  map[string]int
	contGUID map[int]string
}

// Extract emits the containers, entities, properties and quantities of m
// under modelID. Per-element failures are reported to sink and skipped; only
// sink errors and cancellation end the run early.
func (x *Extractor) Extract(ctx context.Context, m *ifc.Model, modelID string, sink Sink) (Stats, error) {
	r := &run{
		x:        x,
		m:        m,
		modelID:  modelID,
		version:  m.Version(),
		sink:     sink,
		ids:      newIdentities(modelID),
		normal:   make(map[string]string),
		normalN:  make(map[string]int),
		contGUID: make(map[int]string),
	}
	if !schema.Known(r.version) {
		x.logger.Warn("No normalization table for schema version, types are kept as-is",
			zap.String("model_id", modelID), zap.String("version", string(r.version)))
		sink.Report(models.ReportEntry{
			Severity: models.SeverityWarning,
			Stage:    models.StageNormalize,
			Message:  fmt.Sprintf("no normalization table for schema version %q", r.version),
		})
	}

	if err := r.containers(); err != nil {
		return r.stats, err
	}
	r.stats.Systems = len(m.Systems())

	for i, ref := range m.Elements() {
		if err := ctx.Err(); err != nil {
			return r.stats, err
		}
		if err := r.element(i, ref); err != nil {
			return r.stats, err
		}
	}
	r.reportNormalized()
	return r.stats, nil
}

func (r *run) containers() error {
	cs := r.m.Containers()
	// Containers get their own identifier space so an element may not steal one.
	ids := newIdentities(r.modelID + "/containers")
	for i, c := range cs {
		id, action, msg := ids.assign(c.GlobalID, i, c.ID)
		r.contGUID[c.ID] = id
		if action != "" {
			r.heal(action, msg, id, c.ID, c.Type)
		}
	}
	for _, c := range cs {
		rec := models.Container{
			ModelID:    r.modelID,
			GUID:       r.contGUID[c.ID],
			Kind:       c.Kind,
			Type:       c.Type,
			Name:       c.Name,
			ParentGUID: r.contGUID[c.ParentID],
			Elevation:  c.Elevation,
			ElementID:  c.ID,
		}
		if err := r.sink.Container(rec); err != nil {
			return fmt.Errorf("failed to store container #%d: %w", c.ID, err)
		}
		r.stats.Containers++
		if c.Kind == models.ContainerStorey {
			r.stats.Storeys++
		}
	}
	return nil
}

// element extracts one element. A returned error is a sink failure; decode
// failures and panics are reported and swallowed.
func (r *run) element(index int, ref ifc.ElementRef) (err error) {
	elementType := ifc.DisplayName(ref.Type)
	defer func() {
		if p := recover(); p != nil {
			r.x.logger.Error("Recovered panic while extracting element",
				zap.String("model_id", r.modelID), zap.Int("element_id", ref.ID), zap.Any("panic", p))
			r.fail(models.StageEntities, fmt.Sprintf("extraction panicked: %v", p), "", ref.ID, elementType)
			err = nil
		}
	}()

	el, derr := r.m.Element(ref.ID)
	if derr != nil {
		r.fail(models.StageEntities, derr.Error(), "", ref.ID, elementType)
		return nil
	}

	id, action, msg := r.ids.assign(el.GlobalID, index, el.ID)
	if action != "" {
		r.heal(action, msg, id, el.ID, el.Type)
	}
	canonical := r.normalize(el.Type)

	ent := models.Entity{
		ModelID:        r.modelID,
		GUID:           id,
		CanonicalType:  canonical,
		OriginalType:   el.Type,
		Name:           el.Name,
		ObjectType:     el.ObjectType,
		Tag:            el.Tag,
		ContainerGUID:  r.contGUID[el.ContainerID],
		ElementID:      el.ID,
		GeometryStatus: models.GeometryPending,
		Healed:         action != "",
	}
	if err := r.sink.Entity(ent); err != nil {
		return fmt.Errorf("failed to store entity %s: %w", id, err)
	}
	r.stats.Entities++

	return r.attributes(ent)
}

func (r *run) attributes(ent models.Entity) error {
	groups, err := r.m.PropertyGroups(ent.ElementID)
	if err != nil {
		r.fail(models.StageProperties, err.Error(), ent.GUID, ent.ElementID, ent.OriginalType)
		return nil
	}
	for _, g := range groups {
		for _, e := range g.Entries {
			if g.Quantities {
				q := models.Quantity{
					ModelID:    r.modelID,
					EntityGUID: ent.GUID,
					GroupName:  g.Name,
					Name:       e.Name,
					Kind:       e.Kind,
					Value:      e.Value,
					Unit:       e.Unit,
				}
				if err := r.sink.Quantity(q); err != nil {
					return fmt.Errorf("failed to store quantity %s.%s of %s: %w", g.Name, e.Name, ent.GUID, err)
				}
				r.stats.Quantities++
				continue
			}
			p := models.Property{
				ModelID:    r.modelID,
				EntityGUID: ent.GUID,
				GroupName:  g.Name,
				Source:     g.Source,
				Name:       e.Name,
				Value:      e.Value,
				Unit:       e.Unit,
			}
			if err := r.sink.Property(p); err != nil {
				return fmt.Errorf("failed to store property %s.%s of %s: %w", g.Name, e.Name, ent.GUID, err)
			}
			r.stats.Properties++
		}
	}
	return nil
}

func (r *run) normalize(label string) string {
	canonical := schema.Normalize(label, r.version)
	if canonical != label {
		r.normal[label] = canonical
		r.normalN[label]++
	}
	return canonical
}

// reportNormalized adds one info entry per deprecated type seen.
func (r *run) reportNormalized() {
	labels := make([]string, 0, len(r.normal))
	for l := range r.normal {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		r.sink.Report(models.ReportEntry{
			Severity:    models.SeverityInfo,
			Stage:       models.StageNormalize,
			Message:     fmt.Sprintf("%d %s normalized to %s", r.normalN[l], l, r.normal[l]),
			ElementType: l,
		})
	}
}

func (r *run) heal(action models.HealingAction, msg, id string, elementID int, elementType string) {
	r.stats.Healed++
	r.x.logger.Debug("Healed identifier",
		zap.String("model_id", r.modelID), zap.Int("element_id", elementID), zap.String("action", string(action)))
	r.sink.Report(models.ReportEntry{
		Severity:    models.SeverityWarning,
		Stage:       models.StageEntities,
		Message:     msg,
		EntityGUID:  id,
		ElementID:   elementID,
		ElementType: elementType,
		Healing:     action,
	})
}

func (r *run) fail(stage models.Stage, msg, id string, elementID int, elementType string) {
	r.stats.Errors++
	r.x.logger.Warn("Element skipped",
		zap.String("model_id", r.modelID), zap.Int("element_id", elementID), zap.String("error", msg))
	r.sink.Report(models.ReportEntry{
		Severity:    models.SeverityError,
		Stage:       stage,
		Message:     msg,
		EntityGUID:  id,
		ElementID:   elementID,
		ElementType: elementType,
	})
}
