// Package export writes model schedules as spreadsheets.
package export

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/bimingest/internal/models"
)

// Sheet names of a schedule workbook.
const (
	SheetSummary    = "Summary"
	SheetEntities   = "Entities"
	SheetContainers = "Containers"
	SheetProperties = "Properties"
	SheetQuantities = "Quantities"
)

// Source is the read side of storage a schedule is built from.
type Source interface {
	GetModel(ctx context.Context, id string) (*models.Model, error)
	ListEntities(ctx context.Context, f models.EntityFilter) ([]*models.Entity, error)
	ListContainers(ctx context.Context, modelID string) ([]*models.Container, error)
	ListProperties(ctx context.Context, modelID, entityGUID string) ([]*models.Property, error)
	ListQuantities(ctx context.Context, modelID, entityGUID string) ([]*models.Quantity, error)
}

// Summary counts what was written.
type Summary struct {
	Entities   int
	Containers int
	Properties int
	Quantities int
}

var (
	entityHeader    = []string{"GUID", "Type", "Original Type", "Name", "Object Type", "Tag", "Container", "Geometry", "Healed"}
	containerHeader = []string{"GUID", "Kind", "Type", "Name", "Parent", "Elevation"}
	propertyHeader  = []string{"Entity GUID", "Group", "Source", "Name", "Value", "Unit"}
	quantityHeader  = []string{"Entity GUID", "Group", "Name", "Kind", "Value", "Unit"}
)

// WriteSchedule writes an .xlsx workbook for a parsed model to w.
func WriteSchedule(ctx context.Context, w io.Writer, src Source, modelID string) (*Summary, error) {
	m, err := src.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !m.Queryable() {
		return nil, fmt.Errorf("model %s is %s, not parsed", modelID, m.ParsingStatus)
	}
	entities, err := src.ListEntities(ctx, models.EntityFilter{ModelID: modelID})
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	containers, err := src.ListContainers(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetEntities, SheetContainers, SheetProperties, SheetQuantities} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	sum := &Summary{Entities: len(entities), Containers: len(containers)}
	containerNames := make(map[string]string, len(containers))

	cw, err := newSheet(f, SheetContainers, containerHeader, bold)
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		containerNames[c.GUID] = c.Name
		var elev any
		if c.Elevation != nil {
			elev = *c.Elevation
		}
		if err := cw.row(c.GUID, string(c.Kind), c.Type, c.Name, c.ParentGUID, elev); err != nil {
			return nil, err
		}
	}
	if err := cw.Flush(); err != nil {
		return nil, err
	}

	ew, err := newSheet(f, SheetEntities, entityHeader, bold)
	if err != nil {
		return nil, err
	}
	pw, err := newSheet(f, SheetProperties, propertyHeader, bold)
	if err != nil {
		return nil, err
	}
	qw, err := newSheet(f, SheetQuantities, quantityHeader, bold)
	if err != nil {
		return nil, err
	}
	byType := map[string]int{}
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		byType[e.CanonicalType]++
		container := containerNames[e.ContainerGUID]
		if err := ew.row(e.GUID, e.CanonicalType, e.OriginalType, e.Name, e.ObjectType, e.Tag,
			container, string(e.GeometryStatus), e.Healed); err != nil {
			return nil, err
		}

		props, err := src.ListProperties(ctx, modelID, e.GUID)
		if err != nil {
			return nil, fmt.Errorf("list properties of %s: %w", e.GUID, err)
		}
		for _, p := range props {
			if err := pw.row(e.GUID, p.GroupName, string(p.Source), p.Name, cellValue(p.Value), p.Unit); err != nil {
				return nil, err
			}
		}
		sum.Properties += len(props)

		qtys, err := src.ListQuantities(ctx, modelID, e.GUID)
		if err != nil {
			return nil, fmt.Errorf("list quantities of %s: %w", e.GUID, err)
		}
		for _, q := range qtys {
			if err := qw.row(e.GUID, q.GroupName, q.Name, string(q.Kind), cellValue(q.Value), q.Unit); err != nil {
				return nil, err
			}
		}
		sum.Quantities += len(qtys)
	}
	for _, sw := range []*sheet{ew, pw, qw} {
		if err := sw.Flush(); err != nil {
			return nil, err
		}
	}

	if err := writeSummary(f, m, byType, sum, bold); err != nil {
		return nil, err
	}
	if _, err := f.WriteTo(w); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return sum, nil
}

func writeSummary(f *excelize.File, m *models.Model, byType map[string]int, sum *Summary, bold int) error {
	rows := [][]any{
		{"Model", m.ID},
		{"File", m.Filename},
		{"Schema", m.SchemaID},
		{"Parsing", string(m.ParsingStatus)},
		{"Geometry", string(m.GeometryStatus)},
		{"Entities", sum.Entities},
		{"Containers", sum.Containers},
		{"Properties", sum.Properties},
		{"Quantities", sum.Quantities},
		{},
		{"Type", "Count"},
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		rows = append(rows, []any{t, byType[t]})
	}
	for i, r := range rows {
		if len(r) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetSummary, cell, &r); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(SheetSummary, "A1", fmt.Sprintf("A%d", len(rows)), bold); err != nil {
		return err
	}
	return f.SetColWidth(SheetSummary, "A", "B", 24)
}

// cellValue maps a tagged value onto a typed spreadsheet cell.
func cellValue(v models.Value) any {
	switch v.Kind {
	case models.KindString:
		return v.Str
	case models.KindNumber:
		return v.Num
	case models.KindBoolean:
		return v.Bool
	}
	return nil
}

// sheet streams rows into one worksheet.
type sheet struct {
	*excelize.StreamWriter
	next int
}

func newSheet(f *excelize.File, name string, header []string, bold int) (*sheet, error) {
	sw, err := f.NewStreamWriter(name)
	if err != nil {
		return nil, fmt.Errorf("open sheet %s: %w", name, err)
	}
	if err := sw.SetColWidth(1, len(header), 20); err != nil {
		return nil, err
	}
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = excelize.Cell{StyleID: bold, Value: h}
	}
	if err := sw.SetRow("A1", cells); err != nil {
		return nil, err
	}
	return &sheet{StreamWriter: sw, next: 2}, nil
}

func (s *sheet) row(values ...any) error {
	cell, err := excelize.CoordinatesToCellName(1, s.next)
	if err != nil {
		return err
	}
	s.next++
	return s.SetRow(cell, values)
}
