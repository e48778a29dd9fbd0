package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/bimingest/internal/models"
)

// dialect covers the few SQL differences between the backends.
type dialect struct {
	// ph renders the n-th (1-based) bind parameter.
	ph func(n int) string
	// unlimited is the LIMIT operand meaning "no limit".
	unlimited string
}

var (
	sqliteDialect   = dialect{ph: func(int) string { return "?" }, unlimited: "-1"}
	postgresDialect = dialect{ph: func(n int) string { return "$" + strconv.Itoa(n) }, unlimited: "ALL"}
)

const modelColumns = `id, filename, file_ref, file_size, content_hash, declared_schema,
	schema_identifier, schema_version, parsing_status, geometry_status,
	entity_count, storey_count, system_count, geometry_completed, geometry_partial,
	geometry_failed, created_at, updated_at`

const entityColumns = `model_id, guid, canonical_type, original_type, name, object_type,
	tag, container_guid, element_id, geometry_status, healed`

const containerColumns = `model_id, guid, kind, type, name, parent_guid, elevation, element_id`

const propertyColumns = `model_id, entity_guid, group_name, source, name,
	value_kind, value_text, value_num, value_bool, unit`

const quantityColumns = `model_id, entity_guid, group_name, name, kind,
	value_kind, value_text, value_num, value_bool, unit`

const geometryColumns = `model_id, entity_guid, status, rung, vertex_count, triangle_count,
	min_x, min_y, min_z, max_x, max_y, max_z, vertices, indices, updated_at`

const reportColumns = `id, model_id, layer, status, started_at, finished_at,
	entity_count, storey_count, system_count, geometry_completed, geometry_partial,
	geometry_failed, error_count, warning_count, healed_count`

const entryColumns = `seq, severity, stage, message, entity_guid, element_id, element_type, healing`

// placeholders returns "(p1, ..., pn)" starting at parameter start.
func (d dialect) placeholders(start, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.ph(start + i))
	}
	b.WriteByte(')')
	return b.String()
}

// insert renders a single-row INSERT for columns followed by suffix.
func (d dialect) insert(table, columns, suffix string) string {
	n := strings.Count(columns, ",") + 1
	return "INSERT INTO " + table + " (" + columns + ") VALUES " + d.placeholders(1, n) + suffix
}

// ignoreConflict makes bulk inserts idempotent on the table's unique key.
const ignoreConflict = " ON CONFLICT DO NOTHING"

const geometryConflict = ` ON CONFLICT (model_id, entity_guid) DO UPDATE SET
	status = excluded.status, rung = excluded.rung,
	vertex_count = excluded.vertex_count, triangle_count = excluded.triangle_count,
	min_x = excluded.min_x, min_y = excluded.min_y, min_z = excluded.min_z,
	max_x = excluded.max_x, max_y = excluded.max_y, max_z = excluded.max_z,
	vertices = excluded.vertices, indices = excluded.indices, updated_at = excluded.updated_at`

// entityQuery builds the WHERE clause and, when page is set, LIMIT/OFFSET of an entity filter.
func (d dialect) entityQuery(f models.EntityFilter, page bool) (string, []any) {
	args := []any{f.ModelID}
	conds := []string{"model_id = " + d.ph(1)}
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, col+" = "+d.ph(len(args)))
	}
	if f.CanonicalType != "" {
		add("canonical_type", f.CanonicalType)
	}
	if f.ContainerGUID != "" {
		add("container_guid", f.ContainerGUID)
	}
	if f.GeometryStatus != "" {
		add("geometry_status", string(f.GeometryStatus))
	}
	clause := " WHERE " + strings.Join(conds, " AND ")
	if !page || (f.Limit <= 0 && f.Offset <= 0) {
		return clause, args
	}
	limit := d.unlimited
	if f.Limit > 0 {
		args = append(args, f.Limit)
		limit = d.ph(len(args))
	}
	args = append(args, f.Offset)
	return clause + " ORDER BY element_id LIMIT " + limit + " OFFSET " + d.ph(len(args)), args
}

// scanner is satisfied by database/sql and pgx rows alike.
type scanner interface {
	Scan(dest ...any) error
}

func scanModel(row scanner) (*models.Model, error) {
	var m models.Model
	err := row.Scan(&m.ID, &m.Filename, &m.FileRef, &m.FileSize, &m.ContentHash, &m.DeclaredSchema,
		&m.SchemaID, &m.SchemaVersion, &m.ParsingStatus, &m.GeometryStatus,
		&m.Counts.Entities, &m.Counts.Storeys, &m.Counts.Systems,
		&m.Counts.GeometryCompleted, &m.Counts.GeometryPartial, &m.Counts.GeometryFailed,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func modelArgs(m *models.Model) []any {
	return []any{m.ID, m.Filename, m.FileRef, m.FileSize, m.ContentHash, m.DeclaredSchema,
		m.SchemaID, string(m.SchemaVersion), string(m.ParsingStatus), string(m.GeometryStatus),
		m.Counts.Entities, m.Counts.Storeys, m.Counts.Systems,
		m.Counts.GeometryCompleted, m.Counts.GeometryPartial, m.Counts.GeometryFailed,
		m.CreatedAt, m.UpdatedAt}
}

func scanEntity(row scanner) (*models.Entity, error) {
	var e models.Entity
	err := row.Scan(&e.ModelID, &e.GUID, &e.CanonicalType, &e.OriginalType, &e.Name, &e.ObjectType,
		&e.Tag, &e.ContainerGUID, &e.ElementID, &e.GeometryStatus, &e.Healed)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func entityArgs(e *models.Entity) []any {
	status := e.GeometryStatus
	if status == "" {
		status = models.GeometryPending
	}
	return []any{e.ModelID, e.GUID, e.CanonicalType, e.OriginalType, e.Name, e.ObjectType,
		e.Tag, e.ContainerGUID, e.ElementID, string(status), e.Healed}
}

func scanContainer(row scanner) (*models.Container, error) {
	var c models.Container
	if err := row.Scan(&c.ModelID, &c.GUID, &c.Kind, &c.Type, &c.Name, &c.ParentGUID, &c.Elevation, &c.ElementID); err != nil {
		return nil, err
	}
	return &c, nil
}

func containerArgs(c *models.Container) []any {
	return []any{c.ModelID, c.GUID, string(c.Kind), c.Type, c.Name, c.ParentGUID, c.Elevation, c.ElementID}
}

func scanProperty(row scanner) (*models.Property, error) {
	var (
		p    models.Property
		kind string
		text *string
		num  *float64
		b    *bool
	)
	if err := row.Scan(&p.ModelID, &p.EntityGUID, &p.GroupName, &p.Source, &p.Name, &kind, &text, &num, &b, &p.Unit); err != nil {
		return nil, err
	}
	p.Value = models.ValueFromColumns(kind, text, num, b)
	return &p, nil
}

func propertyArgs(p *models.Property) []any {
	kind, text, num, b := p.Value.Columns()
	return []any{p.ModelID, p.EntityGUID, p.GroupName, string(p.Source), p.Name, kind, text, num, b, p.Unit}
}

func scanQuantity(row scanner) (*models.Quantity, error) {
	var (
		q    models.Quantity
		kind string
		text *string
		num  *float64
		b    *bool
	)
	if err := row.Scan(&q.ModelID, &q.EntityGUID, &q.GroupName, &q.Name, &q.Kind, &kind, &text, &num, &b, &q.Unit); err != nil {
		return nil, err
	}
	q.Value = models.ValueFromColumns(kind, text, num, b)
	return &q, nil
}

func quantityArgs(q *models.Quantity) []any {
	kind, text, num, b := q.Value.Columns()
	qk := q.Kind
	if qk == "" {
		qk = models.QuantityUnknown
	}
	return []any{q.ModelID, q.EntityGUID, q.GroupName, q.Name, string(qk), kind, text, num, b, q.Unit}
}

func scanGeometry(row scanner) (*models.Geometry, error) {
	var g models.Geometry
	err := row.Scan(&g.ModelID, &g.EntityGUID, &g.Status, &g.Rung, &g.VertexCount, &g.TriangleCount,
		&g.BoundsMin[0], &g.BoundsMin[1], &g.BoundsMin[2], &g.BoundsMax[0], &g.BoundsMax[1], &g.BoundsMax[2],
		&g.Vertices, &g.Indices, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func geometryArgs(g *models.Geometry) []any {
	return []any{g.ModelID, g.EntityGUID, string(g.Status), g.Rung, g.VertexCount, g.TriangleCount,
		g.BoundsMin[0], g.BoundsMin[1], g.BoundsMin[2], g.BoundsMax[0], g.BoundsMax[1], g.BoundsMax[2],
		g.Vertices, g.Indices, g.UpdatedAt}
}

func scanReport(row scanner) (*models.ProcessingReport, error) {
	var r models.ProcessingReport
	err := row.Scan(&r.ID, &r.ModelID, &r.Layer, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.Counts.Entities, &r.Counts.Storeys, &r.Counts.Systems,
		&r.Counts.GeometryCompleted, &r.Counts.GeometryPartial, &r.Counts.GeometryFailed,
		&r.Errors, &r.Warnings, &r.Healed)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanEntry(row scanner) (models.ReportEntry, error) {
	var e models.ReportEntry
	err := row.Scan(&e.Seq, &e.Severity, &e.Stage, &e.Message, &e.EntityGUID, &e.ElementID, &e.ElementType, &e.Healing)
	return e, err
}

func reportArgs(r *models.ProcessingReport) []any {
	return []any{r.ID, r.ModelID, string(r.Layer), string(r.Status), r.StartedAt, r.FinishedAt,
		r.Counts.Entities, r.Counts.Storeys, r.Counts.Systems,
		r.Counts.GeometryCompleted, r.Counts.GeometryPartial, r.Counts.GeometryFailed,
		r.Errors, r.Warnings, r.Healed}
}

func stampModel(m *models.Model) {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.ParsingStatus == "" {
		m.ParsingStatus = models.ParsingPending
	}
	if m.GeometryStatus == "" {
		m.GeometryStatus = models.GeometryPending
	}
}

func stampReport(r *models.ProcessingReport) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = models.ReportRunning
	}
}

// checkFinal validates a report handed to FinalizeReport.
func checkFinal(r *models.ProcessingReport) error {
	if r.Status == models.ReportRunning || r.Status == "" {
		return fmt.Errorf("report %s: cannot finalize with status %q", r.ID, r.Status)
	}
	return nil
}

func entryArgs(reportID string, e *models.ReportEntry) []any {
	return []any{reportID, e.Seq, string(e.Severity), string(e.Stage), e.Message,
		e.EntityGUID, e.ElementID, e.ElementType, string(e.Healing)}
}
