package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/bimingest/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
	d  dialect
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, d: sqliteDialect}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		file_ref TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		declared_schema TEXT NOT NULL DEFAULT '',
		schema_identifier TEXT NOT NULL DEFAULT '',
		schema_version TEXT NOT NULL DEFAULT '',
		parsing_status TEXT NOT NULL,
		geometry_status TEXT NOT NULL,
		entity_count INTEGER NOT NULL DEFAULT 0,
		storey_count INTEGER NOT NULL DEFAULT 0,
		system_count INTEGER NOT NULL DEFAULT 0,
		geometry_completed INTEGER NOT NULL DEFAULT 0,
		geometry_partial INTEGER NOT NULL DEFAULT 0,
		geometry_failed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_models_created_at ON models(created_at);

	CREATE TABLE IF NOT EXISTS spatial_containers (
		model_id TEXT NOT NULL,
		guid TEXT NOT NULL,
		kind TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		parent_guid TEXT NOT NULL DEFAULT '',
		elevation REAL,
		element_id INTEGER NOT NULL,
		PRIMARY KEY (model_id, guid),
		FOREIGN KEY (model_id) REFERENCES models(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS entities (
		model_id TEXT NOT NULL,
		guid TEXT NOT NULL,
		canonical_type TEXT NOT NULL,
		original_type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		object_type TEXT NOT NULL DEFAULT '',
		tag TEXT NOT NULL DEFAULT '',
		container_guid TEXT NOT NULL DEFAULT '',
		element_id INTEGER NOT NULL,
		geometry_status TEXT NOT NULL,
		healed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (model_id, guid),
		FOREIGN KEY (model_id) REFERENCES models(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(model_id, canonical_type);
	CREATE INDEX IF NOT EXISTS idx_entities_container ON entities(model_id, container_guid);
	CREATE INDEX IF NOT EXISTS idx_entities_element ON entities(model_id, element_id);
	CREATE INDEX IF NOT EXISTS idx_entities_geometry ON entities(model_id, geometry_status);

	CREATE TABLE IF NOT EXISTS properties (
		model_id TEXT NOT NULL,
		entity_guid TEXT NOT NULL,
		group_name TEXT NOT NULL,
		source TEXT NOT NULL,
		name TEXT NOT NULL,
		value_kind TEXT NOT NULL,
		value_text TEXT,
		value_num REAL,
		value_bool INTEGER,
		unit TEXT NOT NULL DEFAULT '',
		UNIQUE (model_id, entity_guid, group_name, name),
		FOREIGN KEY (model_id) REFERENCES models(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS quantities (
		model_id TEXT NOT NULL,
		entity_guid TEXT NOT NULL,
		group_name TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		value_kind TEXT NOT NULL,
		value_text TEXT,
		value_num REAL,
		value_bool INTEGER,
		unit TEXT NOT NULL DEFAULT '',
		UNIQUE (model_id, entity_guid, group_name, name),
		FOREIGN KEY (model_id) REFERENCES models(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS geometries (
		model_id TEXT NOT NULL,
		entity_guid TEXT NOT NULL,
		status TEXT NOT NULL,
		rung TEXT NOT NULL DEFAULT '',
		vertex_count INTEGER NOT NULL DEFAULT 0,
		triangle_count INTEGER NOT NULL DEFAULT 0,
		min_x REAL NOT NULL DEFAULT 0,
		min_y REAL NOT NULL DEFAULT 0,
		min_z REAL NOT NULL DEFAULT 0,
		max_x REAL NOT NULL DEFAULT 0,
		max_y REAL NOT NULL DEFAULT 0,
		max_z REAL NOT NULL DEFAULT 0,
		vertices BLOB,
		indices BLOB,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (model_id, entity_guid),
		FOREIGN KEY (model_id) REFERENCES models(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS processing_reports (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		layer TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		entity_count INTEGER NOT NULL DEFAULT 0,
		storey_count INTEGER NOT NULL DEFAULT 0,
		system_count INTEGER NOT NULL DEFAULT 0,
		geometry_completed INTEGER NOT NULL DEFAULT 0,
		geometry_partial INTEGER NOT NULL DEFAULT 0,
		geometry_failed INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		warning_count INTEGER NOT NULL DEFAULT 0,
		healed_count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (model_id) REFERENCES models(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_reports_model ON processing_reports(model_id, started_at);

	CREATE TABLE IF NOT EXISTS report_entries (
		report_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		severity TEXT NOT NULL,
		stage TEXT NOT NULL,
		message TEXT NOT NULL,
		entity_guid TEXT NOT NULL DEFAULT '',
		element_id INTEGER NOT NULL DEFAULT 0,
		element_type TEXT NOT NULL DEFAULT '',
		healing TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (report_id, seq),
		FOREIGN KEY (report_id) REFERENCES processing_reports(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateModel inserts a model. Zero timestamps are set to now.
func (s *SQLiteStorage) CreateModel(ctx context.Context, m *models.Model) error {
	stampModel(m)
	_, err := s.db.ExecContext(ctx, s.d.insert("models", modelColumns, ""), modelArgs(m)...)
	return err
}

// GetModel returns a model by ID.
func (s *SQLiteStorage) GetModel(ctx context.Context, id string) (*models.Model, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	return m, err
}

// ListModels returns models newest first.
func (s *SQLiteStorage) ListModels(ctx context.Context, offset, limit int) ([]*models.Model, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateModelParsing writes parsing status, schema and Layer 1 counts.
func (s *SQLiteStorage) UpdateModelParsing(ctx context.Context, m *models.Model) error {
	m.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE models SET parsing_status = ?, declared_schema = ?, schema_identifier = ?, schema_version = ?,
		 entity_count = ?, storey_count = ?, system_count = ?, updated_at = ?
		 WHERE id = ?`,
		string(m.ParsingStatus), m.DeclaredSchema, m.SchemaID, string(m.SchemaVersion),
		m.Counts.Entities, m.Counts.Storeys, m.Counts.Systems, m.UpdatedAt, m.ID,
	)
	return affectedOne(result, err, "model", m.ID)
}

// UpdateModelGeometry writes geometry status and Layer 2 counts.
func (s *SQLiteStorage) UpdateModelGeometry(ctx context.Context, m *models.Model) error {
	m.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE models SET geometry_status = ?, geometry_completed = ?, geometry_partial = ?,
		 geometry_failed = ?, updated_at = ?
		 WHERE id = ?`,
		string(m.GeometryStatus), m.Counts.GeometryCompleted, m.Counts.GeometryPartial,
		m.Counts.GeometryFailed, m.UpdatedAt, m.ID,
	)
	return affectedOne(result, err, "model", m.ID)
}

// DeleteModel removes a model; dependent rows go with it through cascading keys.
func (s *SQLiteStorage) DeleteModel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return affectedOne(result, err, "model", id)
}

// InsertContainers inserts containers, skipping existing (model, guid) pairs.
func (s *SQLiteStorage) InsertContainers(ctx context.Context, cs []models.Container) (int, error) {
	return s.insertAll(ctx, s.d.insert("spatial_containers", containerColumns, ignoreConflict), len(cs),
		func(i int) []any { return containerArgs(&cs[i]) })
}

// InsertEntities inserts entities, skipping existing (model, guid) pairs.
func (s *SQLiteStorage) InsertEntities(ctx context.Context, es []models.Entity) (int, error) {
	return s.insertAll(ctx, s.d.insert("entities", entityColumns, ignoreConflict), len(es),
		func(i int) []any { return entityArgs(&es[i]) })
}

// InsertProperties inserts properties, skipping existing (model, entity, group, name) keys.
func (s *SQLiteStorage) InsertProperties(ctx context.Context, ps []models.Property) (int, error) {
	return s.insertAll(ctx, s.d.insert("properties", propertyColumns, ignoreConflict), len(ps),
		func(i int) []any { return propertyArgs(&ps[i]) })
}

// InsertQuantities inserts quantities, skipping existing (model, entity, group, name) keys.
func (s *SQLiteStorage) InsertQuantities(ctx context.Context, qs []models.Quantity) (int, error) {
	return s.insertAll(ctx, s.d.insert("quantities", quantityColumns, ignoreConflict), len(qs),
		func(i int) []any { return quantityArgs(&qs[i]) })
}

// insertAll runs query once per row inside a single transaction and sums the affected rows.
func (s *SQLiteStorage) insertAll(ctx context.Context, query string, n int, args func(i int) []any) (int, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for i := 0; i < n; i++ {
		result, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if k, err := result.RowsAffected(); err == nil {
			written += int(k)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// ListEntities returns the entities matching f in file order.
func (s *SQLiteStorage) ListEntities(ctx context.Context, f models.EntityFilter) ([]*models.Entity, error) {
	where, args := s.d.entityQuery(f, true)
	query := `SELECT ` + entityColumns + ` FROM entities` + where
	if f.Limit <= 0 && f.Offset <= 0 {
		query += ` ORDER BY element_id`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEntities returns the number of entities matching f, ignoring paging.
func (s *SQLiteStorage) CountEntities(ctx context.Context, f models.EntityFilter) (int, error) {
	where, args := s.d.entityQuery(f, false)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`+where, args...).Scan(&n)
	return n, err
}

// GetEntity returns one entity by GUID.
func (s *SQLiteStorage) GetEntity(ctx context.Context, modelID, guid string) (*models.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE model_id = ? AND guid = ?`, modelID, guid))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", guid, ErrNotFound)
	}
	return e, err
}

// ListContainers returns the spatial hierarchy of a model in file order.
func (s *SQLiteStorage) ListContainers(ctx context.Context, modelID string) ([]*models.Container, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+containerColumns+` FROM spatial_containers WHERE model_id = ? ORDER BY element_id`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListProperties returns the properties of one entity in insertion order.
func (s *SQLiteStorage) ListProperties(ctx context.Context, modelID, entityGUID string) ([]*models.Property, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE model_id = ? AND entity_guid = ? ORDER BY rowid`,
		modelID, entityGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListQuantities returns the quantities of one entity in insertion order.
func (s *SQLiteStorage) ListQuantities(ctx context.Context, modelID, entityGUID string) ([]*models.Quantity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+quantityColumns+` FROM quantities WHERE model_id = ? AND entity_guid = ? ORDER BY rowid`,
		modelID, entityGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Quantity
	for rows.Next() {
		q, err := scanQuantity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SetGeometryStatuses updates the per-entity geometry status.
func (s *SQLiteStorage) SetGeometryStatuses(ctx context.Context, modelID string, statuses []models.EntityStatus) error {
	_, err := s.insertAll(ctx,
		`UPDATE entities SET geometry_status = ? WHERE model_id = ? AND guid = ?`, len(statuses),
		func(i int) []any { return []any{string(statuses[i].Status), modelID, statuses[i].GUID} })
	return err
}

// UpsertGeometries stores meshes, replacing any earlier mesh of the same entity.
func (s *SQLiteStorage) UpsertGeometries(ctx context.Context, gs []models.Geometry) error {
	now := time.Now().UTC()
	_, err := s.insertAll(ctx, s.d.insert("geometries", geometryColumns, geometryConflict), len(gs),
		func(i int) []any {
			if gs[i].UpdatedAt.IsZero() {
				gs[i].UpdatedAt = now
			}
			return geometryArgs(&gs[i])
		})
	return err
}

// GetGeometry returns the stored mesh of one entity.
func (s *SQLiteStorage) GetGeometry(ctx context.Context, modelID, guid string) (*models.Geometry, error) {
	g, err := scanGeometry(s.db.QueryRowContext(ctx,
		`SELECT `+geometryColumns+` FROM geometries WHERE model_id = ? AND entity_guid = ?`, modelID, guid))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("geometry %s: %w", guid, ErrNotFound)
	}
	return g, err
}

// CreateReport inserts a report in the running state.
func (s *SQLiteStorage) CreateReport(ctx context.Context, r *models.ProcessingReport) error {
	stampReport(r)
	_, err := s.db.ExecContext(ctx, s.d.insert("processing_reports", reportColumns, ""), reportArgs(r)...)
	return err
}

// AppendReportEntries adds entries to a running report.
func (s *SQLiteStorage) AppendReportEntries(ctx context.Context, reportID string, entries []models.ReportEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM processing_reports WHERE id = ?`, reportID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if models.ReportStatus(status) != models.ReportRunning {
		return fmt.Errorf("report %s: %w", reportID, ErrReportFinal)
	}
	_, err = s.insertAll(ctx, s.d.insert("report_entries", "report_id, "+entryColumns, ignoreConflict), len(entries),
		func(i int) []any { return entryArgs(reportID, &entries[i]) })
	return err
}

// FinalizeReport stores the final status and counts of a running report.
func (s *SQLiteStorage) FinalizeReport(ctx context.Context, r *models.ProcessingReport) error {
	if err := checkFinal(r); err != nil {
		return err
	}
	if r.FinishedAt == nil {
		now := time.Now().UTC()
		r.FinishedAt = &now
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE processing_reports SET status = ?, finished_at = ?, entity_count = ?, storey_count = ?,
		 system_count = ?, geometry_completed = ?, geometry_partial = ?, geometry_failed = ?,
		 error_count = ?, warning_count = ?, healed_count = ?
		 WHERE id = ? AND status = 'running'`,
		string(r.Status), *r.FinishedAt, r.Counts.Entities, r.Counts.Storeys,
		r.Counts.Systems, r.Counts.GeometryCompleted, r.Counts.GeometryPartial, r.Counts.GeometryFailed,
		r.Errors, r.Warnings, r.Healed, r.ID,
	)
	if err := affectedOne(result, err, "report", r.ID); !errors.Is(err, ErrNotFound) {
		return err
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processing_reports WHERE id = ?`, r.ID).Scan(&one); err == sql.ErrNoRows {
		return fmt.Errorf("report %s: %w", r.ID, ErrNotFound)
	}
	return fmt.Errorf("report %s: %w", r.ID, ErrReportFinal)
}

// ListReports returns the reports of a model, newest first, without entries.
func (s *SQLiteStorage) ListReports(ctx context.Context, modelID string) ([]*models.ProcessingReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM processing_reports WHERE model_id = ? ORDER BY started_at DESC, rowid DESC`,
		modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ProcessingReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReport returns a report with its entries ordered by sequence.
func (s *SQLiteStorage) GetReport(ctx context.Context, id string) (*models.ProcessingReport, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM processing_reports WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM report_entries WHERE report_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		r.Entries = append(r.Entries, e)
	}
	return r, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// affectedOne turns an UPDATE/DELETE that touched no row into ErrNotFound.
func affectedOne(result sql.Result, err error, what, id string) error {
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
