package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/models"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStorage implements Storage on a pgx connection pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
	d    dialect
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage migrates the database at cfg.URL and opens a pool on it.
func NewPostgresStorage(ctx context.Context, cfg *PostgresConfig, logger *zap.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("postgres")

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	err = RunMigrations(db, logger)
	_ = db.Close()
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 25
	}

	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime == 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}

	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = time.Minute * 30
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database", zap.Int32("max_conns", poolConfig.MaxConns))
	return &PostgresStorage{pool: pool, d: postgresDialect}, nil
}

// CreateModel inserts a model. Zero timestamps are set to now.
func (s *PostgresStorage) CreateModel(ctx context.Context, m *models.Model) error {
	stampModel(m)
	_, err := s.pool.Exec(ctx, s.d.insert("models", modelColumns, ""), modelArgs(m)...)
	return err
}

// GetModel returns a model by ID.
func (s *PostgresStorage) GetModel(ctx context.Context, id string) (*models.Model, error) {
	m, err := scanModel(s.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM models WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	return m, err
}

// ListModels returns models newest first.
func (s *PostgresStorage) ListModels(ctx context.Context, offset, limit int) ([]*models.Model, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelColumns+` FROM models ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, lim, offset)
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
func (s *PostgresStorage) UpdateModelParsing(ctx context.Context, m *models.Model) error {
	m.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE models SET parsing_status = $1, declared_schema = $2, schema_identifier = $3, schema_version = $4,
		 entity_count = $5, storey_count = $6, system_count = $7, updated_at = $8
		 WHERE id = $9`,
		string(m.ParsingStatus), m.DeclaredSchema, m.SchemaID, string(m.SchemaVersion),
		m.Counts.Entities, m.Counts.Storeys, m.Counts.Systems, m.UpdatedAt, m.ID,
	)
	return tagOne(tag.RowsAffected(), err, "model", m.ID)
}

// UpdateModelGeometry writes geometry status and Layer 2 counts.
func (s *PostgresStorage) UpdateModelGeometry(ctx context.Context, m *models.Model) error {
	m.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE models SET geometry_status = $1, geometry_completed = $2, geometry_partial = $3,
		 geometry_failed = $4, updated_at = $5
		 WHERE id = $6`,
		string(m.GeometryStatus), m.Counts.GeometryCompleted, m.Counts.GeometryPartial,
		m.Counts.GeometryFailed, m.UpdatedAt, m.ID,
	)
	return tagOne(tag.RowsAffected(), err, "model", m.ID)
}

// DeleteModel removes a model and, through cascading keys, everything extracted from it.
func (s *PostgresStorage) DeleteModel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM models WHERE id = $1`, id)
	return tagOne(tag.RowsAffected(), err, "model", id)
}

// InsertContainers inserts containers, skipping existing (model, guid) pairs.
func (s *PostgresStorage) InsertContainers(ctx context.Context, cs []models.Container) (int, error) {
	return s.sendBatch(ctx, s.d.insert("spatial_containers", containerColumns, ignoreConflict), len(cs),
		func(i int) []any { return containerArgs(&cs[i]) })
}

// InsertEntities inserts entities, skipping existing (model, guid) pairs.
func (s *PostgresStorage) InsertEntities(ctx context.Context, es []models.Entity) (int, error) {
	return s.sendBatch(ctx, s.d.insert("entities", entityColumns, ignoreConflict), len(es),
		func(i int) []any { return entityArgs(&es[i]) })
}

// InsertProperties inserts properties, skipping existing (model, entity, group, name) keys.
func (s *PostgresStorage) InsertProperties(ctx context.Context, ps []models.Property) (int, error) {
	return s.sendBatch(ctx, s.d.insert("properties", propertyColumns, ignoreConflict), len(ps),
		func(i int) []any { return propertyArgs(&ps[i]) })
}

// InsertQuantities inserts quantities, skipping existing (model, entity, group, name) keys.
func (s *PostgresStorage) InsertQuantities(ctx context.Context, qs []models.Quantity) (int, error) {
	return s.sendBatch(ctx, s.d.insert("quantities", quantityColumns, ignoreConflict), len(qs),
		func(i int) []any { return quantityArgs(&qs[i]) })
}

// sendBatch queues query once per row in a single round trip and sums the affected rows.
func (s *PostgresStorage) sendBatch(ctx context.Context, query string, n int, args func(i int) []any) (int, error) {
	if n == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for i := 0; i < n; i++ {
		batch.Queue(query, args(i)...)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for i := 0; i < n; i++ {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("batch row %d: %w", i, err)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}

// ListEntities returns the entities matching f in file order.
func (s *PostgresStorage) ListEntities(ctx context.Context, f models.EntityFilter) ([]*models.Entity, error) {
	where, args := s.d.entityQuery(f, true)
	query := `SELECT ` + entityColumns + ` FROM entities` + where
	if f.Limit <= 0 && f.Offset <= 0 {
		query += ` ORDER BY element_id`
	}
	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStorage) CountEntities(ctx context.Context, f models.EntityFilter) (int, error) {
	where, args := s.d.entityQuery(f, false)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM entities`+where, args...).Scan(&n)
	return n, err
}

// GetEntity returns one entity by GUID.
func (s *PostgresStorage) GetEntity(ctx context.Context, modelID, guid string) (*models.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE model_id = $1 AND guid = $2`, modelID, guid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", guid, ErrNotFound)
	}
	return e, err
}

// ListContainers returns the spatial hierarchy of a model in file order.
func (s *PostgresStorage) ListContainers(ctx context.Context, modelID string) ([]*models.Container, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+containerColumns+` FROM spatial_containers WHERE model_id = $1 ORDER BY element_id`, modelID)
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
func (s *PostgresStorage) ListProperties(ctx context.Context, modelID, entityGUID string) ([]*models.Property, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE model_id = $1 AND entity_guid = $2 ORDER BY id`,
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
func (s *PostgresStorage) ListQuantities(ctx context.Context, modelID, entityGUID string) ([]*models.Quantity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+quantityColumns+` FROM quantities WHERE model_id = $1 AND entity_guid = $2 ORDER BY id`,
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
func (s *PostgresStorage) SetGeometryStatuses(ctx context.Context, modelID string, statuses []models.EntityStatus) error {
	_, err := s.sendBatch(ctx,
		`UPDATE entities SET geometry_status = $1 WHERE model_id = $2 AND guid = $3`, len(statuses),
		func(i int) []any { return []any{string(statuses[i].Status), modelID, statuses[i].GUID} })
	return err
}

// UpsertGeometries stores meshes, replacing any earlier mesh of the same entity.
func (s *PostgresStorage) UpsertGeometries(ctx context.Context, gs []models.Geometry) error {
	now := time.Now().UTC()
	_, err := s.sendBatch(ctx, s.d.insert("geometries", geometryColumns, geometryConflict), len(gs),
		func(i int) []any {
			if gs[i].UpdatedAt.IsZero() {
				gs[i].UpdatedAt = now
			}
			return geometryArgs(&gs[i])
		})
	return err
}

// GetGeometry returns the stored mesh of one entity.
func (s *PostgresStorage) GetGeometry(ctx context.Context, modelID, guid string) (*models.Geometry, error) {
	g, err := scanGeometry(s.pool.QueryRow(ctx,
		`SELECT `+geometryColumns+` FROM geometries WHERE model_id = $1 AND entity_guid = $2`, modelID, guid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("geometry %s: %w", guid, ErrNotFound)
	}
	return g, err
}

// CreateReport inserts a report in the running state.
func (s *PostgresStorage) CreateReport(ctx context.Context, r *models.ProcessingReport) error {
	stampReport(r)
	_, err := s.pool.Exec(ctx, s.d.insert("processing_reports", reportColumns, ""), reportArgs(r)...)
	return err
}

// AppendReportEntries adds entries to a running report.
func (s *PostgresStorage) AppendReportEntries(ctx context.Context, reportID string, entries []models.ReportEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM processing_reports WHERE id = $1`, reportID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if models.ReportStatus(status) != models.ReportRunning {
		return fmt.Errorf("report %s: %w", reportID, ErrReportFinal)
	}
	_, err = s.sendBatch(ctx, s.d.insert("report_entries", "report_id, "+entryColumns, ignoreConflict), len(entries),
		func(i int) []any { return entryArgs(reportID, &entries[i]) })
	return err
}

// FinalizeReport stores the final status and counts of a running report.
func (s *PostgresStorage) FinalizeReport(ctx context.Context, r *models.ProcessingReport) error {
	if err := checkFinal(r); err != nil {
		return err
	}
	if r.FinishedAt == nil {
		now := time.Now().UTC()
		r.FinishedAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_reports SET status = $1, finished_at = $2, entity_count = $3, storey_count = $4,
		 system_count = $5, geometry_completed = $6, geometry_partial = $7, geometry_failed = $8,
		 error_count = $9, warning_count = $10, healed_count = $11
		 WHERE id = $12 AND status = 'running'`,
		string(r.Status), *r.FinishedAt, r.Counts.Entities, r.Counts.Storeys,
		r.Counts.Systems, r.Counts.GeometryCompleted, r.Counts.GeometryPartial, r.Counts.GeometryFailed,
		r.Errors, r.Warnings, r.Healed, r.ID,
	)
	if err := tagOne(tag.RowsAffected(), err, "report", r.ID); !errors.Is(err, ErrNotFound) {
		return err
	}
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1 FROM processing_reports WHERE id = $1`, r.ID).Scan(&one); errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("report %s: %w", r.ID, ErrNotFound)
	}
	return fmt.Errorf("report %s: %w", r.ID, ErrReportFinal)
}

// ListReports returns the reports of a model, newest first, without entries.
func (s *PostgresStorage) ListReports(ctx context.Context, modelID string) ([]*models.ProcessingReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM processing_reports WHERE model_id = $1 ORDER BY started_at DESC, id DESC`,
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
func (s *PostgresStorage) GetReport(ctx context.Context, id string) (*models.ProcessingReport, error) {
	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM processing_reports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM report_entries WHERE report_id = $1 ORDER BY seq`, id)
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

// Close closes the connection pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func tagOne(affected int64, err error, what, id string) error {
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
