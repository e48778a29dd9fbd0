// Package storage defines the persistence interface for models, their
// extracted records, geometry and processing reports.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/bimingest/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrReportFinal is returned when writing to a report that has already ended.
var ErrReportFinal = errors.New("report is final")

// Storage persists pipeline state. Bulk inserts ignore rows whose key already
// exists and return how many rows were actually written, so re-running a layer
// never duplicates data.
type Storage interface {
	// Model operations
	CreateModel(ctx context.Context, m *models.Model) error
	GetModel(ctx context.Context, id string) (*models.Model, error)
	ListModels(ctx context.Context, offset, limit int) ([]*models.Model, error)
	// UpdateModelParsing writes the Layer 1 fields: parsing status, schema and
	// entity/storey/system counts.
	UpdateModelParsing(ctx context.Context, m *models.Model) error
	// UpdateModelGeometry writes the Layer 2 fields: geometry status and counts.
	UpdateModelGeometry(ctx context.Context, m *models.Model) error
	// DeleteModel removes a model and everything extracted from it.
	DeleteModel(ctx context.Context, id string) error

	// Layer 1 output
	InsertContainers(ctx context.Context, cs []models.Container) (int, error)
	InsertEntities(ctx context.Context, es []models.Entity) (int, error)
	InsertProperties(ctx context.Context, ps []models.Property) (int, error)
	InsertQuantities(ctx context.Context, qs []models.Quantity) (int, error)

	// Queries
	ListEntities(ctx context.Context, f models.EntityFilter) ([]*models.Entity, error)
	CountEntities(ctx context.Context, f models.EntityFilter) (int, error)
	GetEntity(ctx context.Context, modelID, guid string) (*models.Entity, error)
	ListContainers(ctx context.Context, modelID string) ([]*models.Container, error)
	ListProperties(ctx context.Context, modelID, entityGUID string) ([]*models.Property, error)
	ListQuantities(ctx context.Context, modelID, entityGUID string) ([]*models.Quantity, error)

	// Layer 2 output
	SetGeometryStatuses(ctx context.Context, modelID string, statuses []models.EntityStatus) error
	UpsertGeometries(ctx context.Context, gs []models.Geometry) error
	GetGeometry(ctx context.Context, modelID, guid string) (*models.Geometry, error)

	// Reports
	CreateReport(ctx context.Context, r *models.ProcessingReport) error
	// AppendReportEntries adds entries to a running report; ErrReportFinal otherwise.
	AppendReportEntries(ctx context.Context, reportID string, entries []models.ReportEntry) error
	// FinalizeReport stores the final status and counts. A report can be finalized once.
	FinalizeReport(ctx context.Context, r *models.ProcessingReport) error
	// ListReports returns the reports of a model, newest first, without entries.
	ListReports(ctx context.Context, modelID string) ([]*models.ProcessingReport, error)
	// GetReport returns a report with its entries in order.
	GetReport(ctx context.Context, id string) (*models.ProcessingReport, error)

	Close() error
}
