// Package models defines core data structures for models, entities, attribute sets, and processing reports.
package models

import "time"

// SchemaVersion is the interchange schema family a model file conforms to.
type SchemaVersion string

const (
	// SchemaUnknown is the version of a model that has not been parsed yet.
	SchemaUnknown SchemaVersion = ""
	// SchemaLegacy covers IFC2X3 files.
	SchemaLegacy SchemaVersion = "legacy"
	// SchemaCurrent covers IFC4 files.
	SchemaCurrent SchemaVersion = "current"
	// SchemaExtended covers IFC4X3 files.
	SchemaExtended SchemaVersion = "extended"
)

// ParsingStatus tracks Layer 1 (metadata extraction).
type ParsingStatus string

const (
	ParsingPending ParsingStatus = "pending"
	ParsingRunning ParsingStatus = "parsing"
	ParsingParsed  ParsingStatus = "parsed"
	// ParsingFailed is terminal for the run: the file could not be decoded at all.
	ParsingFailed ParsingStatus = "failed"
)

// GeometryStatus tracks Layer 2 for a model and, per entity, the rung that produced its mesh.
type GeometryStatus string

const (
	GeometryPending    GeometryStatus = "pending"
	GeometryExtracting GeometryStatus = "extracting"
	GeometryCompleted  GeometryStatus = "completed"
	GeometryPartial    GeometryStatus = "partial"
	GeometryFailed     GeometryStatus = "failed"
)

// Terminal reports whether s is an end state of a Layer 2 run.
func (s GeometryStatus) Terminal() bool {
	return s == GeometryCompleted || s == GeometryPartial || s == GeometryFailed
}

// Valid reports whether s is one of the known geometry statuses.
func (s GeometryStatus) Valid() bool {
	switch s {
	case GeometryPending, GeometryExtracting, GeometryCompleted, GeometryPartial, GeometryFailed:
		return true
	}
	return false
}

// Model is one uploaded file version.
type Model struct {
	ID             string         `json:"id" db:"id"`
	Filename       string         `json:"filename" db:"filename"`
	FileRef        string         `json:"file_ref" db:"file_ref"`
	FileSize       int64          `json:"file_size" db:"file_size"`
	ContentHash    string         `json:"content_hash" db:"content_hash"`
	DeclaredSchema string         `json:"declared_schema,omitempty" db:"declared_schema"`
	SchemaID       string         `json:"schema_identifier,omitempty" db:"schema_identifier"`
	SchemaVersion  SchemaVersion  `json:"schema_version" db:"schema_version"`
	ParsingStatus  ParsingStatus  `json:"parsing_status" db:"parsing_status"`
	GeometryStatus GeometryStatus `json:"geometry_status" db:"geometry_status"`
	Counts         ModelCounts    `json:"counts"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// ModelCounts are the aggregate counts persisted when a layer run ends.
type ModelCounts struct {
	Entities          int `json:"entities" db:"entity_count"`
	Storeys           int `json:"storeys" db:"storey_count"`
	Systems           int `json:"systems" db:"system_count"`
	GeometryCompleted int `json:"geometry_completed" db:"geometry_completed"`
	GeometryPartial   int `json:"geometry_partial" db:"geometry_partial"`
	GeometryFailed    int `json:"geometry_failed" db:"geometry_failed"`
}

// Queryable reports whether the model's metadata can be browsed.
// Layer 1 completion alone is sufficient; geometry is never required.
func (m *Model) Queryable() bool {
	return m.ParsingStatus == ParsingParsed
}

// StatusVersion is the version of the ModelStatus record shape.
const StatusVersion = 1

// ModelStatus is the structured, versioned status surface for one model.
type ModelStatus struct {
	Version        int            `json:"version"`
	ModelID        string         `json:"model_id"`
	SchemaVersion  SchemaVersion  `json:"schema_version"`
	ParsingStatus  ParsingStatus  `json:"parsing_status"`
	GeometryStatus GeometryStatus `json:"geometry_status"`
	Queryable      bool           `json:"queryable"`
	Counts         ModelCounts    `json:"counts"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Status returns the status record for m.
func (m *Model) Status() ModelStatus {
	return ModelStatus{
		Version:        StatusVersion,
		ModelID:        m.ID,
		SchemaVersion:  m.SchemaVersion,
		ParsingStatus:  m.ParsingStatus,
		GeometryStatus: m.GeometryStatus,
		Queryable:      m.Queryable(),
		Counts:         m.Counts,
		UpdatedAt:      m.UpdatedAt,
	}
}
