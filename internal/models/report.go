package models

import "time"

// Layer identifies a processing layer.
type Layer string

const (
	LayerParse    Layer = "parse"
	LayerGeometry Layer = "geometry"
)

// ReportStatus is the overall outcome of one layer run.
type ReportStatus string

const (
	ReportRunning   ReportStatus = "running"
	ReportCompleted ReportStatus = "completed"
	ReportPartial   ReportStatus = "partial"
	ReportFailed    ReportStatus = "failed"
	ReportCancelled ReportStatus = "cancelled"
)

// Severity of a report entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	// SeverityFatal marks the entry that aborted the run.
	SeverityFatal Severity = "fatal"
)

// Stage of the pipeline that produced a report entry.
type Stage string

const (
	StageDecode     Stage = "decode"
	StageNormalize  Stage = "normalize"
	StageEntities   Stage = "entities"
	StageProperties Stage = "properties"
	StageQuantities Stage = "quantities"
	StageGeometry   Stage = "geometry"
	StagePersist    Stage = "persist"
)

// HealingAction is an automatic repair applied to malformed input.
type HealingAction string

const (
	HealGUIDMissing     HealingAction = "guid_missing"
	HealGUIDMalformed   HealingAction = "guid_malformed"
	HealGUIDDuplicate   HealingAction = "guid_duplicate"
	HealGUIDReformatted HealingAction = "guid_reformatted"
)

// ReportEntry is one structured error, warning or healing record.
type ReportEntry struct {
	Seq         int           `json:"seq" db:"seq"`
	Severity    Severity      `json:"severity" db:"severity"`
	Stage       Stage         `json:"stage" db:"stage"`
	Message     string        `json:"message" db:"message"`
	EntityGUID  string        `json:"entity_guid,omitempty" db:"entity_guid"`
	ElementID   int           `json:"element_id,omitempty" db:"element_id"`
	ElementType string        `json:"element_type,omitempty" db:"element_type"`
	Healing     HealingAction `json:"healing,omitempty" db:"healing"`
}

// ProcessingReport is created at the start of a layer run and finalized at its end.
// Entries are append-only while Status is running.
type ProcessingReport struct {
	ID         string        `json:"id" db:"id"`
	ModelID    string        `json:"model_id" db:"model_id"`
	Layer      Layer         `json:"layer" db:"layer"`
	Status     ReportStatus  `json:"status" db:"status"`
	StartedAt  time.Time     `json:"started_at" db:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
	Counts     ModelCounts   `json:"counts"`
	Errors     int           `json:"errors" db:"error_count"`
	Warnings   int           `json:"warnings" db:"warning_count"`
	Healed     int           `json:"healed" db:"healed_count"`
	Entries    []ReportEntry `json:"entries,omitempty"`
}

// Final reports whether the run has ended.
func (r *ProcessingReport) Final() bool {
	return r.Status != ReportRunning
}
