package models

import "time"

// Entity is one extracted physical or spatial element.
type Entity struct {
	ModelID        string         `json:"model_id" db:"model_id"`
	GUID           string         `json:"guid" db:"guid"`
	CanonicalType  string         `json:"canonical_type" db:"canonical_type"`
	OriginalType   string         `json:"original_type" db:"original_type"`
	Name           string         `json:"name" db:"name"`
	ObjectType     string         `json:"object_type,omitempty" db:"object_type"`
	Tag            string         `json:"tag,omitempty" db:"tag"`
	ContainerGUID  string         `json:"container_guid,omitempty" db:"container_guid"`
	ElementID      int            `json:"element_id" db:"element_id"`
	GeometryStatus GeometryStatus `json:"geometry_status" db:"geometry_status"`
	// Healed is set when the GUID was synthesized or reformatted.
	Healed bool `json:"healed" db:"healed"`
}

// ContainerKind is the spatial role of a container in the hierarchy.
type ContainerKind string

const (
	ContainerProject  ContainerKind = "project"
	ContainerSite     ContainerKind = "site"
	ContainerBuilding ContainerKind = "building"
	ContainerStorey   ContainerKind = "storey"
	ContainerSpace    ContainerKind = "space"
	ContainerFacility ContainerKind = "facility"
	ContainerPart     ContainerKind = "facility_part"
)

// Container is a node in the spatial hierarchy. Containers are not entities.
type Container struct {
	ModelID    string        `json:"model_id" db:"model_id"`
	GUID       string        `json:"guid" db:"guid"`
	Kind       ContainerKind `json:"kind" db:"kind"`
	Type       string        `json:"type" db:"type"`
	Name       string        `json:"name" db:"name"`
	ParentGUID string        `json:"parent_guid,omitempty" db:"parent_guid"`
	Elevation  *float64      `json:"elevation,omitempty" db:"elevation"`
	ElementID  int           `json:"element_id" db:"element_id"`
}

// GroupSource says where a property group was attached.
type GroupSource string

const (
	SourceInstance GroupSource = "instance"
	SourceType     GroupSource = "type"
)

// Property is one flattened (group, name, value, unit) tuple of a property set.
type Property struct {
	ModelID    string      `json:"model_id" db:"model_id"`
	EntityGUID string      `json:"entity_guid" db:"entity_guid"`
	GroupName  string      `json:"group_name" db:"group_name"`
	Source     GroupSource `json:"source" db:"source"`
	Name       string      `json:"name" db:"name"`
	Value      Value       `json:"value"`
	Unit       string      `json:"unit,omitempty" db:"unit"`
}

// QuantityKind is the physical kind of a quantity entry.
type QuantityKind string

const (
	QuantityLength  QuantityKind = "length"
	QuantityArea    QuantityKind = "area"
	QuantityVolume  QuantityKind = "volume"
	QuantityCount   QuantityKind = "count"
	QuantityWeight  QuantityKind = "weight"
	QuantityTime    QuantityKind = "time"
	QuantityUnknown QuantityKind = "unknown"
)

// Quantity is one flattened entry of a quantity set.
type Quantity struct {
	ModelID    string       `json:"model_id" db:"model_id"`
	EntityGUID string       `json:"entity_guid" db:"entity_guid"`
	GroupName  string       `json:"group_name" db:"group_name"`
	Name       string       `json:"name" db:"name"`
	Kind       QuantityKind `json:"kind" db:"kind"`
	Value      Value        `json:"value"`
	Unit       string       `json:"unit,omitempty" db:"unit"`
}

// Geometry is the stored mesh for one entity, overwritten by each Layer 2 run.
// Vertices and Indices are little-endian float32 and uint32 blobs.
type Geometry struct {
	ModelID       string         `json:"model_id" db:"model_id"`
	EntityGUID    string         `json:"entity_guid" db:"entity_guid"`
	Status        GeometryStatus `json:"status" db:"status"`
	Rung          string         `json:"rung" db:"rung"`
	VertexCount   int            `json:"vertex_count" db:"vertex_count"`
	TriangleCount int            `json:"triangle_count" db:"triangle_count"`
	BoundsMin     [3]float64     `json:"bounds_min"`
	BoundsMax     [3]float64     `json:"bounds_max"`
	Vertices      []byte         `json:"-" db:"vertices"`
	Indices       []byte         `json:"-" db:"indices"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// EntityStatus is a per-entity geometry status update.
type EntityStatus struct {
	GUID   string
	Status GeometryStatus
}

// EntityFilter selects entities of one model. Empty fields do not filter.
type EntityFilter struct {
	ModelID        string
	CanonicalType  string
	ContainerGUID  string
	GeometryStatus GeometryStatus
	Limit          int
	Offset         int
}
