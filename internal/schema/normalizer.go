// Package schema maps version-specific entity type labels to canonical types
// and detects the schema version of a model file.
package schema

import (
	"strings"

	"github.com/hyperjump/bimingest/internal/models"
)

// standardCase lists subtypes that only add a standardized layer/profile usage
// to their supertype. Every version folds them into the supertype.
var standardCase = map[string]string{
	"IFCWALLSTANDARDCASE":    "IfcWall",
	"IFCWALLELEMENTEDCASE":   "IfcWall",
	"IFCSLABSTANDARDCASE":    "IfcSlab",
	"IFCSLABELEMENTEDCASE":   "IfcSlab",
	"IFCBEAMSTANDARDCASE":    "IfcBeam",
	"IFCCOLUMNSTANDARDCASE":  "IfcColumn",
	"IFCMEMBERSTANDARDCASE":  "IfcMember",
	"IFCPLATESTANDARDCASE":   "IfcPlate",
	"IFCDOORSTANDARDCASE":    "IfcDoor",
	"IFCWINDOWSTANDARDCASE":  "IfcWindow",
	"IFCOPENINGSTANDARDCASE": "IfcOpeningElement",
}

// legacyOnly holds entities removed or renamed after IFC2X3.
var legacyOnly = map[string]string{
	"IFCELECTRICDISTRIBUTIONPOINT": "IfcElectricDistributionBoard",
	"IFCEQUIPMENTELEMENT":          "IfcBuildingElementProxy",
	"IFCELECTRICALELEMENT":         "IfcBuildingElementProxy",
	"IFCGASTERMINALTYPE":           "IfcBurnerType",
}

// extendedOnly holds IFC4X3 renames of abstract supertypes that still turn up
// as concrete instances in files exported by older tools.
var extendedOnly = map[string]string{
	"IFCBUILDINGELEMENT":     "IfcBuiltElement",
	"IFCBUILDINGELEMENTTYPE": "IfcBuiltElementType",
}

// table is keyed by (version, upper-case label).
var table = map[models.SchemaVersion]map[string]string{
	models.SchemaLegacy:   merge(standardCase, legacyOnly),
	models.SchemaCurrent:  merge(standardCase),
	models.SchemaExtended: merge(standardCase, extendedOnly),
}

func merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Normalize returns the canonical type label for label under version v.
// Labels without a mapping are returned unchanged, as are labels of unknown versions.
// Lookup is case-insensitive so both STEP (IFCWALL) and display (IfcWall) forms work.
func Normalize(label string, v models.SchemaVersion) string {
	m, ok := table[v]
	if !ok {
		return label
	}
	if canonical, ok := m[strings.ToUpper(label)]; ok {
		return canonical
	}
	return label
}

// Known reports whether v has a mapping table.
func Known(v models.SchemaVersion) bool {
	_, ok := table[v]
	return ok
}

// Deprecated reports whether label has a mapping under v.
func Deprecated(label string, v models.SchemaVersion) bool {
	_, ok := table[v][strings.ToUpper(label)]
	return ok
}
