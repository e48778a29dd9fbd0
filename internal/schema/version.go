package schema

import (
	"strings"

	"github.com/hyperjump/bimingest/internal/models"
)

// identifiers maps FILE_SCHEMA identifiers (upper-case, without suffix) to versions.
var identifiers = map[string]models.SchemaVersion{
	"IFC2X3": models.SchemaLegacy,
	"IFC4":   models.SchemaCurrent,
	"IFC4X1": models.SchemaExtended,
	"IFC4X2": models.SchemaExtended,
	"IFC4X3": models.SchemaExtended,
}

// DetectVersion maps a FILE_SCHEMA identifier such as "IFC2X3", "IFC4" or
// "IFC4X3_ADD2" to a schema version. ok is false for anything unsupported.
func DetectVersion(identifier string) (v models.SchemaVersion, ok bool) {
	id := strings.ToUpper(strings.TrimSpace(identifier))
	if v, ok := identifiers[id]; ok {
		return v, true
	}
	// Addenda and corrigenda keep the base identifier before the first underscore.
	if i := strings.IndexByte(id, '_'); i > 0 {
		if v, ok := identifiers[id[:i]]; ok {
			return v, true
		}
	}
	return models.SchemaUnknown, false
}

// ParseVersion accepts either a version name ("legacy", "current", "extended")
// or a schema identifier, as supplied by a caller declaring the schema of an upload.
func ParseVersion(tag string) (models.SchemaVersion, bool) {
	switch v := models.SchemaVersion(strings.ToLower(strings.TrimSpace(tag))); v {
	case models.SchemaLegacy, models.SchemaCurrent, models.SchemaExtended:
		return v, true
	}
	return DetectVersion(tag)
}
