package extract

import (
	"fmt"

	"github.com/hyperjump/bimingest/internal/guid"
	"github.com/hyperjump/bimingest/internal/models"
)

// identities hands out entity GUIDs unique within one model run.
type identities struct {
	modelID string
	seen    map[string]bool
}

func newIdentities(modelID string) *identities {
	return &identities{modelID: modelID, seen: make(map[string]bool)}
}

// assign returns the GUID for the element at position index. When the source
// identifier is unusable, the returned action says how it was healed and
// msg describes the original value.
func (ids *identities) assign(raw string, index, elementID int) (id string, action models.HealingAction, msg string) {
	switch {
	case raw == "":
		action, msg = models.HealGUIDMissing, "element has no GlobalId"
	case guid.Valid(raw):
		if !ids.seen[raw] {
			ids.seen[raw] = true
			return raw, "", ""
		}
		action, msg = models.HealGUIDDuplicate, fmt.Sprintf("GlobalId %s already used by another element", raw)
	default:
		if compressed, ok := guid.FromUUIDString(raw); ok && !ids.seen[compressed] {
			ids.seen[compressed] = true
			return compressed, models.HealGUIDReformatted, fmt.Sprintf("GlobalId %s converted to compressed form", raw)
		}
		action, msg = models.HealGUIDMalformed, fmt.Sprintf("GlobalId %q is malformed", raw)
	}

	id = guid.Synthesize(ids.modelID, index, elementID)
	// Synthetic ids must never shadow one already handed out.
	for salt := 1; ids.seen[id]; salt++ {
		id = guid.Synthesize(ids.modelID, index, elementID+salt*1_000_000_007)
	}
	ids.seen[id] = true
	return id, action, msg
}
