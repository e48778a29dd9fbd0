// Package keyword provides full-text search over extracted entities.
package keyword

import (
	"context"
	"strings"
	"unicode"
)

// EntityDoc is the searchable projection of one entity.
type EntityDoc struct {
	ModelID   string `json:"model_id"`
	GUID      string `json:"guid"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Container string `json:"container"`
	// Text holds property names and values, space separated.
	Text string `json:"text"`
}

// AddProperty appends a property name and value to the searchable text.
func (d *EntityDoc) AddProperty(name, value string) {
	for _, s := range []string{name, value} {
		if s == "" {
			continue
		}
		if d.Text != "" {
			d.Text += " "
		}
		d.Text += s
	}
}

// SearchOptions optional parameters for entity search. Nil means use defaults.
type SearchOptions struct {
	// NameBoost multiplies the score contribution of matches in the entity name.
	// Values > 1 make name matches rank higher (e.g. 3.0).
	NameBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2). Default 1.
	Fuzziness int
}

// Result is a single search hit.
type Result struct {
	GUID  string  `json:"guid"`
	Score float64 `json:"score"`
}

// EntityIndex indexes and searches entities, scoped per model.
type EntityIndex interface {
	Index(ctx context.Context, docs []EntityDoc) error
	Search(ctx context.Context, modelID, query string, limit int, opts *SearchOptions) ([]*Result, error)
	// DeleteModel drops every document of a model.
	DeleteModel(ctx context.Context, modelID string) error
	DocCount() (uint64, error)
	Close() error
}

// typeWords expands a display type for indexing: "IfcWallStandardCase"
// becomes "IfcWallStandardCase wall standard case".
func typeWords(t string) string {
	rest := strings.TrimPrefix(t, "Ifc")
	if rest == "" || rest == t {
		return t
	}
	var b strings.Builder
	b.WriteString(t)
	for i, r := range rest {
		if i == 0 || unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func tokenizeQuery(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return unicode.IsSpace(r) || r == ':'
	})
}
