// Package cli formats bimingest command output.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jinzhu/inflection"

	"github.com/hyperjump/bimingest/internal/models"
)

// OutputFormat is the format of command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one record per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates an --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteModelStatus writes the status record of m.
func WriteModelStatus(w io.Writer, m *models.Model, active models.Layer, format OutputFormat) error {
	st := m.Status()
	switch format {
	case OutputJSON:
		return writeJSON(w, st)
	case OutputCompact:
		_, err := fmt.Fprintln(w, compactModel(m))
		return err
	}
	fmt.Fprintf(w, "model:            %s\n", m.ID)
	fmt.Fprintf(w, "file:             %s (%s)\n", m.Filename, HumanBytes(m.FileSize))
	if m.SchemaID != "" {
		fmt.Fprintf(w, "schema:           %s (%s)\n", m.SchemaID, st.SchemaVersion)
	}
	fmt.Fprintf(w, "parsing:          %s\n", st.ParsingStatus)
	fmt.Fprintf(w, "geometry:         %s\n", st.GeometryStatus)
	if active != "" {
		fmt.Fprintf(w, "running:          %s\n", active)
	}
	fmt.Fprintf(w, "queryable:        %t\n", st.Queryable)
	fmt.Fprintf(w, "entities:         %d   # %s, %s\n", st.Counts.Entities,
		Plural(st.Counts.Storeys, "storey"), Plural(st.Counts.Systems, "system"))
	if st.GeometryStatus.Terminal() {
		fmt.Fprintf(w, "meshes:           %d completed, %d partial, %d failed\n",
			st.Counts.GeometryCompleted, st.Counts.GeometryPartial, st.Counts.GeometryFailed)
	}
	_, err := fmt.Fprintf(w, "updated:          %s\n", st.UpdatedAt.Format(time.RFC3339))
	return err
}

func compactModel(m *models.Model) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%d", m.ID, m.ParsingStatus, m.GeometryStatus, m.Filename, m.Counts.Entities)
}

// WriteModels writes a model list.
func WriteModels(w io.Writer, list []*models.Model, format OutputFormat) error {
	if format == OutputJSON {
		if list == nil {
			list = []*models.Model{}
		}
		return writeJSON(w, list)
	}
	if format == OutputText {
		fmt.Fprintf(w, "%s\n\n", Plural(len(list), "model"))
	}
	for _, m := range list {
		if _, err := fmt.Fprintln(w, compactModel(m)); err != nil {
			return err
		}
	}
	return nil
}

// EntityPage is one page of an entity listing.
type EntityPage struct {
	Entities []*models.Entity `json:"entities"`
	Total    int              `json:"total"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
}

// WriteEntities writes an entity listing.
func WriteEntities(w io.Writer, page *EntityPage, format OutputFormat) error {
	switch format {
	case OutputJSON:
		if page.Entities == nil {
			page.Entities = []*models.Entity{}
		}
		return writeJSON(w, page)
	case OutputCompact:
		for _, e := range page.Entities {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.GUID, e.CanonicalType, e.GeometryStatus, e.Name); err != nil {
				return err
			}
		}
		return nil
	}
	fmt.Fprintf(w, "\nShowing %d of %d entities: %s\n\n", len(page.Entities), page.Total, TypeSummary(page.Entities))
	for _, e := range page.Entities {
		fmt.Fprintf(w, "%-22s  %-24s  %-10s  %s\n", e.GUID, e.CanonicalType, e.GeometryStatus, Truncate(e.Name, 60))
		if e.CanonicalType != e.OriginalType {
			fmt.Fprintf(w, "%-22s  (from %s)\n", "", e.OriginalType)
		}
		if e.Healed {
			fmt.Fprintf(w, "%-22s  GUID healed\n", "")
		}
	}
	return nil
}

// WriteReport writes a processing report with its entries.
func WriteReport(w io.Writer, r *models.ProcessingReport, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, r)
	case OutputCompact:
		for _, e := range r.Entries {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.Severity, e.Stage, e.EntityGUID, e.ElementID, e.Message); err != nil {
				return err
			}
		}
		return nil
	}
	fmt.Fprintf(w, "report:   %s (%s layer)\n", r.ID, r.Layer)
	fmt.Fprintf(w, "status:   %s\n", r.Status)
	fmt.Fprintf(w, "started:  %s\n", r.StartedAt.Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Fprintf(w, "duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "summary:  %s, %s, %d healed\n",
		Plural(r.Errors, "error"), Plural(r.Warnings, "warning"), r.Healed)
	if len(r.Entries) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	for _, e := range r.Entries {
		where := ""
		switch {
		case e.EntityGUID != "" && e.ElementID != 0:
			where = fmt.Sprintf(" [%s #%d]", e.EntityGUID, e.ElementID)
		case e.EntityGUID != "":
			where = fmt.Sprintf(" [%s]", e.EntityGUID)
		case e.ElementID != 0:
			where = fmt.Sprintf(" [#%d]", e.ElementID)
		}
		fmt.Fprintf(w, "%4d %-7s %-10s%s %s\n", e.Seq, strings.ToUpper(string(e.Severity)), e.Stage, where, e.Message)
	}
	return nil
}

// WriteReports writes several reports, separated by a blank line in text mode.
func WriteReports(w io.Writer, reports []*models.ProcessingReport, format OutputFormat) error {
	if format == OutputJSON {
		if reports == nil {
			reports = []*models.ProcessingReport{}
		}
		return writeJSON(w, reports)
	}
	for i, r := range reports {
		if i > 0 && format == OutputText {
			fmt.Fprintln(w)
		}
		if err := WriteReport(w, r, format); err != nil {
			return err
		}
	}
	return nil
}

// TypeSummary describes entities by canonical type, most common first,
// e.g. "12 walls, 3 doors".
func TypeSummary(entities []*models.Entity) string {
	if len(entities) == 0 {
		return "none"
	}
	counts := make(map[string]int)
	for _, e := range entities {
		counts[e.CanonicalType]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = Plural(counts[t], TypeWords(t))
	}
	return strings.Join(parts, ", ")
}

// TypeWords turns a type label into lower-case words: IfcBuildingElementProxy
// becomes "building element proxy".
func TypeWords(t string) string {
	t = strings.TrimPrefix(t, "Ifc")
	var b strings.Builder
	for i, r := range t {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Plural formats a count with a noun, pluralized unless n is 1.
func Plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %s", n, inflection.Plural(noun))
}

// HumanBytes formats a byte count with a binary unit.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate truncates s to maxLen and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
