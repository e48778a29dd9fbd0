package keyword

import (
	"context"
	"path/filepath"
	"testing"
)

func sampleDocs() []EntityDoc {
	wall := EntityDoc{ModelID: "m1", GUID: "g-wall", Type: "IfcWallStandardCase", Name: "Basic Wall:Exterior", Container: "Level 1"}
	wall.AddProperty("FireRating", "2HR")
	wall.AddProperty("IsExternal", "true")
	door := EntityDoc{ModelID: "m1", GUID: "g-door", Type: "IfcDoor", Name: "Single Flush", Container: "Level 1"}
	door.AddProperty("Reference", "D-101")
	other := EntityDoc{ModelID: "m2", GUID: "g-wall", Type: "IfcWall", Name: "Exterior wall", Container: "Ground"}
	return []EntityDoc{wall, door, other}
}

func newIndex(t *testing.T, path string) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	if err := idx.Index(context.Background(), sampleDocs()); err != nil {
		t.Fatalf("Index: %v", err)
	}
	return idx
}

func TestBleveIndex_Search(t *testing.T) {
	idx := newIndex(t, "")
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"by name", "exterior", []string{"g-wall"}},
		{"by family and type", "Basic Wall:Exterior", []string{"g-wall"}},
		{"by type word", "wall", []string{"g-wall"}},
		{"by display type", "ifcdoor", []string{"g-door"}},
		{"by container", "level", []string{"g-wall", "g-door"}},
		{"by property value", "2hr", []string{"g-wall"}},
		{"by property name", "firerating", []string{"g-wall"}},
		{"no hit", "window", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := idx.Search(ctx, "m1", tt.query, 10, nil)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			got := map[string]bool{}
			for _, r := range results {
				got[r.GUID] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for _, g := range tt.want {
				if !got[g] {
					t.Errorf("missing %s in %v", g, got)
				}
			}
		})
	}
}

func TestBleveIndex_ScopedToModel(t *testing.T) {
	idx := newIndex(t, "")
	results, err := idx.Search(context.Background(), "m2", "exterior", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].GUID != "g-wall" {
		t.Fatalf("expected only the m2 wall, got %v", results)
	}
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx := newIndex(t, "")
	ctx := context.Background()
	results, err := idx.Search(ctx, "m1", "flsh", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("exact search should miss a typo, got %v", results)
	}
	results, err = idx.Search(ctx, "m1", "flsh", 10, &SearchOptions{FuzzyEnabled: true, Fuzziness: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].GUID != "g-door" {
		t.Fatalf("fuzzy search should find the door, got %v", results)
	}
}

func TestBleveIndex_DeleteModel(t *testing.T) {
	idx := newIndex(t, "")
	ctx := context.Background()
	if err := idx.DeleteModel(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	n, err := idx.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DocCount = %d, want 1", n)
	}
	results, _ := idx.Search(ctx, "m1", "wall", 10, nil)
	if len(results) != 0 {
		t.Errorf("deleted model still searchable: %v", results)
	}
}

func TestNewBleveIndex_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "bleve")
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Index(context.Background(), sampleDocs()); err != nil {
		t.Fatal(err)
	}
	_ = idx.Close()

	idx, err = NewBleveIndex(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	n, _ := idx.DocCount()
	if n != 3 {
		t.Errorf("DocCount after reopen = %d, want 3", n)
	}
}

func TestTypeWords(t *testing.T) {
	tests := map[string]string{
		"IfcWallStandardCase": "IfcWallStandardCase wall standard case",
		"IfcDoor":             "IfcDoor door",
		"Ifc":                 "Ifc",
		"Custom":              "Custom",
	}
	for in, want := range tests {
		if got := typeWords(in); got != want {
			t.Errorf("typeWords(%q) = %q, want %q", in, got, want)
		}
	}
}
