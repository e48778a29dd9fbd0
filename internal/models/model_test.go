package models

import (
	"encoding/json"
	"testing"
)

func TestModel_QueryableIgnoresGeometry(t *testing.T) {
	m := &Model{ID: "m1", ParsingStatus: ParsingParsed, GeometryStatus: GeometryFailed}
	if !m.Queryable() {
		t.Error("parsed model should be queryable even when geometry failed")
	}
	st := m.Status()
	if st.Version != StatusVersion || !st.Queryable || st.GeometryStatus != GeometryFailed {
		t.Errorf("unexpected status %+v", st)
	}

	m.ParsingStatus = ParsingRunning
	if m.Queryable() {
		t.Error("model still parsing should not be queryable")
	}
}

func TestGeometryStatus_Terminal(t *testing.T) {
	cases := map[GeometryStatus]bool{
		GeometryPending:    false,
		GeometryExtracting: false,
		GeometryCompleted:  true,
		GeometryPartial:    true,
		GeometryFailed:     true,
	}
	for s, want := range cases {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
	if GeometryStatus("bogus").Valid() {
		t.Error("bogus status should not be valid")
	}
}

func TestValue_NullIsKept(t *testing.T) {
	var zero Value
	if !zero.IsNull() {
		t.Error("zero value should be null")
	}
	data, err := json.Marshal(zero)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"kind":"null","value":null}` {
		t.Errorf("got %s", data)
	}

	kind, text, num, b := Number(2.5).Columns()
	if kind != "number" || text != nil || b != nil || num == nil || *num != 2.5 {
		t.Errorf("unexpected columns for number")
	}
	if got := ValueFromColumns(kind, text, num, b); got != Number(2.5) {
		t.Errorf("round trip got %+v", got)
	}
	if got := ValueFromColumns("string", nil, nil, nil); !got.IsNull() {
		t.Errorf("missing text column should decode as null, got %+v", got)
	}
}

func TestValue_UnmarshalRejectsUnknownKind(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"kind":"blob","value":1}`), &v); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := json.Unmarshal([]byte(`{"kind":"boolean","value":true}`), &v); err != nil {
		t.Fatal(err)
	}
	if v != Boolean(true) {
		t.Errorf("got %+v", v)
	}
}
