package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/bimingest/internal/models"
)

func newSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStorage(t *testing.T) {
	t.Run("models", func(t *testing.T) { testModels(t, newSQLite(t)) })
	t.Run("records", func(t *testing.T) { testRecords(t, newSQLite(t)) })
	t.Run("geometry", func(t *testing.T) { testGeometry(t, newSQLite(t)) })
	t.Run("reports", func(t *testing.T) { testReports(t, newSQLite(t)) })
	t.Run("delete cascades", func(t *testing.T) { testDeleteCascade(t, newSQLite(t)) })
}

func TestSQLiteStorage_EntityFilterIndexes(t *testing.T) {
	store := newSQLite(t)
	rows, err := store.db.Query(`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'entities'`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"idx_entities_type", "idx_entities_container", "idx_entities_geometry"} {
		if !have[want] {
			t.Errorf("missing index %s, have %v", want, have)
		}
	}
}

func seedModel(t *testing.T, store Storage, id string) *models.Model {
	t.Helper()
	m := &models.Model{ID: id, Filename: id + ".ifc", FileRef: id + ".ifc", FileSize: 42, ContentHash: "h-" + id}
	if err := store.CreateModel(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func testModels(t *testing.T, store Storage) {
	ctx := context.Background()
	m := seedModel(t, store, "m1")
	if m.CreatedAt.IsZero() || m.ParsingStatus != models.ParsingPending || m.GeometryStatus != models.GeometryPending {
		t.Fatalf("CreateModel should stamp defaults, got %+v", m)
	}

	got, err := store.GetModel(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Filename != "m1.ifc" || got.FileSize != 42 || got.Queryable() {
		t.Errorf("got %+v", got)
	}

	m.ParsingStatus = models.ParsingParsed
	m.SchemaID = "IFC4"
	m.SchemaVersion = models.SchemaCurrent
	m.Counts = models.ModelCounts{Entities: 3, Storeys: 1, Systems: 2, GeometryCompleted: 99}
	if err := store.UpdateModelParsing(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetModel(ctx, "m1")
	if !got.Queryable() || got.SchemaVersion != models.SchemaCurrent || got.Counts.Entities != 3 || got.Counts.Systems != 2 {
		t.Errorf("after parsing update: %+v", got)
	}
	if got.Counts.GeometryCompleted != 0 {
		t.Error("parsing update must not touch geometry counts")
	}

	m.GeometryStatus = models.GeometryPartial
	m.Counts = models.ModelCounts{GeometryCompleted: 2, GeometryFailed: 1}
	if err := store.UpdateModelGeometry(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetModel(ctx, "m1")
	if got.GeometryStatus != models.GeometryPartial || got.Counts.GeometryCompleted != 2 || got.Counts.Entities != 3 {
		t.Errorf("after geometry update: %+v", got)
	}

	time.Sleep(2 * time.Millisecond)
	seedModel(t, store, "m2")
	list, err := store.ListModels(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "m2" {
		t.Errorf("expected newest first, got %d models", len(list))
	}
	list, _ = store.ListModels(ctx, 1, 1)
	if len(list) != 1 || list[0].ID != "m1" {
		t.Errorf("paging: got %v", list)
	}

	if _, err := store.GetModel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateModelParsing(ctx, &models.Model{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testRecords(t *testing.T, store Storage) {
	ctx := context.Background()
	seedModel(t, store, "m1")
	elev := 3.5

	containers := []models.Container{
		{ModelID: "m1", GUID: "c-site", Kind: models.ContainerSite, Type: "IfcSite", ElementID: 2},
		{ModelID: "m1", GUID: "c-l1", Kind: models.ContainerStorey, Type: "IfcBuildingStorey", Name: "L1", ParentGUID: "c-site", Elevation: &elev, ElementID: 3},
	}
	if n, err := store.InsertContainers(ctx, containers); err != nil || n != 2 {
		t.Fatalf("InsertContainers: %d, %v", n, err)
	}

	entities := []models.Entity{
		{ModelID: "m1", GUID: "g-wall", CanonicalType: "IfcWall", OriginalType: "IfcWallStandardCase", Name: "W1", ContainerGUID: "c-l1", ElementID: 20},
		{ModelID: "m1", GUID: "g-door", CanonicalType: "IfcDoor", OriginalType: "IfcDoor", ContainerGUID: "c-l1", ElementID: 21, Healed: true},
		{ModelID: "m1", GUID: "g-slab", CanonicalType: "IfcSlab", OriginalType: "IfcSlab", ElementID: 22},
	}
	if n, err := store.InsertEntities(ctx, entities); err != nil || n != 3 {
		t.Fatalf("InsertEntities: %d, %v", n, err)
	}
	// Re-inserting the same keys writes nothing.
	if n, err := store.InsertEntities(ctx, entities[:2]); err != nil || n != 0 {
		t.Fatalf("InsertEntities again: %d, %v", n, err)
	}

	props := []models.Property{
		{ModelID: "m1", EntityGUID: "g-wall", GroupName: "Pset_WallCommon", Source: models.SourceInstance, Name: "IsExternal", Value: models.Boolean(true)},
		{ModelID: "m1", EntityGUID: "g-wall", GroupName: "Pset_WallCommon", Source: models.SourceInstance, Name: "FireRating", Value: models.String("2HR")},
		{ModelID: "m1", EntityGUID: "g-wall", GroupName: "Pset_WallCommon", Source: models.SourceInstance, Name: "Note", Value: models.Null()},
		{ModelID: "m1", EntityGUID: "g-wall", GroupName: "Pset_WallCommon", Source: models.SourceInstance, Name: "IsExternal", Value: models.Boolean(false)},
	}
	if n, err := store.InsertProperties(ctx, props); err != nil || n != 3 {
		t.Fatalf("InsertProperties: %d, %v", n, err)
	}
	qtys := []models.Quantity{
		{ModelID: "m1", EntityGUID: "g-wall", GroupName: "Qto_WallBaseQuantities", Name: "Length", Kind: models.QuantityLength, Value: models.Number(5), Unit: "m"},
		{ModelID: "m1", EntityGUID: "g-wall", GroupName: "Qto_WallBaseQuantities", Name: "Odd", Value: models.Number(1)},
	}
	if n, err := store.InsertQuantities(ctx, qtys); err != nil || n != 2 {
		t.Fatalf("InsertQuantities: %d, %v", n, err)
	}

	all, err := store.ListEntities(ctx, models.EntityFilter{ModelID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].GUID != "g-wall" || all[2].GUID != "g-slab" {
		t.Fatalf("ListEntities: %v", all)
	}
	if all[0].GeometryStatus != models.GeometryPending || !all[1].Healed || all[0].Healed {
		t.Errorf("entity fields not round-tripped: %+v %+v", all[0], all[1])
	}

	inStorey, _ := store.ListEntities(ctx, models.EntityFilter{ModelID: "m1", ContainerGUID: "c-l1"})
	if len(inStorey) != 2 {
		t.Errorf("container filter: got %d", len(inStorey))
	}
	doors, _ := store.ListEntities(ctx, models.EntityFilter{ModelID: "m1", CanonicalType: "IfcDoor"})
	if len(doors) != 1 || doors[0].GUID != "g-door" {
		t.Errorf("type filter: got %v", doors)
	}
	page, _ := store.ListEntities(ctx, models.EntityFilter{ModelID: "m1", Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].GUID != "g-door" {
		t.Errorf("paging: got %v", page)
	}
	tail, _ := store.ListEntities(ctx, models.EntityFilter{ModelID: "m1", Offset: 2})
	if len(tail) != 1 || tail[0].GUID != "g-slab" {
		t.Errorf("offset only: got %v", tail)
	}
	if n, err := store.CountEntities(ctx, models.EntityFilter{ModelID: "m1", ContainerGUID: "c-l1", Limit: 1}); err != nil || n != 2 {
		t.Errorf("CountEntities: %d, %v", n, err)
	}

	e, err := store.GetEntity(ctx, "m1", "g-door")
	if err != nil || e.CanonicalType != "IfcDoor" {
		t.Errorf("GetEntity: %+v, %v", e, err)
	}
	if _, err := store.GetEntity(ctx, "m1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	cs, err := store.ListContainers(ctx, "m1")
	if err != nil || len(cs) != 2 {
		t.Fatalf("ListContainers: %v, %v", cs, err)
	}
	if cs[0].Elevation != nil || cs[1].Elevation == nil || *cs[1].Elevation != 3.5 || cs[1].ParentGUID != "c-site" {
		t.Errorf("containers: %+v %+v", cs[0], cs[1])
	}

	ps, err := store.ListProperties(ctx, "m1", "g-wall")
	if err != nil || len(ps) != 3 {
		t.Fatalf("ListProperties: %v, %v", ps, err)
	}
	if ps[0].Value != models.Boolean(true) || ps[1].Value != models.String("2HR") || !ps[2].Value.IsNull() {
		t.Errorf("values: %+v %+v %+v", ps[0].Value, ps[1].Value, ps[2].Value)
	}
	qs, err := store.ListQuantities(ctx, "m1", "g-wall")
	if err != nil || len(qs) != 2 {
		t.Fatalf("ListQuantities: %v, %v", qs, err)
	}
	if qs[0].Value.Num != 5 || qs[0].Unit != "m" || qs[1].Kind != models.QuantityUnknown {
		t.Errorf("quantities: %+v %+v", qs[0], qs[1])
	}
}

func testGeometry(t *testing.T, store Storage) {
	ctx := context.Background()
	seedModel(t, store, "m1")
	_, err := store.InsertEntities(ctx, []models.Entity{
		{ModelID: "m1", GUID: "a", CanonicalType: "IfcWall", OriginalType: "IfcWall", ElementID: 1},
		{ModelID: "m1", GUID: "b", CanonicalType: "IfcWall", OriginalType: "IfcWall", ElementID: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.SetGeometryStatuses(ctx, "m1", []models.EntityStatus{
		{GUID: "a", Status: models.GeometryCompleted},
		{GUID: "b", Status: models.GeometryFailed},
	})
	if err != nil {
		t.Fatal(err)
	}
	failed, _ := store.ListEntities(ctx, models.EntityFilter{ModelID: "m1", GeometryStatus: models.GeometryFailed})
	if len(failed) != 1 || failed[0].GUID != "b" {
		t.Errorf("status filter: %v", failed)
	}

	g := models.Geometry{
		ModelID: "m1", EntityGUID: "a", Status: models.GeometryPartial, Rung: "bounding_box",
		VertexCount: 8, TriangleCount: 12,
		BoundsMin: [3]float64{0, 0, 0}, BoundsMax: [3]float64{1, 2, 3},
		Vertices: []byte{1, 2, 3, 4}, Indices: []byte{5, 6},
	}
	if err := store.UpsertGeometries(ctx, []models.Geometry{g}); err != nil {
		t.Fatal(err)
	}
	g.Status = models.GeometryCompleted
	g.Rung = "full"
	g.Vertices = []byte{9}
	g.UpdatedAt = time.Time{}
	if err := store.UpsertGeometries(ctx, []models.Geometry{g}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetGeometry(ctx, "m1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.GeometryCompleted || got.Rung != "full" || len(got.Vertices) != 1 || got.BoundsMax[2] != 3 {
		t.Errorf("upsert should replace the mesh, got %+v", got)
	}
	if _, err := store.GetGeometry(ctx, "m1", "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testReports(t *testing.T, store Storage) {
	ctx := context.Background()
	seedModel(t, store, "m1")

	r := &models.ProcessingReport{ID: "r1", ModelID: "m1", Layer: models.LayerParse}
	if err := store.CreateReport(ctx, r); err != nil {
		t.Fatal(err)
	}
	if r.Status != models.ReportRunning || r.StartedAt.IsZero() {
		t.Fatalf("CreateReport should stamp running, got %+v", r)
	}

	entries := []models.ReportEntry{
		{Seq: 1, Severity: models.SeverityWarning, Stage: models.StageEntities, Message: "synthesized", EntityGUID: "g1", ElementID: 9, ElementType: "IfcWall", Healing: models.HealGUIDMissing},
		{Seq: 2, Severity: models.SeverityError, Stage: models.StageEntities, Message: "bad record", ElementID: 10},
	}
	if err := store.AppendReportEntries(ctx, "r1", entries); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendReportEntries(ctx, "r1", entries[:1]); err != nil {
		t.Fatalf("re-appending the same sequence should be ignored: %v", err)
	}

	if err := store.FinalizeReport(ctx, &models.ProcessingReport{ID: "r1", Status: models.ReportRunning}); err == nil {
		t.Error("finalizing with running status should fail")
	}

	r.Status = models.ReportPartial
	r.Errors, r.Warnings, r.Healed = 1, 1, 1
	r.Counts.Entities = 5
	if err := store.FinalizeReport(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := store.FinalizeReport(ctx, r); !errors.Is(err, ErrReportFinal) {
		t.Errorf("second finalize: expected ErrReportFinal, got %v", err)
	}
	if err := store.AppendReportEntries(ctx, "r1", []models.ReportEntry{{Seq: 3, Severity: models.SeverityInfo, Stage: models.StagePersist, Message: "late"}}); !errors.Is(err, ErrReportFinal) {
		t.Errorf("append after finalize: expected ErrReportFinal, got %v", err)
	}
	missing := &models.ProcessingReport{ID: "nope", Status: models.ReportFailed}
	if err := store.FinalizeReport(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := store.GetReport(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ReportPartial || got.FinishedAt == nil || got.Errors != 1 || got.Counts.Entities != 5 {
		t.Errorf("report: %+v", got)
	}
	if len(got.Entries) != 2 || got.Entries[0].Healing != models.HealGUIDMissing || got.Entries[1].Seq != 2 {
		t.Errorf("entries: %+v", got.Entries)
	}

	time.Sleep(2 * time.Millisecond)
	if err := store.CreateReport(ctx, &models.ProcessingReport{ID: "r2", ModelID: "m1", Layer: models.LayerGeometry}); err != nil {
		t.Fatal(err)
	}
	list, err := store.ListReports(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "r2" || list[1].Entries != nil {
		t.Errorf("ListReports: %v", list)
	}
}

func testDeleteCascade(t *testing.T, store Storage) {
	ctx := context.Background()
	seedModel(t, store, "m1")
	seedModel(t, store, "m2")
	for _, id := range []string{"m1", "m2"} {
		if _, err := store.InsertEntities(ctx, []models.Entity{{ModelID: id, GUID: "same", CanonicalType: "IfcWall", OriginalType: "IfcWall", ElementID: 1}}); err != nil {
			t.Fatal(err)
		}
		if _, err := store.InsertProperties(ctx, []models.Property{{ModelID: id, EntityGUID: "same", GroupName: "P", Source: models.SourceInstance, Name: "A", Value: models.Number(1)}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateReport(ctx, &models.ProcessingReport{ID: "r-m1", ModelID: "m1", Layer: models.LayerParse}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteModel(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteModel(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n, _ := store.CountEntities(ctx, models.EntityFilter{ModelID: "m1"}); n != 0 {
		t.Errorf("entities of deleted model remain: %d", n)
	}
	if ps, _ := store.ListProperties(ctx, "m1", "same"); len(ps) != 0 {
		t.Errorf("properties of deleted model remain: %d", len(ps))
	}
	if _, err := store.GetReport(ctx, "r-m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("report of deleted model remains: %v", err)
	}
	if n, _ := store.CountEntities(ctx, models.EntityFilter{ModelID: "m2"}); n != 1 {
		t.Errorf("other model affected: %d", n)
	}
}
