package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/bimingest/internal/geometry"
	"github.com/hyperjump/bimingest/internal/guid"
	"github.com/hyperjump/bimingest/internal/keyword"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/storage"
)

// threeElements has a wall with a GUID, a wall without one, and a beam whose
// body is a swept disk, which the kernel does not tessellate.
const threeElements = `ISO-10303-21;
HEADER;FILE_DESCRIPTION((''),'2;1');FILE_NAME('three.ifc','',(''),(''),'','','');FILE_SCHEMA(('IFC4'));ENDSEC;
DATA;
#1=IFCPROJECT('0YvctVUKr0kugbFTf53O9L',$,'Project',$,$,$,$,$,$);
#2=IFCBUILDINGSTOREY('3YvctVUKr0kugbFTf53O9L',$,'Level 1',$,$,$,$,$,.ELEMENT.,0.);
#3=IFCRELAGGREGATES('0aaaaaaaaaaaaaaaaaaaa1',$,$,$,#1,(#2));
#10=IFCCARTESIANPOINT((0.,0.,0.));
#11=IFCAXIS2PLACEMENT3D(#10,$,$);
#12=IFCLOCALPLACEMENT($,#11);
#13=IFCRECTANGLEPROFILEDEF(.AREA.,$,$,2.,1.);
#14=IFCDIRECTION((0.,0.,1.));
#15=IFCEXTRUDEDAREASOLID(#13,$,#14,3.);
#16=IFCSHAPEREPRESENTATION($,'Body','SweptSolid',(#15));
#17=IFCPRODUCTDEFINITIONSHAPE($,$,(#16));
#20=IFCCARTESIANPOINT((1.,0.,0.));
#21=IFCPOLYLINE((#10,#20));
#22=IFCSWEPTDISKSOLID(#21,0.1,$,$,$);
#23=IFCSHAPEREPRESENTATION($,'Body','SweptSolid',(#22));
#24=IFCPRODUCTDEFINITIONSHAPE($,$,(#23));
#100=IFCWALL('1AbcdefghijklmnopqrstU',$,'Wall A',$,$,#12,#17,$,$);
#101=IFCWALL($,$,'Wall B',$,$,#12,#17,$,$);
#102=IFCBEAM('2AbcdefghijklmnopqrstU',$,'Beam',$,$,#12,#24,$,$);
#110=IFCRELCONTAINEDINSPATIALSTRUCTURE('0bbbbbbbbbbbbbbbbbbbb1',$,$,$,(#100,#101,#102),#2);
#120=IFCPROPERTYSINGLEVALUE('FireRating',$,IFCLABEL('EI60'),$);
#121=IFCPROPERTYSET('0ccccccccccccccccccccc1',$,'Pset_WallCommon',$,(#120));
#122=IFCRELDEFINESBYPROPERTIES('0ccccccccccccccccccccc2',$,$,$,(#100,#101),#121);
#130=IFCQUANTITYLENGTH('Length',$,$,2.,$);
#131=IFCELEMENTQUANTITY('0ccccccccccccccccccccc3',$,'Qto_WallBaseQuantities',$,$,(#130));
#132=IFCRELDEFINESBYPROPERTIES('0ccccccccccccccccccccc4',$,$,$,(#100),#131);
ENDSEC;
END-ISO-10303-21;
`

type fixture struct {
	orch  *Orchestrator
	store *storage.SQLiteStorage
	files *storage.FileStore
	index *keyword.BleveIndex
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "bimingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	files, err := storage.NewFileStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	index, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	cfg := Config{BatchSize: 2, GeometryWorkers: 2, GeometryTimeout: 5 * time.Second}
	opts = append([]Option{WithIndex(index)}, opts...)
	return &fixture{
		orch:  NewOrchestrator(store, files, cfg, opts...),
		store: store,
		files: files,
		index: index,
	}
}

func (f *fixture) ingest(t *testing.T, body string) *models.Model {
	t.Helper()
	m, created, err := f.orch.Ingest(context.Background(), IngestRequest{
		Filename: "three.ifc",
		Body:     strings.NewReader(body),
	})
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func (f *fixture) entityByName(t *testing.T, modelID, name string) *models.Entity {
	t.Helper()
	es, err := f.store.ListEntities(context.Background(), models.EntityFilter{ModelID: modelID})
	require.NoError(t, err)
	for _, e := range es {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("no entity named %q", name)
	return nil
}

func TestEndToEnd_ThreeElements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, threeElements)
	assert.Equal(t, models.ParsingPending, m.ParsingStatus)
	assert.Equal(t, models.GeometryPending, m.GeometryStatus)

	parse, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportCompleted, parse.Status)
	assert.Equal(t, 3, parse.Counts.Entities)
	assert.Equal(t, 1, parse.Healed)

	got, err := f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingParsed, got.ParsingStatus)
	assert.Equal(t, models.SchemaCurrent, got.SchemaVersion)
	assert.True(t, got.Queryable())
	assert.Equal(t, 1, got.Counts.Storeys)

	wallB := f.entityByName(t, m.ID, "Wall B")
	assert.True(t, wallB.Healed)
	assert.True(t, guid.Valid(wallB.GUID))
	assert.Equal(t, guid.Synthesize(m.ID, 1, 101), wallB.GUID)

	full, err := f.store.GetReport(ctx, parse.ID)
	require.NoError(t, err)
	var healed []models.ReportEntry
	for _, e := range full.Entries {
		if e.Healing == models.HealGUIDMissing {
			healed = append(healed, e)
		}
	}
	require.Len(t, healed, 1)
	assert.Equal(t, wallB.GUID, healed[0].EntityGUID)

	geo, err := f.orch.RunGeometry(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportPartial, geo.Status)

	for name, want := range map[string]models.GeometryStatus{
		"Wall A": models.GeometryCompleted,
		"Wall B": models.GeometryCompleted,
		"Beam":   models.GeometryPartial,
	} {
		e := f.entityByName(t, m.ID, name)
		assert.Equal(t, want, e.GeometryStatus, name)
		g, err := f.store.GetGeometry(ctx, m.ID, e.GUID)
		require.NoError(t, err, name)
		assert.Equal(t, want, g.Status, name)
		assert.NotEmpty(t, g.Vertices, name)
	}

	beam := f.entityByName(t, m.ID, "Beam")
	full, err = f.store.GetReport(ctx, geo.ID)
	require.NoError(t, err)
	var kernel int
	for _, e := range full.Entries {
		if e.EntityGUID == beam.GUID && e.Stage == models.StageGeometry && strings.Contains(e.Message, "IFCSWEPTDISKSOLID") {
			kernel++
		}
	}
	assert.Equal(t, 2, kernel, "full and simplified rungs should both log a kernel error")

	got, err = f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingParsed, got.ParsingStatus)
	assert.Equal(t, models.GeometryPartial, got.GeometryStatus)
	assert.Equal(t, 2, got.Counts.GeometryCompleted)
	assert.Equal(t, 1, got.Counts.GeometryPartial)
}

func TestRunParse_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, threeElements)

	_, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)
	first, err := f.store.ListEntities(ctx, models.EntityFilter{ModelID: m.ID})
	require.NoError(t, err)
	wallA := f.entityByName(t, m.ID, "Wall A")
	props, err := f.store.ListProperties(ctx, m.ID, wallA.GUID)
	require.NoError(t, err)
	require.Len(t, props, 1)

	report, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Counts.Entities)

	second, err := f.store.ListEntities(ctx, models.EntityFilter{ModelID: m.ID})
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].GUID, second[i].GUID)
	}
	again, err := f.store.ListProperties(ctx, m.ID, wallA.GUID)
	require.NoError(t, err)
	assert.Len(t, again, len(props))
	qs, err := f.store.ListQuantities(ctx, m.ID, wallA.GUID)
	require.NoError(t, err)
	assert.Len(t, qs, 1)

	reports, err := f.store.ListReports(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, reports, 2, "each run gets its own report")
}

// cancelOnInsert cancels the run the first time entities are written.
type cancelOnInsert struct {
	storage.Storage
	cancel context.CancelFunc
}

func (s *cancelOnInsert) InsertEntities(ctx context.Context, es []models.Entity) (int, error) {
	s.cancel()
	return 0, context.Canceled
}

func TestRunParse_CancelledReparseKeepsModelQueryable(t *testing.T) {
	f := newFixture(t)
	m := f.ingest(t, threeElements)
	_, err := f.orch.RunParse(context.Background(), m.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := Config{BatchSize: 2, GeometryWorkers: 2, GeometryTimeout: 5 * time.Second}
	orch := NewOrchestrator(&cancelOnInsert{Storage: f.store, cancel: cancel}, f.files, cfg, WithIndex(f.index))

	report, err := orch.RunParse(ctx, m.ID)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, models.ReportCancelled, report.Status)

	got, err := f.store.GetModel(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingParsed, got.ParsingStatus)
	assert.True(t, got.Queryable())
	assert.Equal(t, 3, got.Counts.Entities)

	_, err = f.orch.RunGeometry(context.Background(), m.ID)
	assert.NoError(t, err)
}

func TestRunParse_IsolatesBrokenElement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := strings.Replace(threeElements,
		"#102=IFCBEAM('2AbcdefghijklmnopqrstU',$,'Beam',$,$,#12,#24,$,$);",
		"#102=IFCBEAM('2AbcdefghijklmnopqrstU',$,'Beam',$,$,#12,#24,$,$;", 1)
	m := f.ingest(t, broken)

	report, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportPartial, report.Status)
	assert.Equal(t, 2, report.Counts.Entities)

	n, err := f.store.CountEntities(ctx, models.EntityFilter{ModelID: m.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	full, err := f.store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	var errs []models.ReportEntry
	for _, e := range full.Entries {
		if e.Severity == models.SeverityError {
			errs = append(errs, e)
		}
	}
	require.Len(t, errs, 1)
	assert.Equal(t, 102, errs[0].ElementID)

	got, err := f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingParsed, got.ParsingStatus)
}

func TestRunParse_UndecodableFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, "this is not a model")

	report, err := f.orch.RunParse(ctx, m.ID)
	require.Error(t, err)
	assert.Equal(t, models.ReportFailed, report.Status)

	got, err := f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingFailed, got.ParsingStatus)

	full, err := f.store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	require.NotEmpty(t, full.Entries)
	last := full.Entries[len(full.Entries)-1]
	assert.Equal(t, models.SeverityFatal, last.Severity)
	assert.Equal(t, models.StageDecode, last.Stage)

	_, err = f.orch.RunGeometry(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotParsed)
}

func TestRunParse_DeclaredSchemaMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, _, err := f.orch.Ingest(ctx, IngestRequest{
		Filename:       "three.ifc",
		DeclaredSchema: "IFC2X3",
		Body:           strings.NewReader(threeElements),
	})
	require.NoError(t, err)

	report, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)
	full, err := f.store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	var mismatch int
	for _, e := range full.Entries {
		if e.Stage == models.StageDecode && e.Severity == models.SeverityWarning {
			mismatch++
			assert.Contains(t, e.Message, "IFC2X3")
		}
	}
	assert.Equal(t, 1, mismatch)

	got, err := f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "IFC4", got.SchemaID)
	assert.Equal(t, models.SchemaCurrent, got.SchemaVersion)
}

func TestRunGeometry_FailureKeepsMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, threeElements)
	_, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)

	// Without the source file Layer 2 cannot run at all.
	require.NoError(t, os.Remove(filepath.Join(f.files.Dir(), m.FileRef)))

	report, err := f.orch.RunGeometry(ctx, m.ID)
	require.Error(t, err)
	assert.Equal(t, models.ReportFailed, report.Status)

	got, err := f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GeometryFailed, got.GeometryStatus)
	assert.Equal(t, models.ParsingParsed, got.ParsingStatus)
	assert.True(t, got.Queryable())

	n, err := f.store.CountEntities(ctx, models.EntityFilter{ModelID: m.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	wallB := f.entityByName(t, m.ID, "Wall B")
	props, err := f.store.ListProperties(ctx, m.ID, wallB.GUID)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "EI60", props[0].Value.Text())
}

func TestRetryGeometry_Overwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, threeElements)
	_, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)

	_, err = f.orch.RunGeometry(ctx, m.ID)
	require.NoError(t, err)
	report, err := f.orch.RetryGeometry(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Counts.GeometryCompleted)
	assert.Equal(t, 1, report.Counts.GeometryPartial)

	reports, err := f.store.ListReports(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, reports, 3)
}

func TestRunParse_FeedsSearchIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, threeElements)
	_, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)

	hits, err := f.index.Search(ctx, m.ID, "EI60", 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = f.index.Search(ctx, m.ID, "beam", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "2AbcdefghijklmnopqrstU", hits[0].GUID)

	require.NoError(t, f.orch.Delete(ctx, m.ID))
	hits, err = f.index.Search(ctx, m.ID, "beam", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
	_, err = f.store.GetModel(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngest_ContentAddressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := func() IngestRequest {
		return IngestRequest{Filename: "three.ifc", Body: strings.NewReader(threeElements), ContentAddressed: true}
	}
	first, created, err := f.orch.Ingest(ctx, req())
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.orch.Ingest(ctx, req())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestConsumers(t *testing.T) {
	var mu sync.Mutex
	var layers []models.Layer
	record := ConsumerFunc{ID: "record", Fn: func(_ context.Context, ev ModelEvent) error {
		mu.Lock()
		defer mu.Unlock()
		layers = append(layers, ev.Layer)
		return nil
	}}
	failing := ConsumerFunc{ID: "failing", Fn: func(context.Context, ModelEvent) error {
		return errors.New("validator unavailable")
	}}
	panicking := ConsumerFunc{ID: "panicking", Fn: func(context.Context, ModelEvent) error {
		panic("boom")
	}}
	f := newFixture(t, WithConsumer(failing), WithConsumer(panicking), WithConsumer(record))
	ctx := context.Background()
	m := f.ingest(t, threeElements)

	_, err := f.orch.RunParse(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.orch.RunGeometry(ctx, m.ID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.Layer{models.LayerParse, models.LayerGeometry}, layers)
}

// corruptSource fails before any rung runs.
type corruptSource struct{}

func (corruptSource) HasRepresentation(int) bool { panic("corrupt instance table") }

func (corruptSource) Tessellate(context.Context, int, geometry.Settings) (*geometry.Mesh, error) {
	return nil, nil
}

func (corruptSource) Footprint(context.Context, int, geometry.Settings) (*geometry.Mesh, error) {
	return nil, nil
}

func TestRunLadder_PanicIsFailedOutcome(t *testing.T) {
	e := &models.Entity{GUID: "g1", ElementID: 7, OriginalType: "IfcWall"}
	ladder := geometry.NewLadder(geometry.Settings{}, time.Second)

	out := runLadder(context.Background(), ladder, corruptSource{}, e)
	assert.NoError(t, out.err)
	assert.Same(t, e, out.entity)
	assert.Equal(t, models.GeometryFailed, out.result.Status)
	require.Len(t, out.result.Attempts, 1)
	assert.ErrorIs(t, out.result.Attempts[0].Err, geometry.ErrKernel)
	assert.False(t, noRepresentation(out.result))
}

func TestTally_Status(t *testing.T) {
	cases := []struct {
		name string
		t    tally
		want models.GeometryStatus
	}{
		{"nothing represented", tally{failed: 2}, models.GeometryCompleted},
		{"all completed", tally{completed: 3, represented: 3}, models.GeometryCompleted},
		{"some boxes", tally{completed: 2, partial: 1, represented: 3}, models.GeometryPartial},
		{"some failed", tally{completed: 1, failed: 1, represented: 2}, models.GeometryPartial},
		{"all failed", tally{failed: 2, represented: 2}, models.GeometryFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.t.status(), tc.name)
	}
}
