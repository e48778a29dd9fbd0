package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/bimingest/internal/guid"
	"github.com/hyperjump/bimingest/internal/ifc"
	"github.com/hyperjump/bimingest/internal/models"
)

const sample = `ISO-10303-21;
HEADER;FILE_DESCRIPTION((''),'2;1');FILE_NAME('','',(''),(''),'','','');FILE_SCHEMA(('IFC2X3'));ENDSEC;
DATA;
#1=IFCPROJECT('0YvctVUKr0kugbFTf53O9L',$,'Project',$,$,$,$,$,$);
#2=IFCBUILDINGSTOREY($,$,'Level 1',$,$,$,$,$,.ELEMENT.,0.);
#3=IFCRELAGGREGATES('0aaaaaaaaaaaaaaaaaaaa1',$,$,$,#1,(#2));
#10=IFCWALLSTANDARDCASE('1AbcdefghijklmnopqrstU',$,'Wall A',$,$,$,$,$);
#11=IFCWALL($,$,'Wall B',$,$,$,$,$);
#12=IFCWALL('1AbcdefghijklmnopqrstU',$,'Wall C',$,$,$,$,$);
#13=IFCDOOR('2ac90f6b-4e6e-4f0e-8b1a-0f2c3e4d5a69',$,'Door',$,$,$,$,$,1.,2.);
#14=IFCWINDOW('bad id',$,'Window',$,$,$,$,$,1.,2.);
#15=IFCSLAB('3AbcdefghijklmnopqrstU',$,'Slab',$,$,$,$,$,.FLOOR.;
#16=IFCELECTRICDISTRIBUTIONPOINT('0Board0000000000000001',$,'Board',$,$,$,$,$,.ALARMPANEL.,$);
#20=IFCRELCONTAINEDINSPATIALSTRUCTURE('0bbbbbbbbbbbbbbbbbbbb1',$,$,$,(#10,#11,#12,#13,#14,#15,#16),#2);
#30=IFCPROPERTYSINGLEVALUE('IsExternal',$,IFCBOOLEAN(.T.),$);
#31=IFCPROPERTYSINGLEVALUE('Note',$,$,$);
#32=IFCPROPERTYSET('0ccccccccccccccccccccc1',$,'Pset_WallCommon',$,(#30,#31));
#33=IFCQUANTITYLENGTH('Length',$,$,5.);
#34=IFCQUANTITYDENSITY('Density',$,$,7.);
#35=IFCELEMENTQUANTITY('0ccccccccccccccccccccc2',$,'Qto',$,$,(#33,#34));
#36=IFCRELDEFINESBYPROPERTIES('0ccccccccccccccccccccc3',$,$,$,(#10,#11),#32);
#37=IFCRELDEFINESBYPROPERTIES('0ccccccccccccccccccccc4',$,$,$,(#10),#35);
ENDSEC;
END-ISO-10303-21;
`

// memSink collects everything in memory.
type memSink struct {
	containers []models.Container
	entities   []models.Entity
	properties []models.Property
	quantities []models.Quantity
	entries    []models.ReportEntry
	failOn     string
}

func (s *memSink) Container(c models.Container) error {
	s.containers = append(s.containers, c)
	return nil
}

func (s *memSink) Entity(e models.Entity) error {
	if s.failOn != "" && e.Name == s.failOn {
		return errors.New("disk full")
	}
	s.entities = append(s.entities, e)
	return nil
}

func (s *memSink) Property(p models.Property) error {
	s.properties = append(s.properties, p)
	return nil
}

func (s *memSink) Quantity(q models.Quantity) error {
	s.quantities = append(s.quantities, q)
	return nil
}

func (s *memSink) Report(e models.ReportEntry) { s.entries = append(s.entries, e) }

func (s *memSink) entity(name string) models.Entity {
	for _, e := range s.entities {
		if e.Name == name {
			return e
		}
	}
	return models.Entity{}
}

func (s *memSink) healing(action models.HealingAction) []models.ReportEntry {
	var out []models.ReportEntry
	for _, e := range s.entries {
		if e.Healing == action {
			out = append(out, e)
		}
	}
	return out
}

func openSample(t *testing.T) *ifc.Model {
	t.Helper()
	m, err := ifc.Open(strings.NewReader(sample), "sample.ifc")
	require.NoError(t, err)
	return m
}

func TestExtract(t *testing.T) {
	m := openSample(t)
	sink := &memSink{}
	stats, err := NewExtractor(nil).Extract(context.Background(), m, "model-1", sink)
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Entities)
	assert.Equal(t, 2, stats.Containers)
	assert.Equal(t, 1, stats.Storeys)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 5, stats.Healed) // storey, Wall B, Wall C, Door, Window

	// Unique GUIDs.
	seen := map[string]bool{}
	for _, e := range sink.entities {
		assert.True(t, guid.Valid(e.GUID), e.GUID)
		assert.False(t, seen[e.GUID], "duplicate %s", e.GUID)
		seen[e.GUID] = true
	}

	wallA := sink.entity("Wall A")
	assert.Equal(t, "1AbcdefghijklmnopqrstU", wallA.GUID)
	assert.Equal(t, "IfcWall", wallA.CanonicalType)
	assert.Equal(t, "IfcWallStandardCase", wallA.OriginalType)
	assert.False(t, wallA.Healed)
	assert.Equal(t, models.GeometryPending, wallA.GeometryStatus)

	storey := sink.containers[1]
	assert.Equal(t, models.ContainerStorey, storey.Kind)
	assert.True(t, guid.Valid(storey.GUID))
	assert.Equal(t, sink.containers[0].GUID, storey.ParentGUID)
	assert.Equal(t, storey.GUID, wallA.ContainerGUID)

	// Duplicate GUIDs become separate entities; the first keeps the original.
	wallC := sink.entity("Wall C")
	assert.True(t, wallC.Healed)
	assert.NotEqual(t, wallA.GUID, wallC.GUID)
	require.Len(t, sink.healing(models.HealGUIDDuplicate), 1)

	assert.True(t, sink.entity("Wall B").Healed)
	assert.Len(t, sink.healing(models.HealGUIDMissing), 2) // Wall B and the storey

	door := sink.entity("Door")
	want, ok := guid.FromUUIDString("2ac90f6b-4e6e-4f0e-8b1a-0f2c3e4d5a69")
	require.True(t, ok)
	assert.Equal(t, want, door.GUID)
	assert.Len(t, sink.healing(models.HealGUIDReformatted), 1)
	assert.Len(t, sink.healing(models.HealGUIDMalformed), 1)

	board := sink.entity("Board")
	assert.Equal(t, "IfcElectricDistributionBoard", board.CanonicalType)
	assert.Equal(t, "IfcElectricDistributionPoint", board.OriginalType)

	// The broken slab is reported once and skipped.
	var errs []models.ReportEntry
	for _, e := range sink.entries {
		if e.Severity == models.SeverityError {
			errs = append(errs, e)
		}
	}
	require.Len(t, errs, 1)
	assert.Equal(t, 15, errs[0].ElementID)
	assert.Equal(t, "IfcSlab", errs[0].ElementType)
	assert.Equal(t, models.StageEntities, errs[0].Stage)

	// Null values are kept; unknown quantity kinds are emitted as unknown.
	assert.Len(t, sink.properties, 4)
	for _, p := range sink.properties {
		if p.Name == "Note" {
			assert.True(t, p.Value.IsNull())
		}
	}
	require.Len(t, sink.quantities, 2)
	assert.Equal(t, models.QuantityLength, sink.quantities[0].Kind)
	assert.Equal(t, models.QuantityUnknown, sink.quantities[1].Kind)
	assert.Equal(t, 7.0, sink.quantities[1].Value.Num)
}

func TestExtract_Idempotent(t *testing.T) {
	m := openSample(t)
	a, b := &memSink{}, &memSink{}
	x := NewExtractor(nil)
	_, err := x.Extract(context.Background(), m, "model-1", a)
	require.NoError(t, err)
	_, err = x.Extract(context.Background(), openSample(t), "model-1", b)
	require.NoError(t, err)
	assert.Equal(t, a.entities, b.entities)
	assert.Equal(t, a.containers, b.containers)
}

func TestExtract_SinkErrorAborts(t *testing.T) {
	sink := &memSink{failOn: "Wall C"}
	stats, err := NewExtractor(nil).Extract(context.Background(), openSample(t), "m", sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 2, stats.Entities)
}

func TestExtract_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExtractor(nil).Extract(ctx, openSample(t), "m", &memSink{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIdentities(t *testing.T) {
	ids := newIdentities("m")
	id, action, _ := ids.assign("1AbcdefghijklmnopqrstU", 0, 1)
	assert.Equal(t, "1AbcdefghijklmnopqrstU", id)
	assert.Empty(t, action)

	dup, action, msg := ids.assign("1AbcdefghijklmnopqrstU", 1, 2)
	assert.Equal(t, models.HealGUIDDuplicate, action)
	assert.Contains(t, msg, "already used")
	assert.Equal(t, guid.Synthesize("m", 1, 2), dup)

	again := newIdentities("m")
	again.assign("1AbcdefghijklmnopqrstU", 0, 1)
	dup2, _, _ := again.assign("1AbcdefghijklmnopqrstU", 1, 2)
	assert.Equal(t, dup, dup2)
}
