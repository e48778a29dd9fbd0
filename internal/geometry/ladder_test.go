package geometry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/step"
)

// fileSource adapts the fixture file: element id -> (placement, representation).
type fileSource struct {
	f     *step.File
	elems map[int][2]int
}

func (s *fileSource) HasRepresentation(id int) bool { return s.elems[id][1] != 0 }

func (s *fileSource) Tessellate(ctx context.Context, id int, st Settings) (*Mesh, error) {
	e := s.elems[id]
	return Tessellate(ctx, s.f, e[0], e[1], st)
}

func (s *fileSource) Footprint(ctx context.Context, id int, st Settings) (*Mesh, error) {
	e := s.elems[id]
	return Footprint(ctx, s.f, e[0], e[1], st)
}

func TestLadder_Rungs(t *testing.T) {
	src := &fileSource{f: parseFixture(t), elems: map[int][2]int{
		1: {8, 13},  // extrusion
		2: {0, 39},  // curved advanced brep
		3: {8, 53},  // unsupported item
		4: {8, 0},   // no representation
		5: {8, 999}, // dangling representation
		6: {0, 102}, // boolean result that is its own operand
		7: {0, 106}, // two boolean results referencing each other
	}}
	ladder := NewLadder(Settings{WorldCoords: true, CircleSegments: 12}, time.Second)
	ctx := context.Background()

	tests := []struct {
		id       int
		status   models.GeometryStatus
		rung     string
		attempts int
	}{
		{1, models.GeometryCompleted, RungFull, 0},
		{2, models.GeometryCompleted, RungSimplified, 1},
		{3, models.GeometryPartial, RungBoundingBox, 2},
		{4, models.GeometryFailed, "", 1},
		{5, models.GeometryPartial, RungBoundingBox, 2},
		{6, models.GeometryPartial, RungBoundingBox, 2},
		{7, models.GeometryPartial, RungBoundingBox, 2},
	}
	for _, tt := range tests {
		res, err := ladder.Run(ctx, src, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.status, res.Status, "element %d", tt.id)
		assert.Equal(t, tt.rung, res.Rung, "element %d", tt.id)
		assert.Len(t, res.Attempts, tt.attempts, "element %d", tt.id)
		if tt.status != models.GeometryFailed {
			assert.False(t, res.Mesh.Empty(), "element %d", tt.id)
		}
	}

	res, _ := ladder.Run(ctx, src, 2)
	assert.True(t, errors.Is(res.Attempts[0].Err, ErrKernel))
}

// stubSource lets each strategy be scripted.
type stubSource struct {
	tessellate func(ctx context.Context, s Settings) (*Mesh, error)
}

func (s *stubSource) HasRepresentation(int) bool { return true }

func (s *stubSource) Tessellate(ctx context.Context, _ int, st Settings) (*Mesh, error) {
	return s.tessellate(ctx, st)
}

func (s *stubSource) Footprint(context.Context, int, Settings) (*Mesh, error) {
	return Box(Vec3{}, Vec3{1, 1, 1}), nil
}

func TestLadder_TimeoutFallsThrough(t *testing.T) {
	src := &stubSource{tessellate: func(ctx context.Context, _ Settings) (*Mesh, error) {
		// Ignores ctx on purpose: the ladder must still move on.
		time.Sleep(500 * time.Millisecond)
		return Box(Vec3{}, Vec3{1, 1, 1}), nil
	}}
	ladder := NewLadder(Settings{}, 20*time.Millisecond)

	start := time.Now()
	res, err := ladder.Run(context.Background(), src, 1)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, models.GeometryPartial, res.Status)
	require.Len(t, res.Attempts, 2)
	for _, a := range res.Attempts {
		assert.ErrorIs(t, a.Err, ErrTimeout)
	}
}

func TestLadder_PanicIsKernelError(t *testing.T) {
	calls := 0
	src := &stubSource{tessellate: func(_ context.Context, s Settings) (*Mesh, error) {
		calls++
		if !s.DisableAdvancedBRep {
			panic("bad face")
		}
		return Box(Vec3{}, Vec3{2, 2, 2}), nil
	}}
	res, err := NewLadder(Settings{}, time.Second).Run(context.Background(), src, 7)
	require.NoError(t, err)
	assert.Equal(t, RungSimplified, res.Rung)
	assert.Equal(t, models.GeometryCompleted, res.Status)
	require.Len(t, res.Attempts, 1)
	assert.ErrorIs(t, res.Attempts[0].Err, ErrKernel)
	assert.Equal(t, 2, calls)
}

func TestLadder_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &stubSource{tessellate: func(ctx context.Context, _ Settings) (*Mesh, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, err := NewLadder(Settings{}, time.Second).Run(ctx, src, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
