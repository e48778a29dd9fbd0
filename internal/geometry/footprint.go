package geometry

import (
	"context"
	"math"
	"strings"

	"github.com/hyperjump/bimingest/internal/step"
)

const maxFootprintVisits = 1 << 20

// Footprint returns a coarse box for an element: the explicit 'Box'
// representation if present, else the bounds of every cartesian point
// reachable from its representation items, else a degenerate box at the
// placement origin. It fails only when there is no representation at all.
func Footprint(ctx context.Context, f *step.File, placementID, representationID int, s Settings) (*Mesh, error) {
	if representationID == 0 {
		return nil, ErrNoRepresentation
	}
	k := &kernel{ctx: ctx, f: f, s: s}
	world := Identity()
	if s.WorldCoords {
		if w, err := k.objectPlacement(placementID); err == nil {
			world = w
		}
	}

	reps, _ := k.shapeRepresentations(representationID)
	var items []int
	for _, rep := range reps {
		if strings.EqualFold(textOf(rep.Arg(1)), "Box") {
			for _, ref := range rep.Arg(3).Refs() {
				if in, ok := f.Get(ref); ok && in.Type == "IFCBOUNDINGBOX" {
					if m, err := k.boundingBox(in); err == nil {
						m.Transform(world)
						return m, nil
					}
				}
			}
		}
		items = append(items, rep.Arg(3).Refs()...)
	}

	lo, hi, ok, err := k.reachableBounds(items)
	if err != nil {
		return nil, err
	}
	if !ok {
		lo, hi = Vec3{}, Vec3{}
	}
	m := Box(lo, hi)
	m.Transform(world)
	return m, nil
}

// reachableBounds walks the instance graph below ids and bounds every point found.
func (k *kernel) reachableBounds(ids []int) (lo, hi Vec3, ok bool, err error) {
	lo = Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi = Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	add := func(c []float64) {
		if len(c) < 2 || len(c) > 3 {
			return
		}
		var p Vec3
		copy(p[:], c)
		for i := 0; i < 3; i++ {
			lo[i] = math.Min(lo[i], p[i])
			hi[i] = math.Max(hi[i], p[i])
		}
		ok = true
	}

	seen := make(map[int]bool)
	stack := append([]int(nil), ids...)
	for len(stack) > 0 && len(seen) < maxFootprintVisits {
		if err := k.tick(); err != nil {
			return lo, hi, false, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		in, found := k.f.Get(id)
		if !found {
			continue
		}
		switch in.Type {
		case "IFCCARTESIANPOINT":
			if c, isNum := in.Arg(0).Floats(); isNum {
				add(c)
			}
			continue
		case "IFCCARTESIANPOINTLIST3D", "IFCCARTESIANPOINTLIST2D":
			rows, _ := in.Arg(0).Items()
			for _, row := range rows {
				if c, isNum := row.Floats(); isNum {
					add(c)
				}
			}
			continue
		case "IFCGEOMETRICREPRESENTATIONCONTEXT", "IFCGEOMETRICREPRESENTATIONSUBCONTEXT", "IFCSTYLEDITEM":
			continue
		}
		stack = appendRefs(stack, in.Args)
	}
	return lo, hi, ok, nil
}

func appendRefs(stack []int, vals []step.Value) []int {
	for _, v := range vals {
		switch v.Kind {
		case step.KindRef:
			stack = append(stack, v.Ref)
		case step.KindList, step.KindTyped:
			stack = appendRefs(stack, v.List)
		}
	}
	return stack
}
