package geometry

import (
	"math"

	"github.com/hyperjump/bimingest/internal/step"
)

// profile returns the outer boundary of a profile definition in the
// coordinate system of the swept solid. Voids are ignored.
func (k *kernel) profile(id int) ([]vec2, error) {
	in, err := k.get(id)
	if err != nil {
		return nil, err
	}
	var pts []vec2
	switch in.Type {
	case "IFCRECTANGLEPROFILEDEF", "IFCROUNDEDRECTANGLEPROFILEDEF":
		x, okx := in.Arg(3).Float()
		y, oky := in.Arg(4).Float()
		if !okx || !oky || x <= 0 || y <= 0 {
			return nil, kernelErr(id, in.Type, "invalid dimensions")
		}
		pts = []vec2{{-x / 2, -y / 2}, {x / 2, -y / 2}, {x / 2, y / 2}, {-x / 2, y / 2}}
	case "IFCCIRCLEPROFILEDEF":
		r, ok := in.Arg(3).Float()
		if !ok || r <= 0 {
			return nil, kernelErr(id, in.Type, "invalid radius")
		}
		pts = ellipse(r, r, k.s.segments())
	case "IFCELLIPSEPROFILEDEF":
		a, oka := in.Arg(3).Float()
		b, okb := in.Arg(4).Float()
		if !oka || !okb || a <= 0 || b <= 0 {
			return nil, kernelErr(id, in.Type, "invalid semi axes")
		}
		pts = ellipse(a, b, k.s.segments())
	case "IFCISHAPEPROFILEDEF":
		w, ok1 := in.Arg(3).Float()
		d, ok2 := in.Arg(4).Float()
		tw, ok3 := in.Arg(5).Float()
		tf, ok4 := in.Arg(6).Float()
		if !ok1 || !ok2 || !ok3 || !ok4 || w <= 0 || d <= 0 || tw <= 0 || tf <= 0 || tw >= w || 2*tf >= d {
			return nil, kernelErr(id, in.Type, "invalid dimensions")
		}
		hw, hd, ht := w/2, d/2, tw/2
		pts = []vec2{
			{-hw, -hd}, {hw, -hd}, {hw, -hd + tf}, {ht, -hd + tf},
			{ht, hd - tf}, {hw, hd - tf}, {hw, hd}, {-hw, hd},
			{-hw, hd - tf}, {-ht, hd - tf}, {-ht, -hd + tf}, {-hw, -hd + tf},
		}
	case "IFCARBITRARYCLOSEDPROFILEDEF", "IFCARBITRARYPROFILEDEFWITHVOIDS":
		curve, err := k.curve(refOf(in.Arg(2)))
		if err != nil {
			return nil, err
		}
		for _, p := range curve {
			pts = append(pts, vec2{p[0], p[1]})
		}
		// Arbitrary profiles carry their position in the curve itself.
		return pts, nil
	default:
		return nil, kernelErr(id, in.Type, "unsupported profile")
	}

	position, err := k.axisPlacement(in.Arg(2))
	if err != nil {
		return nil, err
	}
	for i, p := range pts {
		q := position.Apply(Vec3{p[0], p[1], 0})
		pts[i] = vec2{q[0], q[1]}
	}
	return pts, nil
}

func ellipse(a, b float64, n int) []vec2 {
	pts := make([]vec2, n)
	for i := range pts {
		t := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = vec2{a * math.Cos(t), b * math.Sin(t)}
	}
	return pts
}

// curve returns the points of a bounded curve used as a profile boundary.
func (k *kernel) curve(id int) ([]Vec3, error) {
	if err := k.tick(); err != nil {
		return nil, err
	}
	in, err := k.get(id)
	if err != nil {
		return nil, err
	}
	switch in.Type {
	case "IFCPOLYLINE":
		return k.polyline(in)
	case "IFCINDEXEDPOLYCURVE":
		return k.indexedPolyCurve(in)
	case "IFCCOMPOSITECURVE":
		var out []Vec3
		for _, ref := range in.Arg(0).Refs() {
			seg, err := k.get(ref, "IFCCOMPOSITECURVESEGMENT")
			if err != nil {
				return nil, err
			}
			pts, err := k.curve(refOf(seg.Arg(2)))
			if err != nil {
				return nil, err
			}
			if same, ok := seg.Arg(1).Bool(); ok && !same {
				reverse(pts)
			}
			if n := len(out); n > 0 && len(pts) > 0 && out[n-1].Sub(pts[0]).Len() < 1e-9 {
				pts = pts[1:]
			}
			out = append(out, pts...)
		}
		return out, nil
	}
	return nil, kernelErr(id, in.Type, "unsupported curve")
}

func (k *kernel) indexedPolyCurve(in *step.Instance) ([]Vec3, error) {
	pts, err := k.coordList(in.Arg(0))
	if err != nil {
		return nil, err
	}
	if in.Arg(1).IsNull() {
		return pts, nil
	}
	segs, _ := in.Arg(1).Items()
	var out []Vec3
	for i, seg := range segs {
		idx, err := indexTuple(seg.Unwrap(), len(pts))
		if err != nil {
			return nil, kernelErr(in.ID, in.Type, "segment %d: %v", i+1, err)
		}
		var run []Vec3
		if seg.Kind == step.KindTyped && seg.Str == "IFCARCINDEX" && len(idx) == 3 {
			run = arc(pts[idx[0]], pts[idx[1]], pts[idx[2]], k.s.segments())
		} else {
			for _, j := range idx {
				run = append(run, pts[j])
			}
		}
		if n := len(out); n > 0 && len(run) > 0 && out[n-1].Sub(run[0]).Len() < 1e-9 {
			run = run[1:]
		}
		out = append(out, run...)
	}
	return out, nil
}

// arc samples the circular arc through a, b, c (in the xy plane).
// Collinear points degrade to the three points themselves.
func arc(a, b, c Vec3, segments int) []Vec3 {
	ax, ay := a[0], a[1]
	bx, by := b[0], b[1]
	cx, cy := c[0], c[1]
	d := 2 * (ax*(by-cy) + bx*(cy-ay) + cx*(ay-by))
	if math.Abs(d) < 1e-12 {
		return []Vec3{a, b, c}
	}
	ux := ((ax*ax+ay*ay)*(by-cy) + (bx*bx+by*by)*(cy-ay) + (cx*cx+cy*cy)*(ay-by)) / d
	uy := ((ax*ax+ay*ay)*(cx-bx) + (bx*bx+by*by)*(ax-cx) + (cx*cx+cy*cy)*(bx-ax)) / d
	r := math.Hypot(ax-ux, ay-uy)
	t0 := math.Atan2(ay-uy, ax-ux)
	t1 := math.Atan2(by-uy, bx-ux)
	t2 := math.Atan2(cy-uy, cx-ux)
	// Sweep from a to c passing through b.
	sweep := normAngle(t2 - t0)
	if normAngle(t1-t0) > sweep {
		sweep -= 2 * math.Pi
	}
	n := int(math.Ceil(math.Abs(sweep) / (2 * math.Pi) * float64(segments)))
	if n < 2 {
		n = 2
	}
	out := make([]Vec3, 0, n+1)
	for i := 0; i <= n; i++ {
		t := t0 + sweep*float64(i)/float64(n)
		out = append(out, Vec3{ux + r*math.Cos(t), uy + r*math.Sin(t), a[2]})
	}
	return out
}

// normAngle maps an angle into [0, 2pi).
func normAngle(t float64) float64 {
	t = math.Mod(t, 2*math.Pi)
	if t < 0 {
		t += 2 * math.Pi
	}
	return t
}
