package geometry

import "math"

type vec2 [2]float64

func cross2(o, a, b vec2) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func signedArea(poly []vec2) float64 {
	var a float64
	for i := range poly {
		j := (i + 1) % len(poly)
		a += poly[i][0]*poly[j][1] - poly[j][0]*poly[i][1]
	}
	return a / 2
}

// cleanLoop drops a repeated closing point and consecutive duplicates.
func cleanLoop(poly []vec2) []vec2 {
	out := make([]vec2, 0, len(poly))
	for _, p := range poly {
		if n := len(out); n > 0 && math.Abs(out[n-1][0]-p[0]) < 1e-9 && math.Abs(out[n-1][1]-p[1]) < 1e-9 {
			continue
		}
		out = append(out, p)
	}
	for len(out) > 1 {
		first, last := out[0], out[len(out)-1]
		if math.Abs(first[0]-last[0]) < 1e-9 && math.Abs(first[1]-last[1]) < 1e-9 {
			out = out[:len(out)-1]
			continue
		}
		break
	}
	return out
}

func inTriangle(p, a, b, c vec2) bool {
	d1 := cross2(a, b, p)
	d2 := cross2(b, c, p)
	d3 := cross2(c, a, p)
	hasNeg := d1 < 0 || d2 < 0 || d3 < 0
	hasPos := d1 > 0 || d2 > 0 || d3 > 0
	return !(hasNeg && hasPos)
}

// earClip triangulates a simple polygon and returns index triples into poly,
// wound counter-clockwise. Polygons the clipper cannot resolve (self
// intersections, collinear runs) finish with a fan over the remaining ring.
func earClip(poly []vec2) []uint32 {
	n := len(poly)
	if n < 3 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if signedArea(poly) < 0 {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			idx[i], idx[j] = idx[j], idx[i]
		}
	}
	var out []uint32
	guard := 0
	for len(idx) > 3 && guard < 2*n*n {
		guard++
		clipped := false
		for i := range idx {
			prev := idx[(i+len(idx)-1)%len(idx)]
			cur := idx[i]
			next := idx[(i+1)%len(idx)]
			a, b, c := poly[prev], poly[cur], poly[next]
			if cross2(a, b, c) <= 1e-12 {
				continue
			}
			ear := true
			for _, k := range idx {
				if k == prev || k == cur || k == next {
					continue
				}
				if inTriangle(poly[k], a, b, c) {
					ear = false
					break
				}
			}
			if !ear {
				continue
			}
			out = append(out, uint32(prev), uint32(cur), uint32(next))
			idx = append(idx[:i], idx[i+1:]...)
			clipped = true
			break
		}
		if !clipped {
			break
		}
	}
	for i := 1; i+1 < len(idx); i++ {
		out = append(out, uint32(idx[0]), uint32(idx[i]), uint32(idx[i+1]))
	}
	return out
}

// newellNormal returns the (unnormalized) normal of a planar 3D loop.
func newellNormal(loop []Vec3) Vec3 {
	var n Vec3
	for i := range loop {
		a, b := loop[i], loop[(i+1)%len(loop)]
		n[0] += (a[1] - b[1]) * (a[2] + b[2])
		n[1] += (a[2] - b[2]) * (a[0] + b[0])
		n[2] += (a[0] - b[0]) * (a[1] + b[1])
	}
	return n
}

// polygon3D triangulates a planar 3D loop into m, preserving its winding.
// Degenerate loops add nothing.
func polygon3D(m *Mesh, loop []Vec3) {
	if len(loop) < 3 {
		return
	}
	n := newellNormal(loop)
	if n.Len() < eps {
		return
	}
	// Drop the dominant axis and keep the projection's orientation consistent with n.
	ax, ay := 0, 1
	switch {
	case math.Abs(n[0]) >= math.Abs(n[1]) && math.Abs(n[0]) >= math.Abs(n[2]):
		ax, ay = 1, 2
		if n[0] < 0 {
			ax, ay = ay, ax
		}
	case math.Abs(n[1]) >= math.Abs(n[2]):
		ax, ay = 2, 0
		if n[1] < 0 {
			ax, ay = ay, ax
		}
	default:
		if n[2] < 0 {
			ax, ay = ay, ax
		}
	}
	flat := make([]vec2, len(loop))
	for i, p := range loop {
		flat[i] = vec2{p[ax], p[ay]}
	}
	tris := earClip(flat)
	if len(tris) == 0 {
		return
	}
	base := uint32(m.VertexCount())
	for _, p := range loop {
		m.AddVertex(p)
	}
	for _, t := range tris {
		m.Indices = append(m.Indices, base+t)
	}
}
