package geometry

import "math"

// Vec3 is a point or direction.
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3      { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3      { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(s float64) Vec3 { return Vec3{a[0] * s, a[1] * s, a[2] * s} }
func (a Vec3) Dot(b Vec3) float64   { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func (a Vec3) Len() float64         { return math.Sqrt(a.Dot(a)) }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// Norm returns a unit vector; the zero vector is returned unchanged.
func (a Vec3) Norm() Vec3 {
	l := a.Len()
	if l < eps {
		return a
	}
	return a.Scale(1 / l)
}

const eps = 1e-12

// Mat4 is an affine transform stored row-major; the last row is always 0 0 0 1.
type Mat4 [16]float64

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a pure translation.
func Translation(v Vec3) Mat4 {
	m := Identity()
	m[3], m[7], m[11] = v[0], v[1], v[2]
	return m
}

// Frame builds the transform whose columns are the x, y, z axes and origin.
func Frame(x, y, z, origin Vec3) Mat4 {
	return Mat4{
		x[0], y[0], z[0], origin[0],
		x[1], y[1], z[1], origin[1],
		x[2], y[2], z[2], origin[2],
		0, 0, 0, 1,
	}
}

// Mul returns m*n (n applied first).
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[4*r+k] * n[4*k+c]
			}
			out[4*r+c] = s
		}
	}
	return out
}

// Apply transforms a point.
func (m Mat4) Apply(p Vec3) Vec3 {
	return Vec3{
		m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3],
		m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7],
		m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11],
	}
}

// ApplyDir transforms a direction (no translation).
func (m Mat4) ApplyDir(d Vec3) Vec3 {
	return Vec3{
		m[0]*d[0] + m[1]*d[1] + m[2]*d[2],
		m[4]*d[0] + m[5]*d[1] + m[6]*d[2],
		m[8]*d[0] + m[9]*d[1] + m[10]*d[2],
	}
}

// Origin returns the translation part.
func (m Mat4) Origin() Vec3 { return Vec3{m[3], m[7], m[11]} }

// Axes builds an orthonormal right-handed frame from a z axis and an
// approximate x axis, following the axis placement rules of the schema:
// missing axes default to global Z and X, and x is projected onto the plane
// normal to z.
func Axes(z, xHint Vec3) (x, y, zn Vec3) {
	zn = z.Norm()
	if zn.Len() < eps {
		zn = Vec3{0, 0, 1}
	}
	x = xHint.Sub(zn.Scale(xHint.Dot(zn)))
	if x.Len() < 1e-9 {
		// Hint parallel to z: pick any perpendicular.
		alt := Vec3{1, 0, 0}
		if math.Abs(zn[0]) > 0.9 {
			alt = Vec3{0, 1, 0}
		}
		x = alt.Sub(zn.Scale(alt.Dot(zn)))
	}
	x = x.Norm()
	y = zn.Cross(x)
	return x, y, zn
}
