// Package geometry tessellates element representations into triangle meshes
// and runs the fallback ladder that guarantees every represented element
// gets at least a bounding box.
package geometry

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Mesh is an indexed triangle mesh. Vertices holds xyz triples.
type Mesh struct {
	Vertices []float64
	Indices  []uint32
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int { return len(m.Vertices) / 3 }

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int { return len(m.Indices) / 3 }

// Empty reports whether the mesh has no triangles.
func (m *Mesh) Empty() bool { return m == nil || len(m.Indices) == 0 }

// Append adds other's triangles to m.
func (m *Mesh) Append(other *Mesh) {
	if other == nil {
		return
	}
	base := uint32(m.VertexCount())
	m.Vertices = append(m.Vertices, other.Vertices...)
	for _, i := range other.Indices {
		m.Indices = append(m.Indices, base+i)
	}
}

// AddVertex appends a vertex and returns its index.
func (m *Mesh) AddVertex(p Vec3) uint32 {
	m.Vertices = append(m.Vertices, p[0], p[1], p[2])
	return uint32(len(m.Vertices)/3 - 1)
}

// Vertex returns vertex i.
func (m *Mesh) Vertex(i int) Vec3 {
	return Vec3{m.Vertices[3*i], m.Vertices[3*i+1], m.Vertices[3*i+2]}
}

// Transform applies t to every vertex in place.
func (m *Mesh) Transform(t Mat4) {
	for i := 0; i < m.VertexCount(); i++ {
		p := t.Apply(m.Vertex(i))
		m.Vertices[3*i], m.Vertices[3*i+1], m.Vertices[3*i+2] = p[0], p[1], p[2]
	}
}

// Bounds returns the axis-aligned bounds of the mesh. ok is false for an empty mesh.
func (m *Mesh) Bounds() (lo, hi Vec3, ok bool) {
	if m == nil || len(m.Vertices) < 3 {
		return lo, hi, false
	}
	lo = Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi = Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for i := 0; i < m.VertexCount(); i++ {
		p := m.Vertex(i)
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], p[k])
			hi[k] = math.Max(hi[k], p[k])
		}
	}
	return lo, hi, true
}

// boxFaces are the 12 outward triangles of a box whose corners are numbered
// by bit pattern (x=1, y=2, z=4).
var boxFaces = []uint32{
	0, 2, 1, 1, 2, 3, // bottom
	4, 5, 6, 5, 7, 6, // top
	0, 1, 4, 1, 5, 4, // front
	2, 6, 3, 3, 6, 7, // back
	0, 4, 2, 2, 4, 6, // left
	1, 3, 5, 3, 7, 5, // right
}

// Box returns a closed box mesh spanning lo..hi. Degenerate boxes are allowed.
func Box(lo, hi Vec3) *Mesh {
	m := &Mesh{}
	for c := 0; c < 8; c++ {
		p := lo
		if c&1 != 0 {
			p[0] = hi[0]
		}
		if c&2 != 0 {
			p[1] = hi[1]
		}
		if c&4 != 0 {
			p[2] = hi[2]
		}
		m.AddVertex(p)
	}
	m.Indices = append(m.Indices, boxFaces...)
	return m
}

// Encode returns the vertex and index blobs: little-endian float32 and uint32.
func (m *Mesh) Encode() (vertices, indices []byte) {
	vertices = make([]byte, 4*len(m.Vertices))
	for i, v := range m.Vertices {
		binary.LittleEndian.PutUint32(vertices[4*i:], math.Float32bits(float32(v)))
	}
	indices = make([]byte, 4*len(m.Indices))
	for i, v := range m.Indices {
		binary.LittleEndian.PutUint32(indices[4*i:], v)
	}
	return vertices, indices
}

// Decode is the inverse of Encode.
func Decode(vertices, indices []byte) (*Mesh, error) {
	if len(vertices)%12 != 0 || len(indices)%12 != 0 {
		return nil, fmt.Errorf("mesh blobs have invalid lengths %d and %d", len(vertices), len(indices))
	}
	m := &Mesh{
		Vertices: make([]float64, len(vertices)/4),
		Indices:  make([]uint32, len(indices)/4),
	}
	for i := range m.Vertices {
		m.Vertices[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(vertices[4*i:])))
	}
	n := uint32(m.VertexCount())
	for i := range m.Indices {
		m.Indices[i] = binary.LittleEndian.Uint32(indices[4*i:])
		if m.Indices[i] >= n {
			return nil, fmt.Errorf("index %d out of range (%d vertices)", m.Indices[i], n)
		}
	}
	return m, nil
}
