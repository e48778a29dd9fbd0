package geometry

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/hyperjump/bimingest/internal/step"
)

// Settings control a tessellation call.
type Settings struct {
	// WorldCoords applies the element's object placement.
	WorldCoords bool
	// DisableAdvancedBRep approximates curved faces and edges by their vertex
	// polygons and skips unsupported items as long as another item produced triangles.
	DisableAdvancedBRep bool
	// CircleSegments is the number of segments used for circles and arcs.
	CircleSegments int
}

func (s Settings) segments() int {
	if s.CircleSegments < 3 {
		return 16
	}
	return s.CircleSegments
}

const (
	maxMappingDepth = 16
	maxOperandDepth = 256
)

// representation identifiers that never carry body geometry.
var nonBody = map[string]bool{
	"AXIS": true, "BOX": true, "FOOTPRINT": true, "ANNOTATION": true,
	"PROFILE": true, "CLEARANCE": true, "REFERENCE": true, "COG": true,
	"LIGHTING": true,
}

type kernel struct {
	ctx   context.Context
	f     *step.File
	s     Settings
	depth int
	steps int
	// boolean operands on the current path
	operands map[int]bool
}

func (k *kernel) get(id int, types ...string) (*step.Instance, error) {
	in, ok := k.f.Get(id)
	if !ok {
		if b, broken := k.f.Broken[id]; broken {
			return nil, kernelErr(id, b.Type, "malformed instance: %v", b.Err)
		}
		return nil, kernelErr(id, "reference", "dangling reference")
	}
	if len(types) > 0 && !in.Is(types...) {
		return nil, kernelErr(id, in.Type, "expected %s", strings.Join(types, " or "))
	}
	return in, nil
}

// tick checks for cancellation every few hundred steps.
func (k *kernel) tick() error {
	k.steps++
	if k.steps%256 == 0 {
		return k.ctx.Err()
	}
	return nil
}

// Tessellate triangulates the body representation of an element.
// placementID may be 0 for elements without object placement.
func Tessellate(ctx context.Context, f *step.File, placementID, representationID int, s Settings) (*Mesh, error) {
	if representationID == 0 {
		return nil, ErrNoRepresentation
	}
	k := &kernel{ctx: ctx, f: f, s: s}
	reps, err := k.shapeRepresentations(representationID)
	if err != nil {
		return nil, err
	}
	var items []int
	for _, rep := range reps {
		id := strings.ToUpper(textOf(rep.Arg(1)))
		if !nonBody[id] {
			items = append(items, rep.Arg(3).Refs()...)
		}
	}
	if len(items) == 0 {
		return nil, kernelErr(representationID, "IFCPRODUCTDEFINITIONSHAPE", "no body representation")
	}
	out, err := k.items(items)
	if err != nil {
		return nil, err
	}
	if s.WorldCoords {
		world, err := k.objectPlacement(placementID)
		if err != nil {
			return nil, err
		}
		out.Transform(world)
	}
	return out, nil
}

func textOf(v step.Value) string {
	s, _ := v.Text()
	return s
}

func (k *kernel) shapeRepresentations(id int) ([]*step.Instance, error) {
	in, err := k.get(id, "IFCPRODUCTDEFINITIONSHAPE", "IFCSHAPEREPRESENTATION", "IFCMATERIALDEFINITIONREPRESENTATION")
	if err != nil {
		return nil, err
	}
	if in.Type == "IFCSHAPEREPRESENTATION" {
		return []*step.Instance{in}, nil
	}
	var reps []*step.Instance
	for _, ref := range in.Arg(2).Refs() {
		rep, err := k.get(ref, "IFCSHAPEREPRESENTATION", "IFCTOPOLOGYREPRESENTATION")
		if err != nil {
			return nil, err
		}
		reps = append(reps, rep)
	}
	return reps, nil
}

// items tessellates a list of representation items. At full fidelity any
// failing item fails the whole list.
func (k *kernel) items(ids []int) (*Mesh, error) {
	out := &Mesh{}
	var firstErr error
	for _, id := range ids {
		if err := k.ctx.Err(); err != nil {
			return nil, err
		}
		m, err := k.item(id)
		if err == nil && m.Empty() {
			err = kernelErr(id, "item", "produced no triangles")
		}
		if err != nil {
			if k.ctx.Err() != nil || !k.s.DisableAdvancedBRep {
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out.Append(m)
	}
	if out.Empty() {
		if firstErr == nil {
			firstErr = kernelErr(0, "representation", "produced no triangles")
		}
		return nil, firstErr
	}
	return out, nil
}

func (k *kernel) item(id int) (*Mesh, error) {
	if err := k.tick(); err != nil {
		return nil, err
	}
	in, err := k.get(id)
	if err != nil {
		return nil, err
	}
	switch in.Type {
	case "IFCEXTRUDEDAREASOLID":
		return k.extrusion(in)
	case "IFCFACETEDBREP", "IFCFACETEDBREPWITHVOIDS", "IFCADVANCEDBREP", "IFCADVANCEDBREPWITHVOIDS":
		// Voids are not subtracted.
		return k.shell(in.Arg(0))
	case "IFCCLOSEDSHELL", "IFCOPENSHELL", "IFCCONNECTEDFACESET":
		return k.faces(in.Arg(0).Refs())
	case "IFCSHELLBASEDSURFACEMODEL", "IFCFACEBASEDSURFACEMODEL":
		out := &Mesh{}
		for _, ref := range in.Arg(0).Refs() {
			m, err := k.shell(step.Value{Kind: step.KindRef, Ref: ref})
			if err != nil {
				return nil, err
			}
			out.Append(m)
		}
		return out, nil
	case "IFCTRIANGULATEDFACESET", "IFCTRIANGULATEDIRREGULARNETWORK":
		return k.triangulatedFaceSet(in)
	case "IFCPOLYGONALFACESET":
		return k.polygonalFaceSet(in)
	case "IFCMAPPEDITEM":
		return k.mappedItem(in)
	case "IFCBOOLEANRESULT", "IFCBOOLEANCLIPPINGRESULT":
		return k.booleanResult(in)
	case "IFCBOUNDINGBOX":
		return k.boundingBox(in)
	}
	return nil, kernelErr(id, in.Type, "unsupported representation item")
}

// booleanResult keeps the first operand only. The second operand removes
// material, so the first one bounds the result.
func (k *kernel) booleanResult(in *step.Instance) (*Mesh, error) {
	ref, ok := in.Arg(1).Reference()
	if !ok {
		return nil, kernelErr(in.ID, in.Type, "missing first operand")
	}
	if k.operands == nil {
		k.operands = make(map[int]bool)
	}
	if k.operands[in.ID] || ref == in.ID {
		return nil, kernelErr(in.ID, in.Type, "operand cycle")
	}
	if len(k.operands) >= maxOperandDepth {
		return nil, kernelErr(in.ID, in.Type, "operands nested too deep")
	}
	k.operands[in.ID] = true
	defer delete(k.operands, in.ID)
	return k.item(ref)
}

func (k *kernel) shell(v step.Value) (*Mesh, error) {
	id, ok := v.Reference()
	if !ok {
		return nil, kernelErr(0, "shell", "missing shell reference")
	}
	in, err := k.get(id, "IFCCLOSEDSHELL", "IFCOPENSHELL", "IFCCONNECTEDFACESET")
	if err != nil {
		return nil, err
	}
	return k.faces(in.Arg(0).Refs())
}

func (k *kernel) faces(ids []int) (*Mesh, error) {
	out := &Mesh{}
	for _, id := range ids {
		if err := k.tick(); err != nil {
			return nil, err
		}
		in, err := k.get(id, "IFCFACE", "IFCFACESURFACE", "IFCADVANCEDFACE")
		if err != nil {
			return nil, err
		}
		if in.Type != "IFCFACE" {
			surf, err := k.get(refOf(in.Arg(1)))
			if err != nil {
				return nil, err
			}
			if surf.Type != "IFCPLANE" && !k.s.DisableAdvancedBRep {
				return nil, kernelErr(id, in.Type, "curved face surface %s", surf.Type)
			}
		}
		loop, err := k.faceLoop(in)
		if err != nil {
			return nil, err
		}
		if in.Type != "IFCFACE" {
			if same, ok := in.Arg(2).Bool(); ok && !same {
				reverse(loop)
			}
		}
		polygon3D(out, dedupe(loop))
	}
	return out, nil
}

func refOf(v step.Value) int {
	id, _ := v.Reference()
	return id
}

// faceLoop returns the outer boundary of a face. Inner bounds are not cut out.
func (k *kernel) faceLoop(face *step.Instance) ([]Vec3, error) {
	bounds := face.Arg(0).Refs()
	if len(bounds) == 0 {
		return nil, kernelErr(face.ID, face.Type, "face has no bounds")
	}
	var chosen *step.Instance
	for _, ref := range bounds {
		b, err := k.get(ref, "IFCFACEOUTERBOUND", "IFCFACEBOUND")
		if err != nil {
			return nil, err
		}
		if chosen == nil || b.Type == "IFCFACEOUTERBOUND" {
			chosen = b
			if b.Type == "IFCFACEOUTERBOUND" {
				break
			}
		}
	}
	loop, err := k.loop(chosen.Arg(0))
	if err != nil {
		return nil, err
	}
	if orient, ok := chosen.Arg(1).Bool(); ok && !orient {
		reverse(loop)
	}
	return loop, nil
}

func (k *kernel) loop(v step.Value) ([]Vec3, error) {
	id, ok := v.Reference()
	if !ok {
		return nil, kernelErr(0, "loop", "missing loop reference")
	}
	in, err := k.get(id, "IFCPOLYLOOP", "IFCEDGELOOP")
	if err != nil {
		return nil, err
	}
	var pts []Vec3
	if in.Type == "IFCPOLYLOOP" {
		for _, ref := range in.Arg(0).Refs() {
			p, err := k.point(ref)
			if err != nil {
				return nil, err
			}
			pts = append(pts, p)
		}
		return pts, nil
	}
	for _, ref := range in.Arg(0).Refs() {
		oe, err := k.get(ref, "IFCORIENTEDEDGE")
		if err != nil {
			return nil, err
		}
		edge, err := k.get(refOf(oe.Arg(2)), "IFCEDGECURVE", "IFCEDGE", "IFCSUBEDGE")
		if err != nil {
			return nil, err
		}
		forward := true
		if o, ok := oe.Arg(3).Bool(); ok {
			forward = o
		}
		edgePts, err := k.edgePoints(edge)
		if err != nil {
			return nil, err
		}
		if !forward {
			reverse(edgePts)
		}
		// Each edge contributes all its points but the last, which starts the next edge.
		if len(edgePts) > 1 {
			edgePts = edgePts[:len(edgePts)-1]
		}
		pts = append(pts, edgePts...)
	}
	return pts, nil
}

// edgePoints returns the ordered points of an edge from start to end.
func (k *kernel) edgePoints(edge *step.Instance) ([]Vec3, error) {
	start, err := k.vertex(edge.Arg(0))
	if err != nil {
		return nil, err
	}
	end, err := k.vertex(edge.Arg(1))
	if err != nil {
		return nil, err
	}
	if edge.Type != "IFCEDGECURVE" {
		return []Vec3{start, end}, nil
	}
	curve, err := k.get(refOf(edge.Arg(2)))
	if err != nil {
		return nil, err
	}
	switch curve.Type {
	case "IFCLINE":
		return []Vec3{start, end}, nil
	case "IFCPOLYLINE":
		pts, err := k.polyline(curve)
		if err != nil {
			return nil, err
		}
		if same, ok := edge.Arg(3).Bool(); ok && !same {
			reverse(pts)
		}
		return pts, nil
	}
	if !k.s.DisableAdvancedBRep {
		return nil, kernelErr(curve.ID, curve.Type, "curved edge")
	}
	return []Vec3{start, end}, nil
}

func (k *kernel) vertex(v step.Value) (Vec3, error) {
	in, err := k.get(refOf(v), "IFCVERTEXPOINT")
	if err != nil {
		return Vec3{}, err
	}
	return k.point(refOf(in.Arg(0)))
}

func (k *kernel) polyline(in *step.Instance) ([]Vec3, error) {
	var pts []Vec3
	for _, ref := range in.Arg(0).Refs() {
		p, err := k.point(ref)
		if err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func dedupe(loop []Vec3) []Vec3 {
	out := make([]Vec3, 0, len(loop))
	for _, p := range loop {
		if n := len(out); n > 0 && out[n-1].Sub(p).Len() < 1e-9 {
			continue
		}
		out = append(out, p)
	}
	for len(out) > 1 && out[0].Sub(out[len(out)-1]).Len() < 1e-9 {
		out = out[:len(out)-1]
	}
	return out
}

// coordList reads IfcCartesianPointList2D/3D.
func (k *kernel) coordList(v step.Value) ([]Vec3, error) {
	in, err := k.get(refOf(v), "IFCCARTESIANPOINTLIST3D", "IFCCARTESIANPOINTLIST2D")
	if err != nil {
		return nil, err
	}
	rows, _ := in.Arg(0).Items()
	pts := make([]Vec3, 0, len(rows))
	for i, row := range rows {
		c, ok := row.Floats()
		if !ok || len(c) < 2 || len(c) > 3 {
			return nil, kernelErr(in.ID, in.Type, "invalid coordinate %d", i+1)
		}
		var p Vec3
		copy(p[:], c)
		pts = append(pts, p)
	}
	return pts, nil
}

// indexTuple converts 1-based index values into 0-based vertex indices.
func indexTuple(v step.Value, n int) ([]uint32, error) {
	items, ok := v.Items()
	if !ok {
		return nil, errors.New("index list expected")
	}
	out := make([]uint32, 0, len(items))
	for _, item := range items {
		i, ok := item.Integer()
		if !ok || i < 1 || int(i) > n {
			return nil, errors.New("index out of range")
		}
		out = append(out, uint32(i-1))
	}
	return out, nil
}

func (k *kernel) triangulatedFaceSet(in *step.Instance) (*Mesh, error) {
	pts, err := k.coordList(in.Arg(0))
	if err != nil {
		return nil, err
	}
	m := &Mesh{}
	for _, p := range pts {
		m.AddVertex(p)
	}
	tris, _ := in.Arg(3).Items()
	// PnIndex remaps coordinate indices when present.
	var pn []uint32
	if !in.Arg(4).IsNull() {
		if pn, err = indexTuple(in.Arg(4), len(pts)); err != nil {
			return nil, kernelErr(in.ID, in.Type, "PnIndex: %v", err)
		}
	}
	limit := len(pts)
	if pn != nil {
		limit = len(pn)
	}
	for i, tri := range tris {
		if err := k.tick(); err != nil {
			return nil, err
		}
		idx, err := indexTuple(tri, limit)
		if err != nil || len(idx) != 3 {
			return nil, kernelErr(in.ID, in.Type, "triangle %d: invalid indices", i+1)
		}
		for _, j := range idx {
			if pn != nil {
				j = pn[j]
			}
			m.Indices = append(m.Indices, j)
		}
	}
	return m, nil
}

func (k *kernel) polygonalFaceSet(in *step.Instance) (*Mesh, error) {
	pts, err := k.coordList(in.Arg(0))
	if err != nil {
		return nil, err
	}
	var pn []uint32
	if !in.Arg(3).IsNull() {
		if pn, err = indexTuple(in.Arg(3), len(pts)); err != nil {
			return nil, kernelErr(in.ID, in.Type, "PnIndex: %v", err)
		}
	}
	limit := len(pts)
	if pn != nil {
		limit = len(pn)
	}
	m := &Mesh{}
	for _, ref := range in.Arg(2).Refs() {
		if err := k.tick(); err != nil {
			return nil, err
		}
		face, err := k.get(ref, "IFCINDEXEDPOLYGONALFACE", "IFCINDEXEDPOLYGONALFACEWITHVOIDS")
		if err != nil {
			return nil, err
		}
		idx, err := indexTuple(face.Arg(0), limit)
		if err != nil {
			return nil, kernelErr(face.ID, face.Type, "%v", err)
		}
		loop := make([]Vec3, len(idx))
		for i, j := range idx {
			if pn != nil {
				j = pn[j]
			}
			loop[i] = pts[j]
		}
		polygon3D(m, dedupe(loop))
	}
	return m, nil
}

func (k *kernel) mappedItem(in *step.Instance) (*Mesh, error) {
	if k.depth >= maxMappingDepth {
		return nil, kernelErr(in.ID, in.Type, "mapping nested too deep")
	}
	source, err := k.get(refOf(in.Arg(0)), "IFCREPRESENTATIONMAP")
	if err != nil {
		return nil, err
	}
	origin, err := k.axisPlacement(source.Arg(0))
	if err != nil {
		return nil, err
	}
	target, err := k.mappingTarget(in.Arg(1))
	if err != nil {
		return nil, err
	}
	rep, err := k.get(refOf(source.Arg(1)), "IFCSHAPEREPRESENTATION")
	if err != nil {
		return nil, err
	}
	k.depth++
	m, err := k.items(rep.Arg(3).Refs())
	k.depth--
	if err != nil {
		return nil, err
	}
	m.Transform(target.Mul(origin))
	return m, nil
}

func (k *kernel) boundingBox(in *step.Instance) (*Mesh, error) {
	corner, err := k.point(refOf(in.Arg(0)))
	if err != nil {
		return nil, err
	}
	var dims Vec3
	for i := 0; i < 3; i++ {
		d, ok := in.Arg(i + 1).Float()
		if !ok || d < 0 {
			return nil, kernelErr(in.ID, in.Type, "invalid dimension")
		}
		dims[i] = d
	}
	return Box(corner, corner.Add(dims)), nil
}

func (k *kernel) extrusion(in *step.Instance) (*Mesh, error) {
	profile, err := k.profile(refOf(in.Arg(0)))
	if err != nil {
		return nil, err
	}
	position, err := k.axisPlacement(in.Arg(1))
	if err != nil {
		return nil, err
	}
	dir, err := k.direction(in.Arg(2), Vec3{0, 0, 1})
	if err != nil {
		return nil, err
	}
	depth, ok := in.Arg(3).Float()
	if !ok || depth <= 0 || math.IsInf(depth, 0) || math.IsNaN(depth) {
		return nil, kernelErr(in.ID, in.Type, "invalid depth")
	}
	profile = cleanLoop(profile)
	if len(profile) < 3 || math.Abs(signedArea(profile)) < eps {
		return nil, kernelErr(in.ID, in.Type, "degenerate profile")
	}
	if signedArea(profile) < 0 {
		reverse(profile)
	}
	offset := dir.Scale(depth)
	m := &Mesh{}
	n := uint32(len(profile))
	for _, p := range profile {
		m.AddVertex(Vec3{p[0], p[1], 0})
	}
	for _, p := range profile {
		m.AddVertex(Vec3{p[0], p[1], 0}.Add(offset))
	}
	caps := earClip(profile)
	// Bottom faces against the extrusion, top along it.
	up := offset[2] >= 0
	for i := 0; i+2 < len(caps); i += 3 {
		a, b, c := caps[i], caps[i+1], caps[i+2]
		if up {
			m.Indices = append(m.Indices, a, c, b, n+a, n+b, n+c)
		} else {
			m.Indices = append(m.Indices, a, b, c, n+a, n+c, n+b)
		}
	}
	for i := uint32(0); i < n; i++ {
		j := (i + 1) % n
		m.Indices = append(m.Indices, i, j, n+j, i, n+j, n+i)
	}
	m.Transform(position)
	return m, nil
}
