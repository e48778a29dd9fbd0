package geometry

import (
	"github.com/hyperjump/bimingest/internal/step"
)

const maxPlacementDepth = 64

func (k *kernel) point(id int) (Vec3, error) {
	in, err := k.get(id, "IFCCARTESIANPOINT")
	if err != nil {
		return Vec3{}, err
	}
	coords, ok := in.Arg(0).Floats()
	if !ok || len(coords) < 1 || len(coords) > 3 {
		return Vec3{}, kernelErr(id, in.Type, "invalid coordinates")
	}
	var p Vec3
	copy(p[:], coords)
	return p, nil
}

func (k *kernel) direction(v step.Value, fallback Vec3) (Vec3, error) {
	id, ok := v.Reference()
	if !ok {
		return fallback, nil
	}
	in, err := k.get(id, "IFCDIRECTION")
	if err != nil {
		return Vec3{}, err
	}
	ratios, ok := in.Arg(0).Floats()
	if !ok || len(ratios) < 2 || len(ratios) > 3 {
		return Vec3{}, kernelErr(id, in.Type, "invalid direction ratios")
	}
	var d Vec3
	copy(d[:], ratios)
	if d.Len() < eps {
		return Vec3{}, kernelErr(id, in.Type, "zero-length direction")
	}
	return d.Norm(), nil
}

// axisPlacement resolves IfcAxis2Placement3D/2D. A null reference is the identity.
func (k *kernel) axisPlacement(v step.Value) (Mat4, error) {
	id, ok := v.Reference()
	if !ok {
		return Identity(), nil
	}
	in, err := k.get(id, "IFCAXIS2PLACEMENT3D", "IFCAXIS2PLACEMENT2D", "IFCAXIS1PLACEMENT")
	if err != nil {
		return Mat4{}, err
	}
	loc := Vec3{}
	if ref, ok := in.Arg(0).Reference(); ok {
		if loc, err = k.point(ref); err != nil {
			return Mat4{}, err
		}
	}
	z, xHint := Vec3{0, 0, 1}, Vec3{1, 0, 0}
	switch in.Type {
	case "IFCAXIS2PLACEMENT3D":
		if z, err = k.direction(in.Arg(1), z); err != nil {
			return Mat4{}, err
		}
		if xHint, err = k.direction(in.Arg(2), xHint); err != nil {
			return Mat4{}, err
		}
	case "IFCAXIS2PLACEMENT2D":
		if xHint, err = k.direction(in.Arg(1), xHint); err != nil {
			return Mat4{}, err
		}
	case "IFCAXIS1PLACEMENT":
		if z, err = k.direction(in.Arg(1), z); err != nil {
			return Mat4{}, err
		}
	}
	x, y, zn := Axes(z, xHint)
	return Frame(x, y, zn, loc), nil
}

// objectPlacement resolves a chain of IfcLocalPlacement to a world transform.
func (k *kernel) objectPlacement(id int) (Mat4, error) {
	if id == 0 {
		return Identity(), nil
	}
	seen := make(map[int]bool)
	var chain []*step.Instance
	for id != 0 {
		if seen[id] {
			return Mat4{}, kernelErr(id, "IFCLOCALPLACEMENT", "placement cycle")
		}
		if len(chain) >= maxPlacementDepth {
			return Mat4{}, kernelErr(id, "IFCLOCALPLACEMENT", "placement chain too deep")
		}
		seen[id] = true
		in, err := k.get(id, "IFCLOCALPLACEMENT")
		if err != nil {
			return Mat4{}, err
		}
		chain = append(chain, in)
		id, _ = in.Arg(0).Reference()
	}
	world := Identity()
	for i := len(chain) - 1; i >= 0; i-- {
		rel, err := k.axisPlacement(chain[i].Arg(1))
		if err != nil {
			return Mat4{}, err
		}
		world = world.Mul(rel)
	}
	return world, nil
}

// mappingTarget resolves IfcCartesianTransformationOperator3D and its nonuniform variant.
func (k *kernel) mappingTarget(v step.Value) (Mat4, error) {
	id, ok := v.Reference()
	if !ok {
		return Identity(), nil
	}
	in, err := k.get(id,
		"IFCCARTESIANTRANSFORMATIONOPERATOR3D",
		"IFCCARTESIANTRANSFORMATIONOPERATOR3DNONUNIFORM",
		"IFCCARTESIANTRANSFORMATIONOPERATOR2D",
		"IFCCARTESIANTRANSFORMATIONOPERATOR2DNONUNIFORM")
	if err != nil {
		return Mat4{}, err
	}
	xHint, err := k.direction(in.Arg(0), Vec3{1, 0, 0})
	if err != nil {
		return Mat4{}, err
	}
	origin := Vec3{}
	if ref, ok := in.Arg(2).Reference(); ok {
		if origin, err = k.point(ref); err != nil {
			return Mat4{}, err
		}
	}
	scale := 1.0
	if s, ok := in.Arg(3).Float(); ok {
		scale = s
	}
	z := Vec3{0, 0, 1}
	sy, sz := scale, scale
	if in.Type == "IFCCARTESIANTRANSFORMATIONOPERATOR3D" || in.Type == "IFCCARTESIANTRANSFORMATIONOPERATOR3DNONUNIFORM" {
		if z, err = k.direction(in.Arg(4), z); err != nil {
			return Mat4{}, err
		}
	}
	if in.Type == "IFCCARTESIANTRANSFORMATIONOPERATOR3DNONUNIFORM" {
		if s, ok := in.Arg(5).Float(); ok {
			sy = s
		}
		if s, ok := in.Arg(6).Float(); ok {
			sz = s
		}
	}
	if in.Type == "IFCCARTESIANTRANSFORMATIONOPERATOR2DNONUNIFORM" {
		if s, ok := in.Arg(4).Float(); ok {
			sy = s
		}
	}
	x, y, zn := Axes(z, xHint)
	return Frame(x.Scale(scale), y.Scale(sy), zn.Scale(sz), origin), nil
}
