// Package ifc exposes a decoded building model as typed elements, spatial
// containers, property groups and a tessellation entry point.
package ifc

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/bimingest/internal/geometry"
	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/schema"
	"github.com/hyperjump/bimingest/internal/step"
)

var (
	// ErrUnreadable means the input could not be decoded as a model file at all.
	ErrUnreadable = errors.New("unreadable model file")
	// ErrUnsupportedSchema means FILE_SCHEMA names no supported schema version.
	ErrUnsupportedSchema = errors.New("unsupported schema")
)

// Attribute positions shared by every rooted object.
const (
	attrGlobalID       = 0
	attrName           = 2
	attrObjectType     = 4
	attrPlacement      = 5
	attrRepresentation = 6
	attrTag            = 7
	attrElevation      = 9
)

// maxParentDepth bounds walks up the aggregation tree.
const maxParentDepth = 64

// DecodeError is a failure to decode a single element.
type DecodeError struct {
	ID   int
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("#%d: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("#%d %s: %v", e.ID, e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ElementRef is an element candidate: its instance id and raw STEP type.
type ElementRef struct {
	ID   int
	Type string
}

// Element is the decoded attribute view of one physical element.
type Element struct {
	ID int
	// Type is the original type in schema spelling, before normalization.
	Type             string
	GlobalID         string
	Name             string
	ObjectType       string
	Tag              string
	PlacementID      int
	RepresentationID int
	// ContainerID is the spatial container instance, 0 when the element is uncontained.
	ContainerID int
}

// Container is one node of the spatial hierarchy.
type Container struct {
	ID        int
	GlobalID  string
	Kind      models.ContainerKind
	Type      string
	Name      string
	ParentID  int
	Elevation *float64
}

// Model is a decoded model file. It is read-only and safe for concurrent use.
type Model struct {
	file     *step.File
	schemaID string
	version  models.SchemaVersion
	units    map[string]string
	warnings []string

	elements    []ElementRef
	containedIn map[int]int
	parent      map[int]int
	defines     map[int][]int
	typeOf      map[int]int
}

// Open decodes a plain STEP file or an ifczip archive holding one.
// name is used only to recognize the archive form by extension.
func Open(r io.Reader, name string) (*Model, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	if isZip(data) || strings.EqualFold(filepath.Ext(name), ".ifczip") {
		if data, err = unzip(data); err != nil {
			return nil, err
		}
	}

	f, err := step.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return FromFile(f)
}

// FromFile wraps an already parsed exchange file.
func FromFile(f *step.File) (*Model, error) {
	if len(f.Header.Schemas) == 0 {
		return nil, fmt.Errorf("%w: FILE_SCHEMA is empty", ErrUnsupportedSchema)
	}
	id := f.Header.Schemas[0]
	v, ok := schema.DetectVersion(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSchema, id)
	}

	m := &Model{
		file:        f,
		schemaID:    id,
		version:     v,
		containedIn: make(map[int]int),
		parent:      make(map[int]int),
		defines:     make(map[int][]int),
		typeOf:      make(map[int]int),
	}
	if len(f.Header.Schemas) > 1 {
		m.warnings = append(m.warnings, fmt.Sprintf("FILE_SCHEMA lists %d schemas, using %s", len(f.Header.Schemas), id))
	}
	if f.Truncated {
		m.warnings = append(m.warnings, "file ends without END-ISO-10303-21, content may be truncated")
	}
	for _, e := range f.Errors {
		m.warnings = append(m.warnings, e.Error())
	}
	m.index()
	m.units = m.resolveUnits()
	return m, nil
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

// unzip returns the first .ifc member of an archive.
func unzip(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || !strings.EqualFold(filepath.Ext(zf.Name), ".ifc") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreadable, zf.Name, err)
		}
		defer rc.Close()
		out, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreadable, zf.Name, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: archive holds no .ifc file", ErrUnreadable)
}

// index walks the relationship instances once.
func (m *Model) index() {
	f := m.file
	contained := make(map[int]bool)
	for _, id := range f.Order {
		in := f.Instances[id]
		switch in.Type {
		case "IFCRELCONTAINEDINSPATIALSTRUCTURE":
			structure := refOf(in.Arg(5))
			for _, e := range in.Arg(4).Refs() {
				if _, seen := m.containedIn[e]; !seen {
					m.containedIn[e] = structure
				}
				contained[e] = true
			}
		case "IFCRELAGGREGATES", "IFCRELNESTS":
			whole := refOf(in.Arg(4))
			for _, part := range in.Arg(5).Refs() {
				if _, seen := m.parent[part]; !seen {
					m.parent[part] = whole
				}
			}
		case "IFCRELDEFINESBYPROPERTIES":
			defs := in.Arg(5).Refs()
			for _, obj := range in.Arg(4).Refs() {
				m.defines[obj] = append(m.defines[obj], defs...)
			}
		case "IFCRELDEFINESBYTYPE":
			typ := refOf(in.Arg(5))
			for _, obj := range in.Arg(4).Refs() {
				m.typeOf[obj] = typ
			}
		}
	}

	seen := make(map[int]bool)
	add := func(id int, typ string) {
		if seen[id] || excluded[typ] {
			return
		}
		seen[id] = true
		m.elements = append(m.elements, ElementRef{ID: id, Type: typ})
	}
	for _, id := range f.Order {
		in := f.Instances[id]
		if isElement[in.Type] || (contained[id] && strings.HasPrefix(in.Type, "IFC") && !strings.HasPrefix(in.Type, "IFCREL")) {
			add(id, in.Type)
		}
	}
	// Broken statements still count when their type says element or a
	// containment relationship points at them, so the failure is reported.
	for id, b := range f.Broken {
		if isElement[b.Type] || contained[id] {
			add(id, b.Type)
		}
	}
	sort.Slice(m.elements, func(i, j int) bool { return m.elements[i].ID < m.elements[j].ID })
}

func refOf(v step.Value) int {
	id, _ := v.Reference()
	return id
}

func textOf(v step.Value) string {
	s, _ := v.Text()
	return s
}

// SchemaIdentifier returns the raw FILE_SCHEMA identifier, e.g. "IFC2X3".
func (m *Model) SchemaIdentifier() string { return m.schemaID }

// Version returns the detected schema version.
func (m *Model) Version() models.SchemaVersion { return m.version }

// Header returns the parsed file header.
func (m *Model) Header() step.Header { return m.file.Header }

// Warnings returns file-level problems that did not prevent decoding.
func (m *Model) Warnings() []string { return m.warnings }

// Units returns the project unit symbol per unit type, e.g. LENGTHUNIT -> "mm".
func (m *Model) Units() map[string]string {
	out := make(map[string]string, len(m.units))
	for k, v := range m.units {
		out[k] = v
	}
	return out
}

// Elements returns element candidates ordered by instance id.
func (m *Model) Elements() []ElementRef { return m.elements }

// Element decodes the attributes of one element. A statement that could not
// be parsed yields a *DecodeError.
func (m *Model) Element(id int) (*Element, error) {
	in, ok := m.file.Get(id)
	if !ok {
		if b, broken := m.file.Broken[id]; broken {
			return nil, &DecodeError{ID: id, Type: DisplayName(b.Type), Err: b.Err}
		}
		return nil, &DecodeError{ID: id, Err: errors.New("no such instance")}
	}
	gid := in.Arg(attrGlobalID)
	if !gid.IsNull() {
		if _, ok := gid.Text(); !ok {
			return nil, &DecodeError{ID: id, Type: DisplayName(in.Type), Err: fmt.Errorf("GlobalId is %s, not a string", gid.Kind)}
		}
	}
	return &Element{
		ID:               id,
		Type:             DisplayName(in.Type),
		GlobalID:         strings.TrimSpace(textOf(gid)),
		Name:             textOf(in.Arg(attrName)),
		ObjectType:       textOf(in.Arg(attrObjectType)),
		Tag:              textOf(in.Arg(attrTag)),
		PlacementID:      refOf(in.Arg(attrPlacement)),
		RepresentationID: refOf(in.Arg(attrRepresentation)),
		ContainerID:      m.container(id),
	}, nil
}

// container resolves the spatial container of id, following aggregation
// parents for parts of assemblies.
func (m *Model) container(id int) int {
	for depth := 0; depth < maxParentDepth; depth++ {
		if c, ok := m.containedIn[id]; ok {
			return c
		}
		p, ok := m.parent[id]
		if !ok {
			return 0
		}
		if in, ok := m.file.Get(p); ok {
			if _, isContainer := containerKinds[in.Type]; isContainer {
				return p
			}
		}
		id = p
	}
	return 0
}

// Containers returns the spatial hierarchy in file order.
func (m *Model) Containers() []Container {
	var out []Container
	for _, id := range m.file.Order {
		in := m.file.Instances[id]
		kind, ok := containerKinds[in.Type]
		if !ok {
			continue
		}
		c := Container{
			ID:       id,
			GlobalID: strings.TrimSpace(textOf(in.Arg(attrGlobalID))),
			Kind:     kind,
			Type:     DisplayName(in.Type),
			Name:     textOf(in.Arg(attrName)),
			ParentID: m.parent[id],
		}
		if kind == models.ContainerStorey {
			if e, ok := in.Arg(attrElevation).Float(); ok {
				c.Elevation = &e
			}
		}
		out = append(out, c)
	}
	return out
}

// Systems returns the instance ids of system groupings.
func (m *Model) Systems() []int {
	var out []int
	for _, in := range m.file.ByType(systemTypes...) {
		out = append(out, in.ID)
	}
	sort.Ints(out)
	return out
}

// HasRepresentation reports whether the element carries a representation.
func (m *Model) HasRepresentation(id int) bool {
	in, ok := m.file.Get(id)
	return ok && refOf(in.Arg(attrRepresentation)) != 0
}

// Tessellate meshes the element's body representation.
func (m *Model) Tessellate(ctx context.Context, id int, s geometry.Settings) (*geometry.Mesh, error) {
	in, ok := m.file.Get(id)
	if !ok {
		return nil, &DecodeError{ID: id, Err: errors.New("no such instance")}
	}
	return geometry.Tessellate(ctx, m.file, refOf(in.Arg(attrPlacement)), refOf(in.Arg(attrRepresentation)), s)
}

// Footprint returns a bounding box of the element.
func (m *Model) Footprint(ctx context.Context, id int, s geometry.Settings) (*geometry.Mesh, error) {
	in, ok := m.file.Get(id)
	if !ok {
		return nil, &DecodeError{ID: id, Err: errors.New("no such instance")}
	}
	return geometry.Footprint(ctx, m.file, refOf(in.Arg(attrPlacement)), refOf(in.Arg(attrRepresentation)), s)
}

var _ geometry.Source = (*Model)(nil)
