package ifc

import (
	"errors"
	"strconv"
	"strings"

	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/step"
)

// PropertyGroup is one property set or quantity set attached to an element.
type PropertyGroup struct {
	ID         int
	Name       string
	Source     models.GroupSource
	Quantities bool
	Entries    []PropertyEntry
}

// PropertyEntry is a flattened entry. Kind is set for quantities only.
type PropertyEntry struct {
	Name  string
	Value models.Value
	Unit  string
	Kind  models.QuantityKind
}

// quantityKinds maps quantity entity types to their kind and the project
// unit type used when the quantity carries no explicit unit.
var quantityKinds = map[string]struct {
	kind     models.QuantityKind
	unitType string
}{
	"IFCQUANTITYLENGTH": {models.QuantityLength, "LENGTHUNIT"},
	"IFCQUANTITYAREA":   {models.QuantityArea, "AREAUNIT"},
	"IFCQUANTITYVOLUME": {models.QuantityVolume, "VOLUMEUNIT"},
	"IFCQUANTITYCOUNT":  {models.QuantityCount, ""},
	"IFCQUANTITYWEIGHT": {models.QuantityWeight, "MASSUNIT"},
	"IFCQUANTITYTIME":   {models.QuantityTime, "TIMEUNIT"},
}

// maxComplexDepth bounds nested complex properties and quantities.
const maxComplexDepth = 8

// PropertyGroups returns the instance-level groups of an element followed by
// the groups inherited from its type object. Groups that are not property or
// quantity sets are skipped.
func (m *Model) PropertyGroups(id int) ([]PropertyGroup, error) {
	if _, ok := m.file.Get(id); !ok {
		return nil, &DecodeError{ID: id, Err: errors.New("no such instance")}
	}
	var out []PropertyGroup
	for _, def := range m.defines[id] {
		if g, ok := m.group(def, models.SourceInstance); ok {
			out = append(out, g)
		}
	}
	if typ, ok := m.file.Get(m.typeOf[id]); ok {
		for _, def := range typ.Arg(5).Refs() {
			if g, ok := m.group(def, models.SourceType); ok {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

func (m *Model) group(id int, source models.GroupSource) (PropertyGroup, bool) {
	in, ok := m.file.Get(id)
	if !ok {
		return PropertyGroup{}, false
	}
	g := PropertyGroup{ID: id, Name: textOf(in.Arg(2)), Source: source}
	switch in.Type {
	case "IFCPROPERTYSET":
		for _, p := range in.Arg(4).Refs() {
			g.Entries = m.property(g.Entries, p, "", 0)
		}
	case "IFCELEMENTQUANTITY":
		g.Quantities = true
		for _, q := range in.Arg(5).Refs() {
			g.Entries = m.quantity(g.Entries, q, "", 0)
		}
	default:
		return PropertyGroup{}, false
	}
	return g, true
}

func (m *Model) property(out []PropertyEntry, id int, prefix string, depth int) []PropertyEntry {
	in, ok := m.file.Get(id)
	if !ok {
		return out
	}
	name := prefix + textOf(in.Arg(0))
	switch in.Type {
	case "IFCPROPERTYSINGLEVALUE":
		v := in.Arg(2)
		return append(out, PropertyEntry{Name: name, Value: convert(v), Unit: m.unitFor(in.Arg(3), v)})
	case "IFCPROPERTYENUMERATEDVALUE":
		return append(out, PropertyEntry{Name: name, Value: joined(in.Arg(2))})
	case "IFCPROPERTYLISTVALUE":
		v := in.Arg(2)
		var first step.Value
		if items, ok := v.Items(); ok && len(items) > 0 {
			first = items[0]
		}
		return append(out, PropertyEntry{Name: name, Value: joined(v), Unit: m.unitFor(in.Arg(3), first)})
	case "IFCPROPERTYBOUNDEDVALUE":
		unit := in.Arg(4)
		upper, lower := in.Arg(2), in.Arg(3)
		return append(out,
			PropertyEntry{Name: name + ".LowerBound", Value: convert(lower), Unit: m.unitFor(unit, lower)},
			PropertyEntry{Name: name + ".UpperBound", Value: convert(upper), Unit: m.unitFor(unit, upper)},
		)
	case "IFCCOMPLEXPROPERTY":
		if depth >= maxComplexDepth {
			return out
		}
		for _, p := range in.Arg(3).Refs() {
			out = m.property(out, p, name+".", depth+1)
		}
		return out
	default:
		// Table and reference values have no scalar form.
		return append(out, PropertyEntry{Name: name, Value: models.Null()})
	}
}

func (m *Model) quantity(out []PropertyEntry, id int, prefix string, depth int) []PropertyEntry {
	in, ok := m.file.Get(id)
	if !ok {
		return out
	}
	name := prefix + textOf(in.Arg(0))
	if in.Type == "IFCPHYSICALCOMPLEXQUANTITY" {
		if depth >= maxComplexDepth {
			return out
		}
		for _, q := range in.Arg(2).Refs() {
			out = m.quantity(out, q, name+".", depth+1)
		}
		return out
	}

	e := PropertyEntry{Name: name, Kind: models.QuantityUnknown, Value: models.Null()}
	qk, known := quantityKinds[in.Type]
	if known {
		e.Kind = qk.kind
		e.Value = convert(in.Arg(3))
	} else {
		for i := 3; i < len(in.Args); i++ {
			if f, ok := in.Args[i].Float(); ok {
				e.Value = models.Number(f)
				break
			}
		}
	}
	if u, ok := in.Arg(2).Reference(); ok {
		e.Unit = m.unitSymbol(u)
	} else if known && qk.unitType != "" {
		e.Unit = m.units[qk.unitType]
	}
	return append(out, e)
}

// convert maps an attribute value to the tagged scalar form.
func convert(v step.Value) models.Value {
	typed := ""
	if v.Kind == step.KindTyped {
		typed = v.Str
	}
	v = v.Unwrap()
	switch v.Kind {
	case step.KindInteger:
		return models.Number(float64(v.Int))
	case step.KindReal:
		return models.Number(v.Real)
	case step.KindString:
		return models.String(v.Str)
	case step.KindEnum:
		if b, ok := v.Bool(); ok {
			return models.Boolean(b)
		}
		// .U. of IfcLogical is unknown, not a label.
		if typed == "IFCLOGICAL" || typed == "IFCBOOLEAN" {
			return models.Null()
		}
		return models.String(v.Str)
	case step.KindList:
		return joined(v)
	case step.KindBinary:
		return models.String(v.Str)
	}
	return models.Null()
}

// joined renders a list value as one comma separated string.
func joined(v step.Value) models.Value {
	items, ok := v.Items()
	if !ok {
		return convert(v)
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		c := convert(item)
		if c.IsNull() {
			continue
		}
		parts = append(parts, c.Text())
	}
	if len(parts) == 0 {
		return models.Null()
	}
	return models.String(strings.Join(parts, ", "))
}

// measureUnits maps measure types to the project unit type they are expressed in.
var measureUnits = map[string]string{
	"IFCLENGTHMEASURE":                   "LENGTHUNIT",
	"IFCPOSITIVELENGTHMEASURE":           "LENGTHUNIT",
	"IFCNONNEGATIVELENGTHMEASURE":        "LENGTHUNIT",
	"IFCAREAMEASURE":                     "AREAUNIT",
	"IFCVOLUMEMEASURE":                   "VOLUMEUNIT",
	"IFCMASSMEASURE":                     "MASSUNIT",
	"IFCTIMEMEASURE":                     "TIMEUNIT",
	"IFCPLANEANGLEMEASURE":               "PLANEANGLEUNIT",
	"IFCPOSITIVEPLANEANGLEMEASURE":       "PLANEANGLEUNIT",
	"IFCTHERMODYNAMICTEMPERATUREMEASURE": "THERMODYNAMICTEMPERATUREUNIT",
	"IFCPOWERMEASURE":                    "POWERUNIT",
	"IFCPRESSUREMEASURE":                 "PRESSUREUNIT",
	"IFCELECTRICCURRENTMEASURE":          "ELECTRICCURRENTUNIT",
	"IFCELECTRICVOLTAGEMEASURE":          "ELECTRICVOLTAGEUNIT",
	"IFCFREQUENCYMEASURE":                "FREQUENCYUNIT",
	"IFCENERGYMEASURE":                   "ENERGYUNIT",
	"IFCMONETARYMEASURE":                 "MONETARYUNIT",
}

// unitFor resolves an explicit unit reference, falling back to the project
// unit of the value's measure type.
func (m *Model) unitFor(unit, v step.Value) string {
	if id, ok := unit.Reference(); ok {
		return m.unitSymbol(id)
	}
	if v.Kind == step.KindTyped {
		if ut, ok := measureUnits[v.Str]; ok {
			return m.units[ut]
		}
	}
	return ""
}

var siPrefixes = map[string]string{
	"EXA": "E", "PETA": "P", "TERA": "T", "GIGA": "G", "MEGA": "M", "KILO": "k",
	"HECTO": "h", "DECA": "da", "DECI": "d", "CENTI": "c", "MILLI": "m",
	"MICRO": "µ", "NANO": "n", "PICO": "p", "FEMTO": "f", "ATTO": "a",
}

var siNames = map[string]string{
	"METRE": "m", "SQUARE_METRE": "m2", "CUBIC_METRE": "m3", "GRAM": "g",
	"SECOND": "s", "AMPERE": "A", "KELVIN": "K", "DEGREE_CELSIUS": "°C",
	"MOLE": "mol", "CANDELA": "cd", "RADIAN": "rad", "STERADIAN": "sr",
	"HERTZ": "Hz", "NEWTON": "N", "PASCAL": "Pa", "JOULE": "J", "WATT": "W",
	"COULOMB": "C", "VOLT": "V", "FARAD": "F", "OHM": "Ω", "SIEMENS": "S",
	"WEBER": "Wb", "TESLA": "T", "HENRY": "H", "LUMEN": "lm", "LUX": "lx",
	"BECQUEREL": "Bq", "GRAY": "Gy", "SIEVERT": "Sv",
}

// resolveUnits reads the project's unit assignment.
func (m *Model) resolveUnits() map[string]string {
	units := make(map[string]string)
	projects := m.file.ByType("IFCPROJECT")
	if len(projects) == 0 {
		return units
	}
	assignment, ok := m.file.Get(refOf(projects[0].Arg(8)))
	if !ok || assignment.Type != "IFCUNITASSIGNMENT" {
		return units
	}
	for _, u := range assignment.Arg(0).Refs() {
		in, ok := m.file.Get(u)
		if !ok {
			continue
		}
		unitType, _ := in.Arg(1).Enum()
		if in.Type == "IFCMONETARYUNIT" {
			unitType = "MONETARYUNIT"
		}
		if unitType == "" {
			continue
		}
		if sym := m.unitSymbol(u); sym != "" {
			units[unitType] = sym
		}
	}
	return units
}

// unitSymbol renders a unit instance, e.g. IFCSIUNIT(*,.LENGTHUNIT.,.MILLI.,.METRE.) -> "mm".
func (m *Model) unitSymbol(id int) string {
	in, ok := m.file.Get(id)
	if !ok {
		return ""
	}
	switch in.Type {
	case "IFCSIUNIT":
		name, _ := in.Arg(3).Enum()
		sym, ok := siNames[name]
		if !ok {
			sym = strings.ToLower(name)
		}
		prefix, _ := in.Arg(2).Enum()
		return siPrefixes[prefix] + sym
	case "IFCCONVERSIONBASEDUNIT", "IFCCONVERSIONBASEDUNITWITHOFFSET":
		return strings.ToLower(textOf(in.Arg(2)))
	case "IFCCONTEXTDEPENDENTUNIT":
		return textOf(in.Arg(2))
	case "IFCDERIVEDUNIT":
		if s := textOf(in.Arg(2)); s != "" {
			return s
		}
		return m.derivedSymbol(in)
	case "IFCMONETARYUNIT":
		if s := textOf(in.Arg(0)); s != "" {
			return s
		}
		e, _ := in.Arg(0).Enum()
		return e
	}
	return ""
}

// derivedSymbol builds e.g. "m/s2" style symbols from derived unit elements.
func (m *Model) derivedSymbol(in *step.Instance) string {
	var num, den []string
	for _, el := range in.Arg(0).Refs() {
		e, ok := m.file.Get(el)
		if !ok {
			continue
		}
		base := m.unitSymbol(refOf(e.Arg(0)))
		exp, _ := e.Arg(1).Integer()
		switch {
		case exp == 1:
			num = append(num, base)
		case exp > 1:
			num = append(num, base+strconv.FormatInt(exp, 10))
		case exp == -1:
			den = append(den, base)
		case exp < -1:
			den = append(den, base+strconv.FormatInt(-exp, 10))
		}
	}
	s := strings.Join(num, "·")
	if len(den) > 0 {
		if s == "" {
			s = "1"
		}
		s += "/" + strings.Join(den, "·")
	}
	return s
}
