package step

import "strings"

// Kind identifies the lexical form of an attribute value.
type Kind uint8

const (
	// KindNull is the unset value "$".
	KindNull Kind = iota
	// KindDerived is the derived value "*".
	KindDerived
	KindInteger
	KindReal
	KindString
	// KindEnum holds an enumeration literal without the surrounding dots.
	KindEnum
	// KindRef is an entity instance reference "#n".
	KindRef
	KindList
	// KindTyped is a typed parameter such as IFCLABEL('x'); List holds its single argument.
	KindTyped
	KindBinary
)

// String returns a stable label for the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindDerived:
		return "derived"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindRef:
		return "ref"
	case KindList:
		return "list"
	case KindTyped:
		return "typed"
	case KindBinary:
		return "binary"
	default:
		return "invalid"
	}
}

// Value is one attribute value of an instance.
type Value struct {
	Kind Kind
	Int  int64
	Real float64
	// Str holds string, enum, binary and typed-parameter names.
	Str  string
	Ref  int
	List []Value
}

// IsNull reports whether v is unset or derived.
func (v Value) IsNull() bool {
	return v.Kind == KindNull || v.Kind == KindDerived
}

// Unwrap returns the argument of a typed parameter, or v itself.
func (v Value) Unwrap() Value {
	for v.Kind == KindTyped && len(v.List) == 1 {
		v = v.List[0]
	}
	return v
}

// Float returns the numeric value of an integer or real, unwrapping typed parameters.
func (v Value) Float() (float64, bool) {
	v = v.Unwrap()
	switch v.Kind {
	case KindReal:
		return v.Real, true
	case KindInteger:
		return float64(v.Int), true
	}
	return 0, false
}

// Integer returns the value of an integer, unwrapping typed parameters.
func (v Value) Integer() (int64, bool) {
	v = v.Unwrap()
	if v.Kind == KindInteger {
		return v.Int, true
	}
	return 0, false
}

// Text returns the value of a string, unwrapping typed parameters.
func (v Value) Text() (string, bool) {
	v = v.Unwrap()
	if v.Kind == KindString {
		return v.Str, true
	}
	return "", false
}

// Enum returns the literal of an enumeration, unwrapping typed parameters.
func (v Value) Enum() (string, bool) {
	v = v.Unwrap()
	if v.Kind == KindEnum {
		return v.Str, true
	}
	return "", false
}

// Bool interprets .T. and .F. (and .U. as false, not ok).
func (v Value) Bool() (b bool, ok bool) {
	e, ok := v.Enum()
	if !ok {
		return false, false
	}
	switch strings.ToUpper(e) {
	case "T", "TRUE":
		return true, true
	case "F", "FALSE":
		return false, true
	}
	return false, false
}

// Reference returns the referenced instance id.
func (v Value) Reference() (int, bool) {
	if v.Kind == KindRef {
		return v.Ref, true
	}
	return 0, false
}

// Items returns the elements of a list.
func (v Value) Items() ([]Value, bool) {
	if v.Kind == KindList {
		return v.List, true
	}
	return nil, false
}

// Refs returns all references held directly by a list value, skipping other items.
func (v Value) Refs() []int {
	if v.Kind == KindRef {
		return []int{v.Ref}
	}
	var out []int
	for _, item := range v.List {
		if item.Kind == KindRef {
			out = append(out, item.Ref)
		}
	}
	return out
}

// Floats returns the numeric items of a list. ok is false if any item is not numeric.
func (v Value) Floats() ([]float64, bool) {
	items, ok := v.Items()
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := item.Float()
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

// Instance is one entity instance "#id=TYPE(args);".
type Instance struct {
	ID   int
	Type string
	Args []Value
	Line int
}

// Arg returns argument i, or the null value when out of range.
func (in *Instance) Arg(i int) Value {
	if in == nil || i < 0 || i >= len(in.Args) {
		return Value{Kind: KindNull}
	}
	return in.Args[i]
}

// Is reports whether the instance type equals one of types (upper-case).
func (in *Instance) Is(types ...string) bool {
	for _, t := range types {
		if in.Type == t {
			return true
		}
	}
	return false
}
