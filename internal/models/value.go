package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind is the declared scalar kind of an attribute value.
type ValueKind string

const (
	KindString  ValueKind = "string"
	KindNumber  ValueKind = "number"
	KindBoolean ValueKind = "boolean"
	KindNull    ValueKind = "null"
)

// Value is a tagged scalar: exactly one of Str, Num, Bool is meaningful, selected by Kind.
// The zero Value is null.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// Boolean returns a boolean value.
func Boolean(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool {
	return v.Kind == KindNull || v.Kind == ""
}

// Text renders v for display and full-text indexing. Null renders as "".
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

// Columns returns the storage projection of v: kind plus the three typed columns,
// of which at most one is non-nil.
func (v Value) Columns() (kind string, text *string, num *float64, b *bool) {
	switch v.Kind {
	case KindString:
		s := v.Str
		return string(KindString), &s, nil, nil
	case KindNumber:
		n := v.Num
		return string(KindNumber), nil, &n, nil
	case KindBoolean:
		x := v.Bool
		return string(KindBoolean), nil, nil, &x
	}
	return string(KindNull), nil, nil, nil
}

// ValueFromColumns is the inverse of Columns.
func ValueFromColumns(kind string, text *string, num *float64, b *bool) Value {
	switch ValueKind(kind) {
	case KindString:
		if text != nil {
			return String(*text)
		}
	case KindNumber:
		if num != nil {
			return Number(*num)
		}
	case KindBoolean:
		if b != nil {
			return Boolean(*b)
		}
	}
	return Null()
}

type valueJSON struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes v as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Kind: v.Kind}
	if out.Kind == "" {
		out.Kind = KindNull
	}
	var err error
	switch out.Kind {
	case KindString:
		out.Value, err = json.Marshal(v.Str)
	case KindNumber:
		out.Value, err = json.Marshal(v.Num)
	case KindBoolean:
		out.Value, err = json.Marshal(v.Bool)
	default:
		out.Value = json.RawMessage("null")
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*v = Null()
	switch in.Kind {
	case KindString:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("string value: %w", err)
		}
		*v = String(s)
	case KindNumber:
		var f float64
		if err := json.Unmarshal(in.Value, &f); err != nil {
			return fmt.Errorf("number value: %w", err)
		}
		*v = Number(f)
	case KindBoolean:
		var b bool
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return fmt.Errorf("boolean value: %w", err)
		}
		*v = Boolean(b)
	case KindNull, "":
	default:
		return fmt.Errorf("unknown value kind %q", in.Kind)
	}
	return nil
}
