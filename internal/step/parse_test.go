package step

import (
	"errors"
	"strings"
	"testing"
)

const sample = `ISO-10303-21;
HEADER;
FILE_DESCRIPTION(('ViewDefinition [CoordinationView]'),'2;1');
FILE_NAME('house.ifc','2024-01-01T00:00:00',('Jane'),('ACME'),'pre','Authoring Tool 1.0','');
FILE_SCHEMA(('IFC4'));
ENDSEC;
DATA;
/* a comment; with a semicolon */
#1=IFCCARTESIANPOINT((0.,1.5,-2.E-1));
#2=IFCWALL('2O2Fr$t4X7Zf8NOew3FLOH',$,'Wall ''A''; west',*,.T.,#1,(#1,#3),IFCLABEL('x'),42);
#3=IFCDIRECTION((1.,0.,0.));
#4=IFCBROKEN('oops',;
#5=IFCPROPERTYSINGLEVALUE('Name',$,IFCBOOLEAN(.F.),$);
ENDSEC;
END-ISO-10303-21;
`

func TestParse_Sample(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if f.Truncated {
		t.Error("file should not be truncated")
	}
	if len(f.Header.Schemas) != 1 || f.Header.Schemas[0] != "IFC4" {
		t.Errorf("schemas = %v", f.Header.Schemas)
	}
	if f.Header.OriginatingSystem != "Authoring Tool 1.0" {
		t.Errorf("originating system = %q", f.Header.OriginatingSystem)
	}
	if f.Header.ImplementationLevel != "2;1" {
		t.Errorf("implementation level = %q", f.Header.ImplementationLevel)
	}
	if len(f.Instances) != 4 {
		t.Fatalf("expected 4 instances, got %d", len(f.Instances))
	}
	if b, ok := f.Broken[4]; !ok || b.Type != "IFCBROKEN" {
		t.Errorf("#4 should be recorded as broken IFCBROKEN, got %+v", b)
	}

	pt, _ := f.Get(1)
	coords, ok := pt.Arg(0).Floats()
	if !ok || len(coords) != 3 || coords[1] != 1.5 || coords[2] != -0.2 {
		t.Errorf("coords = %v", coords)
	}

	wall, _ := f.Get(2)
	if wall.Type != "IFCWALL" {
		t.Errorf("type = %s", wall.Type)
	}
	if g, _ := wall.Arg(0).Text(); g != "2O2Fr$t4X7Zf8NOew3FLOH" {
		t.Errorf("guid = %q", g)
	}
	if !wall.Arg(1).IsNull() || wall.Arg(3).Kind != KindDerived {
		t.Error("expected null and derived")
	}
	if name, _ := wall.Arg(2).Text(); name != "Wall 'A'; west" {
		t.Errorf("name = %q", name)
	}
	if b, ok := wall.Arg(4).Bool(); !ok || !b {
		t.Error("expected .T.")
	}
	if ref, ok := wall.Arg(5).Reference(); !ok || ref != 1 {
		t.Errorf("ref = %d", ref)
	}
	if refs := wall.Arg(6).Refs(); len(refs) != 2 || refs[1] != 3 {
		t.Errorf("refs = %v", refs)
	}
	if typed := wall.Arg(7); typed.Kind != KindTyped || typed.Str != "IFCLABEL" {
		t.Errorf("typed = %+v", typed)
	}
	if n, ok := wall.Arg(8).Integer(); !ok || n != 42 {
		t.Errorf("int = %d", n)
	}
	if !wall.Arg(99).IsNull() {
		t.Error("out of range argument should be null")
	}

	prop, _ := f.Get(5)
	if b, ok := prop.Arg(2).Bool(); !ok || b {
		t.Error("expected typed .F.")
	}

	if got := f.ByType("IFCWALL", "IFCDIRECTION"); len(got) != 2 || got[0].ID != 2 {
		t.Errorf("ByType = %v", got)
	}
}

func TestParse_Unreadable(t *testing.T) {
	for _, in := range []string{"", "hello world", "PK\x03\x04binary", "ISO-10303-21;\nHEADER;\nENDSEC;\n"} {
		if _, err := Parse(strings.NewReader(in)); !errors.Is(err, ErrUnreadable) {
			t.Errorf("Parse(%q) err = %v, want ErrUnreadable", in, err)
		}
	}
}

func TestParse_Truncated(t *testing.T) {
	in := "ISO-10303-21;\nDATA;\n#1=IFCWALL('a',$);\n#2=IFCWALL('b"
	f, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Truncated {
		t.Error("expected truncated")
	}
	if _, ok := f.Get(1); !ok {
		t.Error("#1 should survive truncation")
	}
	if _, ok := f.Broken[2]; !ok {
		t.Error("#2 should be broken")
	}
}

func TestParse_BrokenLineNumber(t *testing.T) {
	in := "ISO-10303-21;\nDATA;\n#1=IFCA(1);\n\n#2=IFCB(1 2);\nENDSEC;\nEND-ISO-10303-21;\n"
	f, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	var se *SyntaxError
	b := f.Broken[2]
	if b == nil || b.Type != "IFCB" {
		t.Fatalf("broken #2 = %+v", b)
	}
	if !errors.As(b.Err, &se) || se.Line != 5 {
		t.Errorf("broken #2 err = %v", b.Err)
	}
}

func TestParse_DeepNesting(t *testing.T) {
	nested := func(n int) string {
		return strings.Repeat("(", n) + "1" + strings.Repeat(")", n)
	}
	typed := strings.Repeat("IFCX(", 200) + "1" + strings.Repeat(")", 200)
	in := "ISO-10303-21;\nDATA;\n" +
		"#1=IFCA(" + nested(10) + ");\n" +
		"#2=IFCB(" + nested(100000) + ");\n" +
		"#3=IFCC(" + typed + ");\n" +
		"ENDSEC;\nEND-ISO-10303-21;\n"
	f, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.Get(1); !ok {
		t.Error("#1 is within the nesting limit and should parse")
	}
	for _, id := range []int{2, 3} {
		b := f.Broken[id]
		if b == nil {
			t.Fatalf("#%d should be broken", id)
		}
		var se *SyntaxError
		if !errors.As(b.Err, &se) || !strings.Contains(se.Msg, "nested too deeply") {
			t.Errorf("broken #%d err = %v", id, b.Err)
		}
	}
}

func TestDecodeString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`plain`, "plain"},
		{`a\\b`, `a\b`},
		{`\X2\00E9\X0\t\X2\00E9\X0\`, "été"},
		{`\X2\D83DDE00\X0\`, "😀"},
		{`\X4\0001F600\X0\`, "😀"},
		{`caf\X\E9`, "café"},
		{`\S\i`, "é"},
		{`\PA\x`, "x"},
	}
	for _, tt := range tests {
		got, err := DecodeString(tt.in)
		if err != nil {
			t.Errorf("DecodeString(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DecodeString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := DecodeString(`\X2\00E9`); err == nil {
		t.Error("expected error for unterminated directive")
	}
}
