// Package step reads ISO-10303-21 clear-text encoded exchange files.
// It tokenizes the header and data sections into untyped instances; it knows
// nothing about any particular schema.
package step

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf16"
)

// ErrUnreadable is returned when the input is not an ISO-10303-21 file at all.
var ErrUnreadable = errors.New("not an ISO-10303-21 exchange file")

// SyntaxError describes a malformed statement.
type SyntaxError struct {
	Line int
	Msg  string
}

// Error returns the formatted error message.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Header holds the three mandatory header entities.
type Header struct {
	Description         []string
	ImplementationLevel string
	Name                string
	TimeStamp           string
	Author              []string
	Organization        []string
	PreprocessorVersion string
	OriginatingSystem   string
	Authorization       string
	Schemas             []string
}

// BrokenInstance is an instance statement that failed to parse.
// Type is empty when the failure happened before the entity name.
type BrokenInstance struct {
	ID   int
	Type string
	Line int
	Err  error
}

// File is a parsed exchange file.
type File struct {
	Header    Header
	Instances map[int]*Instance
	// Order lists instance ids in the order they appear.
	Order []int
	// Broken holds instances whose statement could not be parsed. They are
	// absent from Instances.
	Broken map[int]*BrokenInstance
	// Errors holds malformed statements that did not even carry an id.
	Errors []error
	// Truncated is set when the input ended before END-ISO-10303-21.
	Truncated bool

	byType map[string][]int
}

// Get returns the instance with the given id.
func (f *File) Get(id int) (*Instance, bool) {
	in, ok := f.Instances[id]
	return in, ok
}

// ByType returns all instances of the given upper-case types, in file order.
func (f *File) ByType(types ...string) []*Instance {
	var out []*Instance
	for _, t := range types {
		for _, id := range f.byType[t] {
			out = append(out, f.Instances[id])
		}
	}
	return out
}

// Types returns the distinct instance types present in the file.
func (f *File) Types() []string {
	out := make([]string, 0, len(f.byType))
	for t := range f.byType {
		out = append(out, t)
	}
	return out
}

// Parse reads a whole exchange file. Malformed instances are recorded in
// File.Broken and parsing continues; only input that is not an exchange file
// at all fails.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes is Parse over an in-memory buffer.
func ParseBytes(data []byte) (*File, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	s := &splitter{data: data, line: 1}
	first, _, ok := s.next()
	if !ok || !strings.EqualFold(strings.TrimSpace(string(first)), "ISO-10303-21") {
		return nil, ErrUnreadable
	}

	f := &File{
		Instances: make(map[int]*Instance),
		Broken:    make(map[int]*BrokenInstance),
		byType:    make(map[string][]int),
		Truncated: true,
	}

	const (
		none = iota
		header
		body
	)
	section := none
	sawData := false
	for {
		stmt, line, ok := s.next()
		if !ok {
			break
		}
		word := keyword(stmt)
		switch {
		case word == "END-ISO-10303-21":
			f.Truncated = false
		case word == "HEADER":
			section = header
			continue
		case word == "ENDSEC":
			section = none
			continue
		case word == "DATA":
			section = body
			sawData = true
			continue
		}
		if !f.Truncated {
			break
		}
		switch section {
		case header:
			f.parseHeaderEntity(stmt, line)
		case body:
			f.parseInstance(stmt, line)
		}
	}
	if !sawData {
		return nil, fmt.Errorf("%w: no DATA section", ErrUnreadable)
	}
	return f, nil
}

// keyword returns the leading upper-case keyword of a statement.
func keyword(stmt []byte) string {
	stmt = bytes.TrimSpace(stmt)
	end := 0
	for end < len(stmt) && (isKeywordByte(stmt[end]) || stmt[end] == '-') {
		end++
	}
	return strings.ToUpper(string(stmt[:end]))
}

func (f *File) parseHeaderEntity(stmt []byte, line int) {
	lx := &lexer{src: stmt, line: line}
	name, args, err := lx.entity()
	if err != nil {
		f.Errors = append(f.Errors, err)
		return
	}
	arg := func(i int) Value {
		if i < len(args) {
			return args[i]
		}
		return Value{Kind: KindNull}
	}
	strs := func(v Value) []string {
		var out []string
		for _, item := range v.List {
			if s, ok := item.Text(); ok {
				out = append(out, s)
			}
		}
		return out
	}
	str := func(v Value) string {
		s, _ := v.Text()
		return s
	}
	switch name {
	case "FILE_DESCRIPTION":
		f.Header.Description = strs(arg(0))
		f.Header.ImplementationLevel = str(arg(1))
	case "FILE_NAME":
		f.Header.Name = str(arg(0))
		f.Header.TimeStamp = str(arg(1))
		f.Header.Author = strs(arg(2))
		f.Header.Organization = strs(arg(3))
		f.Header.PreprocessorVersion = str(arg(4))
		f.Header.OriginatingSystem = str(arg(5))
		f.Header.Authorization = str(arg(6))
	case "FILE_SCHEMA":
		f.Header.Schemas = strs(arg(0))
	}
}

func (f *File) parseInstance(stmt []byte, line int) {
	lx := &lexer{src: stmt, line: line}
	lx.skip()
	if !lx.eat('#') {
		f.Errors = append(f.Errors, lx.errorf("expected instance name"))
		return
	}
	id, ok := lx.digits()
	if !ok {
		f.Errors = append(f.Errors, lx.errorf("malformed instance name"))
		return
	}
	broken := func(typ string, err error) {
		f.Broken[id] = &BrokenInstance{ID: id, Type: typ, Line: line, Err: err}
	}
	if _, dup := f.Instances[id]; dup {
		broken("", lx.errorf("instance #%d defined twice", id))
		return
	}
	lx.skip()
	if !lx.eat('=') {
		broken("", lx.errorf("expected '=' after #%d", id))
		return
	}
	lx.skip()
	if lx.peek() == '(' {
		broken("", lx.errorf("complex entity instance #%d is not supported", id))
		return
	}
	namePos := lx.pos
	name, args, err := lx.entity()
	if err != nil {
		broken(keyword(stmt[namePos:]), err)
		return
	}
	f.Instances[id] = &Instance{ID: id, Type: name, Args: args, Line: line}
	f.Order = append(f.Order, id)
	f.byType[name] = append(f.byType[name], id)
}

// splitter cuts the input into ';'-terminated statements, honouring strings and comments.
type splitter struct {
	data []byte
	pos  int
	line int
}

func (s *splitter) next() (stmt []byte, line int, ok bool) {
	s.skipSpaceAndComments()
	if s.pos >= len(s.data) {
		return nil, s.line, false
	}
	start, line := s.pos, s.line
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		switch {
		case c == ';':
			stmt = s.data[start:s.pos]
			s.pos++
			return stmt, line, true
		case c == '\'':
			s.pos++
			for s.pos < len(s.data) {
				if s.data[s.pos] == '\n' {
					s.line++
				}
				if s.data[s.pos] == '\'' {
					if s.pos+1 < len(s.data) && s.data[s.pos+1] == '\'' {
						s.pos += 2
						continue
					}
					break
				}
				s.pos++
			}
			s.pos++
		case c == '/' && s.pos+1 < len(s.data) && s.data[s.pos+1] == '*':
			s.skipComment()
		default:
			if c == '\n' {
				s.line++
			}
			s.pos++
		}
	}
	if s.pos > len(s.data) {
		s.pos = len(s.data)
	}
	return s.data[start:], line, true
}

func (s *splitter) skipSpaceAndComments() {
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		switch {
		case c == '\n':
			s.line++
			s.pos++
		case c == ' ' || c == '\t' || c == '\r':
			s.pos++
		case c == '/' && s.pos+1 < len(s.data) && s.data[s.pos+1] == '*':
			s.skipComment()
		default:
			return
		}
	}
}

func (s *splitter) skipComment() {
	s.pos += 2
	for s.pos < len(s.data) {
		if s.data[s.pos] == '\n' {
			s.line++
		}
		if s.data[s.pos] == '*' && s.pos+1 < len(s.data) && s.data[s.pos+1] == '/' {
			s.pos += 2
			return
		}
		s.pos++
	}
}

// lexer parses the values of a single statement.
// maxNesting bounds list and typed-parameter nesting within one statement.
const maxNesting = 64

type lexer struct {
	src   []byte
	pos   int
	line  int
	depth int
}

func (lx *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{Line: lx.line, Msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) peek() byte {
	if lx.pos < len(lx.src) {
		return lx.src[lx.pos]
	}
	return 0
}

func (lx *lexer) eat(c byte) bool {
	if lx.peek() == c {
		lx.pos++
		return true
	}
	return false
}

func (lx *lexer) skip() {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			lx.pos++
		case c == '/' && lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '*':
			end := bytes.Index(lx.src[lx.pos+2:], []byte("*/"))
			if end < 0 {
				lx.pos = len(lx.src)
				return
			}
			lx.pos += end + 4
		default:
			return
		}
	}
}

func (lx *lexer) digits() (int, bool) {
	start := lx.pos
	for lx.pos < len(lx.src) && lx.src[lx.pos] >= '0' && lx.src[lx.pos] <= '9' {
		lx.pos++
	}
	if start == lx.pos {
		return 0, false
	}
	n, err := strconv.Atoi(string(lx.src[start:lx.pos]))
	return n, err == nil
}

func isKeywordByte(c byte) bool {
	return c == '_' || c == '!' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func (lx *lexer) keyword() string {
	start := lx.pos
	for lx.pos < len(lx.src) && isKeywordByte(lx.src[lx.pos]) {
		lx.pos++
	}
	return strings.ToUpper(string(lx.src[start:lx.pos]))
}

// entity parses "NAME(args)" up to the end of the statement.
func (lx *lexer) entity() (string, []Value, error) {
	lx.skip()
	name := lx.keyword()
	if name == "" {
		return "", nil, lx.errorf("expected entity name")
	}
	lx.skip()
	if lx.peek() != '(' {
		return "", nil, lx.errorf("expected '(' after %s", name)
	}
	list, err := lx.list()
	if err != nil {
		return "", nil, err
	}
	lx.skip()
	if lx.pos != len(lx.src) {
		return "", nil, lx.errorf("unexpected %q after %s arguments", lx.src[lx.pos], name)
	}
	return name, list.List, nil
}

func (lx *lexer) list() (Value, error) {
	if !lx.eat('(') {
		return Value{}, lx.errorf("expected '('")
	}
	if lx.depth >= maxNesting {
		return Value{}, lx.errorf("lists nested too deeply")
	}
	lx.depth++
	defer func() { lx.depth-- }()
	out := Value{Kind: KindList}
	lx.skip()
	if lx.eat(')') {
		return out, nil
	}
	for {
		v, err := lx.value()
		if err != nil {
			return Value{}, err
		}
		out.List = append(out.List, v)
		lx.skip()
		switch {
		case lx.eat(','):
		case lx.eat(')'):
			return out, nil
		default:
			if lx.pos >= len(lx.src) {
				return Value{}, lx.errorf("unterminated list")
			}
			return Value{}, lx.errorf("unexpected %q in list", lx.src[lx.pos])
		}
	}
}

func (lx *lexer) value() (Value, error) {
	lx.skip()
	c := lx.peek()
	switch {
	case c == '$':
		lx.pos++
		return Value{Kind: KindNull}, nil
	case c == '*':
		lx.pos++
		return Value{Kind: KindDerived}, nil
	case c == '#':
		lx.pos++
		id, ok := lx.digits()
		if !ok {
			return Value{}, lx.errorf("malformed reference")
		}
		return Value{Kind: KindRef, Ref: id}, nil
	case c == '\'':
		s, err := lx.str()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Str: s}, nil
	case c == '"':
		lx.pos++
		end := bytes.IndexByte(lx.src[lx.pos:], '"')
		if end < 0 {
			return Value{}, lx.errorf("unterminated binary")
		}
		v := Value{Kind: KindBinary, Str: string(lx.src[lx.pos : lx.pos+end])}
		lx.pos += end + 1
		return v, nil
	case c == '.':
		lx.pos++
		end := bytes.IndexByte(lx.src[lx.pos:], '.')
		if end < 0 {
			return Value{}, lx.errorf("unterminated enumeration")
		}
		v := Value{Kind: KindEnum, Str: strings.ToUpper(string(lx.src[lx.pos : lx.pos+end]))}
		lx.pos += end + 1
		return v, nil
	case c == '(':
		return lx.list()
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return lx.number()
	case isKeywordByte(c):
		name := lx.keyword()
		lx.skip()
		if lx.peek() != '(' {
			return Value{}, lx.errorf("expected '(' after typed parameter %s", name)
		}
		inner, err := lx.list()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindTyped, Str: name, List: inner.List}, nil
	case c == 0:
		return Value{}, lx.errorf("unexpected end of statement")
	}
	return Value{}, lx.errorf("unexpected %q", c)
}

func (lx *lexer) number() (Value, error) {
	start := lx.pos
	if c := lx.peek(); c == '-' || c == '+' {
		lx.pos++
	}
	isReal := false
scan:
	for lx.pos < len(lx.src) {
		switch c := lx.src[lx.pos]; {
		case c >= '0' && c <= '9':
		case c == '.':
			isReal = true
		case c == 'E' || c == 'e':
			isReal = true
			if n := lx.pos + 1; n < len(lx.src) && (lx.src[n] == '-' || lx.src[n] == '+') {
				lx.pos++
			}
		default:
			break scan
		}
		lx.pos++
	}
	tok := string(lx.src[start:lx.pos])
	if isReal {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return Value{}, lx.errorf("malformed real %q", tok)
		}
		return Value{Kind: KindReal, Real: f}, nil
	}
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return Value{}, lx.errorf("malformed integer %q", tok)
	}
	return Value{Kind: KindInteger, Int: n}, nil
}

// str reads a quoted string and decodes its control directives.
func (lx *lexer) str() (string, error) {
	lx.pos++
	var raw []byte
	for {
		if lx.pos >= len(lx.src) {
			return "", lx.errorf("unterminated string")
		}
		c := lx.src[lx.pos]
		if c == '\'' {
			if lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\'' {
				raw = append(raw, '\'')
				lx.pos += 2
				continue
			}
			lx.pos++
			break
		}
		raw = append(raw, c)
		lx.pos++
	}
	s, err := DecodeString(string(raw))
	if err != nil {
		return "", lx.errorf("%v", err)
	}
	return s, nil
}

// DecodeString decodes the \S\, \X\, \X2\, \X4\ and \P?\ control directives
// of an exchange-file string body (quotes already removed).
func DecodeString(raw string) (string, error) {
	if strings.IndexByte(raw, '\\') < 0 {
		return raw, nil
	}
	var b strings.Builder
	for i := 0; i < len(raw); {
		c := raw[i]
		if c != '\\' {
			b.WriteByte(c)
			i++
			continue
		}
		rest := raw[i:]
		switch {
		case strings.HasPrefix(rest, `\\`):
			b.WriteByte('\\')
			i += 2
		case strings.HasPrefix(rest, `\S\`) && len(rest) >= 4:
			b.WriteRune(rune(rest[3]) + 0x80)
			i += 4
		case strings.HasPrefix(rest, `\P`) && len(rest) >= 4 && rest[3] == '\\':
			// Code page switch; \S\ above is decoded as ISO 8859-1 regardless.
			i += 4
		case strings.HasPrefix(rest, `\X2\`), strings.HasPrefix(rest, `\X4\`):
			width := 4
			if rest[2] == '4' {
				width = 8
			}
			end := strings.Index(rest[4:], `\X0\`)
			if end < 0 {
				return "", fmt.Errorf("unterminated %s directive", rest[:4])
			}
			hex := rest[4 : 4+end]
			if len(hex)%width != 0 {
				return "", fmt.Errorf("malformed %s directive", rest[:4])
			}
			var units []uint16
			for j := 0; j < len(hex); j += width {
				n, err := strconv.ParseUint(hex[j:j+width], 16, 32)
				if err != nil {
					return "", fmt.Errorf("malformed %s directive", rest[:4])
				}
				if width == 4 {
					units = append(units, uint16(n))
				} else {
					b.WriteRune(rune(n))
				}
			}
			if width == 4 {
				b.WriteString(string(utf16.Decode(units)))
			}
			i += 4 + end + 4
		case strings.HasPrefix(rest, `\X\`) && len(rest) >= 5:
			n, err := strconv.ParseUint(rest[3:5], 16, 8)
			if err != nil {
				return "", errors.New(`malformed \X\ directive`)
			}
			b.WriteRune(rune(n))
			i += 5
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}
