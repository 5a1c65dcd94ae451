package fints

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FinTS 3.0 syntax: a segment ends with ', data elements are separated by
// + and group parts by :. ? escapes the following character and @n@
// introduces n bytes of binary data.
const (
	segmentEnd   = '\''
	elementSep   = '+'
	groupSep     = ':'
	escapeChar   = '?'
	binaryMarker = '@'
)

// Binary is a data element sent length-prefixed instead of escaped.
type Binary []byte

// Group is a data element group. Parts are string, int, Binary or nil.
type Group []any

// outSegment is a segment waiting to be numbered and encoded. Elements are
// string, int, Binary, Group or nil for an empty element.
type outSegment struct {
	typ      string
	version  int
	elements []any
}

func newSegment(typ string, version int, elements ...any) outSegment {
	return outSegment{typ: typ, version: version, elements: elements}
}

func (s outSegment) encode(number int) []byte {
	var b bytes.Buffer
	b.WriteString(s.typ)
	b.WriteByte(groupSep)
	b.WriteString(strconv.Itoa(number))
	b.WriteByte(groupSep)
	b.WriteString(strconv.Itoa(s.version))
	for _, el := range s.elements {
		b.WriteByte(elementSep)
		writeElement(&b, el)
	}
	b.WriteByte(segmentEnd)
	return b.Bytes()
}

func writeElement(b *bytes.Buffer, el any) {
	switch v := el.(type) {
	case nil:
	case string:
		b.WriteString(escaper.Replace(v))
	case int:
		b.WriteString(strconv.Itoa(v))
	case Binary:
		fmt.Fprintf(b, "@%d@", len(v))
		b.Write(v)
	case Group:
		for i, part := range v {
			if i > 0 {
				b.WriteByte(groupSep)
			}
			writeElement(b, part)
		}
	default:
		panic(fmt.Sprintf("fints: unsupported element type %T", el))
	}
}

var escaper = strings.NewReplacer("?", "??", "+", "?+", ":", "?:", "'", "?'", "@", "?@")

// segment is a parsed segment. elements[0] is the header group
// type:number:version[:reference].
type segment struct {
	elements [][]string
}

func (s segment) typ() string {
	return s.get(0, 0)
}

// get returns part j of element i, or "" when absent.
func (s segment) get(i, j int) string {
	if i >= len(s.elements) || j >= len(s.elements[i]) {
		return ""
	}
	return s.elements[i][j]
}

func (s segment) element(i int) []string {
	if i >= len(s.elements) {
		return nil
	}
	return s.elements[i]
}

var errUnterminated = errors.New("unterminated segment")

// parseSegments splits a message into segments. Line breaks between
// segments, which some banks send, are ignored.
func parseSegments(data []byte) ([]segment, error) {
	var (
		segments []segment
		elements [][]string
		group    []string
		part     []byte
		inPart   bool
	)
	flushPart := func() {
		group = append(group, string(part))
		part = part[:0]
		inPart = false
	}
	flushElement := func() {
		flushPart()
		elements = append(elements, group)
		group = nil
	}

	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case c == escapeChar:
			i++
			if i >= len(data) {
				return nil, errors.New("dangling escape character")
			}
			part = append(part, data[i])
			inPart = true
		case c == binaryMarker && !inPart:
			end := bytes.IndexByte(data[i+1:], binaryMarker)
			if end < 0 {
				return nil, errors.New("unterminated binary length")
			}
			n, err := strconv.Atoi(string(data[i+1 : i+1+end]))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid binary length %q", data[i+1:i+1+end])
			}
			from := i + 2 + end
			if from+n > len(data) {
				return nil, errors.New("binary data exceeds message")
			}
			part = append(part, data[from:from+n]...)
			inPart = true
			i = from + n - 1
		case c == groupSep:
			flushPart()
		case c == elementSep:
			flushElement()
		case c == segmentEnd:
			flushElement()
			segments = append(segments, segment{elements: elements})
			elements = nil
		case (c == '\r' || c == '\n') && !inPart && len(group) == 0 && len(elements) == 0:
		default:
			part = append(part, c)
			inPart = true
		}
	}
	if inPart || len(group) > 0 || len(elements) > 0 {
		return nil, errUnterminated
	}
	return segments, nil
}
