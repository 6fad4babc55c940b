package types

import (
	"fmt"
	"reflect"
	"strings"
)

// Array is a one-dimensional PostgreSQL array value. The driver only
// adapts one-dimensional arrays natively, and loads only int4[], int8[]
// and text[]; multi-dimensional arrays and other array types round-trip
// as text via the fallback string codec. Ranges and multiranges have
// their own codecs in container.go.
type Array struct {
	ElemOID uint32
	Values  []any // each element already decoded via its element Loader
}

func registerArray(r *Registry) {
	r.RegisterDumper(reflect.TypeOf(Array{}), arrayDumper{r})
	r.RegisterLoader(OIDInt4Array, arrayLoader{r, OIDInt4})
	r.RegisterLoader(OIDInt8Array, arrayLoader{r, OIDInt8})
	r.RegisterLoader(OIDTextArray, arrayLoader{r, OIDText})
}

type arrayDumper struct{ r *Registry }

func (d arrayDumper) OID(Format) uint32 { return 0 }

func (d arrayDumper) Dump(v any, format Format) ([]byte, error) {
	a, ok := v.(Array)
	if !ok {
		return nil, fmt.Errorf("types: arrayDumper: not an Array: %T", v)
	}
	elemDumper := d.elemDumper(a.ElemOID)
	parts := make([]string, len(a.Values))
	for i, val := range a.Values {
		if val == nil {
			parts[i] = "NULL"
			continue
		}
		b, err := elemDumper.Dump(val, FormatText)
		if err != nil {
			return nil, err
		}
		parts[i] = quoteArrayElement(string(b))
	}
	return []byte("{" + strings.Join(parts, ",") + "}"), nil
}

func (d arrayDumper) elemDumper(oid uint32) Dumper {
	switch oid {
	case OIDInt4, OIDInt8, OIDInt2:
		// Array elements are always rendered in text format here, so the
		// width-fixed int2/int4/int8 dumpers are interchangeable; dumpInt8
		// just happens to accept every integer kind dumpInt2/dumpInt4 do.
		return DumperFunc{Fn: dumpInt8}
	case OIDText, OIDVarchar:
		return DumperFunc{Fn: dumpStringValue}
	default:
		return DumperFunc{Fn: dumpText}
	}
}

func quoteArrayElement(s string) string {
	if s == "" {
		return `""`
	}
	needsQuote := strings.ContainsAny(s, `{}",\ `) || strings.EqualFold(s, "null")
	if !needsQuote {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

type arrayLoader struct {
	r       *Registry
	elemOID uint32
}

func (l arrayLoader) Load(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	elems, err := splitArrayText(string(data))
	if err != nil {
		return nil, err
	}
	elemLoader := l.r.LoaderFor(l.elemOID)
	out := Array{ElemOID: l.elemOID, Values: make([]any, len(elems))}
	for i, raw := range elems {
		if raw == nil {
			out.Values[i] = nil
			continue
		}
		v, err := elemLoader.Load(raw, FormatText)
		if err != nil {
			return nil, err
		}
		out.Values[i] = v
	}
	return out, nil
}

// splitArrayText parses PostgreSQL's "{a,b,"c d",NULL}" array literal
// syntax into raw per-element byte slices (nil for an unquoted NULL),
// handling quoted elements and backslash escapes but not nested arrays.
func splitArrayText(s string) ([][]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("types: malformed array literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return nil, nil
	}
	var elems [][]byte
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && inQuotes && i+1 < len(body):
			cur.WriteByte(body[i+1])
			i++
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			elems = append(elems, finishElement(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	elems = append(elems, finishElement(cur.String()))
	return elems, nil
}

func finishElement(raw string) []byte {
	if raw == "NULL" {
		return nil
	}
	return []byte(raw)
}
