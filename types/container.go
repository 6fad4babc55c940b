package types

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
)

// Range is a generic PostgreSQL range value over any registered subtype
// (int4range, numrange, tsrange, daterange, ...). Bounds are carried as
// already-decoded Go values (via the subtype's Loader/Dumper) rather than
// raw bytes, the same way Array carries decoded elements.
type Range struct {
	SubOID    uint32
	Lower     any // nil means unbounded
	Upper     any // nil means unbounded
	LowerIncl bool
	UpperIncl bool
	Empty     bool
}

// Multirange is an ordered set of non-overlapping Ranges over the same
// subtype, introduced in PostgreSQL 14.
type Multirange struct {
	SubOID uint32
	Ranges []Range
}

func registerRange(r *Registry) {
	r.RegisterLoader(OIDInt4Range, rangeLoader{r, OIDInt4})
	r.RegisterLoader(OIDInt8Range, rangeLoader{r, OIDInt8})
	r.RegisterLoader(OIDNumRange, rangeLoader{r, OIDNumeric})
	r.RegisterLoader(OIDInt4Multirange, multirangeLoader{r, OIDInt4})
	r.RegisterDumper(reflect.TypeOf(Range{}), rangeDumper{r})
}

type rangeLoader struct {
	r      *Registry
	subOID uint32
}

// Load decodes PostgreSQL's range text literal: "empty", or a bound pair
// like "[1,10)" / "(,5]" with either side blank meaning unbounded.
func (l rangeLoader) Load(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	s := string(data)
	if s == "empty" {
		return Range{SubOID: l.subOID, Empty: true}, nil
	}
	if len(s) < 3 {
		return nil, fmt.Errorf("types: malformed range literal %q", s)
	}
	lowerIncl := s[0] == '['
	upperIncl := s[len(s)-1] == ']'
	body := s[1 : len(s)-1]
	parts, err := splitRangeBody(body)
	if err != nil {
		return nil, err
	}
	sub := l.r.LoaderFor(l.subOID)
	rg := Range{SubOID: l.subOID, LowerIncl: lowerIncl, UpperIncl: upperIncl}
	if parts[0] != "" {
		v, err := sub.Load([]byte(unquoteRangeBound(parts[0])), FormatText)
		if err != nil {
			return nil, err
		}
		rg.Lower = v
	}
	if parts[1] != "" {
		v, err := sub.Load([]byte(unquoteRangeBound(parts[1])), FormatText)
		if err != nil {
			return nil, err
		}
		rg.Upper = v
	}
	return rg, nil
}

// splitRangeBody splits "lower,upper" on the single unquoted comma,
// respecting double-quoted bounds the way PostgreSQL quotes a bound that
// itself contains a comma or quote.
func splitRangeBody(body string) ([2]string, error) {
	inQuotes := false
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '"':
			inQuotes = !inQuotes
		case '\\':
			i++
		case ',':
			if !inQuotes {
				return [2]string{body[:i], body[i+1:]}, nil
			}
		}
	}
	return [2]string{}, fmt.Errorf("types: malformed range body %q", body)
}

func unquoteRangeBound(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
		s = strings.ReplaceAll(s, `\"`, `"`)
		s = strings.ReplaceAll(s, `\\`, `\`)
	}
	return s
}

type rangeDumper struct{ r *Registry }

func (d rangeDumper) OID(Format) uint32 { return 0 }

func (d rangeDumper) Dump(v any, _ Format) ([]byte, error) {
	rg, ok := v.(Range)
	if !ok {
		return nil, fmt.Errorf("types: rangeDumper: not a Range: %T", v)
	}
	if rg.Empty {
		return []byte("empty"), nil
	}
	sub := d.r.DumperFor(nonNilOrZero(rg.Lower, rg.Upper))
	var lower, upper string
	if rg.Lower != nil {
		b, err := sub.Dump(rg.Lower, FormatText)
		if err != nil {
			return nil, err
		}
		lower = quoteRangeBound(string(b))
	}
	if rg.Upper != nil {
		b, err := sub.Dump(rg.Upper, FormatText)
		if err != nil {
			return nil, err
		}
		upper = quoteRangeBound(string(b))
	}
	open, shut := '(', ')'
	if rg.LowerIncl {
		open = '['
	}
	if rg.UpperIncl {
		shut = ']'
	}
	return []byte(fmt.Sprintf("%c%s,%s%c", open, lower, upper, shut)), nil
}

func nonNilOrZero(a, b any) any {
	if a != nil {
		return a
	}
	return b
}

func quoteRangeBound(s string) string {
	if strings.ContainsAny(s, `,"()[]\`) {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		return `"` + s + `"`
	}
	return s
}

type multirangeLoader struct {
	r      *Registry
	subOID uint32
}

// Load decodes a multirange literal "{[1,5),[10,20)}" into its constituent
// Ranges, reusing rangeLoader per element.
func (l multirangeLoader) Load(data []byte, format Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	s := strings.TrimSpace(string(data))
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("types: malformed multirange literal %q", s)
	}
	body := s[1 : len(s)-1]
	mr := Multirange{SubOID: l.subOID}
	if body == "" {
		return mr, nil
	}
	sub := rangeLoader{r: l.r, subOID: l.subOID}
	depth := 0
	start := 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
			if depth == 0 {
				v, err := sub.Load([]byte(body[start:i+1]), format)
				if err != nil {
					return nil, err
				}
				mr.Ranges = append(mr.Ranges, v.(Range))
				start = i + 2 // skip the following comma
			}
		}
	}
	return mr, nil
}

// Enum is a value of a user-defined PostgreSQL ENUM type, carried by label
// rather than by an internal ordinal, matching spec.md's "by label" rule.
type Enum struct {
	OID   uint32
	Label string
}

// RegisterEnum wires a Loader for a specific enum type OID, used once a
// connection has resolved the OID via the typeinfo lookup described in
// SPEC_FULL.md's supplemented _typeinfo.py feature. A single Dumper for
// the Enum Go type is registered lazily (idempotently) the first time any
// enum OID is registered: since an Enum value carries its own OID, one
// Dumper instance can serve every enum type a connection knows about.
func (r *Registry) RegisterEnum(oid uint32) {
	r.RegisterLoader(oid, enumLoader{oid})
	if _, ok := r.dumpersByType[reflect.TypeOf(Enum{})]; !ok {
		r.RegisterDumper(reflect.TypeOf(Enum{}), enumDumper{})
	}
}

type enumLoader struct{ oid uint32 }

func (l enumLoader) Load(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	return Enum{OID: l.oid, Label: string(data)}, nil
}

type enumDumper struct{}

func (d enumDumper) OID(Format) uint32 { return 0 }

func (d enumDumper) Dump(v any, _ Format) ([]byte, error) {
	e, ok := v.(Enum)
	if !ok {
		return nil, fmt.Errorf("types: enumDumper: not an Enum: %T", v)
	}
	return []byte(e.Label), nil
}

// Composite is a value of a user-defined PostgreSQL composite (row) type,
// decoded field-by-field in declaration order. The caller supplies the
// field OIDs (from a prior pg_type/pg_attribute lookup); this driver does
// not itself generate a named-tuple-like factory type, it exposes the
// positional field slice the way psycopg's generic (undescribed) composite
// loader does before a factory is registered.
type Composite struct {
	OID    uint32
	Fields []any
}

// RegisterComposite wires a Loader for a composite type OID whose field
// OIDs are already known. The Loader parses PostgreSQL's text record
// format "(f1,f2,...)"; the binary record format is not decoded, and
// binary input is rejected as a malformed literal.
func (r *Registry) RegisterComposite(oid uint32, fieldOIDs []uint32) {
	r.RegisterLoader(oid, compositeLoader{r, oid, fieldOIDs})
}

type compositeLoader struct {
	r         *Registry
	oid       uint32
	fieldOIDs []uint32
}

func (l compositeLoader) Load(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	s := string(data)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("types: malformed composite literal %q", s)
	}
	rawFields, err := splitArrayText("{" + s[1:len(s)-1] + "}")
	if err != nil {
		return nil, err
	}
	out := Composite{OID: l.oid, Fields: make([]any, len(rawFields))}
	for i, raw := range rawFields {
		if raw == nil || i >= len(l.fieldOIDs) {
			out.Fields[i] = nil
			continue
		}
		v, err := l.r.LoaderFor(l.fieldOIDs[i]).Load(raw, FormatText)
		if err != nil {
			return nil, err
		}
		out.Fields[i] = v
	}
	return out, nil
}

// HStore is PostgreSQL's key/value text-association type, contrib module
// `hstore`. Values are nullable strings; PostgreSQL has no typed hstore
// values, every value is text or SQL NULL.
type HStore map[string]*string

// RegisterHStore wires a Dumper/Loader pair for the hstore extension type
// once its OID has been resolved for the current database.
func (r *Registry) RegisterHStore(oid uint32) {
	r.RegisterLoader(oid, hstoreLoader{})
	r.RegisterDumper(reflect.TypeOf(HStore{}), hstoreDumper{oid})
}

type hstoreLoader struct{}

func (hstoreLoader) Load(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	return parseHStoreText(string(data))
}

type hstoreDumper struct{ oid uint32 }

func (d hstoreDumper) OID(Format) uint32 { return d.oid }

func (d hstoreDumper) Dump(v any, _ Format) ([]byte, error) {
	h, ok := v.(HStore)
	if !ok {
		return nil, fmt.Errorf("types: hstoreDumper: not an HStore: %T", v)
	}
	parts := make([]string, 0, len(h))
	for k, val := range h {
		if val == nil {
			parts = append(parts, quoteHStorePart(k)+"=>NULL")
			continue
		}
		parts = append(parts, quoteHStorePart(k)+"=>"+quoteHStorePart(*val))
	}
	return []byte(strings.Join(parts, ", ")), nil
}

func quoteHStorePart(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// Geometry is a PostGIS geometry/geography value, carried as its EWKB
// (extended well-known binary) encoding. PostGIS defines dozens of
// geometry subtypes (point, linestring, polygon, multi-*, collections)
// over a shared binary envelope; rather than modeling each subtype's
// coordinate layout, this driver treats the EWKB payload as an opaque,
// round-trippable byte string the way an undescribed composite loader
// treats an unregistered field, deferring subtype-specific decoding to
// the caller (e.g. via github.com/twpayne/go-geom, not a core dependency).
type Geometry struct {
	OID  uint32
	EWKB []byte
}

// RegisterGeometry wires a pass-through Dumper/Loader for the PostGIS
// geometry (or geography) type OID once resolved for the current
// database; PostGIS, like hstore, is a contrib extension with no fixed
// OID across installations.
func (r *Registry) RegisterGeometry(oid uint32) {
	r.RegisterLoader(oid, geometryLoader{oid})
	r.RegisterDumper(reflect.TypeOf(Geometry{}), geometryDumper{})
}

type geometryLoader struct{ oid uint32 }

func (l geometryLoader) Load(data []byte, format Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	if format == FormatBinary {
		return Geometry{OID: l.oid, EWKB: append([]byte(nil), data...)}, nil
	}
	raw := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(raw, data); err != nil {
		return nil, fmt.Errorf("types: malformed EWKB hex geometry: %w", err)
	}
	return Geometry{OID: l.oid, EWKB: raw}, nil
}

type geometryDumper struct{}

func (geometryDumper) OID(Format) uint32 { return 0 }

func (geometryDumper) Dump(v any, format Format) ([]byte, error) {
	g, ok := v.(Geometry)
	if !ok {
		return nil, fmt.Errorf("types: geometryDumper: not a Geometry: %T", v)
	}
	if format == FormatBinary {
		return g.EWKB, nil
	}
	out := make([]byte, hex.EncodedLen(len(g.EWKB)))
	hex.Encode(out, g.EWKB)
	return out, nil
}

// parseHStoreText parses hstore's `"k"=>"v", "k2"=>NULL` text format.
func parseHStoreText(s string) (HStore, error) {
	out := HStore{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	i := 0
	readQuoted := func() (string, error) {
		if i >= len(s) || s[i] != '"' {
			return "", fmt.Errorf("types: malformed hstore literal %q at %d", s, i)
		}
		i++
		var b strings.Builder
		for i < len(s) && s[i] != '"' {
			if s[i] == '\\' && i+1 < len(s) {
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			b.WriteByte(s[i])
			i++
		}
		i++ // closing quote
		return b.String(), nil
	}
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		if i >= len(s) {
			break
		}
		key, err := readQuoted()
		if err != nil {
			return nil, err
		}
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i+1 >= len(s) || s[i] != '=' || s[i+1] != '>' {
			return nil, fmt.Errorf("types: malformed hstore literal %q: expected => at %d", s, i)
		}
		i += 2
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if strings.HasPrefix(s[i:], "NULL") {
			out[key] = nil
			i += 4
			continue
		}
		val, err := readQuoted()
		if err != nil {
			return nil, err
		}
		out[key] = &val
	}
	return out, nil
}
