// Package types implements the bidirectional type adaptation registry
// described in spec.md C4: a per-connection mapping from Go value to wire
// representation (Dumper) and from wire representation back to Go value
// (Loader), keyed by OID on the loading side and by Go type on the
// dumping side (each codec is handed the wire format), plus size-polymorphic integer dumping and a
// Transformer scratchpad carried through one query's lifetime.
package types

import (
	"fmt"
	"reflect"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// Format is the wire format of a value, matching the int16 carried in
// RowDescription/Bind.
type Format int16

const (
	FormatText   Format = 0
	FormatBinary Format = 1
)

// Well-known base type OIDs, per PostgreSQL's pg_type catalog. Only the
// subset this driver adapts natively is listed; anything else round-trips
// as text via the fallback string codec.
const (
	OIDBool        = 16
	OIDBytea       = 17
	OIDChar        = 18
	OIDName        = 19
	OIDInt8        = 20
	OIDInt2        = 21
	OIDInt4        = 23
	OIDText        = 25
	OIDOID         = 26
	OIDJSON        = 114
	OIDFloat4      = 700
	OIDFloat8      = 701
	OIDUnknown     = 705
	OIDInet        = 869
	OIDBpchar      = 1042
	OIDVarchar     = 1043
	OIDDate        = 1082
	OIDTime        = 1083
	OIDTimestamp   = 1114
	OIDTimestampTz = 1184
	OIDInterval    = 1186
	OIDNumeric     = 1700
	OIDUUID        = 2950
	OIDJSONB       = 3802
	OIDCidr        = 650
	// Array OIDs follow the element OID + a fixed offset in PostgreSQL's
	// catalog; the handful used here are hardcoded rather than derived.
	OIDInt4Array = 1007
	OIDTextArray = 1009
	OIDInt8Array = 1016
	// Range/multirange OIDs for the built-in numeric ranges; composites,
	// enums and hstore have no fixed OID and are wired in per-database via
	// RegisterEnum/RegisterComposite/RegisterHStore once resolved through
	// the typeinfo lookup (SPEC_FULL.md §4). User-defined ranges have no
	// Register* helper; they need a Loader passed to RegisterLoader.
	OIDInt4Range      = 3904
	OIDNumRange       = 3906
	OIDInt8Range      = 3926
	OIDInt4Multirange = 4451
)

// Dumper encodes a Go value into its wire representation for a given
// format, and reports which OID the value should be bound as (0 lets the
// backend infer it from context, matching psycopg's "unknown" dumper).
type Dumper interface {
	// Dump encodes v. A nil return with a nil error means SQL NULL.
	Dump(v any, format Format) ([]byte, error)
	// OID is the type this dumper declares its values as, for Bind's
	// parameter OID list and Parse's explicit param types.
	OID(format Format) uint32
}

// Loader decodes wire bytes for a given OID/format back into a Go value.
type Loader interface {
	Load(data []byte, format Format) (any, error)
}

// DumperFunc/LoaderFunc let simple codecs be registered as bare functions.
type DumperFunc struct {
	Fn       func(v any, format Format) ([]byte, error)
	OIDValue uint32
}

func (d DumperFunc) Dump(v any, format Format) ([]byte, error) { return d.Fn(v, format) }
func (d DumperFunc) OID(Format) uint32                         { return d.OIDValue }

type LoaderFunc func(data []byte, format Format) (any, error)

func (l LoaderFunc) Load(data []byte, format Format) (any, error) { return l(data, format) }

// Registry is the per-connection adaptation table named in spec.md C4.
// A fresh Registry starts from the built-in codecs and may be
// extended per-connection, e.g. after looking up an extension's enum or
// composite OID via the typeinfo query (see SUPPLEMENTED FEATURES).
type Registry struct {
	dumpersByType map[reflect.Type]Dumper
	loadersByOID  map[uint32]Loader
	textFallback  Loader
	textEncoding  encoding.Encoding // nil means UTF-8, the wire default
}

// NewRegistry returns a Registry seeded with the driver's built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{
		dumpersByType: map[reflect.Type]Dumper{},
		loadersByOID:  map[uint32]Loader{},
	}
	r.textFallback = LoaderFunc(func(data []byte, format Format) (any, error) {
		if data == nil {
			return nil, nil
		}
		return r.decodeText(data)
	})
	registerBuiltins(r)
	return r
}

// RegisterDumper associates a Go type with the Dumper used whenever a
// value of exactly that type is bound as a query parameter.
func (r *Registry) RegisterDumper(typ reflect.Type, d Dumper) {
	r.dumpersByType[typ] = d
}

// RegisterLoader associates a backend OID with the Loader used to decode
// columns of that type.
func (r *Registry) RegisterLoader(oid uint32, l Loader) {
	r.loadersByOID[oid] = l
}

// SetServerEncoding configures the registry to transcode text-format
// column bytes from the server's reported client_encoding (as seen in
// the startup ParameterStatus) into Go's UTF-8 strings. Called with
// "UTF8" this is a no-op; most deployments never call it at all.
func (r *Registry) SetServerEncoding(pgEncodingName string) error {
	if pgEncodingName == "" || pgEncodingName == "UTF8" || pgEncodingName == "SQL_ASCII" {
		r.textEncoding = nil
		return nil
	}
	enc, err := ianaindex.IANA.Encoding(pgToIANAEncoding(pgEncodingName))
	if err != nil {
		return fmt.Errorf("types: unsupported server encoding %q: %w", pgEncodingName, err)
	}
	r.textEncoding = enc
	return nil
}

// decodeText transcodes raw column bytes to UTF-8 using the registry's
// configured server encoding, if any.
func (r *Registry) decodeText(data []byte) (string, error) {
	if r == nil || r.textEncoding == nil || data == nil {
		return string(data), nil
	}
	out, err := r.textEncoding.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// pgToIANAEncoding maps the handful of non-UTF8 PostgreSQL encoding names
// likely to be seen in practice to their IANA equivalents; anything else
// is passed through unchanged and left to ianaindex to resolve or reject.
func pgToIANAEncoding(name string) string {
	switch name {
	case "LATIN1":
		return "ISO-8859-1"
	case "LATIN9":
		return "ISO-8859-15"
	case "WIN1252":
		return "windows-1252"
	case "KOI8R":
		return "KOI8-R"
	case "EUC_JP":
		return "EUC-JP"
	case "SJIS":
		return "Shift_JIS"
	default:
		return name
	}
}

// DumperFor returns the Dumper registered for v's dynamic type, or the
// generic %v-to-text fallback if none is registered (mirroring psycopg's
// "unknown" dumper for unrecognized Python types).
func (r *Registry) DumperFor(v any) Dumper {
	if v == nil {
		return nilDumper{}
	}
	// Integers are dispatched by magnitude rather than by a fixed
	// registration per Go type, so the same intDumperFor call backs
	// spec.md's int2/int4/int8/numeric size-promotion ladder.
	if d, ok := intDumperFor(v); ok {
		return d
	}
	if d, ok := r.dumpersByType[reflect.TypeOf(v)]; ok {
		return d
	}
	return DumperFunc{Fn: dumpText, OIDValue: 0}
}

// LoaderFor returns the Loader registered for oid, or the text fallback.
func (r *Registry) LoaderFor(oid uint32) Loader {
	if l, ok := r.loadersByOID[oid]; ok {
		return l
	}
	return r.textFallback
}

type nilDumper struct{}

func (nilDumper) Dump(any, Format) ([]byte, error) { return nil, nil }
func (nilDumper) OID(Format) uint32                { return 0 }

func dumpText(v any, _ Format) ([]byte, error) {
	return []byte(fmt.Sprintf("%v", v)), nil
}

// Transformer carries the per-statement adaptation state spec.md C4
// calls out: the Registry to use (connection-wide, possibly overridden
// for one query) plus a scratch cache so a Dumper that needs to look
// something up (e.g. a composite type's field OIDs) only pays for it
// once per query instead of once per row.
type Transformer struct {
	Registry *Registry
	scratch  map[string]any
}

// NewTransformer builds a Transformer bound to reg for the lifetime of
// one Execute/Send call.
func NewTransformer(reg *Registry) *Transformer {
	return &Transformer{Registry: reg, scratch: map[string]any{}}
}

// Scratch returns the cached value for key, computing and storing it via
// compute on first access.
func (t *Transformer) Scratch(key string, compute func() any) any {
	if v, ok := t.scratch[key]; ok {
		return v
	}
	v := compute()
	t.scratch[key] = v
	return v
}

// DumpParam encodes one bind parameter using the Transformer's registry.
func (t *Transformer) DumpParam(v any, format Format) ([]byte, uint32, error) {
	d := t.Registry.DumperFor(v)
	b, err := d.Dump(v, format)
	if err != nil {
		return nil, 0, err
	}
	return b, d.OID(format), nil
}

// LoadColumn decodes one result column using the Transformer's registry.
func (t *Transformer) LoadColumn(oid uint32, data []byte, format Format) (any, error) {
	return t.Registry.LoaderFor(oid).Load(data, format)
}
