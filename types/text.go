package types

import (
	"encoding/hex"
	"fmt"
	"reflect"
)

func registerText(r *Registry) {
	r.RegisterDumper(reflect.TypeOf(""), DumperFunc{Fn: dumpStringValue, OIDValue: OIDText})
	stringLoader := LoaderFunc(func(data []byte, format Format) (any, error) {
		if data == nil {
			return nil, nil
		}
		return r.decodeText(data)
	})
	r.RegisterLoader(OIDText, stringLoader)
	r.RegisterLoader(OIDVarchar, stringLoader)
	r.RegisterLoader(OIDBpchar, stringLoader)
	r.RegisterLoader(OIDName, stringLoader)
	r.RegisterLoader(OIDChar, stringLoader)
	r.RegisterLoader(OIDUnknown, stringLoader)

	r.RegisterDumper(reflect.TypeOf([]byte(nil)), DumperFunc{Fn: dumpBytea, OIDValue: OIDBytea})
	r.RegisterLoader(OIDBytea, LoaderFunc(loadBytea))
}

func dumpStringValue(v any, _ Format) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("types: dumpString: not a string: %T", v)
	}
	return []byte(s), nil
}

// dumpBytea always uses PostgreSQL's "hex" text encoding (\x-prefixed)
// rather than the legacy "escape" format, matching every modern client's
// default (standard_conforming_strings era, PostgreSQL >= 9.0).
func dumpBytea(v any, format Format) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("types: dumpBytea: not a []byte: %T", v)
	}
	if format == FormatBinary {
		return b, nil
	}
	out := make([]byte, 2+hex.EncodedLen(len(b)))
	out[0], out[1] = '\\', 'x'
	hex.Encode(out[2:], b)
	return out, nil
}

func loadBytea(data []byte, format Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	if format == FormatBinary {
		return data, nil
	}
	if len(data) >= 2 && data[0] == '\\' && data[1] == 'x' {
		out := make([]byte, hex.DecodedLen(len(data)-2))
		if _, err := hex.Decode(out, data[2:]); err != nil {
			return nil, err
		}
		return out, nil
	}
	return unescapeBytea(data), nil
}

// unescapeBytea decodes the legacy backslash-octal "escape" format, kept
// for servers old enough to still emit it despite the hex dumper above
// always producing hex on the way out.
func unescapeBytea(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' {
			out = append(out, data[i])
			continue
		}
		if i+1 < len(data) && data[i+1] == '\\' {
			out = append(out, '\\')
			i++
			continue
		}
		if i+3 < len(data) {
			var v byte
			valid := true
			for k := 1; k <= 3; k++ {
				c := data[i+k]
				if c < '0' || c > '7' {
					valid = false
					break
				}
				v = v*8 + (c - '0')
			}
			if valid {
				out = append(out, v)
				i += 3
				continue
			}
		}
		out = append(out, data[i])
	}
	return out
}
