package types

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// RawJSON lets a caller pass already-serialized JSON text through
// untouched, distinguishing a json column bound from a Go struct
// (marshaled here) from one bound from a pre-built document.
type RawJSON []byte

// RawJSONB is the jsonb equivalent of RawJSON; the two are kept distinct
// only so the dumper can pick the right OID; the wire representation is
// identical for both in text format.
type RawJSONB []byte

func registerUUIDJSON(r *Registry) {
	r.RegisterDumper(reflect.TypeOf(uuid.UUID{}), DumperFunc{Fn: dumpUUID, OIDValue: OIDUUID})
	r.RegisterLoader(OIDUUID, LoaderFunc(loadUUID))

	r.RegisterDumper(reflect.TypeOf(RawJSON(nil)), DumperFunc{Fn: dumpRawJSON, OIDValue: OIDJSON})
	r.RegisterDumper(reflect.TypeOf(RawJSONB(nil)), DumperFunc{Fn: dumpRawJSONB, OIDValue: OIDJSONB})
	r.RegisterLoader(OIDJSON, LoaderFunc(loadJSON))
	r.RegisterLoader(OIDJSONB, LoaderFunc(loadJSON))
}

func dumpUUID(v any, _ Format) ([]byte, error) {
	u, ok := v.(uuid.UUID)
	if !ok {
		return nil, fmt.Errorf("types: dumpUUID: not a uuid.UUID: %T", v)
	}
	return []byte(u.String()), nil
}

func loadUUID(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	return uuid.Parse(string(data))
}

func dumpRawJSON(v any, _ Format) ([]byte, error) {
	b, ok := v.(RawJSON)
	if !ok {
		return nil, fmt.Errorf("types: dumpRawJSON: not a RawJSON: %T", v)
	}
	return []byte(b), nil
}

func dumpRawJSONB(v any, _ Format) ([]byte, error) {
	b, ok := v.(RawJSONB)
	if !ok {
		return nil, fmt.Errorf("types: dumpRawJSONB: not a RawJSONB: %T", v)
	}
	return []byte(b), nil
}

func loadJSON(data []byte, _ Format) (any, error) {
	if data == nil {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalJSONB is a convenience helper for binding an arbitrary Go value
// as jsonb: json.Marshal it, then wrap the result as RawJSONB so the
// registry's dumper picks the right OID.
func MarshalJSONB(v any) (RawJSONB, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawJSONB(b), nil
}
