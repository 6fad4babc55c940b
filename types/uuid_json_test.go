package types

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	in := uuid.New()

	b, oid, err := tr.DumpParam(in, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if oid != OIDUUID {
		t.Errorf("OID = %d, want %d", oid, OIDUUID)
	}

	v, err := tr.LoadColumn(OIDUUID, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	if v.(uuid.UUID) != in {
		t.Errorf("decoded = %v, want %v", v, in)
	}
}

func TestJSONBRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)

	raw, err := MarshalJSONB(map[string]any{"a": float64(1), "b": "two"})
	if err != nil {
		t.Fatalf("MarshalJSONB: %v", err)
	}

	b, oid, err := tr.DumpParam(raw, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if oid != OIDJSONB {
		t.Errorf("OID = %d, want %d", oid, OIDJSONB)
	}

	v, err := tr.LoadColumn(OIDJSONB, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", v)
	}
	if m["a"] != float64(1) || m["b"] != "two" {
		t.Errorf("decoded = %+v", m)
	}
}

func TestRawJSONDump(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)

	b, oid, err := tr.DumpParam(RawJSON(`{"x":1}`), FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if oid != OIDJSON {
		t.Errorf("OID = %d, want %d", oid, OIDJSON)
	}
	if string(b) != `{"x":1}` {
		t.Errorf("encoded = %q", b)
	}
}
