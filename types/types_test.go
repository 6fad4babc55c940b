package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRegistryIntRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)

	b, oid, err := tr.DumpParam(int32(42), FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if oid != OIDInt4 {
		t.Errorf("OID = %d, want %d", oid, OIDInt4)
	}
	if string(b) != "42" {
		t.Errorf("encoded = %q, want %q", b, "42")
	}

	v, err := tr.LoadColumn(OIDInt4, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	if v.(int64) != 42 {
		t.Errorf("decoded = %v, want 42", v)
	}
}

func TestRegistryBinaryIntWidths(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)

	cases := []struct {
		in   int64
		want int
	}{
		{100, 2},
		{100000, 4},
		{1 << 40, 8},
	}
	for _, c := range cases {
		b, _, err := tr.DumpParam(c.in, FormatBinary)
		if err != nil {
			t.Fatalf("DumpParam(%d): %v", c.in, err)
		}
		if len(b) != c.want {
			t.Errorf("DumpParam(%d) width = %d, want %d", c.in, len(b), c.want)
		}
	}
}

func TestDecimalRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	d := decimal.RequireFromString("123.456")

	b, oid, err := tr.DumpParam(d, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if oid != OIDNumeric {
		t.Errorf("OID = %d, want %d", oid, OIDNumeric)
	}

	v, err := tr.LoadColumn(OIDNumeric, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	if !v.(decimal.Decimal).Equal(d) {
		t.Errorf("decoded = %v, want %v", v, d)
	}
}

func TestByteaHexRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	in := []byte{0x01, 0xAB, 0xFF}

	b, _, err := tr.DumpParam(in, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if string(b) != `\x01abff` {
		t.Errorf("encoded = %q", b)
	}

	v, err := tr.LoadColumn(OIDBytea, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got := v.([]byte)
	if len(got) != len(in) {
		t.Fatalf("decoded length = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("decoded[%d] = %x, want %x", i, got[i], in[i])
		}
	}
}

func TestNullRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	b, _, err := tr.DumpParam(nil, FormatText)
	if err != nil || b != nil {
		t.Fatalf("DumpParam(nil) = %v, %v, want nil, nil", b, err)
	}
	v, err := tr.LoadColumn(OIDInt4, nil, FormatText)
	if err != nil || v != nil {
		t.Fatalf("LoadColumn(nil) = %v, %v, want nil, nil", v, err)
	}
}

func TestArrayTextRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	arr := Array{ElemOID: OIDInt4, Values: []any{int32(1), int32(2), nil}}

	b, _, err := tr.DumpParam(arr, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if string(b) != "{1,2,NULL}" {
		t.Errorf("encoded = %q", b)
	}

	v, err := tr.LoadColumn(OIDInt4Array, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got := v.(Array)
	if len(got.Values) != 3 || got.Values[2] != nil {
		t.Errorf("decoded = %+v", got)
	}
}
