package types

import "testing"

func TestRangeTextRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	rg := Range{SubOID: OIDInt4, Lower: int64(1), Upper: int64(10), LowerIncl: true, UpperIncl: false}

	b, _, err := tr.DumpParam(rg, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if string(b) != "[1,10)" {
		t.Errorf("encoded = %q, want %q", b, "[1,10)")
	}

	v, err := tr.LoadColumn(OIDInt4Range, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got := v.(Range)
	if got.Lower != int64(1) || got.Upper != int64(10) || !got.LowerIncl || got.UpperIncl {
		t.Errorf("decoded = %+v", got)
	}
}

func TestRangeUnboundedAndEmpty(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)

	v, err := tr.LoadColumn(OIDInt4Range, []byte("(,5]"), FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got := v.(Range)
	if got.Lower != nil || got.Upper != int64(5) || got.LowerIncl || !got.UpperIncl {
		t.Errorf("decoded = %+v", got)
	}

	v2, err := tr.LoadColumn(OIDInt4Range, []byte("empty"), FormatText)
	if err != nil {
		t.Fatalf("LoadColumn(empty): %v", err)
	}
	if !v2.(Range).Empty {
		t.Errorf("expected Empty=true, got %+v", v2)
	}
}

func TestMultirangeTextRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)

	v, err := tr.LoadColumn(OIDInt4Multirange, []byte("{[1,5),[10,20)}"), FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	mr := v.(Multirange)
	if len(mr.Ranges) != 2 {
		t.Fatalf("got %d ranges, want 2", len(mr.Ranges))
	}
	if mr.Ranges[0].Lower != int64(1) || mr.Ranges[1].Lower != int64(10) {
		t.Errorf("decoded = %+v", mr)
	}
}

func TestEnumRoundTrip(t *testing.T) {
	reg := NewRegistry()
	const moodOID = 16401
	reg.RegisterEnum(moodOID)
	tr := NewTransformer(reg)

	e := Enum{OID: moodOID, Label: "happy"}
	b, _, err := tr.DumpParam(e, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if string(b) != "happy" {
		t.Errorf("encoded = %q", b)
	}

	v, err := tr.LoadColumn(moodOID, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	if v.(Enum).Label != "happy" {
		t.Errorf("decoded = %+v", v)
	}
}

func TestCompositeLoad(t *testing.T) {
	reg := NewRegistry()
	const pointOID = 16500
	reg.RegisterComposite(pointOID, []uint32{OIDInt4, OIDInt4})
	tr := NewTransformer(reg)

	v, err := tr.LoadColumn(pointOID, []byte("(3,4)"), FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got := v.(Composite)
	if len(got.Fields) != 2 || got.Fields[0] != int64(3) || got.Fields[1] != int64(4) {
		t.Errorf("decoded = %+v", got)
	}
}

func TestHStoreRoundTrip(t *testing.T) {
	reg := NewRegistry()
	const hstoreOID = 16600
	reg.RegisterHStore(hstoreOID)
	tr := NewTransformer(reg)

	val := "bar"
	h := HStore{"foo": &val, "baz": nil}
	b, _, err := tr.DumpParam(h, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}

	v, err := tr.LoadColumn(hstoreOID, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got := v.(HStore)
	if got["foo"] == nil || *got["foo"] != "bar" {
		t.Errorf("decoded[foo] = %v", got["foo"])
	}
	if got["baz"] != nil {
		t.Errorf("decoded[baz] = %v, want nil", got["baz"])
	}
}

func TestGeometryRoundTrip(t *testing.T) {
	reg := NewRegistry()
	const geomOID = 16700
	reg.RegisterGeometry(geomOID)
	tr := NewTransformer(reg)

	g := Geometry{OID: geomOID, EWKB: []byte{0x01, 0x02, 0xAB}}
	b, _, err := tr.DumpParam(g, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if string(b) != "0102ab" {
		t.Errorf("encoded = %q", b)
	}

	v, err := tr.LoadColumn(geomOID, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got := v.(Geometry)
	if len(got.EWKB) != 3 || got.EWKB[2] != 0xAB {
		t.Errorf("decoded = %+v", got)
	}
}
