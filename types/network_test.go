package types

import (
	"net"
	"testing"
)

func TestInetRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	in := net.ParseIP("192.168.1.5")

	b, oid, err := tr.DumpParam(in, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if oid != OIDInet {
		t.Errorf("OID = %d, want %d", oid, OIDInet)
	}

	v, err := tr.LoadColumn(OIDInet, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	if !v.(net.IP).Equal(in) {
		t.Errorf("decoded = %v, want %v", v, in)
	}
}

func TestInetWithMask(t *testing.T) {
	v, err := loadInet([]byte("10.0.0.1/24"), FormatText)
	if err != nil {
		t.Fatalf("loadInet: %v", err)
	}
	if !v.(net.IP).Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("decoded = %v", v)
	}
}

func TestCidrRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransformer(reg)
	_, in, _ := net.ParseCIDR("10.0.0.0/24")

	b, oid, err := tr.DumpParam(*in, FormatText)
	if err != nil {
		t.Fatalf("DumpParam: %v", err)
	}
	if oid != OIDCidr {
		t.Errorf("OID = %d, want %d", oid, OIDCidr)
	}

	v, err := tr.LoadColumn(OIDCidr, b, FormatText)
	if err != nil {
		t.Fatalf("LoadColumn: %v", err)
	}
	got := v.(net.IPNet)
	if got.String() != in.String() {
		t.Errorf("decoded = %v, want %v", got.String(), in.String())
	}
}

func TestInetInvalidAddress(t *testing.T) {
	if _, err := loadInet([]byte("not-an-ip"), FormatText); err == nil {
		t.Error("expected error for invalid address")
	}
}
