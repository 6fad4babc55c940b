package copyio

import (
	"bytes"
	"testing"
)

func TestTextFormatterEscapesSpecials(t *testing.T) {
	f := TextFormatter{}
	row := f.FormatRow([][]byte{[]byte("a\tb\nc"), nil}, []bool{false, true})
	want := "a\\tb\\nc\t\\N\n"
	if string(row) != want {
		t.Errorf("FormatRow() = %q, want %q", row, want)
	}
}

func TestBinaryFormatterRoundTripShape(t *testing.T) {
	f := BinaryFormatter{}
	header := f.Header()
	if !bytes.HasPrefix(header, []byte("PGCOPY\n")) {
		t.Fatalf("header missing PGCOPY signature: %x", header)
	}
	if len(header) != 19 {
		t.Fatalf("header length = %d, want 19", len(header))
	}

	row := f.FormatRow([][]byte{[]byte("ab"), nil}, []bool{false, true})
	// field count (2) + len(2)+"ab" + len(-1)
	want := []byte{0, 2, 0, 0, 0, 2, 'a', 'b', 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(row, want) {
		t.Errorf("FormatRow() = %x, want %x", row, want)
	}

	trailer := f.Trailer()
	if !bytes.Equal(trailer, []byte{0xFF, 0xFF}) {
		t.Errorf("Trailer() = %x", trailer)
	}
}
