package cursor

import (
	"testing"

	"github.com/mevdschee/pgdriver/proto"
	"github.com/mevdschee/pgdriver/types"
)

func TestRowsAffectedParsesTag(t *testing.T) {
	cases := []struct {
		tag  string
		want int64
	}{
		{"SELECT 10", 10},
		{"UPDATE 3", 3},
		{"INSERT 0 1", 1},
		{"BEGIN", 0},
	}
	for _, c := range cases {
		cur := &Cursor{tag: c.tag}
		if got := cur.RowsAffected(); got != c.want {
			t.Errorf("RowsAffected(%q) = %d, want %d", c.tag, got, c.want)
		}
	}
}

func TestNextAndRow(t *testing.T) {
	reg := types.NewRegistry()
	tr := types.NewTransformer(reg)
	res := &proto.Result{
		Fields: []proto.FieldDescription{{Name: "id", TypeOID: types.OIDInt4}, {Name: "name", TypeOID: types.OIDText}},
		Rows: [][][]byte{
			{[]byte("1"), []byte("alice")},
			{[]byte("2"), []byte("bob")},
		},
	}
	cur := New(res, tr, nil)

	var got []string
	for cur.Next() {
		row, err := cur.Row()
		if err != nil {
			t.Fatalf("Row: %v", err)
		}
		got = append(got, row[1].(string))
	}
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("unexpected rows: %v", got)
	}
	if cur.Next() {
		t.Fatal("expected Next to return false once exhausted")
	}
}

func TestScanBeforeNextIsInterfaceError(t *testing.T) {
	reg := types.NewRegistry()
	tr := types.NewTransformer(reg)
	cur := New(&proto.Result{}, tr, nil)
	var v any
	if err := cur.Scan(&v); err == nil {
		t.Fatal("expected error scanning before Next")
	}
}
