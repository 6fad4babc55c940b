package sqlcomp

import "testing"

func TestQuoteIdent(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{[]string{"users"}, `"users"`},
		{[]string{"public", "users"}, `"public"."users"`},
		{[]string{`a"b`}, `"a""b"`},
	}
	for _, c := range cases {
		if got := QuoteIdent(c.parts); got != c.want {
			t.Errorf("QuoteIdent(%v) = %q, want %q", c.parts, got, c.want)
		}
	}
}

func TestBindPositional(t *testing.T) {
	b, err := Bind("select * from t where a = %s and b = %s", []any{1, "x"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if b.Query != "select * from t where a = $1 and b = $2" {
		t.Errorf("unexpected rewrite: %q", b.Query)
	}
	if len(b.Params) != 2 || b.Params[0] != 1 || b.Params[1] != "x" {
		t.Errorf("unexpected params: %v", b.Params)
	}
}

func TestBindNamedReusesParameter(t *testing.T) {
	b, err := Bind("select * from t where a = %(x)s or b = %(x)s", map[string]any{"x": 42})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if b.Query != "select * from t where a = $1 or b = $1" {
		t.Errorf("unexpected rewrite: %q", b.Query)
	}
	if len(b.Params) != 1 || b.Params[0] != 42 {
		t.Errorf("unexpected params: %v", b.Params)
	}
}

func TestBindNumberedPassesThrough(t *testing.T) {
	b, err := Bind("select * from t where a = $1", []any{7})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if b.Query != "select * from t where a = $1" {
		t.Errorf("query should be unchanged, got %q", b.Query)
	}
}

func TestBindPositionalTooFewArgs(t *testing.T) {
	if _, err := Bind("select %s, %s", []any{1}); err == nil {
		t.Fatal("expected error for too few args")
	}
}

func TestBindPositionalTooManyArgs(t *testing.T) {
	if _, err := Bind("select %s", []any{1, 2}); err == nil {
		t.Fatal("expected error for too many args")
	}
}

func TestBindRejectsMixedStyles(t *testing.T) {
	if _, err := Bind("select %s, %(x)s", nil); err == nil {
		t.Fatal("expected error for mixed positional and named placeholders")
	}
}

func TestBindRejectsUnknownNamedKey(t *testing.T) {
	if _, err := Bind("select %(x)s", map[string]any{"y": 1}); err == nil {
		t.Fatal("expected error for a named placeholder missing from args")
	}
}

func TestBindRejectsUnbalancedPlaceholder(t *testing.T) {
	if _, err := Bind("select %(x", map[string]any{"x": 1}); err == nil {
		t.Fatal("expected error for an unterminated %(name placeholder")
	}
}

func TestBindRejectsConflictingFormatForSameName(t *testing.T) {
	if _, err := Bind("select %(x)s, %(x)b", map[string]any{"x": 1}); err == nil {
		t.Fatal("expected error for the same name used with different formats")
	}
}

type fakeEncoder struct{}

func (fakeEncoder) EncodeLiteral(v any) (string, error) {
	if s, ok := v.(string); ok {
		return "'" + s + "'", nil
	}
	return "", nil
}

func TestRenderComposed(t *testing.T) {
	frag := Composed{
		SQL("insert into "),
		Identifier{"public", "users"},
		SQL(" (name) values ("),
		Literal{Value: "bob"},
		SQL(")"),
	}
	got, err := Render(frag, fakeEncoder{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := `insert into "public"."users" (name) values ('bob')`
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}
