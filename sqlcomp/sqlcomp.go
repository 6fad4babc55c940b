// Package sqlcomp builds parameterized SQL text the way spec.md C5
// describes: a small sum type (SQL / Identifier / Literal / Placeholder /
// Composed) that lets a caller assemble a query from quoted identifiers
// and escaped literals without string concatenation, plus a
// placeholder-style scanner that recognizes the three argument styles a
// client query can use: "%s" positional, "%(name)s" named, and "$1"
// numbered.
package sqlcomp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mevdschee/pgdriver/pgerror"
)

// Fragment is the sum type named in spec.md C5.
type Fragment interface {
	fragment()
}

// SQL is raw, already-valid SQL text inserted verbatim.
type SQL string

func (SQL) fragment() {}

// Identifier is quoted as a double-quoted SQL identifier, with embedded
// double quotes doubled, e.g. Identifier(`a"b`) -> `"a""b"`. Multiple
// parts are joined with '.', matching psycopg's sql.Identifier("schema",
// "table") convention for qualified names.
type Identifier []string

func (Identifier) fragment() {}

// Literal is a value to be rendered as a SQL literal via the connection's
// type registry at composition time; sqlcomp itself only marks the slot,
// it does not know how to encode arbitrary Go values.
type Literal struct{ Value any }

func (Literal) fragment() {}

// Placeholder is a single bind-parameter slot. Name is empty for
// positional ("%s" or "$1"-without-reordering) placeholders.
type Placeholder struct{ Name string }

func (Placeholder) fragment() {}

// Composed is an ordered sequence of fragments, joined to build one
// query, mirroring psycopg's sql.Composed / sql.SQL(" , ").join(...).
type Composed []Fragment

func (Composed) fragment() {}

// Join returns a Composed with sep inserted between each element of
// parts, e.g. Join(SQL(", "), cols...) for a column list.
func Join(sep Fragment, parts ...Fragment) Composed {
	if len(parts) == 0 {
		return nil
	}
	out := make(Composed, 0, len(parts)*2-1)
	for i, p := range parts {
		if i > 0 {
			out = append(out, sep)
		}
		out = append(out, p)
	}
	return out
}

// QuoteIdent renders an Identifier per PostgreSQL's quoting rules.
func QuoteIdent(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(quoted, ".")
}

// LiteralEncoder renders a Go value as a SQL literal; conn supplies an
// implementation backed by its type registry so sqlcomp stays decoupled
// from the types package.
type LiteralEncoder interface {
	EncodeLiteral(v any) (string, error)
}

// Render flattens a Composed into final SQL text, resolving Identifier
// and Literal fragments and writing Placeholder fragments as "%s" (or
// "%(name)s" for a named one), so the rendered text can then be passed
// to Bind along with its arguments.
func Render(frag Fragment, enc LiteralEncoder) (string, error) {
	var b strings.Builder
	if err := render(&b, frag, enc); err != nil {
		return "", err
	}
	return b.String(), nil
}

func render(b *strings.Builder, frag Fragment, enc LiteralEncoder) error {
	switch f := frag.(type) {
	case SQL:
		b.WriteString(string(f))
	case Identifier:
		b.WriteString(QuoteIdent(f))
	case Literal:
		s, err := enc.EncodeLiteral(f.Value)
		if err != nil {
			return err
		}
		b.WriteString(s)
	case Placeholder:
		if f.Name != "" {
			fmt.Fprintf(b, "%%(%s)s", f.Name)
		} else {
			b.WriteString("%s")
		}
	case Composed:
		for _, part := range f {
			if err := render(b, part, enc); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("sqlcomp: unknown fragment type %T", frag)
	}
	return nil
}

// Style identifies which placeholder convention a query string uses.
// A client picks one style per query; mixing positional and named
// placeholders is a ProgrammingError surfaced by Bind.
type Style int

const (
	StyleNone     Style = iota
	StylePositional     // %s
	StyleNamed          // %(name)s
	StyleNumbered       // $1, $2, ...
)

var (
	namedRegex  = regexp.MustCompile(`%\(([a-zA-Z_][a-zA-Z0-9_]*)\)([sbt])`)
	posRegex    = regexp.MustCompile(`%[sbt]`)
	numberRegex = regexp.MustCompile(`\$([0-9]+)`)
)

// Bound is a query rewritten to native "$1, $2, ..." form plus the
// parameter values in wire order, ready for proto.ExtendedQuery.
type Bound struct {
	Query  string
	Params []any
}

// Bind detects the placeholder style used in query and rewrites it to
// PostgreSQL's native numbered form, reordering/deduplicating args as
// needed for the named and positional styles.
//
//   - StyleNumbered: query is returned unchanged, args passed through by
//     position ($1 -> args[0]).
//   - StylePositional: each "%s" consumes the next element of args in
//     order.
//   - StyleNamed: args must be a map[string]any keyed by the names used
//     in "%(name)s"; repeated names reuse the same bind parameter.
func Bind(query string, args any) (*Bound, error) {
	style, err := detectStyle(query)
	if err != nil {
		return nil, err
	}
	if err := checkBalanced(query); err != nil {
		return nil, err
	}
	switch style {
	case StyleNumbered, StyleNone:
		vals, _ := args.([]any)
		return &Bound{Query: query, Params: vals}, nil
	case StylePositional:
		vals, ok := args.([]any)
		if !ok {
			return nil, fmt.Errorf("sqlcomp: positional query requires []any args")
		}
		n := 0
		rewritten := posRegex.ReplaceAllStringFunc(query, func(string) string {
			n++
			return "$" + strconv.Itoa(n)
		})
		if len(vals) != n {
			return nil, fmt.Errorf("sqlcomp: query has %d placeholders, got %d args", n, len(vals))
		}
		return &Bound{Query: rewritten, Params: vals}, nil
	case StyleNamed:
		m, ok := args.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("sqlcomp: named query requires map[string]any args")
		}
		seen := map[string]int{}
		formats := map[string]byte{}
		var params []any
		var bindErr error
		rewritten := namedRegex.ReplaceAllStringFunc(query, func(match string) string {
			if bindErr != nil {
				return match
			}
			groups := namedRegex.FindStringSubmatch(match)
			name, format := groups[1], groups[2][0]
			if prev, ok := formats[name]; ok && prev != format {
				bindErr = fmt.Errorf("sqlcomp: parameter %q used with conflicting formats %%(%s)%c and %%(%s)%c", name, name, prev, name, format)
				return match
			}
			formats[name] = format
			if idx, ok := seen[name]; ok {
				return "$" + strconv.Itoa(idx)
			}
			v, ok := m[name]
			if !ok {
				bindErr = fmt.Errorf("sqlcomp: unknown named parameter %q", name)
				return match
			}
			params = append(params, v)
			idx := len(params)
			seen[name] = idx
			return "$" + strconv.Itoa(idx)
		})
		if bindErr != nil {
			return nil, bindErr
		}
		return &Bound{Query: rewritten, Params: params}, nil
	}
	return &Bound{Query: query}, nil
}

func detectStyle(query string) (Style, error) {
	hasNamed := namedRegex.MatchString(query)
	withoutNamed := namedRegex.ReplaceAllString(query, "")
	hasPositional := posRegex.MatchString(withoutNamed)
	hasNumbered := numberRegex.MatchString(query)
	if hasNamed && hasPositional {
		return StyleNone, pgerror.ProgrammingErrorf("sqlcomp: query mixes positional and named placeholders")
	}
	switch {
	case hasNamed:
		return StyleNamed, nil
	case hasPositional:
		return StylePositional, nil
	case hasNumbered:
		return StyleNumbered, nil
	default:
		return StyleNone, nil
	}
}

// checkBalanced scans for stray '%' sequences that don't form a
// recognized placeholder ("%s"/"%b"/"%t"/"%(name)s"/"%(name)b"/
// "%(name)t") or the "%%" literal-percent escape, catching things like a
// "%(name" missing its closing ")s" before Bind ever tries to rewrite it.
func checkBalanced(query string) error {
	for i := 0; i < len(query); i++ {
		if query[i] != '%' {
			continue
		}
		if i+1 >= len(query) {
			return fmt.Errorf("sqlcomp: unbalanced placeholder at end of query")
		}
		switch query[i+1] {
		case '%':
			i++
			continue
		case 's', 'b', 't':
			i++
			continue
		case '(':
			end := strings.IndexByte(query[i+2:], ')')
			if end < 0 {
				return fmt.Errorf("sqlcomp: unbalanced placeholder: missing ')' in %q", query[i:])
			}
			close := i + 2 + end
			if close+1 >= len(query) || (query[close+1] != 's' && query[close+1] != 'b' && query[close+1] != 't') {
				return fmt.Errorf("sqlcomp: unbalanced placeholder: missing format character in %q", query[i:close+2])
			}
			i = close + 1
			continue
		default:
			return fmt.Errorf("sqlcomp: unbalanced placeholder at %q", query[i:min(i+4, len(query))])
		}
	}
	return nil
}
