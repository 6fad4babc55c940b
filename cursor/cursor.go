// Package cursor implements spec.md C7's Cursor and ServerCursor: a
// client-side iterator over the rows of one already-executed Result, and
// a server-side cursor driven by DECLARE/FETCH/MOVE/CLOSE for result sets
// too large to want to materialize on the client at once.
package cursor

import (
	"context"
	"fmt"

	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/proto"
	"github.com/mevdschee/pgdriver/types"
)

// Cursor iterates the rows of a Result already fully received from the
// backend (the common case: a regular, non-server-side query), several
// Results navigable as separate result sets (executemany(returning=true)
// via NextSet), or a live StreamResult read one row at a time
// (set_single_row_mode via Stream).
type Cursor struct {
	fields []proto.FieldDescription
	rows   [][][]byte
	pos    int
	tag    string
	tr     *types.Transformer
	// resultFormats mirrors the Format each column was requested in, so
	// Scan knows whether to decode a cell as text or binary.
	resultFormats []types.Format

	// results/setIdx back NextSet, populated only when more than one
	// result set was accumulated (executemany(returning=true)).
	results []*proto.Result
	setIdx  int

	// stream/streamCtx/release back Stream: a live, row-at-a-time
	// handle instead of an already-materialized rows slice.
	stream    *proto.StreamResult
	streamCtx context.Context
	curRow    [][]byte
	streamErr error
	release   func()
	released  bool
}

// New wraps an already-fetched Result for row-by-row access.
func New(res *proto.Result, tr *types.Transformer, resultFormats []types.Format) *Cursor {
	return NewMulti([]*proto.Result{res}, tr, resultFormats)
}

// NewMulti wraps several already-executed Results as separate result
// sets navigable with NextSet, for executemany(query, params_seq,
// returning=true): each row of params produces its own RETURNING rows
// as an independent result set, exactly like database/sql's
// Rows.NextResultSet.
func NewMulti(results []*proto.Result, tr *types.Transformer, resultFormats []types.Format) *Cursor {
	if len(results) == 0 {
		results = []*proto.Result{{}}
	}
	c := &Cursor{results: results, tr: tr, resultFormats: resultFormats}
	c.loadSet(0)
	return c
}

// NewStream wraps a live StreamResult for row-at-a-time access in
// set_single_row_mode (spec.md C7's stream operation). release is
// called exactly once, when the cursor is exhausted or explicitly
// closed, handing the connection back to the caller that locked it for
// the duration of the stream.
func NewStream(ctx context.Context, sr *proto.StreamResult, tr *types.Transformer, resultFormats []types.Format, release func()) *Cursor {
	return &Cursor{stream: sr, streamCtx: ctx, tr: tr, resultFormats: resultFormats, release: release}
}

func (c *Cursor) loadSet(i int) {
	c.setIdx = i
	res := c.results[i]
	c.fields = res.Fields
	c.rows = res.Rows
	c.tag = res.Tag
	c.pos = 0
}

// NextSet advances to the next accumulated result set (see NewMulti),
// returning false once there are no more.
func (c *Cursor) NextSet() bool {
	if c.stream != nil || c.setIdx+1 >= len(c.results) {
		return false
	}
	c.loadSet(c.setIdx + 1)
	return true
}

// Err returns the error that ended a Stream cursor's iteration, if any;
// it is always nil for a non-streaming Cursor, since those surface
// their error directly from the call that built them.
func (c *Cursor) Err() error { return c.streamErr }

// Close releases the connection a Stream cursor is holding, for a
// caller that stops iterating before the stream is exhausted. It is a
// no-op for a non-streaming Cursor or one already released.
func (c *Cursor) Close() { c.releaseOnce() }

func (c *Cursor) releaseOnce() {
	if c.release != nil && !c.released {
		c.released = true
		c.release()
	}
}

// RowsAffected parses PostgreSQL's CommandComplete tag, e.g. "UPDATE 3",
// returning the trailing row count (0 for tags with none, like "BEGIN").
func (c *Cursor) RowsAffected() int64 {
	var n int64
	var cmd string
	// Tags are "CMD n" (most) or "INSERT oid n"; scanning from the right
	// handles both without special-casing INSERT.
	fmt.Sscanf(normalizeTag(c.tag), "%s %d", &cmd, &n)
	return n
}

func normalizeTag(tag string) string {
	// Collapse "INSERT 0 3" and "UPDATE 3" to the same "CMD N" shape that
	// fmt.Sscanf above expects, by dropping everything before the last
	// space-separated field pair.
	fields := splitFields(tag)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) == 1 {
		return fields[0] + " 0"
	}
	return fields[0] + " " + fields[len(fields)-1]
}

func splitFields(s string) []string {
	var out []string
	var cur []byte
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, s[i])
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

// Tag returns the raw CommandComplete tag, e.g. "SELECT 10".
func (c *Cursor) Tag() string { return c.tag }

// Fields returns the result's column descriptors.
func (c *Cursor) Fields() []proto.FieldDescription { return c.fields }

// Next advances to the next row, returning false once exhausted. On a
// Stream cursor, this blocks reading the wire for the next DataRow (or
// the messages that close the round); check Err after a false return to
// distinguish normal exhaustion from a backend error.
func (c *Cursor) Next() bool {
	if c.stream != nil {
		row, done, err := c.stream.NextRow(c.streamCtx)
		if err != nil {
			c.streamErr = err
			c.releaseOnce()
			return false
		}
		if done {
			c.tag = c.stream.Tag()
			c.releaseOnce()
			return false
		}
		c.curRow = row
		c.fields = c.stream.Fields()
		return true
	}
	if c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *Cursor) currentRow() ([][]byte, error) {
	if c.stream != nil {
		if c.curRow == nil {
			return nil, pgerror.NewInterfaceError("cursor: Scan called before Next or after exhaustion")
		}
		return c.curRow, nil
	}
	if c.pos == 0 || c.pos > len(c.rows) {
		return nil, pgerror.NewInterfaceError("cursor: Scan called before Next or after exhaustion")
	}
	return c.rows[c.pos-1], nil
}

// Scan decodes the current row's cells into dest, in column order, using
// each column's type to pick a Loader from the Transformer's registry.
func (c *Cursor) Scan(dest ...*any) error {
	row, err := c.currentRow()
	if err != nil {
		return err
	}
	if len(dest) != len(row) {
		return fmt.Errorf("cursor: Scan got %d destinations for %d columns", len(dest), len(row))
	}
	for i, cell := range row {
		format := types.FormatText
		if i < len(c.resultFormats) {
			format = c.resultFormats[i]
		}
		v, err := c.tr.LoadColumn(c.fields[i].TypeOID, cell, format)
		if err != nil {
			return fmt.Errorf("cursor: column %q: %w", c.fields[i].Name, err)
		}
		*dest[i] = v
	}
	return nil
}

// Row is a convenience accessor for the current row's decoded values all
// at once, used by callers that don't need Scan's per-column type safety.
func (c *Cursor) Row() ([]any, error) {
	row, err := c.currentRow()
	if err != nil {
		return nil, err
	}
	out := make([]any, len(row))
	for i, cell := range row {
		format := types.FormatText
		if i < len(c.resultFormats) {
			format = c.resultFormats[i]
		}
		v, err := c.tr.LoadColumn(c.fields[i].TypeOID, cell, format)
		if err != nil {
			return nil, fmt.Errorf("cursor: column %q: %w", c.fields[i].Name, err)
		}
		out[i] = v
	}
	return out, nil
}

// IndexError reports a Scroll target outside the materialized row range,
// mirroring DB-API's IndexError for Cursor.scroll.
type IndexError struct{ msg string }

func (e *IndexError) Error() string { return e.msg }

// ValueError reports an invalid Scroll mode, mirroring DB-API's
// ValueError for Cursor.scroll.
type ValueError struct{ msg string }

func (e *ValueError) Error() string { return e.msg }

// Scroll repositions the cursor within its already-materialized rows,
// DB-API style: mode "relative" (the default) moves by value rows from
// the current position, "absolute" moves to row index value. It has no
// effect on a Stream cursor, since there's nothing client-side to
// reposition; calling it there is an interface-misuse error. Scrolling
// out of [0, len(rows)] leaves the position unchanged and returns
// IndexError; an unrecognized mode returns ValueError.
func (c *Cursor) Scroll(value int, mode string) error {
	if c.stream != nil {
		return pgerror.NewInterfaceError("cursor: Scroll is not supported on a Stream cursor")
	}
	if mode == "" {
		mode = "relative"
	}
	var target int
	switch mode {
	case "relative":
		target = c.pos + value
	case "absolute":
		target = value
	default:
		return &ValueError{msg: fmt.Sprintf("cursor: Scroll: invalid mode %q", mode)}
	}
	if target < 0 || target > len(c.rows) {
		return &IndexError{msg: fmt.Sprintf("cursor: Scroll: position %d out of range [0,%d]", target, len(c.rows))}
	}
	c.pos = target
	return nil
}

// Executor is the subset of conn.Conn a ServerCursor needs: issuing plain
// queries for DECLARE/FETCH/MOVE/CLOSE.
type Executor interface {
	Send(ctx context.Context, query string) ([]*proto.Result, error)
}

// ServerCursor drives a named SQL cursor (DECLARE ... CURSOR FOR ...) so
// the backend streams rows in FETCH-sized batches instead of sending the
// whole result set at once, per spec.md C7.
type ServerCursor struct {
	exec    Executor
	name    string
	tr      *types.Transformer
	scroll  bool
	withHold bool
	opened  bool
}

// NewServerCursor names a cursor; call Declare to actually open it.
func NewServerCursor(exec Executor, name string, tr *types.Transformer, scroll, withHold bool) *ServerCursor {
	return &ServerCursor{exec: exec, name: name, tr: tr, scroll: scroll, withHold: withHold}
}

// Declare issues DECLARE <name> [SCROLL] CURSOR [WITH HOLD] FOR <query>.
func (sc *ServerCursor) Declare(ctx context.Context, query string) error {
	if sc.opened {
		return pgerror.NewInterfaceError("cursor: Declare called on an already-open ServerCursor")
	}
	stmt := "DECLARE " + sc.name
	if sc.scroll {
		stmt += " SCROLL"
	}
	stmt += " CURSOR"
	if sc.withHold {
		stmt += " WITH HOLD"
	}
	stmt += " FOR " + query
	if _, err := sc.exec.Send(ctx, stmt); err != nil {
		return err
	}
	sc.opened = true
	return nil
}

// Fetch retrieves the next n rows (or all remaining rows if n <= 0) via
// FETCH, returning a client-side Cursor over just that batch.
func (sc *ServerCursor) Fetch(ctx context.Context, n int) (*Cursor, error) {
	if !sc.opened {
		return nil, pgerror.NewInterfaceError("cursor: Fetch called before Declare")
	}
	count := "ALL"
	if n > 0 {
		count = fmt.Sprintf("%d", n)
	}
	results, err := sc.exec.Send(ctx, fmt.Sprintf("FETCH %s FROM %s", count, sc.name))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return New(&proto.Result{}, sc.tr, nil), nil
	}
	return New(results[0], sc.tr, nil), nil
}

// Move repositions the cursor by direction (e.g. "FORWARD 10", "ABSOLUTE
// 0", "BACKWARD ALL") without fetching any rows, per the MOVE statement.
func (sc *ServerCursor) Move(ctx context.Context, direction string) error {
	if !sc.opened {
		return pgerror.NewInterfaceError("cursor: Move called before Declare")
	}
	_, err := sc.exec.Send(ctx, "MOVE "+direction+" FROM "+sc.name)
	return err
}

// Close issues CLOSE <name>. A held cursor (WITH HOLD) otherwise survives
// transaction commit; Close always ends it regardless.
func (sc *ServerCursor) Close(ctx context.Context) error {
	if !sc.opened {
		return nil
	}
	_, err := sc.exec.Send(ctx, "CLOSE "+sc.name)
	sc.opened = false
	return err
}
