// Package copyio implements the COPY protocol support named in spec.md:
// a bounded-channel worker that decouples the caller's writes (or the
// backend's reads) from the wire, so a slow producer or consumer never
// blocks the other side's goroutine directly, plus text/binary row
// formatters for building COPY data from Go values without going through
// the query parameter encoder.
package copyio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mevdschee/pgdriver/metrics"
	"github.com/mevdschee/pgdriver/proto"
	"github.com/mevdschee/pgdriver/types"
	"github.com/mevdschee/pgdriver/wire"
)

// channelCapacity/bufferSize match spec.md's "bounded channel (capacity
// 1024 buffers ~32KiB)" sizing for the COPY worker's internal queue.
const (
	bufferSize     = 32 * 1024
	channelCapacity = 1024
)

// Writer streams rows into a running COPY ... FROM STDIN. Call Write
// repeatedly, then Close to send CopyDone and wait for the backend's
// CommandComplete.
type Writer struct {
	ctx    context.Context
	conn   *wire.Conn
	chunks chan []byte
	errc   chan error
	done   chan struct{}
}

// BeginWrite issues query (expected to be a COPY ... FROM STDIN) and
// starts the background goroutine that drains queued chunks onto the
// wire, so CopyData writes never wait on query-level I/O directly.
func BeginWrite(ctx context.Context, c *wire.Conn, query string) (*Writer, error) {
	if _, err := proto.CopyFromBegin(ctx, c, query); err != nil {
		return nil, err
	}
	w := &Writer{
		ctx:    ctx,
		conn:   c,
		chunks: make(chan []byte, channelCapacity),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go w.pump()
	return w, nil
}

func (w *Writer) pump() {
	defer close(w.done)
	for chunk := range w.chunks {
		if err := proto.CopyData(w.ctx, w.conn, chunk); err != nil {
			select {
			case w.errc <- err:
			default:
			}
			// Drain the rest of the channel without writing, so callers
			// blocked on a full channel unblock instead of deadlocking.
			for range w.chunks {
			}
			return
		}
	}
}

// Write queues one chunk of raw COPY data. It blocks if the internal
// channel (capacity 1024) is full, providing backpressure against a
// producer that outruns the network.
func (w *Writer) Write(p []byte) (int, error) {
	select {
	case err := <-w.errc:
		return 0, err
	default:
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case w.chunks <- chunk:
		return len(p), nil
	case err := <-w.errc:
		return 0, err
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}

// Close signals end of input, waits for the pump goroutine to drain, and
// sends CopyDone, returning any error the backend reported.
func (w *Writer) Close() error {
	close(w.chunks)
	<-w.done
	select {
	case err := <-w.errc:
		_ = proto.CopyFromEnd(w.ctx, w.conn, err.Error())
		return err
	default:
	}
	return proto.CopyFromEnd(w.ctx, w.conn, "")
}

// Abort sends CopyFail with msg instead of CopyDone, used when the
// caller itself detected a problem with the data it was producing.
func (w *Writer) Abort(msg string) error {
	close(w.chunks)
	<-w.done
	return proto.CopyFromEnd(w.ctx, w.conn, msg)
}

// Reader streams rows out of a running COPY ... TO STDOUT.
type Reader struct {
	ctx  context.Context
	conn *wire.Conn
}

// BeginRead issues query (expected to be a COPY ... TO STDOUT) and
// returns a Reader ready to pull chunks.
func BeginRead(ctx context.Context, c *wire.Conn, query string) (*Reader, error) {
	if _, err := proto.CopyToBegin(ctx, c, query); err != nil {
		return nil, err
	}
	return &Reader{ctx: ctx, conn: c}, nil
}

// Next returns the next CopyData chunk, or done=true once the COPY has
// finished (io.EOF semantics without importing io.Reader's single-buffer
// contract, since COPY chunk boundaries are meaningful to preserve).
func (r *Reader) Next() (chunk []byte, done bool, err error) {
	return proto.CopyToChunk(r.ctx, r.conn)
}

// RowFormatter builds one COPY data row from a slice of already-dumped
// column values, in either of COPY's two row encodings.
type RowFormatter interface {
	FormatRow(values [][]byte, nullFlags []bool) []byte
}

// TextFormatter renders rows in COPY's default text format: tab-separated
// fields, "\N" for NULL, with backslash escapes for embedded tabs,
// newlines and backslashes.
type TextFormatter struct{}

func (TextFormatter) FormatRow(values [][]byte, nullFlags []bool) []byte {
	var buf bytes.Buffer
	for i, v := range values {
		if i > 0 {
			buf.WriteByte('\t')
		}
		if nullFlags[i] {
			buf.WriteString(`\N`)
			continue
		}
		buf.Write(escapeCopyText(v))
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func escapeCopyText(v []byte) []byte {
	out := make([]byte, 0, len(v))
	for _, b := range v {
		switch b {
		case '\\':
			out = append(out, '\\', '\\')
		case '\t':
			out = append(out, '\\', 't')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		default:
			out = append(out, b)
		}
	}
	return out
}

// BinaryFormatter renders rows in COPY's binary format: a fixed 19-byte
// file header (once, via Header), then per row a 16-bit field count
// followed by each field's 32-bit length + raw bytes (-1 length for
// NULL), and a final -1 int16 trailer (via Trailer).
type BinaryFormatter struct{}

// copyBinarySignature is the fixed 11-byte magic PGCOPY expects, followed
// by a 32-bit flags field and a 32-bit header-extension length, both
// zero for a driver that adds no extensions.
var copyBinarySignature = []byte("PGCOPY\n\377\r\n\000")

func (BinaryFormatter) Header() []byte {
	h := make([]byte, 0, 19)
	h = append(h, copyBinarySignature...)
	h = appendUint32(h, 0) // flags
	h = appendUint32(h, 0) // header extension length
	return h
}

func (BinaryFormatter) FormatRow(values [][]byte, nullFlags []bool) []byte {
	buf := make([]byte, 0, 2+len(values)*8)
	buf = appendUint16(buf, uint16(len(values)))
	for i, v := range values {
		if nullFlags[i] {
			buf = appendInt32(buf, -1)
			continue
		}
		buf = appendInt32(buf, int32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

func (BinaryFormatter) Trailer() []byte {
	return []byte{0xFF, 0xFF}
}

func appendUint16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	return appendUint32(b, uint32(v))
}

// DumpRow encodes a slice of Go values into their text-format byte
// representations via tr, for use with TextFormatter/BinaryFormatter.
func DumpRow(tr *types.Transformer, values []any) (cells [][]byte, nullFlags []bool, err error) {
	cells = make([][]byte, len(values))
	nullFlags = make([]bool, len(values))
	for i, v := range values {
		if v == nil {
			nullFlags[i] = true
			continue
		}
		b, _, err := tr.DumpParam(v, types.FormatText)
		if err != nil {
			return nil, nil, fmt.Errorf("copyio: column %d: %w", i, err)
		}
		cells[i] = b
	}
	metrics.CopyRowsTotal.WithLabelValues("in").Inc()
	return cells, nullFlags, nil
}

// ChunkSize is the buffer size callers should aim for when feeding
// Writer.Write; COPY data has no inherent chunk boundary requirement, so
// nothing enforces it, but matching it avoids needless fragmentation of
// the outgoing CopyData messages.
func ChunkSize() int { return bufferSize }
