package txn

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/mevdschee/pgdriver/wire"
)

// fakeBackend accepts simple-query messages on one end of a net.Pipe and
// replies with a bare CommandComplete + ReadyForQuery for every query,
// recording the query text it saw.
type fakeBackend struct {
	conn    *wire.Conn
	queries []string
}

func newFakeBackend(t *testing.T) (*wire.Conn, *fakeBackend) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	fb := &fakeBackend{conn: wire.NewConn(serverSide)}
	go fb.serve()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	return wire.NewConn(clientSide), fb
}

func (fb *fakeBackend) serve() {
	for {
		msg, err := fb.conn.ReadMessage()
		if err != nil {
			return
		}
		if msg.Type != wire.ByteQuery {
			continue
		}
		q := strings.TrimRight(string(msg.Payload), "\x00")
		fb.queries = append(fb.queries, q)
		_ = fb.conn.WriteMessage(wire.ByteCommandComplete, append([]byte("OK"), 0))
		_ = fb.conn.WriteMessage(wire.ByteReadyForQuery, []byte{wire.TxIdle})
		_ = fb.conn.Flush()
	}
}

func TestBeginCommitTopLevel(t *testing.T) {
	c, fb := newFakeBackend(t)
	ctrl := New(c)

	if err := ctrl.Begin(context.Background(), BeginOptions{Level: ReadCommitted}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !ctrl.InTransaction() {
		t.Fatal("expected InTransaction after Begin")
	}
	if err := ctrl.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ctrl.InTransaction() {
		t.Fatal("expected transaction closed after Commit")
	}
	if len(fb.queries) != 2 || !strings.Contains(fb.queries[0], "READ COMMITTED") || fb.queries[1] != "COMMIT" {
		t.Fatalf("unexpected queries: %v", fb.queries)
	}
}

func TestNestedBeginUsesSavepoints(t *testing.T) {
	c, fb := newFakeBackend(t)
	ctrl := New(c)
	ctx := context.Background()

	if err := ctrl.Begin(ctx, BeginOptions{}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := ctrl.Begin(ctx, BeginOptions{}); err != nil {
		t.Fatalf("nested Begin: %v", err)
	}
	if ctrl.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", ctrl.Depth())
	}
	if err := ctrl.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if ctrl.Depth() != 0 || !ctrl.InTransaction() {
		t.Fatalf("expected savepoint popped but transaction still open, depth=%d inTxn=%v", ctrl.Depth(), ctrl.InTransaction())
	}
	if err := ctrl.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !strings.HasPrefix(fb.queries[1], "SAVEPOINT ") || !strings.HasPrefix(fb.queries[2], "ROLLBACK TO SAVEPOINT ") {
		t.Fatalf("unexpected queries: %v", fb.queries)
	}
}

func TestCommitWithoutTransactionIsNoOp(t *testing.T) {
	c, fb := newFakeBackend(t)
	ctrl := New(c)
	if err := ctrl.Commit(context.Background()); err != nil {
		t.Fatalf("Commit with no transaction open: %v, want nil (no-op)", err)
	}
	if len(fb.queries) != 0 {
		t.Fatalf("expected no queries sent, got %v", fb.queries)
	}
}

func TestXidStringFormat(t *testing.T) {
	x := Xid{FormatID: 1, Gtrid: "order-42", Bqual: "branch-a"}
	if got := x.String(); got != "1_order-42_branch-a" {
		t.Errorf("Xid.String() = %q", got)
	}
}
