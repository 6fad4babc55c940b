package conn

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/mevdschee/pgdriver/conninfo"
	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/pipeline"
	"github.com/mevdschee/pgdriver/prepare"
	"github.com/mevdschee/pgdriver/txn"
	"github.com/mevdschee/pgdriver/types"
	"github.com/mevdschee/pgdriver/wire"
)

// fakeBackend answers simple-query messages with a bare CommandComplete
// + ReadyForQuery, recording the query text it saw, enough to exercise
// Conn's transaction/session-property logic without a real server.
type fakeBackend struct {
	conn    *wire.Conn
	queries []string
}

func newTestConn(t *testing.T) (*Conn, *fakeBackend) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	fb := &fakeBackend{conn: wire.NewConn(serverSide)}
	go fb.serve()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })

	wc := wire.NewConn(clientSide)
	c := &Conn{
		wireConn: wc,
		info:     &conninfo.Info{Host: "localhost", Port: 5432},
		registry: types.NewRegistry(),
		prepared: prepare.NewManager(0, 0),
		pipe:     pipeline.New(wc),
		txnCtrl:  txn.New(wc),
	}
	return c, fb
}

func (fb *fakeBackend) serve() {
	for {
		msg, err := fb.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msg.Type {
		case wire.ByteQuery:
			q := strings.TrimRight(string(msg.Payload), "\x00")
			fb.queries = append(fb.queries, q)
			_ = fb.conn.WriteMessage(wire.ByteCommandComplete, append([]byte("OK"), 0))
			_ = fb.conn.WriteMessage(wire.ByteReadyForQuery, []byte{wire.TxIdle})
			_ = fb.conn.Flush()
		case wire.ByteParse:
			fb.queries = append(fb.queries, parseCStringAt(msg.Payload, 1))
			_ = fb.conn.WriteMessage(wire.ByteParseComplete, nil)
			_ = fb.conn.Flush()
		case wire.ByteBind:
			_ = fb.conn.WriteMessage(wire.ByteBindComplete, nil)
			_ = fb.conn.Flush()
		case wire.ByteDescribe:
			_ = fb.conn.WriteMessage(wire.ByteNoData, nil)
			_ = fb.conn.Flush()
		case wire.ByteExecute:
			_ = fb.conn.WriteMessage(wire.ByteCommandComplete, append([]byte("SELECT 1"), 0))
			_ = fb.conn.Flush()
		case wire.ByteSync:
			_ = fb.conn.WriteMessage(wire.ByteReadyForQuery, []byte{wire.TxIdle})
			_ = fb.conn.Flush()
		}
	}
}

// parseCStringAt returns the field-th nul-terminated string in payload
// (0-indexed), mirroring writeParse's stmtName\0query\0... layout well
// enough to recover the query text the fake Parse message carried.
func parseCStringAt(payload []byte, field int) string {
	start := 0
	for i := 0; i < field; i++ {
		idx := indexByte(payload, start)
		start = idx + 1
	}
	end := indexByte(payload, start)
	if end < 0 {
		end = len(payload)
	}
	return string(payload[start:end])
}

func indexByte(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == 0 {
			return i
		}
	}
	return -1
}

func TestExecuteStartsImplicitTransactionAndCommitCompletesIt(t *testing.T) {
	c, fb := newTestConn(t)
	ctx := context.Background()

	if c.autocommit {
		t.Fatal("expected autocommit to default to false")
	}

	if _, err := c.Execute(ctx, "select 1", nil, nil, false); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !c.txnCtrl.InTransaction() {
		t.Fatal("Execute under non-autocommit should have opened an implicit transaction")
	}
	if len(fb.queries) != 2 || fb.queries[0] != "BEGIN" || fb.queries[1] != "select 1" {
		t.Fatalf("unexpected queries after Execute: %v", fb.queries)
	}

	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c.txnCtrl.InTransaction() {
		t.Fatal("Commit should have closed the implicit transaction")
	}
	if len(fb.queries) != 3 || fb.queries[2] != "COMMIT" {
		t.Fatalf("unexpected queries after Commit: %v", fb.queries)
	}
}

func TestCommitAndRollbackAreNoOpsWhenIdle(t *testing.T) {
	c, fb := newTestConn(t)
	ctx := context.Background()

	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit on an IDLE connection should be a no-op, got: %v", err)
	}
	if err := c.Rollback(ctx); err != nil {
		t.Fatalf("Rollback on an IDLE connection should be a no-op, got: %v", err)
	}
	if len(fb.queries) != 0 {
		t.Fatalf("expected no wire traffic for IDLE Commit/Rollback, got: %v", fb.queries)
	}
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	c, fb := newTestConn(t)
	ctx := context.Background()

	ran := false
	err := c.Transaction(ctx, func(ctx context.Context) error {
		ran = true
		if !c.inTransactionBlock {
			t.Fatal("expected inTransactionBlock to be set while fn runs")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if !ran {
		t.Fatal("fn was never called")
	}
	if c.inTransactionBlock {
		t.Fatal("inTransactionBlock should be cleared after Transaction returns")
	}
	if len(fb.queries) != 2 || fb.queries[0] != "BEGIN" || fb.queries[1] != "COMMIT" {
		t.Fatalf("unexpected queries: %v", fb.queries)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	c, fb := newTestConn(t)
	ctx := context.Background()

	sentinel := context.Canceled
	err := c.Transaction(ctx, func(ctx context.Context) error {
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("Transaction() error = %v, want sentinel", err)
	}
	if len(fb.queries) != 2 || fb.queries[0] != "BEGIN" || fb.queries[1] != "ROLLBACK" {
		t.Fatalf("unexpected queries: %v", fb.queries)
	}
}

func TestExplicitCommitForbiddenInsideTransaction(t *testing.T) {
	c, _ := newTestConn(t)
	ctx := context.Background()

	err := c.Transaction(ctx, func(ctx context.Context) error {
		if err := c.Commit(ctx); err == nil {
			t.Fatal("expected explicit Commit to fail inside Transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
}

func TestSetAutocommitForbiddenDuringTransaction(t *testing.T) {
	c, _ := newTestConn(t)
	ctx := context.Background()

	if err := c.Transaction(ctx, func(ctx context.Context) error {
		if err := c.SetAutocommit(true); err == nil {
			t.Fatal("expected SetAutocommit to fail inside an active Transaction")
		}
		return nil
	}); err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if err := c.SetAutocommit(true); err != nil {
		t.Fatalf("SetAutocommit after Transaction exit: %v", err)
	}
}

func TestXidRejectsOverlongParts(t *testing.T) {
	c, _ := newTestConn(t)
	long := strings.Repeat("x", 65)
	if _, err := c.Xid(1, long, "b"); err == nil {
		t.Fatal("expected an error for a gtrid longer than 64 characters")
	}
	x, err := c.Xid(1, "order-1", "branch-a")
	if err != nil {
		t.Fatalf("Xid: %v", err)
	}
	if x.String() != "1_order-1_branch-a" {
		t.Errorf("Xid.String() = %q", x.String())
	}
}

func TestTpcBeginRejectsAutocommit(t *testing.T) {
	c, _ := newTestConn(t)
	c.autocommit = true
	xid, _ := c.Xid(1, "g", "b")
	if err := c.TpcBegin(context.Background(), xid); err == nil {
		t.Fatal("expected TpcBegin to fail in autocommit mode")
	}
}

func TestTpcCommitWithoutActiveTransactionFails(t *testing.T) {
	c, _ := newTestConn(t)
	if err := c.TpcCommit(context.Background(), nil); err == nil {
		t.Fatal("expected TpcCommit to fail with no active two-phase transaction")
	}
}

func TestCloseIsIdempotentAndBlocksFurtherUse(t *testing.T) {
	c, _ := newTestConn(t)
	ctx := context.Background()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.Send(ctx, "select 1"); err == nil {
		t.Fatal("expected Send on a closed connection to fail")
	}
}

func TestNoticeHandlerPanicIsRecovered(t *testing.T) {
	c, _ := newTestConn(t)
	called := false
	c.AddNoticeHandler(func(*pgerror.PgError) { panic("boom") })
	c.AddNoticeHandler(func(*pgerror.PgError) { called = true })

	c.dispatchNotice(&pgerror.PgError{Message: "test"})

	if !called {
		t.Fatal("expected the second handler to still run after the first panicked")
	}
}
