package pipeline

import (
	"context"
	"net"
	"testing"

	"github.com/mevdschee/pgdriver/proto"
	"github.com/mevdschee/pgdriver/wire"
)

// fakePipelineBackend replies to each Parse/Bind/Execute with its
// matching acknowledgement and to each Sync with ReadyForQuery, so a test
// can drive several statements through one pipeline round without a real
// PostgreSQL server.
type fakePipelineBackend struct {
	conn      *wire.Conn
	failEvery int // if > 0, the Nth Execute in each round errors instead of completing
	execCount int
}

func newFakePipelineBackend(t *testing.T, failEvery int) *wire.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	fb := &fakePipelineBackend{conn: wire.NewConn(serverSide), failEvery: failEvery}
	go fb.serve()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	return wire.NewConn(clientSide)
}

func (fb *fakePipelineBackend) serve() {
	for {
		msg, err := fb.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msg.Type {
		case wire.ByteParse:
			fb.conn.WriteMessage(wire.ByteParseComplete, nil)
		case wire.ByteBind:
			fb.conn.WriteMessage(wire.ByteBindComplete, nil)
		case wire.ByteExecute:
			fb.execCount++
			if fb.failEvery > 0 && fb.execCount%fb.failEvery == 0 {
				payload := append([]byte{'C'}, append([]byte("23505"), 0, 0)...)
				fb.conn.WriteMessage(wire.ByteErrorResponse, payload)
			} else {
				fb.conn.WriteMessage(wire.ByteCommandComplete, append([]byte("INSERT 0 1"), 0))
			}
		case wire.ByteSync:
			fb.conn.WriteMessage(wire.ByteReadyForQuery, []byte{wire.TxIdle})
			fb.conn.Flush()
		}
	}
}

func TestPipelineQueueAndFetch(t *testing.T) {
	c := newFakePipelineBackend(t, 0)
	p := New(c)
	ctx := context.Background()

	if err := p.Enter(ctx); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Queue(proto.ExtendedQuery{Query: "insert into t values ($1)", ParamValues: [][]byte{[]byte("1")}}); err != nil {
			t.Fatalf("Queue %d: %v", i, err)
		}
	}
	if err := p.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := p.FetchResult(ctx)
		if err != nil {
			t.Fatalf("FetchResult %d: %v", i, err)
		}
		if res.Tag != "INSERT 0 1" {
			t.Errorf("FetchResult %d tag = %q", i, res.Tag)
		}
	}
	status, err := p.FetchSync(ctx)
	if err != nil {
		t.Fatalf("FetchSync: %v", err)
	}
	if status != wire.TxIdle {
		t.Errorf("status = %c, want %c", status, wire.TxIdle)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", p.Pending())
	}
	p.Exit()
	if p.Active() {
		t.Error("expected pipeline closed after Exit")
	}
}

func TestPipelineAbortSkipsLaterStatements(t *testing.T) {
	c := newFakePipelineBackend(t, 2) // second Execute fails
	p := New(c)
	ctx := context.Background()

	if err := p.Enter(ctx); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Queue(proto.ExtendedQuery{Query: "insert into t values ($1)"}); err != nil {
			t.Fatalf("Queue %d: %v", i, err)
		}
	}
	if err := p.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if _, err := p.FetchResult(ctx); err != nil {
		t.Fatalf("first FetchResult should succeed: %v", err)
	}
	if _, err := p.FetchResult(ctx); err == nil {
		t.Fatal("second FetchResult should report the backend error")
	}
	if _, err := p.FetchResult(ctx); err == nil {
		t.Fatal("third FetchResult should be aborted, not hang reading the wire")
	} else if _, ok := err.(proto.PipelineAbortedErr); !ok {
		t.Fatalf("third FetchResult err = %v (%T), want PipelineAbortedErr", err, err)
	}
	if _, err := p.FetchSync(ctx); err != nil {
		t.Fatalf("FetchSync: %v", err)
	}
}

func TestNestedEnterIssuesSync(t *testing.T) {
	c := newFakePipelineBackend(t, 0)
	p := New(c)
	ctx := context.Background()

	if err := p.Enter(ctx); err != nil {
		t.Fatalf("outer Enter: %v", err)
	}
	if err := p.Queue(proto.ExtendedQuery{Query: "insert into t values ($1)"}); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if err := p.Enter(ctx); err != nil {
		t.Fatalf("nested Enter: %v", err)
	}
	if p.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2 (one result, one sync marker)", p.Pending())
	}

	if _, err := p.FetchResult(ctx); err != nil {
		t.Fatalf("FetchResult: %v", err)
	}
	if _, err := p.FetchSync(ctx); err != nil {
		t.Fatalf("FetchSync: %v", err)
	}
	p.Exit()
	p.Exit()
	if p.Active() {
		t.Error("expected pipeline closed after both Exits")
	}
}
