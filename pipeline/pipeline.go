// Package pipeline implements the pipeline-mode controller of spec.md
// C8: a queue of extended-query statements sent without waiting for each
// one's reply, and a matching queue of pending results read back once the
// backend has caught up, entering and exiting nested pipeline scopes the
// way libpq >= 14's PQpipelineSync/PQexitPipelineMode does.
package pipeline

import (
	"context"

	"github.com/mevdschee/pgdriver/metrics"
	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/proto"
	"github.com/mevdschee/pgdriver/wire"
)

// pendingKind distinguishes a queued statement result from a queued Sync
// marker in the result queue, since both share one FIFO.
type pendingKind int

const (
	pendingResult pendingKind = iota
	pendingSync
)

type pending struct {
	kind    pendingKind
	aborted bool // true once a prior statement in this round failed
}

// Pipeline batches statements on a connection. It is not safe for
// concurrent use by more than one goroutine, matching every other
// per-connection controller in this driver.
type Pipeline struct {
	conn   *wire.Conn
	depth  int // nesting level; >0 means Enter has been called without a matching Exit
	queue  []pending
	synced bool // true once a Sync has been flushed and not yet fully drained
}

// New builds a Pipeline bound to a connection's wire handle.
func New(c *wire.Conn) *Pipeline {
	return &Pipeline{conn: c}
}

// Enter begins (or re-enters, if already active) pipeline mode. Nested
// Enter calls increment a depth counter; only the outermost Exit actually
// closes the pipeline, matching spec.md C8's nested-pipeline handling. A
// re-entry (depth already > 0) issues a Sync first, so statements queued
// before the nested enter are resolved independently of whatever the
// inner scope queues next.
func (p *Pipeline) Enter(ctx context.Context) error {
	if p.depth > 0 {
		if err := p.Sync(ctx); err != nil {
			return err
		}
	}
	p.depth++
	return nil
}

// Active reports whether pipeline mode is currently open.
func (p *Pipeline) Active() bool { return p.depth > 0 }

// Queue appends one statement's worth of Parse/Bind/Describe/Execute
// messages to the outgoing buffer without flushing or syncing.
func (p *Pipeline) Queue(eq proto.ExtendedQuery) error {
	if p.depth == 0 {
		return pgerror.NewInterfaceError("pipeline: Queue called outside of pipeline mode")
	}
	if err := proto.PipelineSend(p.conn, eq); err != nil {
		return err
	}
	p.queue = append(p.queue, pending{kind: pendingResult})
	return nil
}

// Sync flushes everything queued so far plus a Sync message, entering a
// round-trip the backend will respond to in order. It does not itself
// read any responses; call FetchResult (repeatedly) and then FetchSync
// to drain them.
func (p *Pipeline) Sync(ctx context.Context) error {
	if err := proto.PipelineSync(ctx, p.conn); err != nil {
		return err
	}
	batchSize := 0
	for i := len(p.queue) - 1; i >= 0 && p.queue[i].kind == pendingResult; i-- {
		batchSize++
	}
	metrics.PipelineBatchSize.Observe(float64(batchSize))
	p.queue = append(p.queue, pending{kind: pendingSync})
	p.synced = true
	return nil
}

// FetchResult reads the next queued statement's result. It must be
// called in the same order statements were queued; calling it before the
// corresponding Sync has been sent blocks until the backend is asked to
// catch up.
func (p *Pipeline) FetchResult(ctx context.Context) (*proto.Result, error) {
	if len(p.queue) == 0 || p.queue[0].kind != pendingResult {
		return nil, pgerror.NewInterfaceError("pipeline: FetchResult called with no queued result pending")
	}
	if p.queue[0].aborted {
		p.queue = p.queue[1:]
		return nil, proto.PipelineAbortedErr{}
	}
	p.queue = p.queue[1:]
	res, err := proto.PipelineReadResult(ctx, p.conn)
	if err != nil {
		var exc pgerror.Exception
		if asException(err, &exc) {
			// A statement failure aborts every later statement in this
			// pipeline round up to the next Sync; mark them so FetchResult
			// returns PipelineAbortedErr instead of blocking on a reply
			// the backend will never send for them.
			p.markAborted()
		}
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) markAborted() {
	for i := range p.queue {
		if p.queue[i].kind == pendingSync {
			break
		}
		if !p.queue[i].aborted {
			metrics.PipelineAbortedTotal.Inc()
		}
		p.queue[i].aborted = true
	}
}

// FetchSync reads the ReadyForQuery that closes one Sync's worth of
// results, returning the resulting transaction status byte.
func (p *Pipeline) FetchSync(ctx context.Context) (byte, error) {
	if len(p.queue) == 0 || p.queue[0].kind != pendingSync {
		return 0, pgerror.NewInterfaceError("pipeline: FetchSync called out of order")
	}
	p.queue = p.queue[1:]
	return proto.PipelineReadSync(ctx, p.conn)
}

// Exit decrements the nesting depth; once it reaches zero the pipeline is
// considered closed and any remaining queued Sync markers should already
// have been drained by the caller via FetchResult/FetchSync.
func (p *Pipeline) Exit() {
	if p.depth > 0 {
		p.depth--
	}
}

// Pending reports how many result/sync entries are still queued, so a
// caller can decide whether it needs to keep draining before issuing more
// work on the connection.
func (p *Pipeline) Pending() int { return len(p.queue) }

func asException(err error, out *pgerror.Exception) bool {
	type unwrapper interface{ Unwrap() error }
	for e := error(err); e != nil; {
		if exc, ok := e.(pgerror.Exception); ok {
			*out = exc
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
