// Package conn implements spec.md C10, the Connection: the object a
// caller actually holds, composing a wire handle, the type registry, the
// prepared-statement manager, an optional pipeline, the transaction
// controller, and per-session notice/notify handler lists behind one
// mutex, exactly as spec.md's "Connection" object is described to own
// C1/C4/C6/C8/C9 plus session parameters.
package conn

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mevdschee/pgdriver/conninfo"
	"github.com/mevdschee/pgdriver/cursor"
	"github.com/mevdschee/pgdriver/metrics"
	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/pipeline"
	"github.com/mevdschee/pgdriver/prepare"
	"github.com/mevdschee/pgdriver/proto"
	"github.com/mevdschee/pgdriver/sqlcomp"
	"github.com/mevdschee/pgdriver/txn"
	"github.com/mevdschee/pgdriver/types"
	"github.com/mevdschee/pgdriver/waitdrv"
	"github.com/mevdschee/pgdriver/wire"
)

// NoticeHandler receives a backend NOTICE/WARNING diagnostic. Per
// spec.md, a panicking handler must not take the connection down with
// it; Conn recovers and logs instead.
type NoticeHandler func(*pgerror.PgError)

// NotifyHandler receives a LISTEN/NOTIFY delivery.
type NotifyHandler func(proto.Notification)

// Conn is one backend session, matching spec.md's Connection object.
type Conn struct {
	mu sync.Mutex

	wireConn *wire.Conn
	info     *conninfo.Info

	registry *types.Registry
	prepared *prepare.Manager
	pipe     *pipeline.Pipeline
	txnCtrl  *txn.Controller

	backendPID uint32
	secretKey  uint32
	txStatus   byte
	params     map[string]string

	autocommit     bool
	isolation      txn.IsolationLevel
	readOnly       bool
	deferrable     bool
	inTransactionBlock bool // true while inside a transaction() context manager

	tpc     *tpcState
	closed  bool

	noticeHandlers []NoticeHandler
	notifyHandlers []NotifyHandler

	prepareThreshold int
	maxPrepared      int
}

type tpcState struct {
	xid      txn.Xid
	prepared bool
}

// Options configures Connect beyond what the DSN itself carries.
type Options struct {
	Autocommit       bool
	PrepareThreshold int // 0 uses prepare.DefaultThreshold
	MaxPrepared      int // 0 uses prepare.DefaultMaxPrepared
}

// Connect dials dsn, runs the startup/authentication exchange, and
// returns a ready Connection, matching spec.md's connect(conninfo, **kw).
func Connect(ctx context.Context, dsn string, opts Options) (*Conn, error) {
	info, err := conninfo.Parse(dsn)
	if err != nil {
		return nil, pgerror.NewInterfaceError(fmt.Sprintf("conn: %v", err))
	}

	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", conninfo.Hostport(info))
	if err != nil {
		return nil, newOperationalError(err)
	}
	wc := wire.NewConn(nc)

	if mode, ok := info.Params["sslmode"]; ok && mode != "disable" {
		// Negotiate SSL only when the caller actually wants it; a plain
		// TCP connection still works against "prefer" if the server
		// declines, matching libpq's fallback.
		resp, err := wc.WriteSSLRequest()
		if err != nil {
			wc.Close()
			return nil, newOperationalError(err)
		}
		if resp == 'S' && mode != "allow" {
			wc.Close()
			return nil, pgerror.NewInterfaceError("conn: TLS negotiation accepted by server but not implemented by this driver")
		}
	}

	startupParams := map[string]string{
		"user":     info.User,
		"database": info.Database,
	}
	if appName, ok := info.Params["application_name"]; ok {
		startupParams["application_name"] = appName
	}

	authFn := func(method string, salt []byte) (string, error) {
		return info.Password, nil
	}
	res, err := proto.Connect(ctx, wc, startupParams, authFn)
	if err != nil {
		wc.Close()
		return nil, err
	}

	reg := types.NewRegistry()
	if enc, ok := res.ParameterStats["client_encoding"]; ok {
		_ = reg.SetServerEncoding(enc)
	}

	c := &Conn{
		wireConn:         wc,
		info:             info,
		registry:         reg,
		prepared:         prepare.NewManager(opts.PrepareThreshold, opts.MaxPrepared),
		pipe:             pipeline.New(wc),
		txnCtrl:          txn.New(wc),
		backendPID:       res.BackendPID,
		secretKey:        res.SecretKey,
		txStatus:         res.TxStatus,
		params:           res.ParameterStats,
		autocommit:       opts.Autocommit,
		prepareThreshold: opts.PrepareThreshold,
		maxPrepared:      opts.MaxPrepared,
	}
	return c, nil
}

func newOperationalError(err error) error {
	return pgerror.NewOperationalError(fmt.Sprintf("conn: %v", err))
}

// Close sends Terminate and closes the socket. Per spec.md's Connection
// invariant, closed becomes true and every later query-issuing call
// (Send, Execute and the methods built on them, Stream, Transaction,
// WaitForNotify) reports InterfaceError instead of touching the wire
// again. Commit, Rollback, the Set* methods and the Tpc* methods do not
// check the closed flag.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.wireConn.WriteMessage(wire.ByteTerminate, nil)
	_ = c.wireConn.Flush()
	return c.wireConn.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) checkOpen() error {
	if c.closed {
		return pgerror.NewInterfaceError("conn: operation on a closed connection")
	}
	return nil
}

// BackendPID returns the server process ID backing this connection, used
// for out-of-band CancelRequest and for correlating log output.
func (c *Conn) BackendPID() uint32 { return c.backendPID }

// ParameterStatus returns the last value the backend reported for name
// via ParameterStatus (e.g. "server_version", "TimeZone").
func (c *Conn) ParameterStatus(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.params[name]
	return v, ok
}

// AddNoticeHandler registers a callback for backend NOTICE/WARNING
// diagnostics, run by dispatchNotice. A panicking handler is recovered
// and logged, never propagated, per spec.md's "exceptions from callbacks
// are logged, not propagated". Notices received while Send, Execute or
// Stream read their replies are logged by the proto package and are not
// passed to these handlers.
func (c *Conn) AddNoticeHandler(h NoticeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noticeHandlers = append(c.noticeHandlers, h)
}

// AddNotifyHandler registers a callback invoked for each LISTEN/NOTIFY
// delivery returned by WaitForNotify. Notifications that arrive while
// Send, Execute or Stream is reading a result are skipped by proto and
// never reach the handlers.
func (c *Conn) AddNotifyHandler(h NotifyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandlers = append(c.notifyHandlers, h)
}

func (c *Conn) dispatchNotice(pe *pgerror.PgError) {
	for _, h := range c.noticeHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[conn] notice handler panicked: %v", r)
				}
			}()
			h(pe)
		}()
	}
}

func (c *Conn) dispatchNotify(n proto.Notification) {
	for _, h := range c.notifyHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[conn] notify handler panicked: %v", r)
				}
			}()
			h(n)
		}()
	}
}

// Send runs a simple-query string, possibly containing multiple
// ';'-separated statements, returning one *proto.Result per statement.
func (c *Conn) Send(ctx context.Context, query string) ([]*proto.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	results, err := proto.Send(ctx, c.wireConn, query)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Transformer builds a fresh per-call Transformer bound to this
// connection's type registry.
func (c *Conn) Transformer() *types.Transformer {
	return types.NewTransformer(c.registry)
}

// startQuery implements spec.md §4.3 step 2 (_start_query): called with
// c.mu already held, immediately before a statement is sent. When the
// connection is non-autocommit and the session is IDLE (no transaction
// open yet, including no SAVEPOINT-nested one since that only happens
// inside an already-open transaction), it opens the transaction the same
// way Transaction() does, building the BEGIN from whichever
// isolation/read-only/deferrable settings are currently in effect. If a
// transaction is already open (explicitly, or because a previous
// statement already started one), it is left alone: autocommit governs
// only whether a transaction gets opened at all, never how it nests.
func (c *Conn) startQuery(ctx context.Context) error {
	if c.autocommit || c.txnCtrl.InTransaction() {
		return nil
	}
	opts := txn.BeginOptions{Level: c.isolation, ReadOnly: c.readOnly, Deferrable: c.deferrable}
	return c.txnCtrl.Begin(ctx, opts)
}

// Execute is the shortcut operation named in spec.md C10: bind args into
// query via sqlcomp, decide via the prepare manager whether to name the
// statement, and run it through the extended query protocol. prep is
// spec.md §4.2/§4.3's execute(prepare?) argument: nil defers to the
// prepare manager's threshold, false disables naming for this call
// entirely, true forces it onto the extended-query path immediately.
func (c *Conn) Execute(ctx context.Context, query string, args any, prep *bool, binary bool) (*proto.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.startQuery(ctx); err != nil {
		return nil, err
	}

	bound, err := sqlcomp.Bind(query, args)
	if err != nil {
		return nil, err
	}

	tr := types.NewTransformer(c.registry)
	format := types.FormatText
	if binary {
		format = types.FormatBinary
	}

	paramValues := make([][]byte, len(bound.Params))
	paramOIDs := make([]uint32, len(bound.Params))
	paramFormats := make([]int16, len(bound.Params))
	for i, v := range bound.Params {
		b, oid, err := tr.DumpParam(v, format)
		if err != nil {
			return nil, fmt.Errorf("conn: param %d: %w", i+1, err)
		}
		paramValues[i] = b
		paramOIDs[i] = oid
		paramFormats[i] = int16(format)
	}

	decision, stmtName := c.prepared.Consider(bound.Query, paramOIDs, prep)
	if decision == prepare.DecisionYes {
		metrics.PrepareCacheHits.Inc()
	} else {
		metrics.PrepareCacheMisses.WithLabelValues(prepareDecisionLabel(decision)).Inc()
	}
	if evicted := c.drainPendingCloses(ctx); evicted != nil {
		return nil, evicted
	}

	eq := proto.ExtendedQuery{
		ParamValues:   paramValues,
		ParamOIDs:     paramOIDs,
		ParamFormats:  paramFormats,
		ResultFormats: []int16{int16(format)},
	}
	switch decision {
	case prepare.DecisionNo:
		eq.Query = bound.Query
	case prepare.DecisionShould:
		if _, err := c.prepared.Prepare(ctx, c.wireConn, bound.Query, stmtName, paramOIDs); err != nil {
			return nil, err
		}
		eq.StmtName = stmtName
	case prepare.DecisionYes:
		eq.StmtName = stmtName
	}

	qType := queryType(bound.Query)
	start := time.Now()
	res, err := proto.Execute(ctx, c.wireConn, eq)
	metrics.QueryLatency.WithLabelValues(qType).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	metrics.QueryTotal.WithLabelValues(qType, strconv.FormatBool(decision != prepare.DecisionNo)).Inc()
	if c.prepared.Maintain(bound.Query, paramOIDs, decision, stmtName, res.Tag) {
		if _, err := proto.Send(ctx, c.wireConn, "DEALLOCATE ALL"); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// prepareDecisionLabel renders a Decision for the prepare-cache-misses
// metric's "decision" label.
func prepareDecisionLabel(d prepare.Decision) string {
	switch d {
	case prepare.DecisionShould:
		return "should"
	default:
		return "no"
	}
}

// queryType extracts the leading keyword of a SQL statement (SELECT,
// INSERT, ...) for metric labeling, matching the proxy's own query_type
// classification.
func queryType(query string) string {
	i := 0
	for i < len(query) && (query[i] == ' ' || query[i] == '\t' || query[i] == '\n' || query[i] == '\r') {
		i++
	}
	start := i
	for i < len(query) && query[i] != ' ' && query[i] != '\t' && query[i] != '\n' && query[i] != '\r' && query[i] != '(' {
		i++
	}
	if start == i {
		return "UNKNOWN"
	}
	word := query[start:i]
	out := make([]byte, len(word))
	for j := 0; j < len(word); j++ {
		c := word[j]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[j] = c
	}
	return string(out)
}

func (c *Conn) drainPendingCloses(ctx context.Context) error {
	for _, name := range c.prepared.PendingCloses() {
		metrics.PrepareCacheEvictions.Inc()
		if err := proto.ClosePrepared(ctx, c.wireConn, name); err != nil {
			return err
		}
	}
	return nil
}

// Cancel fires an out-of-band CancelRequest against this connection's
// backend process, per spec.md C10's cancel() operation. It dials a
// fresh connection rather than reusing wireConn, since the original may
// be blocked in exactly the operation being canceled.
func (c *Conn) Cancel(ctx context.Context) error {
	c.mu.Lock()
	pid, secret := c.backendPID, c.secretKey
	closed := c.closed
	tpcPrepared := c.tpc != nil && c.tpc.prepared
	addr := conninfo.Hostport(c.info)
	c.mu.Unlock()
	if closed {
		return nil
	}
	if tpcPrepared {
		return pgerror.NewInterfaceError("conn: Cancel is not allowed during a prepared two-phase transaction")
	}
	return waitdrv.RunCancelRequest(ctx, "tcp", addr, func(nc net.Conn) error {
		cancelConn := wire.NewConn(nc)
		return cancelConn.WriteCancelRequest(pid, secret)
	})
}

// SetAutocommit changes the connection's autocommit setting. Permitted
// only when idle and not inside a transaction() block, matching
// spec.md's guard on the three transaction properties.
func (c *Conn) SetAutocommit(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnCtrl.InTransaction() || c.inTransactionBlock {
		return pgerror.ProgrammingErrorf("conn: autocommit cannot change while a transaction is open")
	}
	c.autocommit = v
	return nil
}

// SetIsolationLevel changes the isolation level used by the next Begin.
func (c *Conn) SetIsolationLevel(level txn.IsolationLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnCtrl.InTransaction() || c.inTransactionBlock {
		return pgerror.ProgrammingErrorf("conn: isolation level cannot change while a transaction is open")
	}
	c.isolation = level
	return nil
}

// SetReadOnly changes whether the next BEGIN marks the transaction
// READ ONLY.
func (c *Conn) SetReadOnly(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnCtrl.InTransaction() || c.inTransactionBlock {
		return pgerror.ProgrammingErrorf("conn: read_only cannot change while a transaction is open")
	}
	c.readOnly = v
	return nil
}

// SetDeferrable changes whether the next BEGIN marks the transaction
// DEFERRABLE (meaningful together with SERIALIZABLE READ ONLY).
func (c *Conn) SetDeferrable(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnCtrl.InTransaction() || c.inTransactionBlock {
		return pgerror.ProgrammingErrorf("conn: deferrable cannot change while a transaction is open")
	}
	c.deferrable = v
	return nil
}

// Commit commits the current transaction (or releases the innermost
// savepoint). Forbidden inside a transaction() context manager or during
// an in-progress two-phase commit, per spec.md.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTransactionBlock {
		return pgerror.ProgrammingErrorf("conn: explicit commit forbidden within a Transaction")
	}
	if c.tpc != nil {
		return pgerror.ProgrammingErrorf("conn: commit forbidden during a two-phase transaction")
	}
	wasOpen := c.txnCtrl.InTransaction()
	wasTopLevel := c.txnCtrl.Depth() == 0
	if err := c.txnCtrl.Commit(ctx); err != nil {
		return err
	}
	if wasOpen && wasTopLevel {
		metrics.TransactionsTotal.WithLabelValues("commit").Inc()
	}
	return nil
}

// Rollback rolls back the current transaction (or to the innermost
// savepoint), then clears the prepared-statement cache and enqueues a
// DEALLOCATE ALL, since the backend itself un-prepares everything on
// rollback to the top level.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTransactionBlock {
		return pgerror.ProgrammingErrorf("conn: explicit rollback forbidden within a Transaction")
	}
	if c.tpc != nil {
		return pgerror.ProgrammingErrorf("conn: rollback forbidden during a two-phase transaction")
	}
	wasOpen := c.txnCtrl.InTransaction()
	wasTopLevel := c.txnCtrl.Depth() == 0
	if err := c.txnCtrl.Rollback(ctx); err != nil {
		return err
	}
	if wasOpen && wasTopLevel {
		c.prepared.InvalidateAll()
		if _, err := proto.Send(ctx, c.wireConn, "DEALLOCATE ALL"); err != nil {
			return err
		}
		metrics.TransactionsTotal.WithLabelValues("rollback").Inc()
	}
	return nil
}

// Transaction runs fn inside a BEGIN/SAVEPOINT scope: an outer BEGIN if
// the session was idle, a SAVEPOINT if a transaction was already open.
// fn's return value decides the outcome: a non-nil error rolls back (to
// the savepoint, or the whole transaction) and is returned to the
// caller; a nil return commits (RELEASE, or COMMIT at the top level).
func (c *Conn) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return err
	}
	wasInBlock := c.inTransactionBlock
	c.inTransactionBlock = true
	opts := txn.BeginOptions{Level: c.isolation, ReadOnly: c.readOnly, Deferrable: c.deferrable}
	c.mu.Unlock()

	if err := c.txnCtrl.Begin(ctx, opts); err != nil {
		c.mu.Lock()
		c.inTransactionBlock = wasInBlock
		c.mu.Unlock()
		return err
	}

	err := fn(ctx)

	c.mu.Lock()
	defer func() {
		c.inTransactionBlock = wasInBlock
		c.mu.Unlock()
	}()

	if err != nil {
		wasTopLevel := c.txnCtrl.Depth() == 0
		if rbErr := c.txnCtrl.Rollback(ctx); rbErr != nil {
			return rbErr
		}
		if wasTopLevel {
			c.prepared.InvalidateAll()
			metrics.TransactionsTotal.WithLabelValues("rollback").Inc()
		}
		return err
	}
	wasTopLevel := c.txnCtrl.Depth() == 0
	if cErr := c.txnCtrl.Commit(ctx); cErr != nil {
		return cErr
	}
	if wasTopLevel {
		metrics.TransactionsTotal.WithLabelValues("commit").Inc()
	}
	return nil
}

// Xid validates and constructs a two-phase commit identifier.
func (c *Conn) Xid(formatID int32, gtrid, bqual string) (txn.Xid, error) {
	if len(gtrid) > 64 || len(bqual) > 64 {
		return txn.Xid{}, pgerror.ProgrammingErrorf("conn: gtrid/bqual must each be at most 64 characters")
	}
	return txn.Xid{FormatID: formatID, Gtrid: gtrid, Bqual: bqual}, nil
}

// TpcBegin starts a two-phase transaction. Requires the session be idle
// and not running in autocommit mode.
func (c *Conn) TpcBegin(ctx context.Context, xid txn.Xid) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txnCtrl.InTransaction() {
		return pgerror.ProgrammingErrorf("conn: TpcBegin requires an idle connection")
	}
	if c.autocommit {
		return pgerror.ProgrammingErrorf("conn: TpcBegin is not allowed in autocommit mode")
	}
	if err := c.txnCtrl.Begin(ctx, txn.BeginOptions{Level: c.isolation, ReadOnly: c.readOnly, Deferrable: c.deferrable}); err != nil {
		return err
	}
	c.tpc = &tpcState{xid: xid}
	return nil
}

// TpcPrepare issues PREPARE TRANSACTION for the active two-phase
// transaction.
func (c *Conn) TpcPrepare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tpc == nil || c.tpc.prepared {
		return pgerror.ProgrammingErrorf("conn: TpcPrepare requires a started, not-yet-prepared two-phase transaction")
	}
	if err := c.txnCtrl.PrepareTwoPhase(ctx, c.tpc.xid); err != nil {
		return err
	}
	c.tpc.prepared = true
	return nil
}

// TpcCommit completes a two-phase transaction. With xid == nil it
// completes this connection's own active TPC transaction (a plain COMMIT
// if never prepared, else COMMIT PREPARED); with xid set it issues
// COMMIT PREPARED for that xid from an otherwise idle connection.
func (c *Conn) TpcCommit(ctx context.Context, xid *txn.Xid) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if xid != nil {
		if c.tpc != nil {
			return pgerror.ProgrammingErrorf("conn: TpcCommit(xid) requires no active two-phase transaction on this connection")
		}
		return txn.CommitPrepared(ctx, c.wireConn, *xid)
	}
	if c.tpc == nil {
		return pgerror.ProgrammingErrorf("conn: TpcCommit called with no active two-phase transaction")
	}
	var err error
	if c.tpc.prepared {
		err = txn.CommitPrepared(ctx, c.wireConn, c.tpc.xid)
	} else {
		err = c.txnCtrl.Commit(ctx)
	}
	c.tpc = nil
	return err
}

// TpcRollback is TpcCommit's mirror image for aborting a two-phase
// transaction.
func (c *Conn) TpcRollback(ctx context.Context, xid *txn.Xid) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if xid != nil {
		if c.tpc != nil {
			return pgerror.ProgrammingErrorf("conn: TpcRollback(xid) requires no active two-phase transaction on this connection")
		}
		return txn.RollbackPrepared(ctx, c.wireConn, *xid)
	}
	if c.tpc == nil {
		return pgerror.ProgrammingErrorf("conn: TpcRollback called with no active two-phase transaction")
	}
	var err error
	if c.tpc.prepared {
		err = txn.RollbackPrepared(ctx, c.wireConn, c.tpc.xid)
	} else {
		err = c.txnCtrl.Rollback(ctx)
	}
	c.tpc = nil
	return err
}

// Cursor runs query and returns a client-side Cursor iterating its
// result, matching spec.md C10's execute(query, params?, prepare?,
// binary=false) -> Cursor shortcut for statements that return rows.
func (c *Conn) Cursor(ctx context.Context, query string, args any, prep *bool, binary bool) (*cursor.Cursor, error) {
	res, err := c.Execute(ctx, query, args, prep, binary)
	if err != nil {
		return nil, err
	}
	format := types.FormatText
	if binary {
		format = types.FormatBinary
	}
	formats := make([]types.Format, len(res.Fields))
	for i := range formats {
		formats[i] = format
	}
	c.mu.Lock()
	tr := types.NewTransformer(c.registry)
	c.mu.Unlock()
	return cursor.New(res, tr, formats), nil
}

// Stream runs query in set_single_row_mode, returning a Cursor that reads
// one row at a time directly off the wire instead of materializing the
// whole result first, matching spec.md C7's stream(query, params?,
// binary?) operation. The connection is held locked for the cursor's
// entire lifetime (it owns the wire until the result is fully drained),
// so the returned Cursor must be exhausted via Next or explicitly Close'd
// before any other operation on this Conn will proceed.
func (c *Conn) Stream(ctx context.Context, query string, args any, binary bool) (*cursor.Cursor, error) {
	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := c.startQuery(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	bound, err := sqlcomp.Bind(query, args)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	tr := types.NewTransformer(c.registry)
	format := types.FormatText
	if binary {
		format = types.FormatBinary
	}

	paramValues := make([][]byte, len(bound.Params))
	paramOIDs := make([]uint32, len(bound.Params))
	paramFormats := make([]int16, len(bound.Params))
	for i, v := range bound.Params {
		b, oid, err := tr.DumpParam(v, format)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("conn: param %d: %w", i+1, err)
		}
		paramValues[i] = b
		paramOIDs[i] = oid
		paramFormats[i] = int16(format)
	}

	eq := proto.ExtendedQuery{
		Query:         bound.Query,
		ParamValues:   paramValues,
		ParamOIDs:     paramOIDs,
		ParamFormats:  paramFormats,
		ResultFormats: []int16{int16(format)},
	}
	sr, err := proto.ExecuteStreamBegin(ctx, c.wireConn, eq)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			c.mu.Unlock()
		}
	}
	return cursor.NewStream(ctx, sr, tr, []types.Format{format}, release), nil
}

// ExecuteMany runs query once per element of paramsSeq, matching
// spec.md C10's executemany(query, params_seq, returning=false)
// operation. With returning=false it skips materializing any rows and
// returns a Cursor whose RowsAffected is the sum across every execution,
// mirroring cursor.rowcount after DB-API's executemany; with
// returning=true it keeps each execution's rows as its own result set,
// navigable with Cursor.NextSet. Every execution is forced onto the
// extended-query path (prepare=true), since paramsSeq implies the same
// query is about to run more than once.
func (c *Conn) ExecuteMany(ctx context.Context, query string, paramsSeq []any, returning bool) (*cursor.Cursor, error) {
	prep := true
	var total int64
	var results []*proto.Result
	for i, args := range paramsSeq {
		res, err := c.Execute(ctx, query, args, &prep, false)
		if err != nil {
			return nil, fmt.Errorf("conn: ExecuteMany: row %d: %w", i, err)
		}
		if returning {
			results = append(results, res)
		} else {
			total += cursor.New(res, nil, nil).RowsAffected()
		}
	}

	c.mu.Lock()
	tr := types.NewTransformer(c.registry)
	c.mu.Unlock()

	if returning {
		return cursor.NewMulti(results, tr, nil), nil
	}
	return cursor.New(&proto.Result{Tag: fmt.Sprintf("EXECUTEMANY %d", total)}, tr, nil), nil
}

// ServerCursor declares a named, server-side cursor backed by
// DECLARE/FETCH/MOVE/CLOSE, matching spec.md C10's
// cursor(name, scrollable, withhold) shortcut for large results that
// shouldn't be materialized client-side all at once.
func (c *Conn) ServerCursor(name string, scroll, withHold bool) *cursor.ServerCursor {
	c.mu.Lock()
	tr := types.NewTransformer(c.registry)
	c.mu.Unlock()
	return cursor.NewServerCursor(c, name, tr, scroll, withHold)
}

// Pipeline returns the connection's pipeline controller for callers that
// want to batch several Execute-shaped calls into one round trip.
func (c *Conn) Pipeline() *pipeline.Pipeline { return c.pipe }

// Listen issues LISTEN <channel>. Delivered notifications surface via
// WaitForNotify or any registered NotifyHandler.
func (c *Conn) Listen(ctx context.Context, channel string) error {
	_, err := c.Send(ctx, "LISTEN "+sqlcomp.QuoteIdent([]string{channel}))
	return err
}

// Unlisten issues UNLISTEN <channel>.
func (c *Conn) Unlisten(ctx context.Context, channel string) error {
	_, err := c.Send(ctx, "UNLISTEN "+sqlcomp.QuoteIdent([]string{channel}))
	return err
}

// Notify issues pg_notify(channel, payload), the parameterized
// equivalent of NOTIFY that doesn't require escaping the payload itself.
func (c *Conn) Notify(ctx context.Context, channel, payload string) error {
	_, err := c.Execute(ctx, "select pg_notify(%s, %s)", []any{channel, payload}, nil, false)
	return err
}

// WaitForNotify blocks until the next backend message arrives, dispatches
// every notification received with it to the registered NotifyHandlers,
// and returns that batch, which is empty if the message was not a
// notification.
func (c *Conn) WaitForNotify(ctx context.Context) ([]proto.Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	notes, err := proto.Notifies(ctx, c.wireConn)
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		c.dispatchNotify(n)
	}
	return notes, nil
}

// TypeInfo describes a type resolved from pg_type by name, the
// supplemented _typeinfo.py-style lookup named in SPEC_FULL.md §4:
// array/range/composite/enum OIDs for non-builtin types aren't known
// ahead of time the way bool/int/text OIDs are, so a connection asks
// the catalog for them once and then registers a codec for the result.
type TypeInfo struct {
	OID      uint32
	Name     string
	Kind     byte   // pg_type.typtype: 'b' base, 'c' composite, 'e' enum, 'r' range, 'm' multirange
	ArrayOID uint32 // pg_type.typarray
	ElemOID  uint32 // pg_type.typelem, meaningful for array/range/multirange
}

// LookupTypeInfo resolves name via pg_type, mirroring psycopg's
// TypeInfo.fetch. The caller registers the result against this
// connection's Transformer().Registry with the matching Register* call
// (RegisterEnum, RegisterComposite via CompositeFieldOIDs, RegisterRange
// semantics via RegisterDumper/RegisterLoader directly, RegisterHStore,
// or RegisterGeometry).
func (c *Conn) LookupTypeInfo(ctx context.Context, name string) (*TypeInfo, error) {
	res, err := c.Execute(ctx,
		"select oid, typarray, typelem, typtype from pg_type where typname = %s",
		[]any{name}, nil, false)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, fmt.Errorf("conn: type %q not found in pg_type", name)
	}
	row := res.Rows[0]
	ti := &TypeInfo{Name: name}
	if oid, err := strconv.ParseUint(string(row[0]), 10, 32); err == nil {
		ti.OID = uint32(oid)
	}
	if arr, err := strconv.ParseUint(string(row[1]), 10, 32); err == nil {
		ti.ArrayOID = uint32(arr)
	}
	if elem, err := strconv.ParseUint(string(row[2]), 10, 32); err == nil {
		ti.ElemOID = uint32(elem)
	}
	if len(row[3]) == 1 {
		ti.Kind = row[3][0]
	}
	return ti, nil
}

// CompositeFieldOIDs fetches a composite type's field OIDs in declaration
// order from pg_attribute, for use with types.Registry.RegisterComposite.
func (c *Conn) CompositeFieldOIDs(ctx context.Context, typeOID uint32) ([]uint32, error) {
	res, err := c.Execute(ctx,
		"select atttypid from pg_attribute where attrelid = "+
			"(select typrelid from pg_type where oid = %s) and attnum > 0 "+
			"and not attisdropped order by attnum",
		[]any{int64(typeOID)}, nil, false)
	if err != nil {
		return nil, err
	}
	oids := make([]uint32, 0, len(res.Rows))
	for _, row := range res.Rows {
		oid, err := strconv.ParseUint(string(row[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("conn: CompositeFieldOIDs: %w", err)
		}
		oids = append(oids, uint32(oid))
	}
	return oids, nil
}
