// Package txn implements the transaction controller of spec.md C9: a
// savepoint stack for nested transactions layered over PostgreSQL's
// single real transaction, plus two-phase commit via Xid and the
// PREPARE TRANSACTION / COMMIT PREPARED / ROLLBACK PREPARED statements.
package txn

import (
	"context"
	"fmt"

	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/proto"
	"github.com/mevdschee/pgdriver/wire"
)

// IsolationLevel names the session's requested transaction isolation.
type IsolationLevel string

const (
	ReadCommitted  IsolationLevel = "READ COMMITTED"
	RepeatableRead IsolationLevel = "REPEATABLE READ"
	Serializable   IsolationLevel = "SERIALIZABLE"
	ReadUncommitted IsolationLevel = "READ UNCOMMITTED" // accepted, treated as READ COMMITTED by the backend
)

// Xid is a two-phase-commit transaction identifier, matching the
// (format_id, gtrid, bqual) triple of the X/Open XA standard that
// PostgreSQL's PREPARE TRANSACTION borrows its single text identifier
// from.
type Xid struct {
	FormatID int32
	Gtrid    string
	Bqual    string
}

// String renders the Xid as "<format_id>_<gtrid>_<bqual>", the single
// identifier passed to PREPARE TRANSACTION. This package has no parser
// for the reverse direction.
func (x Xid) String() string {
	return fmt.Sprintf("%d_%s_%s", x.FormatID, x.Gtrid, x.Bqual)
}

// Controller tracks one connection's transaction nesting: the real
// backend transaction plus a stack of SAVEPOINT names layered on top for
// nested "transaction" blocks, since PostgreSQL itself has no concept of
// nested transactions.
type Controller struct {
	conn       *wire.Conn
	inTxn      bool
	savepoints []string
	nextID     int
}

// New builds a Controller bound to a connection's wire handle.
func New(c *wire.Conn) *Controller {
	return &Controller{conn: c}
}

// InTransaction reports whether a real backend transaction is open.
func (t *Controller) InTransaction() bool { return t.inTxn }

// Depth returns how many savepoint levels are nested inside the current
// transaction (0 means just the top-level transaction, or none at all).
func (t *Controller) Depth() int { return len(t.savepoints) }

// BeginOptions carries the session properties that only apply to the
// outermost BEGIN; a nested SAVEPOINT has no isolation level or
// read/deferrable mode of its own.
type BeginOptions struct {
	Level      IsolationLevel
	ReadOnly   bool
	Deferrable bool
}

// Begin starts a new top-level transaction, or a nested SAVEPOINT if one
// is already open, matching spec.md C9's requirement that Begin nest
// rather than error when called again before Commit/Rollback.
func (t *Controller) Begin(ctx context.Context, opts BeginOptions) error {
	if !t.inTxn {
		query := "BEGIN"
		if opts.Level != "" {
			query += " ISOLATION LEVEL " + string(opts.Level)
		}
		if opts.ReadOnly {
			query += " READ ONLY"
		}
		if opts.Deferrable {
			query += " DEFERRABLE"
		}
		if _, err := proto.Send(ctx, t.conn, query); err != nil {
			return err
		}
		t.inTxn = true
		return nil
	}
	return t.pushSavepoint(ctx)
}

func (t *Controller) pushSavepoint(ctx context.Context) error {
	t.nextID++
	name := fmt.Sprintf("pgdriver_sp_%d", t.nextID)
	if _, err := proto.Send(ctx, t.conn, "SAVEPOINT "+name); err != nil {
		return err
	}
	t.savepoints = append(t.savepoints, name)
	return nil
}

// Commit releases the innermost savepoint, or commits the real
// transaction if one is open. Called with no transaction open at all
// (the session is IDLE), it is a no-op, matching spec.md §8's
// idempotence law: "commit on an IDLE connection is a no-op".
func (t *Controller) Commit(ctx context.Context) error {
	if n := len(t.savepoints); n > 0 {
		name := t.savepoints[n-1]
		t.savepoints = t.savepoints[:n-1]
		_, err := proto.Send(ctx, t.conn, "RELEASE SAVEPOINT "+name)
		return err
	}
	if !t.inTxn {
		return nil
	}
	_, err := proto.Send(ctx, t.conn, "COMMIT")
	t.inTxn = false
	return err
}

// Rollback rolls back to the innermost savepoint, or aborts the real
// transaction if one is open. Called with no transaction open at all,
// it is a no-op, matching spec.md §8's idempotence law: "rollback on
// IDLE is a no-op".
func (t *Controller) Rollback(ctx context.Context) error {
	if n := len(t.savepoints); n > 0 {
		name := t.savepoints[n-1]
		t.savepoints = t.savepoints[:n-1]
		_, err := proto.Send(ctx, t.conn, "ROLLBACK TO SAVEPOINT "+name)
		return err
	}
	if !t.inTxn {
		return nil
	}
	_, err := proto.Send(ctx, t.conn, "ROLLBACK")
	t.inTxn = false
	return err
}

// ResetAfterRollback clears all tracked state after the backend itself
// ended the transaction unilaterally (e.g. a fatal error put the session
// in an aborted state that a plain ROLLBACK then cleared): the prepared
// statement cache the caller owns must also be invalidated by the caller
// in response, per spec.md C6.
func (t *Controller) ResetAfterRollback() {
	t.inTxn = false
	t.savepoints = nil
}

// PrepareTwoPhase runs PREPARE TRANSACTION for the current transaction,
// which must be top-level (not itself inside a nested savepoint), and
// ends it from this connection's point of view: a second connection (or
// this one, later) finishes the job with CommitPrepared/RollbackPrepared.
func (t *Controller) PrepareTwoPhase(ctx context.Context, xid Xid) error {
	if len(t.savepoints) > 0 {
		return pgerror.NewInterfaceError("txn: cannot PREPARE TRANSACTION while savepoints are open")
	}
	if !t.inTxn {
		return pgerror.NewInterfaceError("txn: PrepareTwoPhase called with no transaction open")
	}
	query := fmt.Sprintf("PREPARE TRANSACTION '%s'", escapeLiteral(xid.String()))
	if _, err := proto.Send(ctx, t.conn, query); err != nil {
		return err
	}
	t.inTxn = false
	return nil
}

// CommitPrepared finishes a previously prepared transaction, usable from
// any connection to the same database, not just the one that prepared it.
func CommitPrepared(ctx context.Context, c *wire.Conn, xid Xid) error {
	query := fmt.Sprintf("COMMIT PREPARED '%s'", escapeLiteral(xid.String()))
	_, err := proto.Send(ctx, c, query)
	return err
}

// RollbackPrepared aborts a previously prepared transaction.
func RollbackPrepared(ctx context.Context, c *wire.Conn, xid Xid) error {
	query := fmt.Sprintf("ROLLBACK PREPARED '%s'", escapeLiteral(xid.String()))
	_, err := proto.Send(ctx, c, query)
	return err
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
