// Package waitdrv drives blocking socket I/O under a context.Context. The
// wire protocol is a strict request/response exchange over a single
// net.Conn, so there is no non-blocking "poll for readiness" step to
// expose the way a generator-based client would: instead, a caller wraps
// whatever blocking call it is about to make in Run, and a watcher
// goroutine races ctx.Done() against completion, closing the connection
// to unblock it on cancellation.
package waitdrv

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Closer is the subset of wire.Conn this package needs to interrupt a
// blocked Read/Write.
type Closer interface {
	Close() error
}

// ErrCanceled is Run's fallback for a canceled operation whose ctx
// reports no error; since a done context always has a non-nil Err, Run
// returns ctx.Err() in practice.
var ErrCanceled = errors.New("waitdrv: operation canceled")

// Run executes fn, which is expected to perform exactly one blocking
// network operation (or a short bounded sequence of them) against conn.
// If ctx is canceled or its deadline expires before fn returns, a
// watcher goroutine closes conn so the blocked Read/Write in fn returns
// an error, and Run reports ctx.Err() (context.Canceled or
// context.DeadlineExceeded) instead of fn's raw I/O error.
//
// This mirrors the role of psycopg's generator-driven wait loop: the
// caller doesn't poll for readiness, it just says "run this, and if the
// context says to stop, stop it by force."
func Run(ctx context.Context, conn Closer, fn func() error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ctx.Done() == nil {
		// No deadline/cancellation possible; skip the watcher goroutine
		// entirely.
		return fn()
	}

	done := make(chan struct{})
	var canceled bool
	var mu sync.Mutex

	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			canceled = true
			mu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	err := fn()
	close(done)

	mu.Lock()
	wasCanceled := canceled
	mu.Unlock()

	if wasCanceled && err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrCanceled
	}
	return err
}

// IsCanceledConnError reports whether err looks like the result of a
// watcher goroutine forcibly closing the connection, i.e. a generic
// network error observed right after the context was canceled. Callers
// that need to distinguish "backend sent query_canceled" from "we closed
// the socket out from under ourselves" should prefer pgerror.QueryCanceled
// for the former and this for the latter.
func IsCanceledConnError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// RunCancelRequest dials a fresh out-of-band connection to addr and sends
// a CancelRequest, per spec: cancellation is not delivered on the
// original connection, which may be blocked in exactly the operation
// being canceled.
func RunCancelRequest(ctx context.Context, network, addr string, send func(net.Conn) error) error {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	defer nc.Close()
	return Run(ctx, nc, func() error { return send(nc) })
}
