package proto

import (
	"context"

	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/waitdrv"
	"github.com/mevdschee/pgdriver/wire"
)

// Notifies blocks until the next backend message arrives, then drains
// whatever else is already buffered, and returns the notifications found
// among them, matching spec.md C3's Notifies operation: a LISTEN client
// has to be able to wait for a notification without issuing a query. If
// that message is a ParameterStatus or Notice, it is absorbed silently
// and the returned slice may be empty; anything else backend-initiated
// outside of a query round would be a protocol violation.
func Notifies(ctx context.Context, c *wire.Conn) ([]Notification, error) {
	var notes []Notification
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		msg, err := c.ReadMessage()
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.ByteNotificationResponse:
			pid, channel, body := wire.ParseNotification(msg.Payload)
			notes = append(notes, Notification{BackendPID: pid, Channel: channel, Payload: body})
		case wire.ByteParameterStatus, wire.ByteNoticeResponse:
			// ignore, caller will poll again
		case wire.ByteErrorResponse:
			return pgerror.FromPgError(pgerror.ParseFields(msg.Payload, ""))
		}
		// Drain whatever else is already buffered without blocking again,
		// so a burst of notifications delivered back-to-back is returned
		// in one call.
		for c.Buffered() > 0 {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			if msg.Type == wire.ByteNotificationResponse {
				pid, channel, body := wire.ParseNotification(msg.Payload)
				notes = append(notes, Notification{BackendPID: pid, Channel: channel, Payload: body})
			}
		}
		return nil
	})
	return notes, err
}
