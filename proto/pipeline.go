package proto

import (
	"context"

	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/waitdrv"
	"github.com/mevdschee/pgdriver/wire"
)

// The functions below are the low-level half of pipeline mode: unlike
// Execute, they do not insert a Sync after every statement, so the
// pipeline package can queue many statements' worth of Parse/Bind/
// Describe/Execute before flushing, and read results back independently
// of how they were grouped on the wire. The pipeline package owns command
// and result queue bookkeeping; this package only knows how to write one
// statement's messages and how to read one statement's worth of
// responses, or one Sync's worth of responses.

// PipelineSend writes one statement's Parse?/Bind/Describe?/Execute
// messages without a Sync and without flushing, so several can be
// coalesced into a single write.
func PipelineSend(c *wire.Conn, eq ExtendedQuery) error {
	if eq.Query != "" {
		if err := writeParse(c, eq.StmtName, eq.Query, eq.ParamOIDs); err != nil {
			return err
		}
	}
	if err := writeBind(c, eq.PortalName, eq.StmtName, eq.ParamValues, eq.ParamFormats, eq.ResultFormats); err != nil {
		return err
	}
	if eq.DescribeStmt {
		if err := writeDescribe(c, 'S', eq.StmtName); err != nil {
			return err
		}
	}
	if eq.DescribePortal {
		if err := writeDescribe(c, 'P', eq.PortalName); err != nil {
			return err
		}
	}
	return writeExecute(c, eq.PortalName, eq.MaxRows)
}

// PipelineSync appends a Sync message and flushes everything queued so
// far, entering (or re-entering) a pipeline round-trip.
func PipelineSync(ctx context.Context, c *wire.Conn) error {
	return waitdrv.Run(ctx, c.Raw(), func() error {
		if err := c.WriteMessage(wire.ByteSync, nil); err != nil {
			return err
		}
		return c.Flush()
	})
}

// PipelineFlush flushes whatever has been queued via PipelineSend without
// appending a Sync, used when the caller wants the backend to start
// working before the pipeline is closed off.
func PipelineFlush(ctx context.Context, c *wire.Conn) error {
	return waitdrv.Run(ctx, c.Raw(), func() error { return c.Flush() })
}

// PipelineReadResult reads one statement's worth of response messages:
// everything from the Parse/BindComplete acknowledgements through its
// CommandComplete, NoData, or PortalSuspended. It stops without
// consuming ReadyForQuery, since a pipeline round holds many statements'
// results before the closing Sync's ReadyForQuery.
func PipelineReadResult(ctx context.Context, c *wire.Conn) (*Result, error) {
	var result *Result
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		result = &Result{}
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			switch msg.Type {
			case wire.ByteParseComplete, wire.ByteBindComplete, wire.ByteCloseComplete:
			case wire.ByteParameterDescription:
			case wire.ByteRowDescription:
				result.Fields = parseRowDescription(msg.Payload)
			case wire.ByteNoData:
				return nil
			case wire.ByteDataRow:
				result.Rows = append(result.Rows, parseDataRow(msg.Payload))
			case wire.ByteCommandComplete:
				result.Tag = parseCString(msg.Payload)
				return nil
			case wire.BytePortalSuspended:
				result.Suspended = true
				return nil
			case wire.ByteNoticeResponse:
			case wire.ByteErrorResponse:
				return pgerror.FromPgError(pgerror.ParseFields(msg.Payload, ""))
			default:
				return nil
			}
		}
	})
	return result, err
}

// PipelineAbortedErr is returned for queued statements that the backend
// skipped after an earlier statement in the same pipeline round failed;
// per protocol, the backend replies ErrorResponse for the failing
// statement and then silently skips to the next Sync.
type PipelineAbortedErr struct{}

func (PipelineAbortedErr) Error() string { return "pgdriver: pipeline aborted by a prior error" }

// PipelineReadSync reads up to and including the ReadyForQuery that
// closes a pipeline round, returning the transaction status byte.
func PipelineReadSync(ctx context.Context, c *wire.Conn) (byte, error) {
	var status byte
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			if msg.Type == wire.ByteReadyForQuery {
				if len(msg.Payload) >= 1 {
					status = msg.Payload[0]
				}
				return nil
			}
		}
	})
	return status, err
}
