package proto

import (
	"context"
	"encoding/binary"

	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/waitdrv"
	"github.com/mevdschee/pgdriver/wire"
)

// CopyInfo describes the format negotiated for a COPY operation, taken
// from the backend's CopyInResponse/CopyOutResponse/CopyBothResponse.
type CopyInfo struct {
	BinaryFormat  bool
	ColumnFormats []int16
}

// CopyFromBegin issues a query expected to start a COPY ... FROM STDIN
// and returns once the backend has replied CopyInResponse, ready for the
// caller to stream CopyData chunks via CopyData.
func CopyFromBegin(ctx context.Context, c *wire.Conn, query string) (*CopyInfo, error) {
	var info *CopyInfo
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		payload := append([]byte(query), 0)
		if err := c.WriteMessage(wire.ByteQuery, payload); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			switch msg.Type {
			case wire.ByteCopyInResponse:
				info = parseCopyResponse(msg.Payload)
				return nil
			case wire.ByteErrorResponse:
				pe := pgerror.ParseFields(msg.Payload, query)
				if err := drainToReadyForQuery(c); err != nil {
					return err
				}
				return pgerror.FromPgError(pe)
			}
		}
	})
	return info, err
}

// CopyData sends one chunk of COPY data. The caller is responsible for
// chunking (spec.md's bounded-buffer worker lives in the copyio package).
func CopyData(ctx context.Context, c *wire.Conn, chunk []byte) error {
	return waitdrv.Run(ctx, c.Raw(), func() error {
		if err := c.WriteMessage(wire.ByteCopyData, chunk); err != nil {
			return err
		}
		return c.Flush()
	})
}

// CopyFromEnd sends CopyDone (or CopyFail on abort) and drains the
// backend's response through CommandComplete/ReadyForQuery.
func CopyFromEnd(ctx context.Context, c *wire.Conn, failMsg string) error {
	return waitdrv.Run(ctx, c.Raw(), func() error {
		if failMsg != "" {
			payload := append([]byte(failMsg), 0)
			if err := c.WriteMessage(wire.ByteCopyFail, payload); err != nil {
				return err
			}
		} else {
			if err := c.WriteMessage(wire.ByteCopyDone, nil); err != nil {
				return err
			}
		}
		if err := c.Flush(); err != nil {
			return err
		}
		var firstErr error
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			switch msg.Type {
			case wire.ByteCommandComplete:
			case wire.ByteErrorResponse:
				firstErr = pgerror.FromPgError(pgerror.ParseFields(msg.Payload, ""))
			case wire.ByteReadyForQuery:
				return firstErr
			}
		}
	})
}

// CopyToBegin issues a query expected to start COPY ... TO STDOUT and
// returns once the backend has replied CopyOutResponse.
func CopyToBegin(ctx context.Context, c *wire.Conn, query string) (*CopyInfo, error) {
	var info *CopyInfo
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		payload := append([]byte(query), 0)
		if err := c.WriteMessage(wire.ByteQuery, payload); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			switch msg.Type {
			case wire.ByteCopyOutResponse, wire.ByteCopyBothResponse:
				info = parseCopyResponse(msg.Payload)
				return nil
			case wire.ByteErrorResponse:
				pe := pgerror.ParseFields(msg.Payload, query)
				if err := drainToReadyForQuery(c); err != nil {
					return err
				}
				return pgerror.FromPgError(pe)
			}
		}
	})
	return info, err
}

// CopyToChunk reads the next CopyData chunk, returning done=true once
// CopyDone/CommandComplete/ReadyForQuery has been observed and the COPY
// is finished.
func CopyToChunk(ctx context.Context, c *wire.Conn) (chunk []byte, done bool, err error) {
	err = waitdrv.Run(ctx, c.Raw(), func() error {
		for {
			msg, rerr := c.ReadMessage()
			if rerr != nil {
				return rerr
			}
			switch msg.Type {
			case wire.ByteCopyData:
				chunk = msg.Payload
				return nil
			case wire.ByteCopyDone:
				continue
			case wire.ByteCommandComplete:
				continue
			case wire.ByteErrorResponse:
				pe := pgerror.ParseFields(msg.Payload, "")
				if err := drainToReadyForQuery(c); err != nil {
					return err
				}
				return pgerror.FromPgError(pe)
			case wire.ByteReadyForQuery:
				done = true
				return nil
			}
		}
	})
	return chunk, done, err
}

func parseCopyResponse(payload []byte) *CopyInfo {
	if len(payload) < 3 {
		return &CopyInfo{}
	}
	info := &CopyInfo{BinaryFormat: payload[0] != 0}
	n := int(binary.BigEndian.Uint16(payload[1:3]))
	pos := 3
	for i := 0; i < n && pos+2 <= len(payload); i++ {
		info.ColumnFormats = append(info.ColumnFormats, int16(binary.BigEndian.Uint16(payload[pos:pos+2])))
		pos += 2
	}
	return info
}
