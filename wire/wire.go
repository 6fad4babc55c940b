// Package wire implements frontend/backend message framing for the
// PostgreSQL wire protocol (protocol version 3.0). It is the thin
// socket-level layer the rest of the driver treats as its "handle":
// nothing above this package knows about byte layout.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Frontend (client->server) message type bytes.
const (
	ByteQuery       = 'Q'
	ByteParse       = 'P'
	ByteBind        = 'B'
	ByteDescribe    = 'D'
	ByteExecute     = 'E'
	ByteSync        = 'S'
	ByteClose       = 'C'
	ByteTerminate   = 'X'
	BytePassword    = 'p'
	ByteCopyData    = 'd'
	ByteCopyDone    = 'c'
	ByteCopyFail    = 'f'
	ByteFlush       = 'H'
)

// Backend (server->client) message type bytes.
const (
	ByteAuthentication      = 'R'
	ByteParameterStatus     = 'S'
	ByteBackendKeyData      = 'K'
	ByteReadyForQuery       = 'Z'
	ByteRowDescription      = 'T'
	ByteDataRow             = 'D'
	ByteCommandComplete     = 'C'
	ByteErrorResponse       = 'E'
	ByteNoticeResponse      = 'N'
	ByteEmptyQueryResponse  = 'I'
	ByteParseComplete       = '1'
	ByteBindComplete        = '2'
	ByteCloseComplete       = '3'
	ByteNoData              = 'n'
	ByteParameterDescription = 't'
	ByteNotificationResponse = 'A'
	BytePortalSuspended     = 's'
	ByteCopyInResponse      = 'G'
	ByteCopyOutResponse     = 'H'
	ByteCopyBothResponse    = 'W'
	ByteCopyDataBackend     = 'd'
	ByteCopyDoneBackend     = 'c'
	ByteNegotiateProtocol   = 'v'
	ByteFunctionCallResp    = 'V'
)

// ReadyForQuery transaction status bytes.
const (
	TxIdle    = 'I'
	TxInTrans = 'T'
	TxError   = 'E'
)

// SSLRequest / CancelRequest / startup protocol codes, big-endian encoded
// into the first 8 bytes of the respective messages.
const (
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
	protocolVersion3  = 196608 // 3 << 16 | 0
)

// Message is a raw, already-framed backend message.
type Message struct {
	Type    byte
	Payload []byte
}

// Conn wraps a net.Conn with frontend/backend message framing. It has no
// knowledge of query semantics; it only knows how to put bytes on the
// wire and pull framed messages back off it.
type Conn struct {
	netConn net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
}

// NewConn wraps an already-established socket.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		netConn: nc,
		r:       bufio.NewReaderSize(nc, 32*1024),
		w:       bufio.NewWriterSize(nc, 32*1024),
	}
}

// Raw returns the underlying net.Conn, e.g. to set deadlines or close it
// out from under a blocked Read/Write for cancellation.
func (c *Conn) Raw() net.Conn { return c.netConn }

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.netConn.Close() }

// WriteStartup sends the StartupMessage with the given key/value
// parameters (user, database, application_name, ...).
func (c *Conn) WriteStartup(params map[string]string) error {
	var body []byte
	body = appendUint32(body, protocolVersion3)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[0:4], uint32(len(msg)))
	copy(msg[4:], body)
	_, err := c.w.Write(msg)
	if err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteSSLRequest sends the 8-byte SSLRequest packet and returns the
// single-byte backend response ('S' or 'N').
func (c *Conn) WriteSSLRequest() (byte, error) {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg[0:4], 8)
	binary.BigEndian.PutUint32(msg[4:8], sslRequestCode)
	if _, err := c.w.Write(msg); err != nil {
		return 0, err
	}
	if err := c.w.Flush(); err != nil {
		return 0, err
	}
	resp := make([]byte, 1)
	if _, err := io.ReadFull(c.r, resp); err != nil {
		return 0, err
	}
	return resp[0], nil
}

// WriteCancelRequest opens a fresh connection (the caller dials it) and
// sends the out-of-band CancelRequest; the server closes the connection
// without responding.
func (c *Conn) WriteCancelRequest(pid, secretKey uint32) error {
	msg := make([]byte, 16)
	binary.BigEndian.PutUint32(msg[0:4], 16)
	binary.BigEndian.PutUint32(msg[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(msg[8:12], pid)
	binary.BigEndian.PutUint32(msg[12:16], secretKey)
	if _, err := c.w.Write(msg); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteMessage frames and buffers (but does not necessarily flush) a
// single frontend message.
func (c *Conn) WriteMessage(typ byte, payload []byte) error {
	var hdr [5]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)+4))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes any buffered frontend messages to the socket.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

// ReadMessage reads and frames the next backend message. It blocks until a
// full message is available.
func (c *Conn) ReadMessage() (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length < 4 {
		return Message{}, fmt.Errorf("wire: invalid message length %d", length)
	}
	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Type: hdr[0], Payload: payload}, nil
}

// Buffered reports how many unread bytes the read buffer currently holds;
// a non-zero count means at least part of another message has already
// been received. proto.Notifies uses this to drain messages that arrived
// together without making another blocking read.
func (c *Conn) Buffered() int { return c.r.Buffered() }

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

// FieldReader decodes a null-terminated tagged-field backend message
// (ErrorResponse / NoticeResponse), modeled on lib/pq's parseError.
type FieldReader struct {
	buf []byte
	pos int
}

// NewFieldReader wraps a message payload for field-by-field decoding.
func NewFieldReader(payload []byte) *FieldReader {
	return &FieldReader{buf: payload}
}

// Next returns the next (tag, value) pair, or ok=false at the terminating
// zero byte.
func (f *FieldReader) Next() (tag byte, value string, ok bool) {
	if f.pos >= len(f.buf) || f.buf[f.pos] == 0 {
		return 0, "", false
	}
	tag = f.buf[f.pos]
	f.pos++
	start := f.pos
	for f.pos < len(f.buf) && f.buf[f.pos] != 0 {
		f.pos++
	}
	value = string(f.buf[start:f.pos])
	if f.pos < len(f.buf) {
		f.pos++ // skip NUL
	}
	return tag, value, true
}

// ParseParameterStatus decodes a ParameterStatus payload into (name, value).
func ParseParameterStatus(payload []byte) (string, string) {
	i := indexByte(payload, 0)
	if i < 0 {
		return "", ""
	}
	name := string(payload[:i])
	rest := payload[i+1:]
	j := indexByte(rest, 0)
	if j < 0 {
		return name, string(rest)
	}
	return name, string(rest[:j])
}

// ParseNotification decodes a NotificationResponse payload into
// (backendPID, channel, payload).
func ParseNotification(payload []byte) (pid uint32, channel, body string) {
	if len(payload) < 4 {
		return 0, "", ""
	}
	pid = binary.BigEndian.Uint32(payload[0:4])
	rest := payload[4:]
	i := indexByte(rest, 0)
	if i < 0 {
		return pid, string(rest), ""
	}
	channel = string(rest[:i])
	rest2 := rest[i+1:]
	j := indexByte(rest2, 0)
	if j < 0 {
		return pid, channel, string(rest2)
	}
	return pid, channel, string(rest2[:j])
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
