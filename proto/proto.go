// Package proto implements the client-side PostgreSQL protocol exchanges:
// connection startup and authentication, the extended query protocol
// (Parse/Bind/Describe/Execute/Sync), the simple query protocol, COPY,
// LISTEN/NOTIFY delivery and pipeline batching. Each exported function is
// a single logical exchange built on top of wire.Conn and waitdrv.Run, so
// the caller always gets either a fully-formed result or a classified
// error; there is no half-read state left for the caller to resume.
package proto

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log"

	"github.com/mevdschee/pgdriver/pgerror"
	"github.com/mevdschee/pgdriver/waitdrv"
	"github.com/mevdschee/pgdriver/wire"
)

// StartupResult carries what the backend told us during connection setup.
type StartupResult struct {
	BackendPID     uint32
	SecretKey      uint32
	ParameterStats map[string]string
	TxStatus       byte
}

// AuthFunc supplies credentials on demand, with the auth method the
// backend asked for: once for a cleartext or MD5 request, and once for
// every SASL Authentication message of a SASL exchange.
type AuthFunc func(method string, salt []byte) (password string, err error)

// Connect drives the startup sequence named in spec.md §2: StartupMessage,
// then loop over Authentication{Ok,CleartextPassword,MD5Password,SASL...}
// until AuthenticationOk, then drain ParameterStatus/BackendKeyData up to
// the first ReadyForQuery.
func Connect(ctx context.Context, c *wire.Conn, params map[string]string, auth AuthFunc) (*StartupResult, error) {
	res := &StartupResult{ParameterStats: map[string]string{}}
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		if err := c.WriteStartup(params); err != nil {
			return err
		}
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			switch msg.Type {
			case wire.ByteAuthentication:
				done, err := handleAuth(c, msg.Payload, auth, params["user"])
				if err != nil {
					return err
				}
				if done {
					continue
				}
			case wire.ByteParameterStatus:
				name, val := wire.ParseParameterStatus(msg.Payload)
				res.ParameterStats[name] = val
			case wire.ByteBackendKeyData:
				if len(msg.Payload) >= 8 {
					res.BackendPID = binary.BigEndian.Uint32(msg.Payload[0:4])
					res.SecretKey = binary.BigEndian.Uint32(msg.Payload[4:8])
				}
			case wire.ByteReadyForQuery:
				if len(msg.Payload) >= 1 {
					res.TxStatus = msg.Payload[0]
				}
				return nil
			case wire.ByteErrorResponse:
				return pgerror.FromPgError(pgerror.ParseFields(msg.Payload, ""))
			case wire.ByteNoticeResponse:
				log.Printf("[proto] startup notice: %s", pgerror.ParseFields(msg.Payload, "").Error())
			default:
				log.Printf("[proto] unexpected startup message %c", msg.Type)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

const (
	authOK                = 0
	authCleartext         = 3
	authMD5               = 5
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

// handleAuth responds to a single Authentication* message. It returns
// done=true once AuthenticationOk has been seen (SASL exchanges recurse
// through further Authentication messages handled by the caller's loop).
func handleAuth(c *wire.Conn, payload []byte, auth AuthFunc, user string) (bool, error) {
	if len(payload) < 4 {
		return false, fmt.Errorf("proto: short Authentication payload")
	}
	kind := binary.BigEndian.Uint32(payload[0:4])
	switch kind {
	case authOK:
		return true, nil
	case authCleartext:
		pass, err := auth("cleartext", nil)
		if err != nil {
			return false, err
		}
		return false, sendPassword(c, pass)
	case authMD5:
		salt := payload[4:8]
		pass, err := auth("md5", salt)
		if err != nil {
			return false, err
		}
		hashed := "md5" + md5Hex(md5Hex(pass+user)+string(salt))
		return false, sendPassword(c, hashed)
	case authSASL, authSASLContinue, authSASLFinal:
		// SCRAM-SHA-256 mechanism negotiation/continuation: every SASL,
		// SASLContinue and SASLFinal message calls the AuthFunc with
		// method "sasl" and the message body; a non-empty reply is sent
		// back as a password message, an empty one sends nothing.
		pass, err := auth("sasl", payload[4:])
		if err != nil {
			return false, err
		}
		if pass == "" {
			return false, nil
		}
		return false, sendPassword(c, pass)
	default:
		return false, fmt.Errorf("proto: unsupported authentication method %d", kind)
	}
}

func sendPassword(c *wire.Conn, password string) error {
	payload := append([]byte(password), 0)
	if err := c.WriteMessage(wire.BytePassword, payload); err != nil {
		return err
	}
	return c.Flush()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// scramHash is an unexported SHA-256 helper that nothing in this package
// calls; it sits here because it shares auth's crypto imports.
func scramHash(s string) [32]byte { return sha256.Sum256([]byte(s)) }

// FieldDescription is one field of the wire RowDescription message.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttNum uint16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	Format       int16
}

// Result accumulates everything a simple- or extended-query execution
// can produce: at most one RowDescription, zero or more DataRows, and a
// terminating CommandComplete tag (or an error).
type Result struct {
	Fields  []FieldDescription
	Rows    [][][]byte // nil cell = SQL NULL
	Tag     string
	Suspended bool // portal suspended by a row limit (Execute with maxRows)
}

// Send executes a simple-query string (possibly multiple ';'-separated
// statements) and returns one Result per statement, per spec.md C3's
// "Send" operation. The backend always ends a simple-query round with
// ReadyForQuery regardless of how many statements it contained.
func Send(ctx context.Context, c *wire.Conn, query string) ([]*Result, error) {
	var results []*Result
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		payload := append([]byte(query), 0)
		if err := c.WriteMessage(wire.ByteQuery, payload); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}
		var cur *Result
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			switch msg.Type {
			case wire.ByteRowDescription:
				cur = &Result{Fields: parseRowDescription(msg.Payload)}
			case wire.ByteDataRow:
				if cur == nil {
					cur = &Result{}
				}
				cur.Rows = append(cur.Rows, parseDataRow(msg.Payload))
			case wire.ByteCommandComplete:
				if cur == nil {
					cur = &Result{}
				}
				cur.Tag = parseCString(msg.Payload)
				results = append(results, cur)
				cur = nil
			case wire.ByteEmptyQueryResponse:
				results = append(results, &Result{})
				cur = nil
			case wire.ByteErrorResponse:
				pe := pgerror.ParseFields(msg.Payload, query)
				if err := drainToReadyForQuery(c); err != nil {
					return err
				}
				return pgerror.FromPgError(pe)
			case wire.ByteNoticeResponse:
				log.Printf("[proto] notice: %s", pgerror.ParseFields(msg.Payload, query).Error())
			case wire.ByteReadyForQuery:
				return nil
			default:
				log.Printf("[proto] Send: unhandled message %c", msg.Type)
			}
		}
	})
	return results, err
}

// ExtendedQuery is the set of extended-protocol requests the caller may
// bundle before a single Sync, per spec.md C3's Parse/Bind/Describe/
// Execute pipeline-within-a-statement.
type ExtendedQuery struct {
	StmtName    string // "" = unnamed statement
	Query       string // empty if StmtName already prepared
	ParamOIDs   []uint32
	PortalName  string
	ParamValues [][]byte // nil entry = NULL
	ParamFormats []int16
	ResultFormats []int16
	MaxRows     int32 // 0 = fetch all
	DescribeStmt bool
	DescribePortal bool
}

// Execute runs one extended-query round (Parse?/Bind/Describe?/Execute/
// Sync) and returns its Result. It always ends the round with Sync so
// the connection returns to an idle, ReadyForQuery state even on error,
// matching spec.md C3's requirement that every Execute resynchronizes.
func Execute(ctx context.Context, c *wire.Conn, eq ExtendedQuery) (*Result, error) {
	var result *Result
	err := waitdrv.Run(ctx, c.Raw(), func() error {
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
		if err := writeExecute(c, eq.PortalName, eq.MaxRows); err != nil {
			return err
		}
		if err := c.WriteMessage(wire.ByteSync, nil); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}

		result = &Result{}
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			switch msg.Type {
			case wire.ByteParseComplete, wire.ByteBindComplete:
				// acknowledgements; nothing to record
			case wire.ByteParameterDescription:
				// ignored here; DescribeStatement exposes this separately
			case wire.ByteRowDescription:
				result.Fields = parseRowDescription(msg.Payload)
			case wire.ByteNoData:
				// no result set; Fields stays nil
			case wire.ByteDataRow:
				result.Rows = append(result.Rows, parseDataRow(msg.Payload))
			case wire.ByteCommandComplete:
				result.Tag = parseCString(msg.Payload)
			case wire.BytePortalSuspended:
				result.Suspended = true
			case wire.ByteCloseComplete:
				// response to an interleaved Close, if the caller sent one
			case wire.ByteErrorResponse:
				pe := pgerror.ParseFields(msg.Payload, eq.Query)
				if err := drainToReadyForQuery(c); err != nil {
					return err
				}
				return pgerror.FromPgError(pe)
			case wire.ByteNoticeResponse:
				log.Printf("[proto] notice: %s", pgerror.ParseFields(msg.Payload, eq.Query).Error())
			case wire.ByteNotificationResponse:
				// async notifications may interleave at any point; they
				// are skipped here and not returned to the caller
			case wire.ByteReadyForQuery:
				return nil
			default:
				log.Printf("[proto] Execute: unhandled message %c", msg.Type)
			}
		}
	})
	return result, err
}

// StreamResult is a live, row-at-a-time handle over one extended-query
// execution, the wire-level counterpart of set_single_row_mode: instead
// of Execute's full materialization into one Result, NextRow reads and
// returns exactly one DataRow per call, pulling from the wire lazily the
// same way Reader.Next pulls one CopyData chunk at a time for COPY ...
// TO STDOUT. It must be drained to done=true (or an error, which
// already resynchronizes) before the connection can be used for
// anything else.
type StreamResult struct {
	conn   *wire.Conn
	query  string
	fields []FieldDescription
	tag    string
	done   bool
}

// Fields returns the result's column descriptors, populated once the
// first RowDescription (or NoData) message has been read.
func (sr *StreamResult) Fields() []FieldDescription { return sr.fields }

// Tag returns the CommandComplete tag, populated once the stream is
// fully drained.
func (sr *StreamResult) Tag() string { return sr.tag }

// ExecuteStreamBegin writes one extended-query round's Parse?/Bind/
// Execute/Sync up front, then returns a StreamResult ready for NextRow
// to pull rows from as the backend sends them, rather than buffering
// every DataRow before returning like Execute does.
func ExecuteStreamBegin(ctx context.Context, c *wire.Conn, eq ExtendedQuery) (*StreamResult, error) {
	sr := &StreamResult{conn: c, query: eq.Query}
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		if eq.Query != "" {
			if err := writeParse(c, eq.StmtName, eq.Query, eq.ParamOIDs); err != nil {
				return err
			}
		}
		if err := writeBind(c, eq.PortalName, eq.StmtName, eq.ParamValues, eq.ParamFormats, eq.ResultFormats); err != nil {
			return err
		}
		if err := writeExecute(c, eq.PortalName, eq.MaxRows); err != nil {
			return err
		}
		if err := c.WriteMessage(wire.ByteSync, nil); err != nil {
			return err
		}
		return c.Flush()
	})
	if err != nil {
		return nil, err
	}
	return sr, nil
}

// NextRow reads wire messages until it has a full row to return, the
// stream is exhausted (done=true, once ReadyForQuery closes the round),
// or the backend reports an error (already drained to ReadyForQuery, so
// the connection is safe to reuse on return).
func (sr *StreamResult) NextRow(ctx context.Context) (row [][]byte, done bool, err error) {
	if sr.done {
		return nil, true, nil
	}
	err = waitdrv.Run(ctx, sr.conn.Raw(), func() error {
		for {
			msg, rErr := sr.conn.ReadMessage()
			if rErr != nil {
				return rErr
			}
			switch msg.Type {
			case wire.ByteParseComplete, wire.ByteBindComplete:
				// acknowledgements; nothing to record
			case wire.ByteParameterDescription:
				// ignored here; DescribeStatement exposes this separately
			case wire.ByteRowDescription:
				sr.fields = parseRowDescription(msg.Payload)
			case wire.ByteNoData:
				// no result set; Fields stays nil
			case wire.ByteDataRow:
				row = parseDataRow(msg.Payload)
				return nil
			case wire.ByteCommandComplete:
				sr.tag = parseCString(msg.Payload)
			case wire.BytePortalSuspended:
				// single-row mode never uses a row limit; not expected
			case wire.ByteCloseComplete:
			case wire.ByteErrorResponse:
				pe := pgerror.ParseFields(msg.Payload, sr.query)
				if dErr := drainToReadyForQuery(sr.conn); dErr != nil {
					return dErr
				}
				sr.done = true
				return pgerror.FromPgError(pe)
			case wire.ByteNoticeResponse:
				log.Printf("[proto] notice: %s", pgerror.ParseFields(msg.Payload, sr.query).Error())
			case wire.ByteNotificationResponse:
				// async notifications may interleave at any point
			case wire.ByteReadyForQuery:
				sr.done = true
				done = true
				return nil
			default:
				log.Printf("[proto] NextRow: unhandled message %c", msg.Type)
			}
		}
	})
	return row, done, err
}

// drainToReadyForQuery consumes messages up to and including the next
// ReadyForQuery, used after an ErrorResponse aborts an extended-query
// round: the backend still owes us the Sync response.
func drainToReadyForQuery(c *wire.Conn) error {
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return err
		}
		if msg.Type == wire.ByteReadyForQuery {
			return nil
		}
	}
}

// Describe is what DescribeStatement learns: it runs
// Parse+Describe(Statement)+Sync to get a statement's parameter and
// result type OIDs without executing it, used by prepare.Manager.Prepare
// for a statement it has just named.
type Describe struct {
	ParamOIDs  []uint32
	ResultDesc []FieldDescription
}

func DescribeStatement(ctx context.Context, c *wire.Conn, stmtName, query string, paramOIDs []uint32) (*Describe, error) {
	var out *Describe
	err := waitdrv.Run(ctx, c.Raw(), func() error {
		if err := writeParse(c, stmtName, query, paramOIDs); err != nil {
			return err
		}
		if err := writeDescribe(c, 'S', stmtName); err != nil {
			return err
		}
		if err := c.WriteMessage(wire.ByteSync, nil); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}
		out = &Describe{}
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			switch msg.Type {
			case wire.ByteParseComplete:
			case wire.ByteParameterDescription:
				out.ParamOIDs = parseParameterDescription(msg.Payload)
			case wire.ByteRowDescription:
				out.ResultDesc = parseRowDescription(msg.Payload)
			case wire.ByteNoData:
			case wire.ByteErrorResponse:
				pe := pgerror.ParseFields(msg.Payload, query)
				if err := drainToReadyForQuery(c); err != nil {
					return err
				}
				return pgerror.FromPgError(pe)
			case wire.ByteReadyForQuery:
				return nil
			}
		}
	})
	return out, err
}

// ClosePrepared sends Close(Statement)+Sync, used when the prepared
// statement LRU evicts an entry still named on the backend.
func ClosePrepared(ctx context.Context, c *wire.Conn, stmtName string) error {
	return waitdrv.Run(ctx, c.Raw(), func() error {
		payload := append([]byte{'S'}, append([]byte(stmtName), 0)...)
		if err := c.WriteMessage(wire.ByteClose, payload); err != nil {
			return err
		}
		if err := c.WriteMessage(wire.ByteSync, nil); err != nil {
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
			if msg.Type == wire.ByteReadyForQuery {
				return nil
			}
		}
	})
}

// Notification is a LISTEN/NOTIFY payload delivered asynchronously,
// outside of any query's result stream.
type Notification struct {
	BackendPID uint32
	Channel    string
	Payload    string
}

func writeParse(c *wire.Conn, stmtName, query string, paramOIDs []uint32) error {
	var payload []byte
	payload = append(payload, stmtName...)
	payload = append(payload, 0)
	payload = append(payload, query...)
	payload = append(payload, 0)
	payload = appendUint16(payload, uint16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		payload = appendUint32(payload, oid)
	}
	return c.WriteMessage(wire.ByteParse, payload)
}

func writeBind(c *wire.Conn, portal, stmtName string, values [][]byte, paramFormats, resultFormats []int16) error {
	var payload []byte
	payload = append(payload, portal...)
	payload = append(payload, 0)
	payload = append(payload, stmtName...)
	payload = append(payload, 0)

	payload = appendUint16(payload, uint16(len(paramFormats)))
	for _, f := range paramFormats {
		payload = appendUint16(payload, uint16(f))
	}

	payload = appendUint16(payload, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			payload = appendInt32(payload, -1)
			continue
		}
		payload = appendInt32(payload, int32(len(v)))
		payload = append(payload, v...)
	}

	payload = appendUint16(payload, uint16(len(resultFormats)))
	for _, f := range resultFormats {
		payload = appendUint16(payload, uint16(f))
	}
	return c.WriteMessage(wire.ByteBind, payload)
}

func writeDescribe(c *wire.Conn, kind byte, name string) error {
	payload := append([]byte{kind}, append([]byte(name), 0)...)
	return c.WriteMessage(wire.ByteDescribe, payload)
}

func writeExecute(c *wire.Conn, portal string, maxRows int32) error {
	payload := append([]byte(portal), 0)
	payload = appendInt32(payload, maxRows)
	return c.WriteMessage(wire.ByteExecute, payload)
}

func parseRowDescription(payload []byte) []FieldDescription {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	pos := 2
	fields := make([]FieldDescription, 0, n)
	for i := 0; i < n; i++ {
		nameEnd := pos
		for nameEnd < len(payload) && payload[nameEnd] != 0 {
			nameEnd++
		}
		name := string(payload[pos:nameEnd])
		pos = nameEnd + 1
		if pos+18 > len(payload) {
			break
		}
		fd := FieldDescription{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(payload[pos : pos+4]),
			ColumnAttNum: binary.BigEndian.Uint16(payload[pos+4 : pos+6]),
			TypeOID:      binary.BigEndian.Uint32(payload[pos+6 : pos+10]),
			TypeSize:     int16(binary.BigEndian.Uint16(payload[pos+10 : pos+12])),
			TypeModifier: int32(binary.BigEndian.Uint32(payload[pos+12 : pos+16])),
			Format:       int16(binary.BigEndian.Uint16(payload[pos+16 : pos+18])),
		}
		pos += 18
		fields = append(fields, fd)
	}
	return fields
}

func parseParameterDescription(payload []byte) []uint32 {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	oids := make([]uint32, 0, n)
	pos := 2
	for i := 0; i < n && pos+4 <= len(payload); i++ {
		oids = append(oids, binary.BigEndian.Uint32(payload[pos:pos+4]))
		pos += 4
	}
	return oids
}

func parseDataRow(payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	cells := make([][]byte, 0, n)
	pos := 2
	for i := 0; i < n; i++ {
		if pos+4 > len(payload) {
			break
		}
		length := int32(binary.BigEndian.Uint32(payload[pos : pos+4]))
		pos += 4
		if length < 0 {
			cells = append(cells, nil)
			continue
		}
		cells = append(cells, payload[pos:pos+int(length)])
		pos += int(length)
	}
	return cells
}

func parseCString(payload []byte) string {
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i])
		}
	}
	return string(payload)
}

func appendUint16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	return appendUint32(b, uint32(v))
}
