package router

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bridgedata/bridge/internal/copydata"
	"github.com/bridgedata/bridge/internal/executor"
	"github.com/bridgedata/bridge/internal/parser"
	"github.com/bridgedata/bridge/internal/pgerror"
	"github.com/bridgedata/bridge/internal/pgwire"
)

// handleCopy dispatches a COPY statement. Only the BINARY format is carried
// over the wire; text and csv COPY go through the regular query path on the
// client side.
func (s *Session) handleCopy(ctx context.Context, stmt *parser.Statement) error {
	if !stmt.Copy.Binary {
		return pgerror.New("0A000", "COPY is only supported with (FORMAT BINARY)")
	}
	if stmt.Copy.IsFrom {
		return s.handleCopyIn(ctx, stmt.Copy)
	}
	return s.handleCopyOut(ctx, stmt.Copy)
}

// handleCopyOut streams a table or query result to the client as a COPY
// BINARY file: CopyOutResponse, header, one CopyData per tuple, trailer,
// CopyDone, CommandComplete.
func (s *Session) handleCopyOut(ctx context.Context, cp *parser.CopyStatement) error {
	sql := cp.Query
	if sql == "" {
		cols := "*"
		if len(cp.Columns) > 0 {
			cols = strings.Join(cp.Columns, ", ")
		}
		sql = "select " + cols + " from " + cp.Table
	}

	run := &parser.Statement{SQL: sql, Type: parser.TypeQuery, Verb: "COPY"}
	result, err := s.bridge.Execute(ctx, run, nil)
	if err != nil {
		s.failTransaction()
		return err
	}
	rs, err := executor.RowsOf(result)
	if err != nil {
		return err
	}

	if err := s.client.WriteMessage(pgwire.MsgCopyOutResponse,
		pgwire.BuildCopyResponse(pgwire.FormatBinary, len(rs.Columns))); err != nil {
		return err
	}
	if err := s.client.WriteMessage(pgwire.MsgCopyData, copydata.EncodeHeader()); err != nil {
		return err
	}

	for _, row := range rs.Rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = encodeCopyValue(v)
		}
		if err := s.client.WriteMessage(pgwire.MsgCopyData, copydata.EncodeRow(values)); err != nil {
			return err
		}
	}

	if err := s.client.WriteMessage(pgwire.MsgCopyData, copydata.EncodeTrailer()); err != nil {
		return err
	}
	if err := s.client.WriteMessage(pgwire.MsgCopyDone, nil); err != nil {
		return err
	}
	return s.client.SendCommandComplete("COPY " + strconv.Itoa(len(rs.Rows)))
}

// handleCopyIn receives a COPY BINARY stream and inserts its tuples. The
// stream is always drained to CopyDone or CopyFail before an error is
// reported, so the connection stays usable afterwards.
func (s *Session) handleCopyIn(ctx context.Context, cp *parser.CopyStatement) error {
	if err := s.client.WriteMessage(pgwire.MsgCopyInResponse,
		pgwire.BuildCopyResponse(pgwire.FormatBinary, len(cp.Columns))); err != nil {
		return err
	}

	data, copyErr := s.receiveCopyStream()
	if copyErr != nil {
		s.failTransaction()
		return copyErr
	}

	rows, err := copydata.DecodeStream(data)
	if err != nil {
		s.failTransaction()
		return err
	}

	// Tuple fields keep their binary encoding; the server decodes each one
	// with the target column's type.
	for _, row := range rows {
		run := &parser.Statement{
			SQL:        buildCopyInsert(cp, len(row)),
			Type:       parser.TypeDML,
			Verb:       "INSERT",
			ParamCount: len(row),
		}
		if _, err := s.bridge.ExecuteBinary(ctx, run, row); err != nil {
			s.failTransaction()
			return err
		}
	}
	return s.client.SendCommandComplete("COPY " + strconv.Itoa(len(rows)))
}

// receiveCopyStream collects CopyData payloads until CopyDone or CopyFail.
// Flush and Sync are legal during copy-in and ignored.
func (s *Session) receiveCopyStream() ([]byte, error) {
	var data []byte
	for {
		msgType, payload, err := s.client.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read copy data: %w", err)
		}
		s.trace.Record(msgType, len(payload))

		switch msgType {
		case pgwire.MsgCopyData:
			data = append(data, payload...)
		case pgwire.MsgCopyDone:
			return data, nil
		case pgwire.MsgCopyFail:
			reason, _ := pgwire.NewReadBuffer(payload).ReadString()
			return nil, pgerror.New("57014", "COPY from stdin failed: %s", reason)
		case pgwire.MsgFlush, pgwire.MsgSync:
			// ignored mid-copy
		default:
			return nil, pgerror.New(pgerror.CodeProtocolViolation,
				"unexpected message type %c during COPY", msgType)
		}
	}
}

// buildCopyInsert renders the parameterized insert used for one decoded
// tuple. With no explicit column list the tuple's own width decides the
// number of placeholders.
func buildCopyInsert(cp *parser.CopyStatement, ncols int) string {
	var sb strings.Builder
	sb.WriteString("insert into ")
	sb.WriteString(cp.Table)
	if len(cp.Columns) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(cp.Columns, ", "))
		sb.WriteString(")")
	}
	sb.WriteString(" values (")
	for i := 0; i < ncols; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("$" + strconv.Itoa(i+1))
	}
	sb.WriteString(")")
	return sb.String()
}

// encodeCopyValue renders a result value in the COPY BINARY field encoding:
// big-endian fixed widths for numeric and boolean types, raw bytes for text.
// nil stays nil and encodes as NULL.
func encodeCopyValue(v any) []byte {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return val
	case string:
		return []byte(val)
	case int16:
		return binary.BigEndian.AppendUint16(nil, uint16(val)) // #nosec G115 -- two's complement round trip
	case int32:
		return binary.BigEndian.AppendUint32(nil, uint32(val)) // #nosec G115 -- two's complement round trip
	case int64:
		return binary.BigEndian.AppendUint64(nil, uint64(val)) // #nosec G115 -- two's complement round trip
	case float32:
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(val))
	case float64:
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(val))
	case bool:
		if val {
			return []byte{1}
		}
		return []byte{0}
	default:
		return []byte(fmt.Sprintf("%v", val))
	}
}
