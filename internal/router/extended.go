package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bridgedata/bridge/internal/executor"
	"github.com/bridgedata/bridge/internal/parser"
	"github.com/bridgedata/bridge/internal/pgerror"
	"github.com/bridgedata/bridge/internal/pgwire"
)

// preparedStmt holds a parsed statement waiting for binding. stmt is nil for
// the empty query.
type preparedStmt struct {
	name string
	stmt *parser.Statement
}

// portal holds a bound statement. After the first Execute of a row-returning
// statement the result is materialized here so a row-limited Execute can be
// resumed where it left off.
type portal struct {
	name   string
	stmt   *preparedStmt
	params [][]byte

	result *executor.RowSet
	sent   int
}

// extendedState tracks Parse/Bind/Execute state per session.
type extendedState struct {
	stmts   map[string]*preparedStmt // name -> prepared statement
	portals map[string]*portal       // name -> portal
}

func newExtendedState() *extendedState {
	return &extendedState{
		stmts:   make(map[string]*preparedStmt),
		portals: make(map[string]*portal),
	}
}

// deferErr records a failure to be reported at the next Sync. Messages that
// arrive between the failure and Sync are skipped.
func (s *Session) deferErr(err error) {
	if s.extErr == nil {
		s.extErr = err
	}
	s.failTransaction()
}

// handleParse processes a Parse ('P') message.
// Format: name(string) query(string) numParamTypes(int16) paramTypes(int32[])
func (s *Session) handleParse(_ context.Context, payload []byte) error {
	if s.extErr != nil {
		return nil
	}

	buf := pgwire.NewReadBuffer(payload)

	name, err := buf.ReadString()
	if err != nil {
		return fmt.Errorf("read statement name: %w", err)
	}

	sql, err := buf.ReadString()
	if err != nil {
		return fmt.Errorf("read query: %w", err)
	}

	// Parameter type OIDs are skipped; the backend infers types.

	prepared := &preparedStmt{name: name}
	if strings.TrimSpace(sql) != "" {
		stmt, err := parser.Parse(sql)
		if err != nil {
			// Don't send the error yet, wait for Sync.
			s.deferErr(err)
			return nil
		}
		prepared.stmt = stmt
	}

	s.ext.stmts[name] = prepared
	return s.client.WriteMessage(pgwire.MsgParseComplete, nil)
}

// handleBind processes a Bind ('B') message.
// Format: portal(string) statement(string) numFormats(int16) formats(int16[])
// numParams(int16) paramValues(int32 len + bytes)* numResultFormats(int16)
// resultFormats(int16[])
func (s *Session) handleBind(_ context.Context, payload []byte) error {
	if s.extErr != nil {
		return nil
	}

	buf := pgwire.NewReadBuffer(payload)

	portalName, err := buf.ReadString()
	if err != nil {
		return fmt.Errorf("read portal name: %w", err)
	}

	stmtName, err := buf.ReadString()
	if err != nil {
		return fmt.Errorf("read statement name: %w", err)
	}

	stmt, ok := s.ext.stmts[stmtName]
	if !ok {
		s.deferErr(pgerror.New("26000", "prepared statement %q does not exist", stmtName))
		return nil
	}

	numFormats, err := buf.ReadInt16()
	if err != nil {
		return fmt.Errorf("read parameter format count: %w", err)
	}
	for i := int16(0); i < numFormats; i++ {
		format, err := buf.ReadInt16()
		if err != nil {
			return fmt.Errorf("read parameter format: %w", err)
		}
		if format != pgwire.FormatText {
			s.deferErr(pgerror.New("0A000", "binary parameter format is not supported"))
			return nil
		}
	}

	numParams, err := buf.ReadInt16()
	if err != nil {
		return fmt.Errorf("read parameter count: %w", err)
	}
	params := make([][]byte, numParams)
	for i := int16(0); i < numParams; i++ {
		length, err := buf.ReadInt32()
		if err != nil {
			return fmt.Errorf("read parameter length: %w", err)
		}
		if length == -1 {
			params[i] = nil // NULL
			continue
		}
		val, err := buf.ReadBytes(int(length))
		if err != nil {
			return fmt.Errorf("read parameter value: %w", err)
		}
		params[i] = val
	}

	numResultFormats, err := buf.ReadInt16()
	if err != nil {
		return fmt.Errorf("read result format count: %w", err)
	}
	for i := int16(0); i < numResultFormats; i++ {
		format, err := buf.ReadInt16()
		if err != nil {
			return fmt.Errorf("read result format: %w", err)
		}
		if format != pgwire.FormatText {
			s.deferErr(pgerror.New("0A000", "binary result format is not supported"))
			return nil
		}
	}

	s.ext.portals[portalName] = &portal{
		name:   portalName,
		stmt:   stmt,
		params: params,
	}
	return s.client.WriteMessage(pgwire.MsgBindComplete, nil)
}

// handleDescribe processes a Describe ('D') message.
// Format: type(byte: 'S' or 'P') name(string)
//
// Result shapes are not known before execution, so both variants answer
// NoData; a statement Describe still announces its parameter count with
// unspecified types.
func (s *Session) handleDescribe(_ context.Context, payload []byte) error {
	if s.extErr != nil {
		return nil
	}
	if len(payload) < 2 {
		s.deferErr(pgerror.New(pgerror.CodeProtocolViolation, "malformed Describe message"))
		return nil
	}

	descType := payload[0]
	name, _ := pgwire.NewReadBuffer(payload[1:]).ReadString()

	switch descType {
	case 'S':
		stmt, ok := s.ext.stmts[name]
		if !ok {
			s.deferErr(pgerror.New("26000", "prepared statement %q does not exist", name))
			return nil
		}
		count := 0
		if stmt.stmt != nil {
			count = stmt.stmt.ParamCount
		}
		if err := s.client.WriteMessage(pgwire.MsgParameterDescription,
			pgwire.BuildParameterDescription(count)); err != nil {
			return err
		}
		return s.client.WriteMessage(pgwire.MsgNoData, nil)

	case 'P':
		if _, ok := s.ext.portals[name]; !ok {
			s.deferErr(pgerror.New("34000", "portal %q does not exist", name))
			return nil
		}
		return s.client.WriteMessage(pgwire.MsgNoData, nil)

	default:
		s.deferErr(pgerror.New(pgerror.CodeProtocolViolation,
			"invalid Describe type %c", descType))
		return nil
	}
}

// handleExecute processes an Execute ('E') message.
// Format: portal(string) maxRows(int32)
func (s *Session) handleExecute(ctx context.Context, payload []byte) error {
	if s.extErr != nil {
		return nil
	}

	buf := pgwire.NewReadBuffer(payload)

	portalName, err := buf.ReadString()
	if err != nil {
		return fmt.Errorf("read portal name: %w", err)
	}
	maxRows, err := buf.ReadInt32()
	if err != nil {
		return fmt.Errorf("read max rows: %w", err)
	}

	p, ok := s.ext.portals[portalName]
	if !ok {
		s.deferErr(pgerror.New("34000", "portal %q does not exist", portalName))
		return nil
	}

	if p.stmt.stmt == nil {
		return s.client.WriteMessage(pgwire.MsgEmptyQueryResponse, nil)
	}

	// Resume a suspended portal without re-executing.
	if p.result != nil {
		return s.sendPortalRows(p, maxRows)
	}

	stmt := p.stmt.stmt
	switch stmt.Type {
	case parser.TypeTxControl, parser.TypeSet, parser.TypeShow, parser.TypeCopy:
		if err := s.executeStatement(ctx, stmt, p.params, maxRows); err != nil {
			s.deferErr(err)
		}
		return nil
	}

	if s.txStatus == pgwire.TxStatusFailed {
		s.deferErr(pgerror.New(pgerror.CodeInFailedTransaction,
			"current transaction is aborted, commands ignored until end of transaction block"))
		return nil
	}

	run := *stmt
	run.SQL = s.rewriter.Rewrite(stmt.SQL)

	result, err := s.bridge.Execute(ctx, &run, p.params)
	if err != nil {
		s.deferErr(err)
		return nil
	}

	rs, ok := result.(*executor.RowSet)
	if !ok {
		tag, err := executor.CommandTag(stmt, result)
		if err != nil {
			s.deferErr(err)
			return nil
		}
		return s.client.SendCommandComplete(tag)
	}

	p.result = rs
	if err := sendRowDescription(s.client, rs.Columns); err != nil {
		return fmt.Errorf("send row description: %w", err)
	}
	return s.sendPortalRows(p, maxRows)
}

// sendPortalRows streams rows from a materialized portal, suspending when the
// row limit is reached with rows still pending.
func (s *Session) sendPortalRows(p *portal, maxRows int32) error {
	limit := len(p.result.Rows)
	if maxRows > 0 && p.sent+int(maxRows) < limit {
		limit = p.sent + int(maxRows)
	}

	for p.sent < limit {
		if err := sendDataRow(s.client, p.result.Rows[p.sent]); err != nil {
			return fmt.Errorf("send data row: %w", err)
		}
		p.sent++
	}

	if p.sent < len(p.result.Rows) {
		return s.client.WriteMessage(pgwire.MsgPortalSuspended, nil)
	}
	return s.client.SendCommandComplete("SELECT " + strconv.Itoa(p.sent))
}

// handleClose processes a Close ('C') message.
// Format: type(byte: 'S' or 'P') name(string)
func (s *Session) handleClose(_ context.Context, payload []byte) error {
	if s.extErr != nil {
		return nil
	}
	if len(payload) < 2 {
		return s.client.WriteMessage(pgwire.MsgCloseComplete, nil)
	}

	closeType := payload[0]
	name, _ := pgwire.NewReadBuffer(payload[1:]).ReadString()

	switch closeType {
	case 'S':
		delete(s.ext.stmts, name)
	case 'P':
		delete(s.ext.portals, name)
	}
	return s.client.WriteMessage(pgwire.MsgCloseComplete, nil)
}

// handleSync processes a Sync ('S') message, ending the extended query cycle.
// A deferred error is reported here, then the session is ready again.
func (s *Session) handleSync() error {
	if s.extErr != nil {
		pgErr := pgerror.From(s.extErr)
		_ = s.client.SendError(pgErr.Severity, pgErr.Code, pgErr.Message, pgErr.Hint)
		s.extErr = nil
	}
	return s.client.SendReadyForQuery(s.txStatus)
}
