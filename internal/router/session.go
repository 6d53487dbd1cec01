// Package router is the protocol state machine: it reads framed messages
// from an authenticated client connection, drives the simple and extended
// query flows, interprets SET/SHOW/RESET and transaction control against the
// session state, and renders execution results back onto the wire.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/bridgedata/bridge/internal/catalog"
	"github.com/bridgedata/bridge/internal/executor"
	"github.com/bridgedata/bridge/internal/parser"
	"github.com/bridgedata/bridge/internal/pgerror"
	"github.com/bridgedata/bridge/internal/pgwire"
	"github.com/bridgedata/bridge/internal/session"
)

// traceLimit bounds the per-connection diagnostic message trace.
const traceLimit = 256

// Session handles query processing for a single client connection.
type Session struct {
	client   *pgwire.ClientConn
	bridge   *executor.Bridge
	state    *session.State
	rewriter *catalog.Rewriter
	trace    *pgwire.Trace

	txStatus byte // 'I', 'T', or 'E'

	// Extended query protocol state
	ext    *extendedState
	extErr error // deferred error until Sync
}

// NewSession creates a session over an authenticated client connection.
func NewSession(client *pgwire.ClientConn, bridge *executor.Bridge) *Session {
	state := session.NewState()
	return &Session{
		client:   client,
		bridge:   bridge,
		state:    state,
		rewriter: catalog.NewRewriter(state),
		trace:    pgwire.NewTrace(traceLimit),
		txStatus: pgwire.TxStatusIdle,
		ext:      newExtendedState(),
	}
}

// State exposes the session configuration, used for the startup
// ParameterStatus burst.
func (s *Session) State() *session.State {
	return s.state
}

// Trace exposes the inbound-message trace for diagnostics.
func (s *Session) Trace() *pgwire.Trace {
	return s.trace
}

// HandleMessages processes messages from the client until the connection
// closes. Protocol-level failures terminate the loop; statement failures are
// reported to the client and the loop continues.
func (s *Session) HandleMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, payload, err := s.client.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		s.trace.Record(msgType, len(payload))

		if msgType == pgwire.MsgTerminate {
			return nil
		}

		if err := s.dispatchMessage(ctx, msgType, payload); err != nil {
			return err
		}
	}
}

// dispatchMessage routes a single wire protocol message to its handler.
func (s *Session) dispatchMessage(ctx context.Context, msgType byte, payload []byte) error {
	switch msgType {
	case pgwire.MsgQuery:
		return wrapErr("handle query", s.handleSimpleQuery(ctx, payload))
	case pgwire.MsgParse:
		return wrapErr("handle parse", s.handleParse(ctx, payload))
	case pgwire.MsgBind:
		return wrapErr("handle bind", s.handleBind(ctx, payload))
	case pgwire.MsgDescribe:
		return wrapErr("handle describe", s.handleDescribe(ctx, payload))
	case pgwire.MsgExecute:
		return wrapErr("handle execute", s.handleExecute(ctx, payload))
	case pgwire.MsgClose:
		return wrapErr("handle close", s.handleClose(ctx, payload))
	case pgwire.MsgSync:
		return wrapErr("handle sync", s.handleSync())
	case pgwire.MsgFlush:
		return nil // Flush is a no-op — we write immediately
	default:
		// An unexpected message in this state is a protocol violation and
		// terminates the connection.
		fatal := pgerror.Fatal(pgerror.CodeProtocolViolation,
			"unexpected message type %c", msgType)
		_ = s.client.SendError(fatal.Severity, fatal.Code, fatal.Message, fatal.Hint)
		return fmt.Errorf("protocol violation: %w", fatal)
	}
}

func wrapErr(label string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

// handleSimpleQuery processes a 'Q' message containing one or more SQL
// statements. Each statement produces its own response sequence; a failure
// skips the rest of the batch. A single ReadyForQuery ends the round trip.
func (s *Session) handleSimpleQuery(ctx context.Context, payload []byte) error {
	sql := strings.TrimSuffix(string(payload), "\x00")

	stmts, err := parser.ParseAll(sql)
	if err != nil {
		return s.sendQueryError(err)
	}
	if len(stmts) == 0 {
		if err := s.client.WriteMessage(pgwire.MsgEmptyQueryResponse, nil); err != nil {
			return err
		}
		return s.client.SendReadyForQuery(s.txStatus)
	}

	for _, stmt := range stmts {
		if err := s.executeStatement(ctx, stmt, nil, 0); err != nil {
			return s.sendQueryError(err)
		}
	}
	return s.client.SendReadyForQuery(s.txStatus)
}

// executeStatement runs one classified statement and writes its complete
// response except ReadyForQuery. maxRows is only honored by the extended
// protocol path and is 0 here.
func (s *Session) executeStatement(ctx context.Context, stmt *parser.Statement, params [][]byte, maxRows int32) error {
	if s.txStatus == pgwire.TxStatusFailed && stmt.Type != parser.TypeTxControl {
		return pgerror.New(pgerror.CodeInFailedTransaction,
			"current transaction is aborted, commands ignored until end of transaction block")
	}

	switch stmt.Type {
	case parser.TypeTxControl:
		return s.handleTxControl(ctx, stmt.Tx.Kind)
	case parser.TypeSet:
		return s.handleSet(stmt.Set)
	case parser.TypeShow:
		return s.handleShow(stmt.Show)
	case parser.TypeCopy:
		return s.handleCopy(ctx, stmt)
	}

	run := *stmt
	run.SQL = s.rewriter.Rewrite(stmt.SQL)

	result, err := s.bridge.Execute(ctx, &run, params)
	if err != nil {
		s.failTransaction()
		return err
	}

	if rs, ok := result.(*executor.RowSet); ok {
		return sendRowSet(s.client, rs, "")
	}

	tag, err := executor.CommandTag(stmt, result)
	if err != nil {
		return err
	}
	return s.client.SendCommandComplete(tag)
}

// handleTxControl drives both the backend's ambient transaction and the
// session-state transaction layers.
func (s *Session) handleTxControl(ctx context.Context, kind parser.TxKind) error {
	backend := s.bridge.Backend()

	switch kind {
	case parser.TxBegin:
		if s.txStatus == pgwire.TxStatusInTx {
			if err := s.client.SendNotice("WARNING", "25001",
				"there is already a transaction in progress"); err != nil {
				return err
			}
			return s.client.SendCommandComplete("BEGIN")
		}
		if err := backend.Begin(ctx); err != nil {
			return err
		}
		s.txStatus = pgwire.TxStatusInTx
		return s.client.SendCommandComplete("BEGIN")

	case parser.TxCommit:
		if s.txStatus == pgwire.TxStatusFailed {
			// COMMIT of an aborted transaction rolls back and says so.
			if err := backend.Rollback(ctx); err != nil {
				return err
			}
			s.state.Rollback()
			s.txStatus = pgwire.TxStatusIdle
			return s.client.SendCommandComplete("ROLLBACK")
		}
		if err := backend.Commit(ctx); err != nil {
			s.state.Rollback()
			s.txStatus = pgwire.TxStatusIdle
			return err
		}
		s.state.Commit()
		s.txStatus = pgwire.TxStatusIdle
		return s.client.SendCommandComplete("COMMIT")

	case parser.TxRollback:
		if err := backend.Rollback(ctx); err != nil {
			return err
		}
		s.state.Rollback()
		s.txStatus = pgwire.TxStatusIdle
		return s.client.SendCommandComplete("ROLLBACK")
	}
	return pgerror.New(pgerror.CodeInternalError, "unsupported transaction control")
}

// handleSet applies SET, SET LOCAL, RESET and RESET ALL to the session state.
// Outside an explicit transaction the write commits immediately.
func (s *Session) handleSet(set *parser.SetStatement) error {
	switch {
	case set.ResetAll:
		s.state.ResetAll()
		return s.client.SendCommandComplete("RESET")
	case set.Local:
		if err := s.state.SetLocal(set.Extension, set.Name, set.Value); err != nil {
			s.failTransaction()
			return err
		}
	default:
		if err := s.state.Set(set.Extension, set.Name, set.Value); err != nil {
			s.failTransaction()
			return err
		}
	}

	if s.txStatus == pgwire.TxStatusIdle {
		s.state.Commit()
	}

	tag := "SET"
	if set.IsReset {
		tag = "RESET"
	}
	return s.client.SendCommandComplete(tag)
}

// handleShow renders a setting (or all of them) as a row set.
func (s *Session) handleShow(show *parser.ShowStatement) error {
	if show.All {
		rs := &executor.RowSet{
			Columns: []executor.Column{
				textColumn("name"),
				textColumn("setting"),
				textColumn("description"),
			},
		}
		for _, entry := range s.state.GetAll() {
			var value any
			if entry.Value != nil {
				value = *entry.Value
			}
			rs.Rows = append(rs.Rows, []any{entry.QualifiedName(), value, entry.ShortDesc})
		}
		return sendRowSet(s.client, rs, "SHOW")
	}

	value, err := s.state.Show(show.Extension, show.Name)
	if err != nil {
		s.failTransaction()
		return err
	}
	name := show.Name
	if show.Extension != "" {
		name = show.Extension + "." + show.Name
	}
	rs := &executor.RowSet{
		Columns: []executor.Column{textColumn(name)},
		Rows:    [][]any{{value}},
	}
	return sendRowSet(s.client, rs, "SHOW")
}

// failTransaction marks an open transaction as aborted.
func (s *Session) failTransaction() {
	if s.txStatus == pgwire.TxStatusInTx {
		s.txStatus = pgwire.TxStatusFailed
	}
}

// sendQueryError reports a statement failure and returns the connection to
// the ready state so the client can continue.
func (s *Session) sendQueryError(err error) error {
	s.failTransaction()
	pgErr := pgerror.From(err)
	_ = s.client.SendError(pgErr.Severity, pgErr.Code, pgErr.Message, pgErr.Hint)
	return s.client.SendReadyForQuery(s.txStatus)
}

// Close terminates the client connection, unblocking any pending read. Safe
// to call from another goroutine while HandleMessages runs.
func (s *Session) Close() error {
	return s.client.Close()
}

// Cleanup releases session resources when the connection ends.
func (s *Session) Cleanup(ctx context.Context) {
	_ = s.bridge.Backend().Rollback(ctx)
	s.bridge.Backend().Close()
}
