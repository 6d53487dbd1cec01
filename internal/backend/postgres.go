// Package backend implements the execution backend over a PostgreSQL-protocol
// database using a pgx connection pool. One Session exists per client
// connection and carries that connection's ambient transaction.
package backend

import (
	"context"
	"errors"
	"fmt"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bridgedata/bridge/internal/executor"
	"github.com/bridgedata/bridge/internal/pgerror"
)

// Pool wraps the shared connection pool to the backing database.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the backing database and verifies it is reachable.
func NewPool(ctx context.Context, connString string) (*Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping backend: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Session creates a per-connection backend. Each gateway connection gets its
// own so transaction state never crosses connections.
func (p *Pool) Session() *Session {
	return &Session{pool: p.pool}
}

// Close shuts the pool down.
func (p *Pool) Close() {
	p.pool.Close()
}

// Session is the executor.Backend implementation for one client connection.
type Session struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

var _ executor.Backend = (*Session)(nil)

// Execute runs one statement, inside the open transaction when there is one.
// Parameters arrive as text-format bytes; nil means SQL NULL.
func (s *Session) Execute(ctx context.Context, sql string, params [][]byte) (executor.Result, error) {
	args := make([]any, len(params))
	for i, p := range params {
		if p == nil {
			args[i] = nil
		} else {
			args[i] = string(p)
		}
	}

	var rows pgx.Rows
	var err error
	if s.tx != nil {
		rows, err = s.tx.Query(ctx, sql, args...)
	} else {
		rows, err = s.pool.Query(ctx, sql, args...)
	}
	if err != nil {
		return nil, translateError(err)
	}
	return collectResult(rows)
}

// collectResult drains the pgx result and maps it onto the gateway's result
// variants: row-bearing statements become a RowSet, DML becomes an
// UpdateCount, and everything else keeps the backend's tag.
func collectResult(rows pgx.Rows) (executor.Result, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	if len(fields) > 0 {
		columns := make([]executor.Column, len(fields))
		for i, f := range fields {
			columns[i] = executor.Column{
				Name:         f.Name,
				TypeOID:      f.DataTypeOID,
				TypeSize:     f.DataTypeSize,
				TypeModifier: f.TypeModifier,
			}
		}
		result := &executor.RowSet{Columns: columns}
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return nil, translateError(err)
			}
			result.Rows = append(result.Rows, values)
		}
		if err := rows.Err(); err != nil {
			return nil, translateError(err)
		}
		return result, nil
	}

	// No columns: drain so the command tag becomes available.
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}

	tag := rows.CommandTag()
	if tag.Insert() || tag.Update() || tag.Delete() {
		return executor.UpdateCount{Count: tag.RowsAffected()}, nil
	}
	return executor.NoResult{Tag: tag.String()}, nil
}

// ExecuteBinary runs one statement passing every parameter in the binary
// wire format with an unspecified type OID, so the server resolves types
// from the statement and decodes the bytes itself. COPY BINARY tuples use
// this path: their field encoding is exactly the binary parameter format.
func (s *Session) ExecuteBinary(ctx context.Context, sql string, params [][]byte) (executor.Result, error) {
	formats := make([]int16, len(params))
	for i := range formats {
		formats[i] = 1
	}

	if s.tx != nil {
		return closeResult(s.tx.Conn().PgConn().ExecParams(ctx, sql, params, nil, formats, nil))
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	defer conn.Release()
	return closeResult(conn.Conn().PgConn().ExecParams(ctx, sql, params, nil, formats, nil))
}

// closeResult drains a pgconn result, keeping only the affected-row count.
func closeResult(rr *pgconn.ResultReader) (executor.Result, error) {
	tag, err := rr.Close()
	if err != nil {
		return nil, translateError(err)
	}
	if tag.Insert() || tag.Update() || tag.Delete() {
		return executor.UpdateCount{Count: tag.RowsAffected()}, nil
	}
	return executor.NoResult{Tag: tag.String()}, nil
}

// Begin opens the ambient transaction.
func (s *Session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translateError(err)
	}
	s.tx = tx
	return nil
}

// Commit commits the ambient transaction, if any.
func (s *Session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return translateError(err)
	}
	return nil
}

// Rollback discards the ambient transaction, if any.
func (s *Session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return translateError(err)
	}
	return nil
}

// Close abandons any open transaction. The pool itself is shared and stays up.
func (s *Session) Close() {
	if s.tx != nil {
		_ = s.tx.Rollback(context.Background())
		s.tx = nil
	}
}

// translateError maps backend failures onto wire-reportable errors, keeping
// the backend's own SQLSTATE and hint when it supplied them.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		e := &pgerror.Error{
			Severity: pgErr.Severity,
			Code:     pgErr.Code,
			Message:  pgErr.Message,
			Hint:     pgErr.Hint,
		}
		return e
	}
	return pgerror.New(pgerror.CodeConnectionFailure, "%s", err.Error())
}
