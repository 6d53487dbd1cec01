// Package executor is the bridge between classified statements and the
// execution backend: it dispatches the call, wraps failures with statement
// context and renders the command tag clients expect.
package executor

import (
	"context"
	"errors"
	"strconv"

	"github.com/bridgedata/bridge/internal/parser"
	"github.com/bridgedata/bridge/internal/pgerror"
)

// Backend executes SQL against the underlying database. Implementations own
// connection pooling and the ambient transaction the gateway brackets with
// Begin/Commit/Rollback. Execute must honor ctx cancellation by abandoning
// the in-flight call, never retrying it.
type Backend interface {
	Execute(ctx context.Context, sql string, params [][]byte) (Result, error)
	// ExecuteBinary runs one statement with binary-format parameters. The
	// server resolves each parameter's type from the statement and decodes
	// the bytes with that type's binary receive function.
	ExecuteBinary(ctx context.Context, sql string, params [][]byte) (Result, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close()
}

// Result is one of NoResult, UpdateCount or RowSet.
type Result interface {
	resultVariant()
}

// NoResult is a statement outcome with no rows and no affected count, such as
// DDL or utility statements. Tag carries whatever the backend reported.
type NoResult struct {
	Tag string
}

// UpdateCount is a DML outcome: the number of affected rows.
type UpdateCount struct {
	Count int64
}

// RowSet is a query outcome: column metadata plus zero or more rows. Values
// are nil for SQL NULL.
type RowSet struct {
	Columns []Column
	Rows    [][]any
}

// Column describes one result column.
type Column struct {
	Name         string
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
}

func (NoResult) resultVariant()    {}
func (UpdateCount) resultVariant() {}
func (*RowSet) resultVariant()     {}

// Bridge dispatches classified statements to the backend.
type Bridge struct {
	backend Backend
}

// New creates a bridge over the given backend.
func New(backend Backend) *Bridge {
	return &Bridge{backend: backend}
}

// Backend returns the underlying backend, for transaction bracketing.
func (b *Bridge) Backend() Backend {
	return b.backend
}

// Execute runs one statement. Backend errors that already carry a SQLSTATE
// pass through verbatim; anything else is wrapped with the statement verb and
// parameter count. No retry happens at this layer.
func (b *Bridge) Execute(ctx context.Context, stmt *parser.Statement, params [][]byte) (Result, error) {
	result, err := b.backend.Execute(ctx, stmt.SQL, params)
	if err != nil {
		return nil, wrapBackendError(err, stmt)
	}
	return result, nil
}

// ExecuteBinary mirrors Execute for binary-format parameters, used for COPY
// BINARY tuples whose field encoding is the server's own binary format.
func (b *Bridge) ExecuteBinary(ctx context.Context, stmt *parser.Statement, params [][]byte) (Result, error) {
	result, err := b.backend.ExecuteBinary(ctx, stmt.SQL, params)
	if err != nil {
		return nil, wrapBackendError(err, stmt)
	}
	return result, nil
}

func wrapBackendError(err error, stmt *parser.Statement) error {
	var pgErr *pgerror.Error
	if errors.As(err, &pgErr) {
		return pgErr
	}
	verb := stmt.Verb
	if verb == "" {
		verb = "statement"
	}
	return pgerror.New(pgerror.CodeInternalError,
		"executing %s with %d parameters: %s", verb, stmt.ParamCount, err.Error())
}

// CommandTag renders the completion tag for a statement's result.
//
// Update counts synthesize the PostgreSQL shapes: INSERT carries a zero OID
// field ("INSERT 0 N"), every other verb is "VERB N". DDL reports the verb
// alone. Statements the parser could not classify pass the backend's own tag
// through unchanged.
func CommandTag(stmt *parser.Statement, result Result) (string, error) {
	switch r := result.(type) {
	case UpdateCount:
		if stmt.Type == parser.TypeUnknown {
			return stmt.Verb, nil
		}
		if stmt.Verb == "INSERT" {
			return "INSERT 0 " + strconv.FormatInt(r.Count, 10), nil
		}
		return stmt.Verb + " " + strconv.FormatInt(r.Count, 10), nil

	case NoResult:
		switch stmt.Type {
		case parser.TypeDDL:
			return stmt.Verb, nil
		case parser.TypeUnknown:
			return r.Tag, nil
		}
		if r.Tag != "" {
			return r.Tag, nil
		}
		return stmt.Verb, nil

	case *RowSet:
		return "SELECT " + strconv.Itoa(len(r.Rows)), nil
	}
	return "", pgerror.New(pgerror.CodeInternalError, "unsupported result variant")
}

// RowsOf extracts the row set from a result. A no-result or update-count
// outcome here is a contract violation: the caller promised the client rows
// it cannot produce, so this fails instead of emitting malformed messages.
func RowsOf(result Result) (*RowSet, error) {
	rows, ok := result.(*RowSet)
	if !ok {
		return nil, pgerror.New(pgerror.CodeInternalError,
			"statement produced no row data")
	}
	return rows, nil
}

