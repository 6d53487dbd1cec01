// Package parser classifies SQL statements and extracts the pieces the
// gateway interprets itself: SET/SHOW/RESET, transaction control and COPY.
// Everything else passes through to the backend untouched; the parse tree is
// only consulted, never deparsed back over the original text.
package parser

import (
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/bridgedata/bridge/internal/pgerror"
)

// StatementType is the coarse classification the execution bridge dispatches on.
type StatementType int

const (
	TypeUnknown StatementType = iota
	TypeQuery
	TypeDML
	TypeDDL
	TypeSet
	TypeShow
	TypeTxControl
	TypeCopy
)

func (t StatementType) String() string {
	switch t {
	case TypeQuery:
		return "query"
	case TypeDML:
		return "dml"
	case TypeDDL:
		return "ddl"
	case TypeSet:
		return "set"
	case TypeShow:
		return "show"
	case TypeTxControl:
		return "transaction"
	case TypeCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// TxKind distinguishes the transaction-control statements the gateway tracks.
type TxKind int

const (
	TxBegin TxKind = iota
	TxCommit
	TxRollback
)

// Statement is one classified SQL statement.
type Statement struct {
	SQL        string
	Type       StatementType
	Verb       string // leading keyword, upper case (INSERT, CREATE, ...)
	ParamCount int    // highest positional placeholder number

	Set  *SetStatement  // non-nil for TypeSet
	Show *ShowStatement // non-nil for TypeShow
	Tx   *TxStatement   // non-nil for TypeTxControl
	Copy *CopyStatement // non-nil for TypeCopy
}

// SetStatement is a SET, SET LOCAL, RESET or RESET ALL.
type SetStatement struct {
	Extension string
	Name      string
	Value     *string // nil for RESET and SET ... TO DEFAULT
	Local     bool
	IsReset   bool // RESET or RESET ALL, for command tag rendering
	ResetAll  bool
}

// ShowStatement is a SHOW <name> or SHOW ALL.
type ShowStatement struct {
	Extension string
	Name      string
	All       bool
}

// TxStatement is a BEGIN, COMMIT or ROLLBACK.
type TxStatement struct {
	Kind TxKind
}

// CopyStatement describes a COPY operation. Exactly one of Table and Query is
// set: COPY <table> uses Table (plus optional Columns), COPY (<query>) TO
// carries the deparsed inner query.
type CopyStatement struct {
	Table   string
	Columns []string
	Query   string
	IsFrom  bool
	Binary  bool
}

// Parse classifies a single statement. Multi-statement text is rejected; the
// simple-protocol path splits with ParseAll first.
func Parse(sql string) (*Statement, error) {
	stmts, err := ParseAll(sql)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, pgerror.New(pgerror.CodeSyntaxError,
			"cannot insert multiple commands into a prepared statement")
	}
	return stmts[0], nil
}

// ParseAll splits semicolon-separated text into classified statements. Each
// statement keeps its own slice of the original text so placeholders and
// comments survive verbatim. Empty input yields an empty slice.
func ParseAll(sql string) ([]*Statement, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, pgerror.New(pgerror.CodeSyntaxError, "%s", err.Error())
	}

	stmts := make([]*Statement, 0, len(result.Stmts))
	for _, raw := range result.Stmts {
		start := int(raw.StmtLocation)
		end := len(sql)
		if raw.StmtLen > 0 {
			end = start + int(raw.StmtLen)
		}
		text := strings.TrimSpace(sql[start:end])

		stmt, err := classify(raw.GetStmt(), text)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func classify(node *pg_query.Node, sql string) (*Statement, error) {
	stmt := &Statement{
		SQL:        sql,
		Verb:       leadingKeyword(sql),
		ParamCount: CountParameters(sql),
	}
	if node == nil {
		return stmt, nil
	}

	switch {
	case node.GetSelectStmt() != nil:
		stmt.Type = TypeQuery
	case node.GetInsertStmt() != nil:
		stmt.Type = TypeDML
		stmt.Verb = "INSERT"
	case node.GetUpdateStmt() != nil:
		stmt.Type = TypeDML
		stmt.Verb = "UPDATE"
	case node.GetDeleteStmt() != nil:
		stmt.Type = TypeDML
		stmt.Verb = "DELETE"
	case node.GetMergeStmt() != nil:
		stmt.Type = TypeDML
		stmt.Verb = "MERGE"
	case node.GetVariableSetStmt() != nil:
		stmt.Type = TypeSet
		set, err := extractSet(node.GetVariableSetStmt())
		if err != nil {
			return nil, err
		}
		stmt.Set = set
	case node.GetVariableShowStmt() != nil:
		stmt.Type = TypeShow
		stmt.Show = extractShow(node.GetVariableShowStmt())
	case node.GetTransactionStmt() != nil:
		tx, ok := extractTx(node.GetTransactionStmt())
		if !ok {
			// SAVEPOINT and friends pass through to the backend.
			return stmt, nil
		}
		stmt.Type = TypeTxControl
		stmt.Tx = tx
	case node.GetCopyStmt() != nil:
		stmt.Type = TypeCopy
		copyStmt, err := extractCopy(node.GetCopyStmt())
		if err != nil {
			return nil, err
		}
		stmt.Copy = copyStmt
	case isDDL(node):
		stmt.Type = TypeDDL
	}
	return stmt, nil
}

func isDDL(node *pg_query.Node) bool {
	switch node.GetNode().(type) {
	case *pg_query.Node_CreateStmt,
		*pg_query.Node_CreateTableAsStmt,
		*pg_query.Node_CreateSchemaStmt,
		*pg_query.Node_CreateSeqStmt,
		*pg_query.Node_IndexStmt,
		*pg_query.Node_ViewStmt,
		*pg_query.Node_AlterTableStmt,
		*pg_query.Node_RenameStmt,
		*pg_query.Node_DropStmt:
		return true
	}
	return false
}

// extractSet maps a VariableSetStmt onto the session-state operations. The
// parser already folded unquoted names to lower case; a dotted name splits
// into extension namespace and setting name.
func extractSet(node *pg_query.VariableSetStmt) (*SetStatement, error) {
	set := &SetStatement{Local: node.GetIsLocal()}
	set.Extension, set.Name = splitQualifiedName(node.GetName())

	switch node.GetKind() {
	case pg_query.VariableSetKind_VAR_SET_VALUE:
		parts := make([]string, 0, len(node.GetArgs()))
		for _, arg := range node.GetArgs() {
			v, err := constText(arg)
			if err != nil {
				return nil, err
			}
			parts = append(parts, v)
		}
		value := strings.Join(parts, ", ")
		set.Value = &value
	case pg_query.VariableSetKind_VAR_SET_DEFAULT:
		set.Value = nil
	case pg_query.VariableSetKind_VAR_RESET:
		set.Value = nil
		set.IsReset = true
	case pg_query.VariableSetKind_VAR_RESET_ALL:
		set.IsReset = true
		set.ResetAll = true
	default:
		return nil, pgerror.New(pgerror.CodeSyntaxError,
			"unsupported SET statement variant")
	}
	return set, nil
}

func extractShow(node *pg_query.VariableShowStmt) *ShowStatement {
	name := node.GetName()
	if strings.EqualFold(name, "all") {
		return &ShowStatement{All: true}
	}
	show := &ShowStatement{}
	show.Extension, show.Name = splitQualifiedName(name)
	return show
}

func extractTx(node *pg_query.TransactionStmt) (*TxStatement, bool) {
	switch node.GetKind() {
	case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN,
		pg_query.TransactionStmtKind_TRANS_STMT_START:
		return &TxStatement{Kind: TxBegin}, true
	case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
		return &TxStatement{Kind: TxCommit}, true
	case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK:
		return &TxStatement{Kind: TxRollback}, true
	}
	return nil, false
}

func extractCopy(node *pg_query.CopyStmt) (*CopyStatement, error) {
	copyStmt := &CopyStatement{IsFrom: node.GetIsFrom()}

	for _, opt := range node.GetOptions() {
		def := opt.GetDefElem()
		if def == nil || !strings.EqualFold(def.GetDefname(), "format") {
			continue
		}
		format := def.GetArg().GetString_().GetSval()
		switch strings.ToLower(format) {
		case "binary":
			copyStmt.Binary = true
		case "text", "csv", "":
		default:
			return nil, pgerror.New(pgerror.CodeSyntaxError,
				"COPY format %q not recognized", format)
		}
	}

	if rel := node.GetRelation(); rel != nil {
		copyStmt.Table = rel.GetRelname()
		if schema := rel.GetSchemaname(); schema != "" {
			copyStmt.Table = schema + "." + copyStmt.Table
		}
		for _, col := range node.GetAttlist() {
			copyStmt.Columns = append(copyStmt.Columns, col.GetString_().GetSval())
		}
		return copyStmt, nil
	}

	if query := node.GetQuery(); query != nil {
		if node.GetIsFrom() {
			return nil, pgerror.New(pgerror.CodeSyntaxError,
				"COPY FROM requires a table name")
		}
		deparsed, err := pg_query.Deparse(&pg_query.ParseResult{
			Stmts: []*pg_query.RawStmt{{Stmt: query}},
		})
		if err != nil {
			return nil, pgerror.New(pgerror.CodeSyntaxError, "%s", err.Error())
		}
		copyStmt.Query = deparsed
		return copyStmt, nil
	}

	return nil, pgerror.New(pgerror.CodeSyntaxError, "COPY requires a table or a query")
}

// constText renders a constant argument of SET as its textual value.
func constText(node *pg_query.Node) (string, error) {
	if c := node.GetAConst(); c != nil {
		switch {
		case c.GetSval() != nil:
			return c.GetSval().GetSval(), nil
		case c.GetFval() != nil:
			return c.GetFval().GetFval(), nil
		case c.GetBoolval() != nil:
			if c.GetBoolval().GetBoolval() {
				return "true", nil
			}
			return "false", nil
		default:
			return strconv.FormatInt(int64(c.GetIval().GetIval()), 10), nil
		}
	}
	// SET TIME ZONE INTERVAL and similar exotic forms are not supported.
	return "", pgerror.New(pgerror.CodeSyntaxError, "unsupported SET value expression")
}

func splitQualifiedName(name string) (extension, bare string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// leadingKeyword returns the first word of the statement, upper-cased, with
// leading comments skipped. DDL command tags are derived from it.
func leadingKeyword(sql string) string {
	i := skipLeadingSpaceAndComments(sql)
	j := i
	for j < len(sql) && isKeywordChar(sql[j]) {
		j++
	}
	return strings.ToUpper(sql[i:j])
}

func isKeywordChar(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func skipLeadingSpaceAndComments(sql string) int {
	i := 0
	for i < len(sql) {
		switch {
		case sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n' || sql[i] == '\r':
			i++
		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return len(sql)
			}
			i += end + 1
		case strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i:], "*/")
			if end < 0 {
				return len(sql)
			}
			i += end + 2
		default:
			return i
		}
	}
	return i
}
