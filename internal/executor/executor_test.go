package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bridgedata/bridge/internal/parser"
	"github.com/bridgedata/bridge/internal/pgerror"
)

type fakeBackend struct {
	result  Result
	err     error
	lastSQL string
}

func (f *fakeBackend) Execute(_ context.Context, sql string, _ [][]byte) (Result, error) {
	f.lastSQL = sql
	return f.result, f.err
}

func (f *fakeBackend) ExecuteBinary(_ context.Context, sql string, _ [][]byte) (Result, error) {
	f.lastSQL = sql
	return f.result, f.err
}

func (f *fakeBackend) Begin(context.Context) error    { return nil }
func (f *fakeBackend) Commit(context.Context) error   { return nil }
func (f *fakeBackend) Rollback(context.Context) error { return nil }
func (f *fakeBackend) Close()                         {}

func mustParse(t *testing.T, sql string) *parser.Statement {
	t.Helper()
	stmt, err := parser.Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	return stmt
}

func TestCommandTag(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		result Result
		want   string
	}{
		{"insert one", "insert into foo values (1)", UpdateCount{Count: 1}, "INSERT 0 1"},
		{"insert many", "insert into foo select * from bar", UpdateCount{Count: 42}, "INSERT 0 42"},
		{"update", "update foo set a=1", UpdateCount{Count: 7}, "UPDATE 7"},
		{"delete none", "delete from foo", UpdateCount{Count: 0}, "DELETE 0"},
		{"ddl create", "create table foo (id bigint)", NoResult{}, "CREATE"},
		{"ddl drop", "drop table foo", NoResult{}, "DROP"},
		{"select", "select 1", &RowSet{Rows: [][]any{{int64(1)}, {int64(2)}}}, "SELECT 2"},
		{"select empty", "select 1 where false", &RowSet{}, "SELECT 0"},
		{"unknown passthrough", "vacuum", NoResult{Tag: "parse"}, "parse"},
		{"backend tag wins", "set application_name='x'", NoResult{Tag: "SET"}, "SET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CommandTag(mustParse(t, tt.sql), tt.result)
			if err != nil {
				t.Fatalf("CommandTag: %v", err)
			}
			if got != tt.want {
				t.Errorf("tag = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRowsOfRejectsNonRowResults(t *testing.T) {
	if _, err := RowsOf(NoResult{Tag: "CREATE"}); err == nil {
		t.Error("RowsOf(NoResult) should fail")
	}
	if _, err := RowsOf(UpdateCount{Count: 1}); err == nil {
		t.Error("RowsOf(UpdateCount) should fail")
	}
	rs := &RowSet{Rows: [][]any{{int64(1)}}}
	got, err := RowsOf(rs)
	if err != nil || got != rs {
		t.Errorf("RowsOf(RowSet) = %v, %v", got, err)
	}
}

func TestExecuteWrapsBackendErrors(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection reset")}
	bridge := New(backend)

	stmt := mustParse(t, "insert into foo values ($1, $2)")
	_, err := bridge.Execute(context.Background(), stmt, [][]byte{[]byte("1"), []byte("2")})
	if err == nil {
		t.Fatal("Execute should fail")
	}
	msg := err.Error()
	if !strings.Contains(msg, "INSERT") || !strings.Contains(msg, "2 parameters") {
		t.Errorf("wrapped error lacks statement context: %q", msg)
	}
	if pgerror.From(err).Code != pgerror.CodeInternalError {
		t.Errorf("code = %q", pgerror.From(err).Code)
	}
}

func TestExecutePassesStructuredErrorsVerbatim(t *testing.T) {
	backendErr := pgerror.New("42P01", `relation "foo" does not exist`)
	bridge := New(&fakeBackend{err: backendErr})

	_, err := bridge.Execute(context.Background(), mustParse(t, "select * from foo"), nil)
	var pgErr *pgerror.Error
	if !errors.As(err, &pgErr) {
		t.Fatalf("error type = %T", err)
	}
	if pgErr != backendErr {
		t.Errorf("structured error was rewrapped: %v", pgErr)
	}
}

func TestExecuteDispatchesSQL(t *testing.T) {
	backend := &fakeBackend{result: UpdateCount{Count: 1}}
	bridge := New(backend)

	stmt := mustParse(t, "update foo set a=$1")
	result, err := bridge.Execute(context.Background(), stmt, [][]byte{[]byte("x")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if backend.lastSQL != "update foo set a=$1" {
		t.Errorf("backend saw %q", backend.lastSQL)
	}
	tag, err := CommandTag(stmt, result)
	if err != nil || tag != "UPDATE 1" {
		t.Errorf("tag = %q, %v", tag, err)
	}
}
