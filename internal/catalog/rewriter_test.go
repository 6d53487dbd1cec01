package catalog

import (
	"strings"
	"testing"

	"github.com/bridgedata/bridge/internal/session"
)

func str(s string) *string { return &s }

// testState returns a session state over a two-setting registry, small enough
// that the expected CTE can be spelled out literally.
func testState() *session.State {
	registry := session.NewRegistry([]session.Setting{
		{
			Name:     "application_name",
			Category: "Reporting and Logging / What to Log",
			Context:  session.ContextUser,
			VarType:  session.VarTypeString,
			Source:   "client",
		},
		{
			Name:     "bytea_output",
			Category: "Client Connection Defaults / Statement Behavior",
			Context:  session.ContextUser,
			VarType:  session.VarTypeEnum,
			EnumVals: []string{"escape", "hex"},
			BootVal:  str("hex"),
			ResetVal: str("hex"),
			Source:   "default",
		},
	})
	return session.NewStateWithRegistry(registry)
}

const expectedCTE = "pg_settings_inmem_ as (\n" +
	"select 'application_name' as name, null as setting, null as unit, 'Reporting and Logging / What to Log' as category, null as short_desc, null as extra_desc, 'user' as context, 'string' as vartype, null as min_val, null as max_val, null::text[] as enumvals, null as boot_val, null as reset_val, 'client' as source, null as sourcefile, null::bigint as sourceline, 'f'::boolean as pending_restart\n" +
	"union all\n" +
	"select 'bytea_output' as name, 'hex' as setting, null as unit, 'Client Connection Defaults / Statement Behavior' as category, null as short_desc, null as extra_desc, 'user' as context, 'enum' as vartype, null as min_val, null as max_val, '{\"escape\", \"hex\"}'::text[] as enumvals, 'hex' as boot_val, 'hex' as reset_val, 'default' as source, null as sourcefile, null::bigint as sourceline, 'f'::boolean as pending_restart\n" +
	"),\n" +
	"pg_settings_names_ as (\n" +
	"select name from pg_settings_inmem_\n" +
	"union\n" +
	"select name from pg_catalog.pg_settings\n" +
	"),\n" +
	"pg_settings as (\n" +
	"select n.name, coalesce(s1.setting, s2.setting) as setting,coalesce(s1.unit, s2.unit) as unit,coalesce(s1.category, s2.category) as category,coalesce(s1.short_desc, s2.short_desc) as short_desc,coalesce(s1.extra_desc, s2.extra_desc) as extra_desc,coalesce(s1.context, s2.context) as context,coalesce(s1.vartype, s2.vartype) as vartype,coalesce(s1.source, s2.source) as source,coalesce(s1.min_val, s2.min_val) as min_val,coalesce(s1.max_val, s2.max_val) as max_val,coalesce(s1.enumvals, s2.enumvals) as enumvals,coalesce(s1.boot_val, s2.boot_val) as boot_val,coalesce(s1.reset_val, s2.reset_val) as reset_val,coalesce(s1.sourcefile, s2.sourcefile) as sourcefile,coalesce(s1.sourceline, s2.sourceline) as sourceline,coalesce(s1.pending_restart, s2.pending_restart) as pending_restart\n" +
	"from pg_settings_names_ n\n" +
	"left join pg_settings_inmem_ s1 using (name)\n" +
	"left join pg_catalog.pg_settings s2 using (name)\n" +
	"order by name\n" +
	")\n"

func TestSettingsCTE(t *testing.T) {
	rewriter := NewRewriter(testState())
	if got := rewriter.SettingsCTE(); got != expectedCTE {
		t.Errorf("SettingsCTE mismatch:\ngot:\n%s\nwant:\n%s", got, expectedCTE)
	}
}

func TestSettingsCTEReflectsSessionWrites(t *testing.T) {
	state := testState()
	if err := state.Set("", "bytea_output", str("escape")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cte := NewRewriter(state).SettingsCTE()
	if !strings.Contains(cte, "select 'bytea_output' as name, 'escape' as setting") {
		t.Errorf("uncommitted write not reflected in CTE:\n%s", cte)
	}
}

func TestRewriteInjectsWithClause(t *testing.T) {
	rewriter := NewRewriter(testState())
	sql := "select * from pg_settings"
	want := "with " + expectedCTE + "\n" + sql
	if got := rewriter.Rewrite(sql); got != want {
		t.Errorf("Rewrite mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestRewriteUnrelatedStatementIsIdentity(t *testing.T) {
	rewriter := NewRewriter(testState())
	for _, sql := range []string{
		"select * from some_table",
		"select * from pg_settings_custom",
		"select * from my_pg_settings",
		"select * from PG_SETTINGS",
		"select 1",
	} {
		if got := rewriter.Rewrite(sql); got != sql {
			t.Errorf("Rewrite(%q) = %q, want input unchanged", sql, got)
		}
	}
}

func TestRewritePreservesParameters(t *testing.T) {
	rewriter := NewRewriter(testState())
	sql := "select * from pg_settings where name=$1"
	got := rewriter.Rewrite(sql)
	if want := "with " + expectedCTE + "\n" + sql; got != want {
		t.Errorf("Rewrite mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
	if !strings.HasSuffix(got, "where name=$1") {
		t.Errorf("bind placeholder not preserved: %s", got)
	}
}

func TestRewriteKeepsLeadingComment(t *testing.T) {
	rewriter := NewRewriter(testState())
	sql := "/* This comment is preserved */ select * from pg_settings"
	want := "with " + expectedCTE + "\n" + sql
	if got := rewriter.Rewrite(sql); got != want {
		t.Errorf("Rewrite mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestRewriteMergesWithExistingCTE(t *testing.T) {
	rewriter := NewRewriter(testState())
	sql := "with my_cte as (select col1, col2 from foo) select * from pg_settings inner join my_cte on my_cte.col1=pg_settings.name"
	want := "with " + expectedCTE + ",\n my_cte as (select col1, col2 from foo) select * from pg_settings inner join my_cte on my_cte.col1=pg_settings.name"
	if got := rewriter.Rewrite(sql); got != want {
		t.Errorf("Rewrite mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestRewriteMergesWithCommentsAndExistingCTE(t *testing.T) {
	rewriter := NewRewriter(testState())
	sql := "/* This comment is preserved */ with foo as (select * from bar)\nselect * from pg_settings"
	want := "/* This comment is preserved */ with " + expectedCTE + ",\n foo as (select * from bar)\nselect * from pg_settings"
	if got := rewriter.Rewrite(sql); got != want {
		t.Errorf("Rewrite mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestRewriteDoesNotTreatWithPrefixAsKeyword(t *testing.T) {
	rewriter := NewRewriter(testState())
	// "withdrawals" must not be mistaken for a with-clause.
	sql := "select * from withdrawals, pg_settings"
	want := "with " + expectedCTE + "\n" + sql
	if got := rewriter.Rewrite(sql); got != want {
		t.Errorf("Rewrite mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestRewriteDisabledBySessionSetting(t *testing.T) {
	registry := session.NewRegistry([]session.Setting{
		{
			Extension: "bridge",
			Name:      "replace_pg_catalog_tables",
			Context:   session.ContextUser,
			VarType:   session.VarTypeBool,
			BootVal:   str("off"),
		},
	})
	state := session.NewStateWithRegistry(registry)
	rewriter := NewRewriter(state)
	sql := "select * from pg_settings"
	if got := rewriter.Rewrite(sql); got != sql {
		t.Errorf("Rewrite should be disabled: %q", got)
	}
}
