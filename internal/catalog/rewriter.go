// Package catalog rewrites SQL that references the pg_settings catalog view.
// The backend has no pg_settings, so statements touching it get a CTE block
// injected that materializes the connection's session state as literal rows,
// unioned with whatever real catalog view the backend may expose.
package catalog

import (
	"strings"

	"github.com/bridgedata/bridge/internal/session"
)

// Rewriter injects session-state CTEs into statements that read pg_settings.
// It holds the owning connection's state, so each rewrite reflects the values
// in effect at that moment, including uncommitted transaction-level writes.
type Rewriter struct {
	state *session.State
}

// NewRewriter creates a rewriter over the given session state.
func NewRewriter(state *session.State) *Rewriter {
	return &Rewriter{state: state}
}

// Rewrite returns sql with the pg_settings CTE block injected when the
// statement references pg_settings, and the identical input string otherwise.
// Positional bind placeholders in the statement are untouched; only a prefix
// is added. Rewriting can be disabled per session via
// bridge.replace_pg_catalog_tables.
func (r *Rewriter) Rewrite(sql string) string {
	if !referencesPgSettings(sql) {
		return sql
	}
	if !r.state.GetBool("bridge", "replace_pg_catalog_tables", true) {
		return sql
	}

	cte := r.SettingsCTE()
	if prefix, rest, ok := splitLeadingWith(sql); ok {
		// Merge into the existing with-clause, keeping any leading comment
		// block ahead of the injected "with" keyword.
		return prefix + "with " + cte + ",\n" + rest
	}
	return "with " + cte + "\n" + sql
}

// SettingsCTE renders the three-part CTE block: literal rows for every known
// setting, a name union with the real catalog view, and a pg_settings view
// that prefers the in-memory row when both exist.
func (r *Rewriter) SettingsCTE() string {
	var b strings.Builder
	b.WriteString("pg_settings_inmem_ as (\n")
	for i, entry := range r.state.GetAll() {
		if i > 0 {
			b.WriteString("union all\n")
		}
		writeSettingRow(&b, entry)
	}
	b.WriteString("),\n")
	b.WriteString("pg_settings_names_ as (\n")
	b.WriteString("select name from pg_settings_inmem_\n")
	b.WriteString("union\n")
	b.WriteString("select name from pg_catalog.pg_settings\n")
	b.WriteString("),\n")
	b.WriteString("pg_settings as (\n")
	b.WriteString("select n.name, ")
	for i, col := range []string{
		"setting", "unit", "category", "short_desc", "extra_desc", "context",
		"vartype", "source", "min_val", "max_val", "enumvals", "boot_val",
		"reset_val", "sourcefile", "sourceline", "pending_restart",
	} {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("coalesce(s1." + col + ", s2." + col + ") as " + col)
	}
	b.WriteString("\n")
	b.WriteString("from pg_settings_names_ n\n")
	b.WriteString("left join pg_settings_inmem_ s1 using (name)\n")
	b.WriteString("left join pg_catalog.pg_settings s2 using (name)\n")
	b.WriteString("order by name\n")
	b.WriteString(")\n")
	return b.String()
}

// writeSettingRow renders one setting as a single-row select of 17 columns.
func writeSettingRow(b *strings.Builder, entry session.Entry) {
	b.WriteString("select ")
	b.WriteString(quote(entry.QualifiedName()) + " as name, ")
	b.WriteString(quoteNullable(entry.Value) + " as setting, ")
	b.WriteString(quoteEmptyNull(entry.Unit) + " as unit, ")
	b.WriteString(quoteEmptyNull(entry.Category) + " as category, ")
	b.WriteString(quoteEmptyNull(entry.ShortDesc) + " as short_desc, ")
	b.WriteString("null as extra_desc, ")
	b.WriteString(quote(string(entry.Context)) + " as context, ")
	b.WriteString(quote(string(entry.VarType)) + " as vartype, ")
	b.WriteString(quoteEmptyNull(entry.MinVal) + " as min_val, ")
	b.WriteString(quoteEmptyNull(entry.MaxVal) + " as max_val, ")
	b.WriteString(enumValsLiteral(entry.EnumVals) + " as enumvals, ")
	b.WriteString(quoteNullable(entry.BootVal) + " as boot_val, ")
	b.WriteString(quoteNullable(entry.ResetVal) + " as reset_val, ")
	b.WriteString(quoteEmptyNull(entry.Source) + " as source, ")
	b.WriteString("null as sourcefile, ")
	b.WriteString("null::bigint as sourceline, ")
	if entry.PendingRestart {
		b.WriteString("'t'::boolean as pending_restart\n")
	} else {
		b.WriteString("'f'::boolean as pending_restart\n")
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteNullable(s *string) string {
	if s == nil {
		return "null"
	}
	return quote(*s)
}

func quoteEmptyNull(s string) string {
	if s == "" {
		return "null"
	}
	return quote(s)
}

func enumValsLiteral(vals []string) string {
	if len(vals) == 0 {
		return "null::text[]"
	}
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = `"` + v + `"`
	}
	return quote("{"+strings.Join(quoted, ", ")+"}") + "::text[]"
}

// referencesPgSettings reports whether sql contains the identifier
// pg_settings as a whole word. The match is case-sensitive: PostgreSQL folds
// unquoted identifiers to lower case, so a mixed-case spelling would not
// resolve to the catalog view anyway.
func referencesPgSettings(sql string) bool {
	const ident = "pg_settings"
	for i := 0; ; {
		j := strings.Index(sql[i:], ident)
		if j < 0 {
			return false
		}
		j += i
		before := j == 0 || !isIdentChar(sql[j-1])
		end := j + len(ident)
		after := end == len(sql) || !isIdentChar(sql[end])
		if before && after {
			return true
		}
		i = j + 1
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// splitLeadingWith detects a statement that already starts with a with-clause,
// possibly preceded by comments. It returns the verbatim prefix up to the
// "with" keyword and the remainder after it.
func splitLeadingWith(sql string) (prefix, rest string, ok bool) {
	i := skipLeadingComments(sql)
	if len(sql)-i < 4 || !strings.EqualFold(sql[i:i+4], "with") {
		return "", "", false
	}
	// "with" must be a standalone keyword, not a prefix of a longer word.
	if len(sql) > i+4 && isIdentChar(sql[i+4]) {
		return "", "", false
	}
	return sql[:i], sql[i+4:], true
}

// skipLeadingComments returns the offset of the first byte that is not part
// of leading whitespace, a line comment or a block comment.
func skipLeadingComments(sql string) int {
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
			depth := 1
			j := i + 2
			for j < len(sql) && depth > 0 {
				switch {
				case strings.HasPrefix(sql[j:], "/*"):
					depth++
					j += 2
				case strings.HasPrefix(sql[j:], "*/"):
					depth--
					j += 2
				default:
					j++
				}
			}
			if depth > 0 {
				return len(sql)
			}
			i = j
		default:
			return i
		}
	}
	return i
}
