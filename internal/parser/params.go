package parser

import "strings"

// CountParameters returns the highest positional placeholder number ($1, $2,
// ...) referenced outside string literals, quoted identifiers and comments.
// Gaps count too: a statement using only $3 still needs three parameters.
func CountParameters(sql string) int {
	max := 0
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == '\'':
			i = skipQuoted(sql, i, '\'')
		case c == '"':
			i = skipQuoted(sql, i, '"')
		case (c == 'e' || c == 'E') && i+1 < len(sql) && sql[i+1] == '\'':
			i = skipEscapeString(sql, i+1)
		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return max
			}
			i += end + 1
		case strings.HasPrefix(sql[i:], "/*"):
			i = skipBlockComment(sql, i)
		case c == '$':
			if tag, ok := dollarQuoteTag(sql, i); ok {
				i = skipDollarQuoted(sql, i, tag)
				break
			}
			n, next := parsePlaceholder(sql, i)
			if n > max {
				max = n
			}
			i = next
		default:
			i++
		}
	}
	return max
}

// skipQuoted passes over a quoted region, honoring doubled quote characters.
func skipQuoted(sql string, start int, quote byte) int {
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// skipEscapeString passes over an E'...' body where backslash escapes the
// next character.
func skipEscapeString(sql string, start int) int {
	i := start + 1
	for i < len(sql) {
		switch sql[i] {
		case '\\':
			i += 2
		case '\'':
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipBlockComment(sql string, start int) int {
	depth := 1
	i := start + 2
	for i < len(sql) && depth > 0 {
		switch {
		case strings.HasPrefix(sql[i:], "/*"):
			depth++
			i += 2
		case strings.HasPrefix(sql[i:], "*/"):
			depth--
			i += 2
		default:
			i++
		}
	}
	return i
}

// dollarQuoteTag reports whether position i opens a dollar-quoted string
// ($$ or $tag$) rather than a positional parameter.
func dollarQuoteTag(sql string, i int) (string, bool) {
	j := i + 1
	for j < len(sql) && (sql[j] == '_' ||
		('a' <= sql[j] && sql[j] <= 'z') || ('A' <= sql[j] && sql[j] <= 'Z')) {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return sql[i : j+1], true
	}
	return "", false
}

func skipDollarQuoted(sql string, start int, tag string) int {
	end := strings.Index(sql[start+len(tag):], tag)
	if end < 0 {
		return len(sql)
	}
	return start + len(tag) + end + len(tag)
}

func parsePlaceholder(sql string, i int) (number, next int) {
	j := i + 1
	n := 0
	for j < len(sql) && '0' <= sql[j] && sql[j] <= '9' {
		n = n*10 + int(sql[j]-'0')
		j++
	}
	if j == i+1 {
		return 0, i + 1 // bare $, not a placeholder
	}
	return n, j
}
