// Package query implements the bracketed JSON-path dialect: a restricted
// SQL WHERE/ORDER-BY fragment in which every JSON-path reference is
// enclosed in square brackets, e.g. "[user.name] = ? AND [age] >= ?".
// This is a hand-written scanner for that one small grammar, not a
// general SQL parser (spec.md's Non-goals explicitly exclude one).
package query

import (
	"strings"

	"ntjsonstore/internal/ntjsonerr"
)

// SchemaReserver is the subset of schema.Manager the translator needs: it
// must be able to turn a referenced path into a storage column name,
// creating a pending column on first use (or rejecting the path if it is
// not in a non-empty queryable-fields allow-list).
type SchemaReserver interface {
	ReserveStorageNameForQuery(path string) (storageName string, err error)
}

// builtinColumns are stored columns every collection table carries
// regardless of projected schema (store.go's CREATE TABLE). A bracketed
// reference to one of these is a built-in-column reference, not a JSON
// path, and rewrites to the literal column name — mirroring spec.md
// §4.4's "unbracketed identifiers pass through unchanged (they refer to
// built-in columns such as __rowid__)" rule for the bracketed form too,
// since spec.md §8's own worked example writes "[__rowid__] = ?".
var builtinColumns = map[string]string{
	"__rowid__": "__rowid__",
	"__json__":  "__json__",
}

// Result is the outcome of translating one clause.
type Result struct {
	// SQL is the rewritten clause, with every [path] replaced by its
	// storage column name and placeholder positions preserved.
	SQL string
	// Paths is the duplicate-free set of JSON paths referenced, in the
	// order first encountered.
	Paths []string
}

// ReplaceAliases substitutes every "$NAME" token in s with its replacement
// from aliases, applied before any other parsing. Unknown $NAME tokens are
// left untouched.
func ReplaceAliases(s string, aliases map[string]string) string {
	if len(aliases) == 0 {
		return s
	}
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '$' {
			j := i + 1
			for j < len(s) && isAliasChar(s[j]) {
				j++
			}
			if j > i+1 {
				name := s[i+1 : j]
				if repl, ok := aliases[name]; ok {
					b.WriteString(repl)
					i = j
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func isAliasChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Translate rewrites a WHERE-clause-shaped fragment, replacing each
// [path] with the storage column name the schema assigns it. Unbracketed
// identifiers (e.g. __rowid__) pass through unchanged.
func Translate(clause string, aliases map[string]string, schema SchemaReserver) (Result, error) {
	clause = ReplaceAliases(clause, aliases)
	return rewrite(clause, schema, false)
}

// TranslateOrderBy rewrites a comma-separated ORDER BY fragment, honoring
// a trailing DESC/ASC per field.
func TranslateOrderBy(clause string, aliases map[string]string, schema SchemaReserver) (Result, error) {
	clause = ReplaceAliases(clause, aliases)
	return rewrite(clause, schema, true)
}

func rewrite(clause string, schema SchemaReserver, orderBy bool) (Result, error) {
	var out strings.Builder
	var paths []string
	seen := map[string]bool{}

	i := 0
	for i < len(clause) {
		c := clause[i]
		switch c {
		case '[':
			end := strings.IndexByte(clause[i+1:], ']')
			if end < 0 {
				return Result{}, ntjsonerr.InvalidSqlArgument("unmatched '[' in clause %q", clause)
			}
			path := strings.TrimSpace(clause[i+1 : i+1+end])
			if path == "" {
				return Result{}, ntjsonerr.InvalidSqlArgument("empty path reference in clause %q", clause)
			}
			if col, ok := builtinColumns[path]; ok {
				out.WriteString(col)
				i += 1 + end + 1
				continue
			}
			storageName, err := schema.ReserveStorageNameForQuery(path)
			if err != nil {
				return Result{}, err
			}
			out.WriteString(storageName)
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
			i += 1 + end + 1
		case ']':
			return Result{}, ntjsonerr.InvalidSqlArgument("unmatched ']' in clause %q", clause)
		default:
			out.WriteByte(c)
			i++
		}
	}

	return Result{SQL: out.String(), Paths: paths}, nil
}
