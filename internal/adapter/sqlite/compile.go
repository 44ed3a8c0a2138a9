package sqlite

import (
	"fmt"
	"sort"
	"strings"

	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// Filter pushdown.
//
// compileFilter turns the parts of a criteria that translate faithfully to
// SQLite into a WHERE clause over json_extract. The full criteria is
// re-evaluated in Go after the fetch, so pushdown only has to avoid FALSE
// NEGATIVES: a predicate is compiled only when SQLite can never exclude a
// row the engine would keep. Anything else (nested values, nil comparisons,
// string range predicates whose collation differs from the engine's) is
// left for the in-memory pass.
//
// All values are parameterized, never interpolated.

func compileFilter(store string, c query.Criteria) (string, []any) {
	var (
		clauses = []string{"store = ?"}
		params  = []any{store}
	)

	if !c.IncludeDeleted {
		clauses = append(clauses, "deleted = 0")
	}

	// Sort field names for deterministic SQL (testing, query plan cache).
	fields := make([]string, 0, len(c.Filter))
	for f := range c.Filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		sql, condParams, ok := compileCond(field, c.Filter[field])
		if !ok {
			continue
		}
		clauses = append(clauses, sql)
		params = append(params, condParams...)
	}

	return strings.Join(clauses, " AND "), params
}

func compileCond(field string, cond query.Cond) (string, []any, bool) {
	if field != record.IDField && !safeFieldName(field) {
		return "", nil, false
	}
	expr, isID := fieldExpr(field)

	switch cond.Op {
	case query.OpEq:
		if !scalarParam(cond.Value) {
			return "", nil, false
		}
		return fmt.Sprintf("%s = ?", expr), []any{cond.Value}, true

	case query.OpNe:
		if !scalarParam(cond.Value) {
			return "", nil, false
		}
		if isID {
			return fmt.Sprintf("%s != ?", expr), []any{cond.Value}, true
		}
		// An absent field satisfies ne; json_extract yields NULL there.
		return fmt.Sprintf("(%s IS NULL OR %s != ?)", expr, expr), []any{cond.Value}, true

	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		// Numbers only: SQLite's cross-type ordering would otherwise keep
		// or drop rows the engine disagrees about, and string ranges use
		// the engine's collation, not BINARY.
		if !numericParam(cond.Value) {
			return "", nil, false
		}
		op := map[query.Op]string{
			query.OpGt: ">", query.OpGte: ">=",
			query.OpLt: "<", query.OpLte: "<=",
		}[cond.Op]
		return fmt.Sprintf("(json_type(fields, ?) IN ('integer','real') AND %s %s ?)",
			expr, op), []any{jsonPath(field), cond.Value}, true

	case query.OpIn, query.OpNin:
		set, ok := cond.Value.([]any)
		if !ok {
			return "", nil, false
		}
		for _, v := range set {
			if !scalarParam(v) {
				return "", nil, false
			}
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(set)), ",")
		if cond.Op == query.OpIn {
			if len(set) == 0 {
				return "1 = 0", nil, true
			}
			return fmt.Sprintf("%s IN (%s)", expr, placeholders), set, true
		}
		if len(set) == 0 {
			return "", nil, false
		}
		if isID {
			return fmt.Sprintf("%s NOT IN (%s)", expr, placeholders), set, true
		}
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", expr, expr, placeholders), set, true

	case query.OpExists:
		want, ok := cond.Value.(bool)
		if !ok || isID {
			return "", nil, false
		}
		if want {
			return "json_type(fields, ?) IS NOT NULL", []any{jsonPath(field)}, true
		}
		return "json_type(fields, ?) IS NULL", []any{jsonPath(field)}, true

	default:
		return "", nil, false
	}
}

// fieldExpr returns the SQL expression addressing a field, and whether the
// field is the identity column.
func fieldExpr(field string) (string, bool) {
	if field == record.IDField {
		return "id", true
	}
	return fmt.Sprintf("json_extract(fields, '%s')", jsonPath(field)), false
}

// jsonPath builds a $.field path. Only fields passing safeFieldName reach
// here, so the path needs no quoting.
func jsonPath(field string) string {
	return "$." + field
}

// safeFieldName reports whether a field name can be embedded in a JSON path
// without quoting: ASCII letters, digits, underscore, dash. Anything else
// is evaluated by the in-memory pass instead of being pushed down.
func safeFieldName(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func scalarParam(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	default:
		return numericParam(v)
	}
}

func numericParam(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}
