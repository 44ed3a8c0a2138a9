// Package query defines the filter criteria accepted by store reads and the
// in-memory evaluation used by adapters and fork overlays.
//
// A Criteria combines per-field conditions, ordering, and pagination. Both
// backends evaluate ordering through the same collation (see sort.go) so a
// query returns records in the same order regardless of the adapter behind it.
package query

import (
	"fmt"

	"github.com/estuarydb/estuary/internal/record"
)

// Op is a per-field comparison operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpIn     Op = "in"
	OpNin    Op = "nin"
	OpExists Op = "exists"
)

// Cond is one condition applied to a single field.
type Cond struct {
	Op    Op  `json:"op"`
	Value any `json:"value,omitempty"`
}

// Filter maps field names to the condition each must satisfy.
// A record matches when every condition holds (conjunction).
// The identity field is addressable as record.IDField ("_id").
type Filter map[string]Cond

// Condition constructors. These keep call sites readable:
//
//	query.Filter{"age": query.Gte(21), "name": query.Eq("Ann")}

func Eq(v any) Cond     { return Cond{Op: OpEq, Value: v} }
func Ne(v any) Cond     { return Cond{Op: OpNe, Value: v} }
func Gt(v any) Cond     { return Cond{Op: OpGt, Value: v} }
func Gte(v any) Cond    { return Cond{Op: OpGte, Value: v} }
func Lt(v any) Cond     { return Cond{Op: OpLt, Value: v} }
func Lte(v any) Cond    { return Cond{Op: OpLte, Value: v} }
func In(vs ...any) Cond { return Cond{Op: OpIn, Value: vs} }

// Nin matches records whose field value is absent from vs.
func Nin(vs ...any) Cond { return Cond{Op: OpNin, Value: vs} }

// Exists matches on field presence (want=true) or absence (want=false).
func Exists(want bool) Cond { return Cond{Op: OpExists, Value: want} }

// SortKey orders results by one field. Descending reverses the comparison.
type SortKey struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Criteria is the full shape of a store read.
//
// Zero value means: match everything live, unordered beyond the stable
// identity tiebreak, no pagination.
type Criteria struct {
	Filter         Filter    `json:"filter,omitempty"`
	Sort           []SortKey `json:"sort,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Offset         int       `json:"offset,omitempty"`
	IncludeDeleted bool      `json:"includeDeleted,omitempty"`
}

// ByID is shorthand for a criteria matching exactly one identity.
func ByID(id string) Criteria {
	return Criteria{Filter: Filter{record.IDField: Eq(id)}}
}

// Match reports whether the record satisfies the criteria's filter and
// soft-delete visibility. Ordering and pagination are not applied here.
func (c Criteria) Match(r *record.Record) (bool, error) {
	if r == nil {
		return false, nil
	}
	if r.Deleted && !c.IncludeDeleted {
		return false, nil
	}
	for field, cond := range c.Filter {
		ok, err := matchCond(r, field, cond)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", field, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchCond(r *record.Record, field string, cond Cond) (bool, error) {
	val, present := r.Field(field)

	switch cond.Op {
	case OpExists:
		want, ok := cond.Value.(bool)
		if !ok {
			return false, fmt.Errorf("exists condition requires a bool, got %T", cond.Value)
		}
		return present == want, nil

	case OpEq:
		return present && Equal(val, cond.Value), nil

	case OpNe:
		// Absent fields compare not-equal to any value.
		return !present || !Equal(val, cond.Value), nil

	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false, nil
		}
		cmp, ok := Compare(val, cond.Value)
		if !ok {
			return false, nil
		}
		switch cond.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}

	case OpIn, OpNin:
		set, err := condSet(cond)
		if err != nil {
			return false, err
		}
		found := false
		if present {
			for _, candidate := range set {
				if Equal(val, candidate) {
					found = true
					break
				}
			}
		}
		if cond.Op == OpIn {
			return found, nil
		}
		return !found, nil

	default:
		return false, fmt.Errorf("unknown operator %q", cond.Op)
	}
}

func condSet(cond Cond) ([]any, error) {
	switch set := cond.Value.(type) {
	case []any:
		return set, nil
	case []string:
		out := make([]any, len(set))
		for i, s := range set {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s condition requires a slice, got %T", cond.Op, cond.Value)
	}
}
