package runtime

import (
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/estuarydb/estuary/internal/record"
)

// paramsSchema is a compiled CUE schema for a command's input payload.
// Schemas compile once at composition time; per-command validation only
// unifies the payload against the compiled value.
type paramsSchema struct {
	value cue.Value
}

// compileParamsSchema compiles a CUE source string describing the shape
// of a command's params object. The source must evaluate to a struct,
// e.g. `{ userId: string, quantity: int & >0 }`. Close the struct in the
// schema itself to reject unknown fields.
func compileParamsSchema(cctx *cue.Context, command, src string) (*paramsSchema, error) {
	v := cctx.CompileString(src)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("command %q: compile params schema: %w", command, flattenCUEError(err))
	}
	if k := v.IncompleteKind(); k != cue.StructKind {
		return nil, fmt.Errorf("command %q: params schema must be a struct, got %s", command, k)
	}
	return &paramsSchema{value: v}, nil
}

// validate unifies params against the schema and requires the result to
// be concrete. A nil params is checked as an empty struct, so schemas
// with required fields reject it.
func (s *paramsSchema) validate(params record.Fields) error {
	if params == nil {
		params = record.Fields{}
	}
	data := s.value.Context().Encode(map[string]any(params))
	if err := data.Err(); err != nil {
		return flattenCUEError(err)
	}
	unified := s.value.Unify(data)
	if err := unified.Err(); err != nil {
		return flattenCUEError(err)
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return flattenCUEError(err)
	}
	return nil
}

// flattenCUEError collapses a multi-error CUE result into one error that
// keeps every message, since CUE reports each failing field separately.
func flattenCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) <= 1 {
		return err
	}
	return fmt.Errorf("%s", cueerrors.Details(err, nil))
}
